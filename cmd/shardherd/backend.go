package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/buddhike/shardherd/consumer"
	"github.com/buddhike/shardherd/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// openTables connects to the configured backend. The returned func closes
// every connection it opened.
func openTables(ctx context.Context, cfg config, logger *zap.Logger) (consumer.Tables, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreBackend {
	case backendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return consumer.Tables{}, closeAll, fmt.Errorf("failed to load aws config: %w", err)
		}
		ddb := dynamodb.NewFromConfig(awsCfg)
		clients := store.NewDynamoTable(ddb, cfg.ClientTable, "ID")
		checkpoints := store.NewDynamoTable(ddb, cfg.CheckpointTable, "Shard")
		metadata := store.NewDynamoTable(ddb, cfg.MetadataTable, "Key")
		if cfg.CreateTables {
			for _, t := range []*store.DynamoTable{clients, checkpoints, metadata} {
				if err := t.EnsureTable(ctx); err != nil {
					return consumer.Tables{}, closeAll, err
				}
			}
		}
		return consumer.Tables{Clients: clients, Checkpoints: checkpoints, Metadata: metadata}, closeAll, nil

	case backendEtcd, backendEtcdEmbedded:
		endpoints := strings.Split(cfg.EtcdEndpoints, ",")
		if cfg.StoreBackend == backendEtcdEmbedded {
			name, _ := os.Hostname()
			if name == "" {
				name = cfg.AppName
			}
			server := store.NewEmbeddedEtcd(name, filepath.Clean(cfg.EtcdDataDir), endpoints[0], cfg.EtcdPeerURL, logger)
			if err := server.Start(); err != nil {
				return consumer.Tables{}, closeAll, err
			}
			closers = append(closers, server.Stop)
			endpoints = []string{server.ClientURL()}
		}
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			closeAll()
			return consumer.Tables{}, func() {}, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		closers = append(closers, func() { cli.Close() })
		return consumer.Tables{
			Clients:     store.NewEtcdTable(cli, cfg.ClientTable),
			Checkpoints: store.NewEtcdTable(cli, cfg.CheckpointTable),
			Metadata:    store.NewEtcdTable(cli, cfg.MetadataTable),
		}, closeAll, nil

	case backendNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			return consumer.Tables{}, closeAll, fmt.Errorf("failed to connect to nats: %w", err)
		}
		closers = append(closers, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			closeAll()
			return consumer.Tables{}, func() {}, fmt.Errorf("failed to open jetstream: %w", err)
		}
		var tables [3]store.Table
		for i, name := range []string{cfg.ClientTable, cfg.CheckpointTable, cfg.MetadataTable} {
			t, err := store.OpenNATSTable(ctx, js, name)
			if err != nil {
				closeAll()
				return consumer.Tables{}, func() {}, err
			}
			tables[i] = t
		}
		return consumer.Tables{Clients: tables[0], Checkpoints: tables[1], Metadata: tables[2]}, closeAll, nil

	case backendPostgres:
		db := store.OpenPostgres(cfg.DSN, 4*runtime.GOMAXPROCS(0))
		closers = append(closers, func() { db.Close() })
		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return consumer.Tables{}, func() {}, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if cfg.CreateTables {
			if err := store.EnsurePostgresSchema(ctx, db); err != nil {
				closeAll()
				return consumer.Tables{}, func() {}, err
			}
		}
		return consumer.Tables{
			Clients:     store.NewPostgresTable(db, cfg.ClientTable),
			Checkpoints: store.NewPostgresTable(db, cfg.CheckpointTable),
			Metadata:    store.NewPostgresTable(db, cfg.MetadataTable),
		}, closeAll, nil
	}
	return consumer.Tables{}, closeAll, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

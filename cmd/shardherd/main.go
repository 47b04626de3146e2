package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/buddhike/shardherd/consumer"
	"github.com/buddhike/shardherd/messages"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "shardherd",
		Usage: "coordinated kinesis stream consumer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file overlaid on the environment",
				EnvVars: []string{"SHARDHERD_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			planCommand(),
			checkpointsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "joins the consumer group and reads the shards assigned to this worker",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.StreamName == "" {
				return fmt.Errorf("STREAM_NAME is required")
			}
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(c.Context, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	kds := kinesis.NewFromConfig(awsCfg)

	tables, closeTables, err := openTables(ctx, cfg, logger)
	defer closeTables()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promStats, err := consumer.NewPrometheusStats(reg)
	if err != nil {
		return err
	}
	stats := consumer.MultiStats{promStats, consumer.NewLoggingStats(logger)}

	records := newRecordCounter(logger)
	process := consumer.PerRecord(records.Process)
	opts := append(cfg.options(logger, stats),
		consumer.WithShardErrorHandler(func(shardID string, err error) {
			logger.Error("shard processor stopped", zap.String("shard-id", shardID), zap.Error(err))
		}))
	c, err := consumer.NewConsumer(cfg.AppName, cfg.StreamName, kds, tables, process, opts...)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}

	server := newStatusServer(":"+strconv.Itoa(cfg.Port), c, reg, logger)
	server.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-stop:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case <-ctx.Done():
	}
	c.Stop()
	server.Stop()
	records.LogTotal()
	return nil
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "prints the current coordinator record",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			tables, closeTables, err := openTables(c.Context, cfg, zap.NewNop())
			defer closeTables()
			if err != nil {
				return err
			}
			ccfg := consumer.NewConsumerConfig(cfg.AppName, cfg.StreamName)
			plan, _, err := consumer.NewMetadataStore(ccfg, tables.Metadata, zap.NewNop()).Load(c.Context)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, planResponse(plan))
		},
	}
}

func checkpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "prints the checkpoint of every shard",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			tables, closeTables, err := openTables(c.Context, cfg, zap.NewNop())
			defer closeTables()
			if err != nil {
				return err
			}
			ccfg := consumer.NewConsumerConfig(cfg.AppName, cfg.StreamName)
			all, err := consumer.NewCheckpointStore(ccfg, tables.Checkpoints, zap.NewNop()).List(c.Context)
			if err != nil {
				return err
			}
			r := make([]messages.CheckpointState, 0, len(all))
			for _, cp := range all {
				r = append(r, messages.CheckpointState{
					ShardID:        cp.ShardID,
					SequenceNumber: cp.SequenceNumber,
					OwnerWorkerID:  cp.OwnerWorkerID,
					UpdatedAt:      cp.UpdatedAt.Format(time.RFC3339Nano),
					Closed:         cp.Closed,
				})
			}
			return printJSON(c.App.Writer, r)
		},
	}
}

func planResponse(plan consumer.Plan) messages.PlanResponse {
	r := messages.PlanResponse{
		Version:           plan.Version,
		GeneratedAt:       plan.GeneratedAt.Format(time.RFC3339Nano),
		LeaderID:          plan.LeaderID,
		LeaderLeaseExpiry: plan.LeaderLeaseExpiry.Format(time.RFC3339Nano),
		Digest:            strconv.FormatUint(plan.Digest, 16),
		WaitingOn:         plan.ShardParents,
	}
	workers := make(map[string]bool)
	for _, owner := range plan.ShardAssignments {
		workers[owner] = true
	}
	for w := range workers {
		r.Workers = append(r.Workers, messages.WorkerAssignment{WorkerID: w, Shards: plan.ShardsOf(w)})
	}
	sort.Slice(r.Workers, func(i, j int) bool { return r.Workers[i].WorkerID < r.Workers[j].WorkerID })
	return r
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded nats server not ready")
	}
	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect to embedded nats server: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestNATSTable(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded nats server")
	}
	nc := startEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	var n atomic.Int32
	runTableTests(t, func(t *testing.T) Table {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tbl, err := OpenNATSTable(ctx, js, fmt.Sprintf("table-%d", n.Add(1)))
		require.NoError(t, err)
		return tbl
	})
}

func TestOpenNATSTableReusesBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded nats server")
	}
	nc := startEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := OpenNATSTable(ctx, js, "shared")
	require.NoError(t, err)
	_, err = a.Put(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)

	b, err := OpenNATSTable(ctx, js, "shared")
	require.NoError(t, err)
	r, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), r.Value)
}

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/buddhike/shardherd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookTable runs beforeDelete ahead of every delete.
type hookTable struct {
	store.Table
	beforeDelete func()
}

func (h *hookTable) Delete(ctx context.Context, key string, expected int64) error {
	if h.beforeDelete != nil {
		h.beforeDelete()
	}
	return h.Table.Delete(ctx, key, expected)
}

func TestRegisterIsIdempotent(t *testing.T) {
	w := newTestWorld(t)
	r := w.Registry()
	ctx := context.Background()

	_, err := r.Register(ctx, "a", w.clock.Now())
	require.NoError(t, err)
	_, err = r.Register(ctx, "a", w.clock.Now())
	require.NoError(t, err)

	records, err := w.clients.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHeartbeatWithStaleVersionConflicts(t *testing.T) {
	w := newTestWorld(t)
	r := w.Registry()
	ctx := context.Background()

	v1, err := r.Register(ctx, "a", w.clock.Now())
	require.NoError(t, err)
	v2, err := r.Heartbeat(ctx, "a", w.clock.Now(), v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = r.Heartbeat(ctx, "a", w.clock.Now(), v1)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestHeartbeatAfterExpiryConflicts(t *testing.T) {
	w := newTestWorld(t)
	r := w.Registry()
	ctx := context.Background()

	v, err := r.Register(ctx, "a", w.clock.Now())
	require.NoError(t, err)
	w.clock.Advance(w.cfg.DeadWorkerTimeout + time.Second)
	expired, err := r.Expire(ctx, w.cfg.DeadWorkerTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, expired)

	_, err = r.Heartbeat(ctx, "a", w.clock.Now(), v)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestListLive(t *testing.T) {
	w := newTestWorld(t)
	r := w.Registry()
	ctx := context.Background()

	w.Heartbeat("c", "a")
	w.clock.Advance(20 * time.Second)
	w.Heartbeat("b")
	w.clock.Advance(15 * time.Second)

	live, err := r.ListLive(ctx, w.cfg.DeadWorkerTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, workerIDs(live))

	live, err = r.ListLive(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, workerIDs(live))
}

func TestExpireSparesWorkerThatHeartbeatsConcurrently(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()
	w.Heartbeat("a", "b")
	w.clock.Advance(w.cfg.DeadWorkerTimeout + time.Second)

	table := &hookTable{Table: w.clients}
	r := NewRegistry(w.cfg, table, w.logger)
	r.clock = w.clock.Now
	table.beforeDelete = func() {
		table.beforeDelete = nil
		w.Heartbeat("a")
	}

	expired, err := r.Expire(ctx, w.cfg.DeadWorkerTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, expired)

	live, err := r.ListLive(ctx, w.cfg.DeadWorkerTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, workerIDs(live))
}

func TestDeregister(t *testing.T) {
	w := newTestWorld(t)
	r := w.Registry()
	ctx := context.Background()
	w.Heartbeat("a")

	require.NoError(t, r.Deregister(ctx, "a"))
	require.NoError(t, r.Deregister(ctx, "a"))

	live, err := r.ListLive(ctx, w.cfg.DeadWorkerTimeout)
	require.NoError(t, err)
	assert.Empty(t, live)
}

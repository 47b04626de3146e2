package consumer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/shardherd/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mut *sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{
		mut: &sync.Mutex{},
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (c *testClock) Now() time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.now = c.now.Add(d)
}

// testWorld wires coordination components to in-memory tables, a fake
// stream and a simulated clock. Leader tests drive ticks by hand.
type testWorld struct {
	t           *testing.T
	cfg         *ConsumerConfig
	clock       *testClock
	clients     *store.MemoryTable
	checkpoints *store.MemoryTable
	metadata    *store.MemoryTable
	kds         *fakeKinesis
	logger      *zap.Logger
}

func newTestWorld(t *testing.T, shardIDs ...string) *testWorld {
	cfg := NewConsumerConfig("test", "stream", WithStoreRetries(1, time.Millisecond, time.Millisecond))
	require.NoError(t, cfg.Validate())
	return &testWorld{
		t:           t,
		cfg:         cfg,
		clock:       newTestClock(),
		clients:     store.NewMemoryTable(),
		checkpoints: store.NewMemoryTable(),
		metadata:    store.NewMemoryTable(),
		kds:         newFakeKinesis(shardIDs...),
		logger:      zap.NewNop(),
	}
}

func (w *testWorld) Registry() *Registry {
	r := NewRegistry(w.cfg, w.clients, w.logger)
	r.clock = w.clock.Now
	return r
}

func (w *testWorld) CheckpointStore() *CheckpointStore {
	s := NewCheckpointStore(w.cfg, w.checkpoints, w.logger)
	s.clock = w.clock.Now
	return s
}

func (w *testWorld) MetadataStore() *MetadataStore {
	return NewMetadataStore(w.cfg, w.metadata, w.logger)
}

func (w *testWorld) NewLeader(workerID string) *Leader {
	return w.NewSkewedLeader(workerID, 0)
}

// NewSkewedLeader returns a leader whose clock runs offset ahead of the
// world clock.
func (w *testWorld) NewSkewedLeader(workerID string, offset time.Duration) *Leader {
	l := NewLeader(w.cfg, workerID, w.MetadataStore(), w.Registry(), w.CheckpointStore(), NewShardDiscoveryService(w.cfg, w.kds, w.logger), w.logger)
	l.clock = func() time.Time { return w.clock.Now().Add(offset) }
	return l
}

func (w *testWorld) Heartbeat(workerIDs ...string) {
	r := w.Registry()
	for _, id := range workerIDs {
		_, err := r.Register(context.Background(), id, w.clock.Now())
		require.NoError(w.t, err)
	}
}

func (w *testWorld) Plan() Plan {
	p, _, err := w.MetadataStore().Load(context.Background())
	require.NoError(w.t, err)
	return p
}

func (w *testWorld) Finalize(shardIDs ...string) {
	cs := w.CheckpointStore()
	for _, id := range shardIDs {
		_, err := cs.Commit(context.Background(), id, "", "", true)
		require.NoError(w.t, err)
	}
}

// fastConfig is used by tests that run real goroutines.
func fastConfig(t *testing.T, opts ...func(*ConsumerConfig)) *ConsumerConfig {
	base := []func(*ConsumerConfig){
		WithHeartbeatInterval(20 * time.Millisecond),
		WithHeartbeatGrace(200 * time.Millisecond),
		WithDeadWorkerTimeout(300 * time.Millisecond),
		WithLeaseDuration(300 * time.Millisecond),
		WithLeaseRenewalInterval(50 * time.Millisecond),
		WithClockSkewTolerance(10 * time.Millisecond),
		WithRebalanceInterval(200 * time.Millisecond),
		WithPlanRefreshInterval(20 * time.Millisecond),
		WithShardReleaseTimeout(200 * time.Millisecond),
		WithIdlePollInterval(5 * time.Millisecond),
		WithCallbackRetries(3, time.Millisecond, 5*time.Millisecond),
		WithStoreRetries(2, time.Millisecond, 5*time.Millisecond),
	}
	cfg := NewConsumerConfig("test", "stream", append(base, opts...)...)
	require.NoError(t, cfg.Validate())
	return cfg
}

// shardsFromStr parses "id[,parent[,adjacentParent]]" specs.
func shardsFromStr(shardIDs ...string) []types.Shard {
	var shards []types.Shard
	for _, spec := range shardIDs {
		parts := strings.Split(spec, ",")
		s := types.Shard{ShardId: aws.String(strings.TrimSpace(parts[0]))}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			s.ParentShardId = aws.String(strings.TrimSpace(parts[1]))
		}
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			s.AdjacentParentShardId = aws.String(strings.TrimSpace(parts[2]))
		}
		shards = append(shards, s)
	}
	return shards
}

type fakeShard struct {
	id      string
	parents []string
	records []types.Record
	closed  bool
}

// fakeKinesis is an in-memory stream. Iterators encode the shard and the
// index of the next record. Like the real API, ListShards rejects a stream
// name together with a next token.
type fakeKinesis struct {
	mut       *sync.Mutex
	shards    map[string]*fakeShard
	pageSize  int
	failNext  map[string]error
	iterators map[string][]types.ShardIteratorType
	listCalls int
}

func newFakeKinesis(shardIDs ...string) *fakeKinesis {
	k := &fakeKinesis{
		mut:       &sync.Mutex{},
		shards:    make(map[string]*fakeShard),
		pageSize:  2,
		failNext:  make(map[string]error),
		iterators: make(map[string][]types.ShardIteratorType),
	}
	for _, s := range shardsFromStr(shardIDs...) {
		var parents []string
		for _, p := range []*string{s.ParentShardId, s.AdjacentParentShardId} {
			if p != nil {
				parents = append(parents, *p)
			}
		}
		k.shards[*s.ShardId] = &fakeShard{id: *s.ShardId, parents: parents}
	}
	return k
}

// AddRecords appends n records to shardID and returns their sequence
// numbers, which count from 1 within each shard.
func (k *fakeKinesis) AddRecords(shardID string, n int) []string {
	k.mut.Lock()
	defer k.mut.Unlock()
	s := k.shards[shardID]
	var seqs []string
	for i := 0; i < n; i++ {
		seq := strconv.Itoa(len(s.records) + 1)
		s.records = append(s.records, types.Record{
			SequenceNumber:              aws.String(seq),
			PartitionKey:                aws.String(shardID),
			Data:                        []byte(fmt.Sprintf("%s-%s", shardID, seq)),
			ApproximateArrivalTimestamp: aws.Time(time.Now()),
		})
		seqs = append(seqs, seq)
	}
	return seqs
}

func (k *fakeKinesis) Close(shardIDs ...string) {
	k.mut.Lock()
	defer k.mut.Unlock()
	for _, id := range shardIDs {
		k.shards[id].closed = true
	}
}

// Split closes parent and adds children that descend from it.
func (k *fakeKinesis) Split(parent string, children ...string) {
	k.Close(parent)
	k.mut.Lock()
	defer k.mut.Unlock()
	for _, c := range children {
		k.shards[c] = &fakeShard{id: c, parents: []string{parent}}
	}
}

// Merge closes parents and adds child that descends from both.
func (k *fakeKinesis) Merge(child string, parents ...string) {
	k.Close(parents...)
	k.mut.Lock()
	defer k.mut.Unlock()
	k.shards[child] = &fakeShard{id: child, parents: parents}
}

func (k *fakeKinesis) FailNextGetRecords(shardID string, err error) {
	k.mut.Lock()
	defer k.mut.Unlock()
	k.failNext[shardID] = err
}

func (k *fakeKinesis) IteratorRequests(shardID string) []types.ShardIteratorType {
	k.mut.Lock()
	defer k.mut.Unlock()
	return append([]types.ShardIteratorType(nil), k.iterators[shardID]...)
}

func (k *fakeKinesis) ListShards(ctx context.Context, input *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	k.mut.Lock()
	defer k.mut.Unlock()
	k.listCalls++
	if input.StreamName != nil && input.NextToken != nil {
		return nil, &types.InvalidArgumentException{Message: aws.String("NextToken and StreamName cannot be provided together")}
	}
	ids := make([]string, 0, len(k.shards))
	for id := range k.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if input.NextToken != nil {
		n, err := strconv.Atoi(strings.TrimPrefix(*input.NextToken, "page-"))
		if err != nil {
			return nil, &types.InvalidArgumentException{Message: aws.String("bad token")}
		}
		start = n
	}
	end := min(start+k.pageSize, len(ids))

	out := &kinesis.ListShardsOutput{}
	for _, id := range ids[start:end] {
		s := k.shards[id]
		ks := types.Shard{
			ShardId:             aws.String(id),
			SequenceNumberRange: &types.SequenceNumberRange{StartingSequenceNumber: aws.String("0")},
		}
		if len(s.parents) > 0 {
			ks.ParentShardId = aws.String(s.parents[0])
		}
		if len(s.parents) > 1 {
			ks.AdjacentParentShardId = aws.String(s.parents[1])
		}
		if s.closed {
			ks.SequenceNumberRange.EndingSequenceNumber = aws.String(strconv.Itoa(len(s.records)))
		}
		out.Shards = append(out.Shards, ks)
	}
	if end < len(ids) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", end))
	}
	return out, nil
}

func (k *fakeKinesis) GetShardIterator(ctx context.Context, input *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	k.mut.Lock()
	defer k.mut.Unlock()
	s, ok := k.shards[*input.ShardId]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no such shard")}
	}
	k.iterators[s.id] = append(k.iterators[s.id], input.ShardIteratorType)

	pos := 0
	switch input.ShardIteratorType {
	case types.ShardIteratorTypeTrimHorizon:
	case types.ShardIteratorTypeLatest:
		pos = len(s.records)
	case types.ShardIteratorTypeAfterSequenceNumber:
		pos = len(s.records)
		for i, r := range s.records {
			if compareSequence(*r.SequenceNumber, *input.StartingSequenceNumber) > 0 {
				pos = i
				break
			}
		}
	case types.ShardIteratorTypeAtTimestamp:
		pos = len(s.records)
		for i, r := range s.records {
			if !r.ApproximateArrivalTimestamp.Before(*input.Timestamp) {
				pos = i
				break
			}
		}
	default:
		return nil, &types.InvalidArgumentException{Message: aws.String("unsupported iterator type")}
	}
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(fmt.Sprintf("%s/%d", s.id, pos))}, nil
}

func (k *fakeKinesis) GetRecords(ctx context.Context, input *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	k.mut.Lock()
	defer k.mut.Unlock()
	it := *input.ShardIterator
	i := strings.LastIndex(it, "/")
	shardID := it[:i]
	pos, err := strconv.Atoi(it[i+1:])
	if err != nil {
		return nil, &types.InvalidArgumentException{Message: aws.String("bad iterator")}
	}
	if err := k.failNext[shardID]; err != nil {
		delete(k.failNext, shardID)
		return nil, err
	}
	s := k.shards[shardID]

	limit := len(s.records)
	if input.Limit != nil {
		limit = int(*input.Limit)
	}
	end := min(pos+limit, len(s.records))
	out := &kinesis.GetRecordsOutput{
		Records:            append([]types.Record(nil), s.records[pos:end]...),
		MillisBehindLatest: aws.Int64(int64(len(s.records) - end)),
	}
	if !s.closed || end < len(s.records) {
		out.NextShardIterator = aws.String(fmt.Sprintf("%s/%d", shardID, end))
	}
	return out, nil
}

// deliveries records what a batch processor received.
type deliveries struct {
	mut     *sync.Mutex
	byShard map[string][]string
}

func newDeliveries() *deliveries {
	return &deliveries{mut: &sync.Mutex{}, byShard: make(map[string][]string)}
}

func (d *deliveries) Process(ctx context.Context, shardID string, records []types.Record) error {
	d.mut.Lock()
	defer d.mut.Unlock()
	for _, r := range records {
		d.byShard[shardID] = append(d.byShard[shardID], *r.SequenceNumber)
	}
	return nil
}

func (d *deliveries) Of(shardID string) []string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return append([]string(nil), d.byShard[shardID]...)
}

func (d *deliveries) Count() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	n := 0
	for _, s := range d.byShard {
		n += len(s)
	}
	return n
}

func seqRange(from, to int) []string {
	var r []string
	for i := from; i <= to; i++ {
		r = append(r, strconv.Itoa(i))
	}
	return r
}

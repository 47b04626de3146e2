package consumer

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/shardherd/aws"
	"go.uber.org/zap"
)

type shard struct {
	Info     ShardInfo
	Parents  map[string]*shard
	Children map[string]*shard
	listed   bool
}

// Topology is the shard graph of a stream at the time it was listed.
// Parents that already expired from the stream are absent.
type Topology struct {
	shards map[string]*shard
}

func newTopology(listed []types.Shard) *Topology {
	t := &Topology{shards: make(map[string]*shard)}
	node := func(id string) *shard {
		s := t.shards[id]
		if s == nil {
			s = &shard{Parents: make(map[string]*shard), Children: make(map[string]*shard)}
			t.shards[id] = s
		}
		return s
	}

	for _, ks := range listed {
		s := node(*ks.ShardId)
		s.listed = true
		s.Info = ShardInfo{
			ShardID: *ks.ShardId,
			IsOpen:  ks.SequenceNumberRange == nil || ks.SequenceNumberRange.EndingSequenceNumber == nil,
		}
		for _, parentID := range []*string{ks.ParentShardId, ks.AdjacentParentShardId} {
			if parentID == nil || *parentID == "" {
				continue
			}
			p := node(*parentID)
			s.Parents[*parentID] = p
			p.Children[*ks.ShardId] = s
			s.Info.ParentShardIDs = append(s.Info.ParentShardIDs, *parentID)
		}
		sort.Strings(s.Info.ParentShardIDs)
	}

	for id, s := range t.shards {
		if !s.listed {
			delete(t.shards, id)
		}
	}
	return t
}

// All returns the listed shards sorted by ID.
func (t *Topology) All() []ShardInfo {
	r := make([]ShardInfo, 0, len(t.shards))
	for _, s := range t.shards {
		r = append(r, s.Info)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ShardID < r[j].ShardID })
	return r
}

func (t *Topology) Get(shardID string) (ShardInfo, bool) {
	s := t.shards[shardID]
	if s == nil {
		return ShardInfo{}, false
	}
	return s.Info, true
}

// Children returns the listed children of shardID sorted by ID.
func (t *Topology) Children(shardID string) []string {
	s := t.shards[shardID]
	if s == nil {
		return nil
	}
	var r []string
	for id, c := range s.Children {
		if c.listed {
			r = append(r, id)
		}
	}
	sort.Strings(r)
	return r
}

// Assignable returns the shards that still need a reader: every listed shard
// except closed shards whose checkpoint is finalized.
func (t *Topology) Assignable(finalized map[string]bool) []string {
	var r []string
	for id, s := range t.shards {
		if !s.Info.IsOpen && finalized[id] {
			continue
		}
		r = append(r, id)
	}
	sort.Strings(r)
	return r
}

// UnfinishedParents returns the parents of shardID that are still listed
// and not finalized. A child must not be read before they are.
func (t *Topology) UnfinishedParents(shardID string, finalized map[string]bool) []string {
	s := t.shards[shardID]
	if s == nil {
		return nil
	}
	var r []string
	for id, p := range s.Parents {
		if p.listed && !finalized[id] {
			r = append(r, id)
		}
	}
	sort.Strings(r)
	return r
}

type ShardDiscoveryService struct {
	cfg    *ConsumerConfig
	kds    aws.Kinesis
	logger *zap.Logger
}

func NewShardDiscoveryService(cfg *ConsumerConfig, kds aws.Kinesis, logger *zap.Logger) *ShardDiscoveryService {
	return &ShardDiscoveryService{
		cfg:    cfg,
		kds:    kds,
		logger: logger.Named("shard-discovery-service"),
	}
}

// Discover lists every shard of the stream, following pagination.
func (svc *ShardDiscoveryService) Discover(ctx context.Context) (*Topology, error) {
	shards, err := svc.enumerateAllShards(ctx)
	if err != nil {
		return nil, err
	}
	return newTopology(shards), nil
}

func (svc *ShardDiscoveryService) enumerateAllShards(ctx context.Context) ([]types.Shard, error) {
	var shards []types.Shard
	var nextToken *string
	for {
		// ListShards rejects a stream name together with a next token
		input := &kinesis.ListShardsInput{}
		if nextToken == nil {
			input.StreamName = &svc.cfg.StreamName
		} else {
			input.NextToken = nextToken
		}
		out, err := retryTransient(ctx, svc.cfg, svc.logger, "list-shards", func() (*kinesis.ListShardsOutput, error) {
			return svc.kds.ListShards(ctx, input)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list shards of %s: %w", svc.cfg.StreamName, err)
		}
		shards = append(shards, out.Shards...)
		nextToken = out.NextToken
		if nextToken == nil || *nextToken == "" {
			break
		}
	}
	return shards, nil
}

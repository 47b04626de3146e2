package consumer

import (
	"sort"
	"time"
)

type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	}
	return "unknown"
}

type WorkerRecord struct {
	WorkerID        string    `json:"workerID"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	StartedAt       time.Time `json:"startedAt"`
}

// Checkpoint is the durable progress of one shard. An empty OwnerWorkerID
// means the last owner released the shard. Closed checkpoints are final.
// StartedAt is when the shard was first claimed; a later owner of a shard
// without a sequence number resumes from there.
type Checkpoint struct {
	ShardID        string    `json:"shardID"`
	SequenceNumber string    `json:"sequenceNumber"`
	OwnerWorkerID  string    `json:"ownerWorkerID"`
	StartedAt      time.Time `json:"startedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Closed         bool      `json:"closed,omitempty"`
}

// Plan is the coordinator record. It carries the leader lease and the last
// published assignment so that every plan write is fenced by the lease.
type Plan struct {
	Version           int64               `json:"version"`
	GeneratedAt       time.Time           `json:"generatedAt"`
	LeaderID          string              `json:"leaderID"`
	LeaderLeaseExpiry time.Time           `json:"leaderLeaseExpiry"`
	ShardAssignments  map[string]string   `json:"shardAssignments"`
	ShardParents      map[string][]string `json:"shardParents,omitempty"`
	Descendants       map[string]bool     `json:"descendants,omitempty"`
	Digest            uint64              `json:"digest"`
}

// ShardsOf returns the sorted shards assigned to workerID.
func (p Plan) ShardsOf(workerID string) []string {
	var r []string
	for shardID, owner := range p.ShardAssignments {
		if owner == workerID {
			r = append(r, shardID)
		}
	}
	sort.Strings(r)
	return r
}

func (p *Plan) clone() Plan {
	c := *p
	c.ShardAssignments = make(map[string]string, len(p.ShardAssignments))
	for k, v := range p.ShardAssignments {
		c.ShardAssignments[k] = v
	}
	if p.ShardParents != nil {
		c.ShardParents = make(map[string][]string, len(p.ShardParents))
		for k, v := range p.ShardParents {
			c.ShardParents[k] = append([]string(nil), v...)
		}
	}
	if p.Descendants != nil {
		c.Descendants = make(map[string]bool, len(p.Descendants))
		for k, v := range p.Descendants {
			c.Descendants[k] = v
		}
	}
	return c
}

type ShardInfo struct {
	ShardID        string
	ParentShardIDs []string
	IsOpen         bool
}

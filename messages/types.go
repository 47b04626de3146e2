package messages

type Health struct {
	WorkerID string
	Healthy  bool
}

type ShardState struct {
	ShardID        string
	State          string
	SequenceNumber string
	Error          string `json:",omitempty"`
}

type StatusResponse struct {
	WorkerID      string
	Role          string
	Healthy       bool
	LastHeartbeat string
	PlanVersion   int64
	LeaderID      string
	Shards        []ShardState
}

type WorkerAssignment struct {
	WorkerID string
	Shards   []string
}

type PlanResponse struct {
	Version           int64
	GeneratedAt       string
	LeaderID          string
	LeaderLeaseExpiry string
	Digest            string
	Workers           []WorkerAssignment
	WaitingOn         map[string][]string `json:",omitempty"`
}

type CheckpointState struct {
	ShardID        string
	SequenceNumber string
	OwnerWorkerID  string
	UpdatedAt      string
	Closed         bool
}

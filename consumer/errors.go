package consumer

import "errors"

var (
	// ErrSequenceRegression is returned when a checkpoint write would move a
	// shard backwards. It means two workers processed the same shard.
	ErrSequenceRegression = errors.New("checkpoint sequence number regression")
	// ErrCallbackExhausted stops a shard processor after the batch processor
	// failed more times than allowed.
	ErrCallbackExhausted = errors.New("batch processor retries exhausted")
	ErrNotLeader         = errors.New("leader lease lost")
	ErrShardFinalized    = errors.New("shard checkpoint is finalized")
)

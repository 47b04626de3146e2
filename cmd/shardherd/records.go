package main

import (
	"context"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"go.uber.org/zap"
)

// recordCounter is the record callback of the shardherd command. It logs
// every record at debug level and keeps a running total across shards.
type recordCounter struct {
	logger *zap.Logger
	total  *atomic.Int64
}

func newRecordCounter(logger *zap.Logger) *recordCounter {
	return &recordCounter{logger: logger, total: &atomic.Int64{}}
}

func (r *recordCounter) Process(ctx context.Context, shardID string, record types.Record) error {
	r.logger.Debug("record",
		zap.String("shard-id", shardID),
		zap.String("sequence-number", *record.SequenceNumber),
		zap.Int("size", len(record.Data)))
	r.total.Add(1)
	return nil
}

func (r *recordCounter) Total() int64 {
	return r.total.Load()
}

// LogTotal reports the number of records processed since start. Records
// redelivered after a failed batch are counted again.
func (r *recordCounter) LogTotal() {
	r.logger.Info("processed records", zap.Int64("total-records", r.Total()))
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSTable stores records in a JetStream key-value bucket. The entry
// revision is the record version: Create guards absent keys and Update
// guards the last revision.
type NATSTable struct {
	kv jetstream.KeyValue
}

func NewNATSTable(kv jetstream.KeyValue) *NATSTable {
	return &NATSTable{kv: kv}
}

// OpenNATSTable creates the bucket when it does not exist.
func OpenNATSTable(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSTable, error) {
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	return NewNATSTable(kv), nil
}

func (t *NATSTable) Get(ctx context.Context, key string) (Record, error) {
	entry, err := t.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return Record{Key: key, Value: entry.Value(), Version: int64(entry.Revision())}, nil
}

func (t *NATSTable) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var revision uint64
	var err error
	switch {
	case expected == AnyVersion:
		revision, err = t.kv.Put(ctx, key, value)
	case expected == 0:
		revision, err = t.kv.Create(ctx, key, value)
	default:
		revision, err = t.kv.Update(ctx, key, value, uint64(expected))
	}
	if isWrongRevision(err) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return int64(revision), nil
}

func (t *NATSTable) Delete(ctx context.Context, key string, expected int64) error {
	var opts []jetstream.KVDeleteOpt
	switch {
	case expected == AnyVersion:
	case expected == 0:
		if _, err := t.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			if err != nil {
				return err
			}
			return ErrConflict
		}
		return nil
	default:
		opts = append(opts, jetstream.LastRevision(uint64(expected)))
	}
	err := t.kv.Delete(ctx, key, opts...)
	if isWrongRevision(err) {
		return ErrConflict
	}
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (t *NATSTable) Scan(ctx context.Context) ([]Record, error) {
	lister, err := t.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		r, err := t.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			// deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func isWrongRevision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

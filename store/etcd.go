package store

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KVS is the subset of the etcd client used by EtcdTable.
type KVS interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// EtcdTable maps a table onto a key prefix. The etcd key version, which
// counts modifications since creation and resets on delete, is the record
// version.
type EtcdTable struct {
	kvs    KVS
	prefix string
}

func NewEtcdTable(kvs KVS, name string) *EtcdTable {
	return &EtcdTable{
		kvs:    kvs,
		prefix: "/shardherd/" + strings.Trim(name, "/") + "/",
	}
}

func (t *EtcdTable) Get(ctx context.Context, key string) (Record, error) {
	resp, err := t.kvs.Get(ctx, t.prefix+key)
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if resp.Count == 0 || len(resp.Kvs) == 0 {
		return Record{}, ErrNotFound
	}
	kv := resp.Kvs[0]
	return Record{Key: key, Value: kv.Value, Version: kv.Version}, nil
}

func (t *EtcdTable) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	k := t.prefix + key
	txn := t.kvs.Txn(ctx)
	if expected != AnyVersion {
		txn = txn.If(clientv3.Compare(clientv3.Version(k), "=", expected))
	}
	resp, err := txn.Then(clientv3.OpPut(k, string(value)), clientv3.OpGet(k)).Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}
	if !resp.Succeeded {
		return 0, ErrConflict
	}
	if len(resp.Responses) == 2 {
		if r := resp.Responses[1].GetResponseRange(); r != nil && len(r.Kvs) > 0 {
			return r.Kvs[0].Version, nil
		}
	}
	if expected == AnyVersion {
		return 0, fmt.Errorf("failed to read back version of %s", key)
	}
	return expected + 1, nil
}

func (t *EtcdTable) Delete(ctx context.Context, key string, expected int64) error {
	k := t.prefix + key
	if expected == AnyVersion {
		if _, err := t.kvs.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	}
	resp, err := t.kvs.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", expected)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

func (t *EtcdTable) Scan(ctx context.Context) ([]Record, error) {
	resp, err := t.kvs.Get(ctx, t.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.prefix, err)
	}
	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		records = append(records, Record{
			Key:     strings.TrimPrefix(string(kv.Key), t.prefix),
			Value:   kv.Value,
			Version: kv.Version,
		})
	}
	return records, nil
}

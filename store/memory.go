package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryTable is an in-process Table. It is safe for concurrent use and is
// shared between workers of the same process in tests and local runs.
type MemoryTable struct {
	mut     *sync.Mutex
	records map[string]Record
	fail    error
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		mut:     &sync.Mutex{},
		records: make(map[string]Record),
	}
}

// SetUnavailable makes every subsequent call fail with err until it is
// called again with nil.
func (t *MemoryTable) SetUnavailable(err error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.fail = err
}

func (t *MemoryTable) Get(ctx context.Context, key string) (Record, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if err := t.check(ctx); err != nil {
		return Record{}, err
	}
	r, ok := t.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(r), nil
}

func (t *MemoryTable) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	current := t.records[key].Version
	if expected != AnyVersion && expected != current {
		return 0, ErrConflict
	}
	r := Record{
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: current + 1,
	}
	t.records[key] = r
	return r.Version, nil
}

func (t *MemoryTable) Delete(ctx context.Context, key string, expected int64) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if err := t.check(ctx); err != nil {
		return err
	}
	current := t.records[key].Version
	if expected != AnyVersion && expected != current {
		return ErrConflict
	}
	delete(t.records, key)
	return nil
}

func (t *MemoryTable) Scan(ctx context.Context) ([]Record, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	r := make([]Record, 0, len(t.records))
	for _, v := range t.records {
		r = append(r, copyRecord(v))
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Key < r[j].Key })
	return r, nil
}

func (t *MemoryTable) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.fail
}

func copyRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type pgRecord struct {
	bun.BaseModel `bun:"table:shardherd_records"`

	Table   string `bun:"tbl,pk"`
	Key     string `bun:"key,pk"`
	Value   []byte `bun:"value,type:bytea"`
	Version int64  `bun:"version,notnull"`
}

// PostgresTable keeps every table in a single shardherd_records relation
// keyed by (tbl, key).
type PostgresTable struct {
	db   bun.IDB
	name string
}

func NewPostgresTable(db bun.IDB, name string) *PostgresTable {
	return &PostgresTable{db: db, name: name}
}

func OpenPostgres(dsn string, maxOpenConns int) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if maxOpenConns > 0 {
		sqldb.SetMaxOpenConns(maxOpenConns)
		sqldb.SetMaxIdleConns(maxOpenConns)
	}
	return bun.NewDB(sqldb, pgdialect.New())
}

// EnsurePostgresSchema creates the records relation if it is missing.
func EnsurePostgresSchema(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().Model((*pgRecord)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func (t *PostgresTable) Get(ctx context.Context, key string) (Record, error) {
	var r pgRecord
	err := t.db.NewSelect().
		Model(&r).
		Where("tbl = ?", t.name).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s from %s: %w", key, t.name, err)
	}
	return Record{Key: r.Key, Value: r.Value, Version: r.Version}, nil
}

func (t *PostgresTable) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	switch {
	case expected == AnyVersion:
		var version int64
		err := t.db.NewRaw(
			"INSERT INTO shardherd_records (tbl, key, value, version) VALUES (?, ?, ?, 1) "+
				"ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value, version = shardherd_records.version + 1 "+
				"RETURNING version",
			t.name, key, value,
		).Scan(ctx, &version)
		if err != nil {
			return 0, fmt.Errorf("failed to put %s into %s: %w", key, t.name, err)
		}
		return version, nil

	case expected == 0:
		r := pgRecord{Table: t.name, Key: key, Value: value, Version: 1}
		res, err := t.db.NewInsert().
			Model(&r).
			On("CONFLICT (tbl, key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s into %s: %w", key, t.name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, ErrConflict
		}
		return 1, nil

	default:
		var version int64
		err := t.db.NewUpdate().
			Model((*pgRecord)(nil)).
			Set("value = ?", value).
			Set("version = version + 1").
			Where("tbl = ?", t.name).
			Where("key = ?", key).
			Where("version = ?", expected).
			Returning("version").
			Scan(ctx, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrConflict
		}
		if err != nil {
			return 0, fmt.Errorf("failed to update %s in %s: %w", key, t.name, err)
		}
		return version, nil
	}
}

func (t *PostgresTable) Delete(ctx context.Context, key string, expected int64) error {
	if expected == 0 {
		if _, err := t.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			if err != nil {
				return err
			}
			return ErrConflict
		}
		return nil
	}

	q := t.db.NewDelete().
		Model((*pgRecord)(nil)).
		Where("tbl = ?", t.name).
		Where("key = ?", key)
	if expected != AnyVersion {
		q = q.Where("version = ?", expected)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", key, t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && expected != AnyVersion {
		return ErrConflict
	}
	return nil
}

func (t *PostgresTable) Scan(ctx context.Context) ([]Record, error) {
	var rows []pgRecord
	err := t.db.NewSelect().
		Model(&rows).
		Where("tbl = ?", t.name).
		Order("key").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
	}
	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{Key: r.Key, Value: r.Value, Version: r.Version})
	}
	return records, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"telmlog/internal/config"
	"telmlog/internal/model"
)

// Store is the audit trail for data that never reached the index: records
// rejected at ingest and documents the search engine refused.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveRejections(ctx context.Context, events []model.RejectionEvent) error
	SaveIndexFailures(ctx context.Context, failures []model.IndexFailure) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) init(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// insertMany runs query once per row inside a single transaction.
func (b *baseStore) insertMany(ctx context.Context, query string, rows [][]any) error {
	if b.db == nil || len(rows) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func rejectionRows(events []model.RejectionEvent) [][]any {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []any{
			ev.Timestamp.UTC(),
			ev.RequestID,
			ev.UserAgent,
			ev.ErrorMessage,
			uploaderOf(ev.Payload),
			encodeJSON(ev.Payload),
		})
	}
	return rows
}

func indexFailureRows(failures []model.IndexFailure) [][]any {
	rows := make([][]any, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []any{
			f.Timestamp.UTC(),
			f.Index,
			f.ErrorType,
			f.Reason,
			encodeJSON(f.Document),
		})
	}
	return rows
}

func uploaderOf(rec model.Record) string {
	call, _ := rec["uploader_callsign"].Str()
	return call
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"telmlog/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:telmlog.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			request_id TEXT NOT NULL,
			user_agent TEXT,
			error_message TEXT NOT NULL,
			uploader_callsign TEXT,
			payload_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_ts ON rejections(ts)`,
		`CREATE TABLE IF NOT EXISTS index_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			index_name TEXT NOT NULL,
			error_type TEXT NOT NULL,
			reason TEXT,
			document_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_index_failures_index ON index_failures(index_name)`,
	})
}

func (s *sqliteStore) SaveRejections(ctx context.Context, events []model.RejectionEvent) error {
	return s.insertMany(ctx,
		`INSERT INTO rejections (ts, request_id, user_agent, error_message, uploader_callsign, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rejectionRows(events),
	)
}

func (s *sqliteStore) SaveIndexFailures(ctx context.Context, failures []model.IndexFailure) error {
	return s.insertMany(ctx,
		`INSERT INTO index_failures (ts, index_name, error_type, reason, document_json)
		VALUES (?, ?, ?, ?, ?)`,
		indexFailureRows(failures),
	)
}

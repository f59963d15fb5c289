package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"telmlog/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/telmlog?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS rejections (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			request_id TEXT NOT NULL,
			user_agent TEXT,
			error_message TEXT NOT NULL,
			uploader_callsign TEXT,
			payload_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_ts ON rejections(ts)`,
		`CREATE TABLE IF NOT EXISTS index_failures (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			index_name TEXT NOT NULL,
			error_type TEXT NOT NULL,
			reason TEXT,
			document_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_index_failures_index ON index_failures(index_name)`,
	})
}

func (s *postgresStore) SaveRejections(ctx context.Context, events []model.RejectionEvent) error {
	return s.insertMany(ctx,
		`INSERT INTO rejections (ts, request_id, user_agent, error_message, uploader_callsign, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rejectionRows(events),
	)
}

func (s *postgresStore) SaveIndexFailures(ctx context.Context, failures []model.IndexFailure) error {
	return s.insertMany(ctx,
		`INSERT INTO index_failures (ts, index_name, error_type, reason, document_json)
		VALUES ($1, $2, $3, $4, $5)`,
		indexFailureRows(failures),
	)
}

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"telmlog/internal/config"
	"telmlog/internal/metrics"
	"telmlog/internal/model"
	"telmlog/internal/storage"
)

// Documents that do not fit the index mapping will never index; they are
// dropped instead of failing the batch.
const mapperParsingException = "mapper_parsing_exception"

const maxErrorBody = 512

// BulkIndexError is returned when the search engine refuses a partition for
// a reason that a retry might fix.
type BulkIndexError struct {
	Index      string
	StatusCode int
	Types      []string
}

func (e *BulkIndexError) Error() string {
	if len(e.Types) == 0 {
		return fmt.Sprintf("bulk index %s: status %d", e.Index, e.StatusCode)
	}
	return fmt.Sprintf("bulk index %s: %s", e.Index, strings.Join(e.Types, ", "))
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	Status int            `json:"status"`
	Error  *bulkItemError `json:"error,omitempty"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkWriter posts partitions to the search engine's _bulk API.
type BulkWriter struct {
	client   *http.Client
	baseURL  string
	prefix   string
	username string
	password string
	failures storage.Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewBulkWriter builds a writer from the search section. failures may be nil,
// in which case dropped documents are only logged.
func NewBulkWriter(cfg config.SearchConfig, failures storage.Store, logger *slog.Logger) *BulkWriter {
	return &BulkWriter{
		client:   &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		prefix:   cfg.IndexPrefix,
		username: cfg.Username,
		password: cfg.Password,
		failures: failures,
		logger:   logger,
		now:      time.Now,
	}
}

// BulkBody renders records as newline-delimited index actions followed by a
// blank line.
func BulkBody(records []model.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		buf.WriteString("{\"index\":{}}\n")
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (w *BulkWriter) IndexName(partition string) string {
	return w.prefix + partition
}

func (w *BulkWriter) IndexPartition(ctx context.Context, partition string, records []model.Record) error {
	started := w.now()
	indexed, dropped, err := w.indexPartition(ctx, partition, records)
	metrics.ObserveBulk(err, w.now().Sub(started), indexed, dropped)
	return err
}

func (w *BulkWriter) indexPartition(ctx context.Context, partition string, records []model.Record) (int, int, error) {
	index := w.IndexName(partition)
	body, err := BulkBody(records)
	if err != nil {
		return 0, 0, fmt.Errorf("encode bulk body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/"+index+"/_doc/_bulk", bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if w.username != "" {
		req.SetBasicAuth(w.username, w.password)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("bulk request %s: %w", index, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("read bulk response %s: %w", index, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if w.logger != nil {
			w.logger.Error("bulk request rejected", "index", index, "status", resp.StatusCode, "body", truncate(raw, maxErrorBody))
		}
		return 0, 0, &BulkIndexError{Index: index, StatusCode: resp.StatusCode}
	}

	var parsed bulkResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, 0, fmt.Errorf("decode bulk response %s: %w", index, err)
	}
	if !parsed.Errors {
		return len(records), 0, nil
	}

	var fatal []string
	var failures []model.IndexFailure
	failed := 0
	ts := w.now().UTC()
	for i, item := range parsed.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if result.Error.Type != mapperParsingException {
				fatal = append(fatal, result.Error.Type)
				continue
			}
			failure := model.IndexFailure{
				Timestamp: ts,
				Index:     index,
				ErrorType: result.Error.Type,
				Reason:    result.Error.Reason,
			}
			if i < len(records) {
				failure.Document = records[i]
			}
			failures = append(failures, failure)
		}
	}
	if w.logger != nil {
		w.logger.Warn("bulk response reported errors",
			"index", index,
			"documents", len(records),
			"dropped", len(failures),
			"fatal", fatal,
		)
	}
	w.saveFailures(ctx, failures)

	if len(fatal) > 0 {
		return len(records) - failed, len(failures), &BulkIndexError{Index: index, StatusCode: resp.StatusCode, Types: fatal}
	}
	return len(records) - failed, len(failures), nil
}

func (w *BulkWriter) saveFailures(ctx context.Context, failures []model.IndexFailure) {
	if w.failures == nil || len(failures) == 0 {
		return
	}
	if err := w.failures.SaveIndexFailures(ctx, failures); err != nil && w.logger != nil {
		w.logger.Warn("save index failures failed", "count", len(failures), "err", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

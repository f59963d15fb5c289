package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"telmlog/internal/decode"
	"telmlog/internal/metrics"
	"telmlog/internal/model"
)

// PartitionWriter sends one partition's records to the search engine.
type PartitionWriter interface {
	IndexPartition(ctx context.Context, partition string, records []model.Record) error
}

// Consumer turns queue entries into per-month bulk requests. It satisfies
// pubsub.BatchHandler.
type Consumer struct {
	writer PartitionWriter
	logger *slog.Logger
}

func NewConsumer(writer PartitionWriter, logger *slog.Logger) *Consumer {
	return &Consumer{writer: writer, logger: logger}
}

// HandleBatch decodes every entry, groups the records by partition and
// indexes the partitions in first-seen order. Entries that cannot be decoded
// and records without a usable datetime are skipped and logged. The first
// partition that fails aborts the rest and its error is returned so the
// transport can redeliver the batch.
func (c *Consumer) HandleBatch(ctx context.Context, entries []model.QueueEntry) error {
	batch := NewIndexBatch()
	for i, entry := range entries {
		records, err := unwrap(entry)
		if err != nil {
			metrics.IncConsumerEntry("malformed")
			if c.logger != nil {
				c.logger.Error("skipping undecodable queue entry", "entry", i, "err", err)
			}
			continue
		}
		metrics.IncConsumerEntry("decoded")
		for _, rec := range records {
			if err := batch.Add(rec); err != nil {
				metrics.IncSkippedRecord(skipReason(err))
				if c.logger != nil {
					c.logger.Error("skipping record without partition", "entry", i, "err", err, "record", rec)
				}
			}
		}
	}

	for _, partition := range batch.Partitions() {
		if err := c.writer.IndexPartition(ctx, partition, batch.Records(partition)); err != nil {
			return fmt.Errorf("index partition %s: %w", partition, err)
		}
	}
	if c.logger != nil && batch.Len() > 0 {
		c.logger.Debug("batch indexed", "entries", len(entries), "records", batch.Len(), "partitions", len(batch.Partitions()))
	}
	return nil
}

func unwrap(entry model.QueueEntry) ([]model.Record, error) {
	var env model.QueueEnvelope
	if err := json.Unmarshal([]byte(entry.Body), &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", decode.ErrMalformedInput, err)
	}
	return decode.DecodeMessage(env.Message)
}

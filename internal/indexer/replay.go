package indexer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"telmlog/internal/model"
	"telmlog/internal/pubsub"
)

const maxReplayLine = 16 << 20

// ReplayFile feeds a file of queue message bodies, one per line, through
// handler in batches of batchSize. It is used to backfill indices from a
// dump of the topic. Blank lines are ignored. The first failing batch stops
// the replay and reports the line it started at.
func ReplayFile(ctx context.Context, path string, handler pubsub.BatchHandler, batchSize int, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(ctx, f, handler, batchSize, logger)
}

func Replay(ctx context.Context, r io.Reader, handler pubsub.BatchHandler, batchSize int, logger *slog.Logger) (int, error) {
	batchSize = max(batchSize, 1)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	var batch []model.QueueEntry
	lineNo, batchStart, entries := 0, 1, 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := handler.HandleBatch(ctx, batch); err != nil {
			return fmt.Errorf("batch starting at line %d: %w", batchStart, err)
		}
		entries += len(batch)
		batch = nil
		return nil
	}
	for scanner.Scan() {
		lineNo++
		if ctx.Err() != nil {
			return entries, ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(batch) == 0 {
			batchStart = lineNo
		}
		batch = append(batch, model.QueueEntry{Body: line})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return entries, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	if err := flush(); err != nil {
		return entries, err
	}
	if logger != nil {
		logger.Info("replay finished", "lines", lineNo, "entries", entries)
	}
	return entries, nil
}

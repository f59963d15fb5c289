package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"telmlog/internal/config"
	"telmlog/internal/model"
)

// BatchHandler processes one batch of queue entries. A returned error means
// the batch must be delivered again.
type BatchHandler interface {
	HandleBatch(ctx context.Context, entries []model.QueueEntry) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber reads the topic in batches and commits offsets only after the
// handler succeeded, redelivering the same batch after a backoff otherwise.
// With a retry cap, a batch that keeps failing is written to the dead-letter
// topic and only then committed.
type Subscriber struct {
	reader      messageReader
	deadLetter  messageWriter
	handler     BatchHandler
	batchSize   int
	batchWait   time.Duration
	backoff     time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewSubscriber(cfg config.ConsumerConfig, handler BatchHandler, logger *slog.Logger) *Subscriber {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	var deadLetter messageWriter
	if cfg.DeadLetterTopic != "" {
		deadLetter = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DeadLetterTopic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	if logger != nil {
		logger.Info("kafka subscriber enabled",
			"brokers", cfg.Brokers,
			"topic", cfg.Topic,
			"group_id", cfg.GroupID,
			"max_attempts", cfg.MaxAttempts,
			"dead_letter_topic", cfg.DeadLetterTopic,
		)
	}
	return newSubscriber(reader, deadLetter, cfg, handler, logger)
}

func newSubscriber(reader messageReader, deadLetter messageWriter, cfg config.ConsumerConfig, handler BatchHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		reader:      reader,
		deadLetter:  deadLetter,
		handler:     handler,
		batchSize:   max(cfg.BatchSize, 1),
		batchWait:   cfg.BatchWait,
		backoff:     cfg.RetryBackoff,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.reader.Close()
	if s.deadLetter != nil {
		defer s.deadLetter.Close()
	}
	for {
		msgs, err := s.fetchBatch(ctx)
		if len(msgs) > 0 {
			s.deliver(ctx, msgs)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, s.backoff) {
				return nil
			}
		}
	}
}

// fetchBatch blocks for the first message, then keeps reading until the batch
// is full or batchWait has passed.
func (s *Subscriber) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafka.Message{first}
	if s.batchSize == 1 {
		return msgs, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.batchWait)
	defer cancel()
	for len(msgs) < s.batchSize {
		m, err := s.reader.FetchMessage(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Subscriber) deliver(ctx context.Context, msgs []kafka.Message) {
	entries := make([]model.QueueEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, model.QueueEntry{Body: string(m.Value)})
	}
	for attempt := 1; ; attempt++ {
		err := s.handler.HandleBatch(ctx, entries)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if s.maxAttempts > 0 && attempt >= s.maxAttempts {
			dlErr := s.toDeadLetter(ctx, msgs, err)
			if dlErr == nil {
				if s.logger != nil {
					s.logger.Error("batch failed, moved to dead-letter topic", "attempts", attempt, "messages", len(msgs), "err", err)
				}
				break
			}
			if s.logger != nil {
				s.logger.Error("dead-letter write failed, keeping batch", "attempts", attempt, "messages", len(msgs), "err", dlErr)
			}
		}
		if s.logger != nil {
			s.logger.Warn("batch failed, redelivering", "attempt", attempt, "messages", len(msgs), "err", err)
		}
		if !BackoffSleep(ctx, s.backoff) {
			return
		}
	}
	// Uncommitted offsets come back after the next group rebalance.
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.Warn("kafka commit error", "messages", len(msgs), "err", err)
	}
}

// toDeadLetter copies msgs to the dead-letter topic unchanged, with the
// failure and the source position in headers.
func (s *Subscriber) toDeadLetter(ctx context.Context, msgs []kafka.Message, cause error) error {
	if s.deadLetter == nil {
		return errors.New("no dead-letter topic configured")
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Key:   m.Key,
			Value: m.Value,
			Headers: append(append([]kafka.Header(nil), m.Headers...),
				kafka.Header{Key: "telm-error", Value: []byte(cause.Error())},
				kafka.Header{Key: "telm-source", Value: []byte(fmt.Sprintf("%s/%d", m.Topic, m.Partition))},
				kafka.Header{Key: "telm-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
			),
		})
	}
	return s.deadLetter.WriteMessages(ctx, out...)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

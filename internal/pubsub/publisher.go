// Package pubsub carries accepted telemetry batches from ingest to the
// indexer over a kafka topic.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"telmlog/internal/config"
	"telmlog/internal/decode"
	"telmlog/internal/model"
)

// Publisher emits one message per ingest invocation.
type Publisher interface {
	Publish(ctx context.Context, records []model.Record) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher holds one long-lived writer; build it once per process and
// share it between requests.
type KafkaPublisher struct {
	writer   messageWriter
	compress bool
	logger   *slog.Logger
}

func NewKafkaPublisher(cfg config.PublisherConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	if logger != nil {
		logger.Info("kafka publisher enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "compress", cfg.Compress)
	}
	return &KafkaPublisher{writer: w, compress: cfg.Compress, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, records []model.Record) error {
	value, err := EncodeEnvelope(records, p.compress)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Value: value})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// EncodeEnvelope serializes records as a JSON array and wraps them in the
// {"Message": ...} envelope the indexer reads. A nil slice is sent as [].
func EncodeEnvelope(records []model.Record, compress bool) ([]byte, error) {
	if records == nil {
		records = []model.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	message := string(payload)
	if compress {
		message, err = decode.EncodeMessage(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(model.QueueEnvelope{Message: message})
}

// LogPublisher writes batches to the log instead of a topic. Used for dry runs.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, records []model.Record) error {
	if p.Logger != nil {
		p.Logger.Info("publish (dry run)", "records", len(records))
	}
	return nil
}

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"telmlog/internal/config"
	"telmlog/internal/decode"
	"telmlog/internal/model"
)

func TestEncodeEnvelope(t *testing.T) {
	records := []model.Record{{"datetime": model.String("2024-01-01T00:00:00Z"), "alt": model.Number("100.5")}}
	for _, compress := range []bool{false, true} {
		value, err := EncodeEnvelope(records, compress)
		if err != nil {
			t.Fatalf("encode (compress=%v): %v", compress, err)
		}
		var env model.QueueEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			t.Fatalf("envelope: %v", err)
		}
		got, err := decode.DecodeMessage(env.Message)
		if err != nil {
			t.Fatalf("decode (compress=%v): %v", compress, err)
		}
		if len(got) != 1 || got[0]["alt"].Text() != "100.5" {
			t.Fatalf("unexpected records (compress=%v): %v", compress, got)
		}
	}
}

func TestEncodeEnvelopeEmpty(t *testing.T) {
	value, err := EncodeEnvelope(nil, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(value) != `{"Message":"[]"}` {
		t.Fatalf("unexpected envelope: %s", value)
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherWritesOneMessage(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	if err := p.Publish(context.Background(), []model.Record{{"a": model.Int(1)}, {"b": model.Int(2)}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages: %d", len(w.msgs))
	}
	if string(w.msgs[0].Value) != `{"Message":"[{\"a\":1},{\"b\":2}]"}` {
		t.Fatalf("value: %s", w.msgs[0].Value)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
	sizes    []int
}

func (h *flakyHandler) HandleBatch(_ context.Context, entries []model.QueueEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.sizes = append(h.sizes, len(entries))
	if h.failures > 0 {
		h.failures--
		return errors.New("bulk index failed")
	}
	return nil
}

func (h *flakyHandler) snapshot() (int, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls, append([]int(nil), h.sizes...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSubscriberRedeliversUntilSuccess(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Value: []byte(`{"Message":"[]"}`), Offset: 1},
		{Value: []byte(`{"Message":"[]"}`), Offset: 2},
	}}
	handler := &flakyHandler{failures: 2}
	cfg := config.ConsumerConfig{BatchSize: 10, BatchWait: 20 * time.Millisecond, RetryBackoff: time.Millisecond}
	sub := newSubscriber(reader, nil, cfg, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return reader.committedCount() == 2 })
	cancel()
	<-done

	calls, sizes := handler.snapshot()
	if calls != 3 {
		t.Fatalf("handler calls: %d", calls)
	}
	for _, n := range sizes {
		if n != 2 {
			t.Fatalf("every delivery should carry the same two entries, got %v", sizes)
		}
	}
}

func TestSubscriberDeadLettersAfterMaxAttempts(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "telm", Partition: 2, Offset: 41, Value: []byte(`{"Message":"[1]"}`)},
		{Topic: "telm", Partition: 2, Offset: 42, Value: []byte(`{"Message":"[2]"}`)},
	}}
	deadLetter := &fakeWriter{}
	handler := &flakyHandler{failures: 100}
	cfg := config.ConsumerConfig{BatchSize: 2, BatchWait: 20 * time.Millisecond, RetryBackoff: time.Millisecond, MaxAttempts: 3}
	sub := newSubscriber(reader, deadLetter, cfg, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return reader.committedCount() == 2 })
	cancel()
	<-done

	if calls, _ := handler.snapshot(); calls != 3 {
		t.Fatalf("handler calls: %d", calls)
	}
	parked := deadLetter.written()
	if len(parked) != 2 {
		t.Fatalf("dead-lettered messages: %d", len(parked))
	}
	if string(parked[0].Value) != `{"Message":"[1]"}` || string(parked[1].Value) != `{"Message":"[2]"}` {
		t.Fatalf("dead-lettered bodies changed: %q %q", parked[0].Value, parked[1].Value)
	}
	headers := map[string]string{}
	for _, h := range parked[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["telm-error"] != "bulk index failed" || headers["telm-source"] != "telm/2" || headers["telm-offset"] != "42" {
		t.Fatalf("headers: %v", headers)
	}
}

func TestSubscriberKeepsBatchWhenDeadLetterFails(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Value: []byte(`{"Message":"[]"}`)}}}
	deadLetter := &fakeWriter{err: errors.New("broker down")}
	handler := &flakyHandler{failures: 100}
	cfg := config.ConsumerConfig{BatchSize: 1, RetryBackoff: time.Millisecond, MaxAttempts: 2}
	sub := newSubscriber(reader, deadLetter, cfg, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool {
		calls, _ := handler.snapshot()
		return calls >= 5
	})
	cancel()
	<-done

	if reader.committedCount() != 0 {
		t.Fatalf("a batch that could not be dead-lettered must not be committed")
	}
}

func TestSubscriberWithoutCapNeverCommitsFailures(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Value: []byte(`{"Message":"[]"}`)}}}
	handler := &flakyHandler{failures: 1000}
	cfg := config.ConsumerConfig{BatchSize: 1, RetryBackoff: time.Millisecond}
	sub := newSubscriber(reader, nil, cfg, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sub.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool {
		calls, _ := handler.snapshot()
		return calls >= 20
	})
	cancel()
	<-done

	if reader.committedCount() != 0 {
		t.Fatalf("failed batch committed without a retry cap")
	}
}

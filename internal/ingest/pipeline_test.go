package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"telmlog/internal/config"
	"telmlog/internal/decode"
	"telmlog/internal/model"
	"telmlog/internal/normalize"
	"telmlog/internal/rejects"
)

type recordingPublisher struct {
	calls   int
	batches [][]model.Record
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, records []model.Record) error {
	p.calls++
	p.batches = append(p.batches, records)
	return p.err
}

func newTestPipeline(pub *recordingPublisher, recent *rejects.Store) *Pipeline {
	var sink RejectionSink
	if recent != nil {
		sink = &AuditSink{Recent: recent}
	}
	return NewPipeline(pub, nil, sink, nil)
}

const goodRecord = `{"datetime":"2024-01-01T00:00:00Z","uploader_callsign":"VK3ABC","software_name":"horus","alt":1,"lat":2,"lon":3}`

func TestHandleAllAccepted(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestPipeline(pub, nil)
	resp, err := p.Handle(context.Background(), Request{Body: []byte("[" + goodRecord + "]")})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "^v^ telm logged" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if pub.calls != 1 || len(pub.batches[0]) != 1 {
		t.Fatalf("publisher should receive one batch of one record: %+v", pub.batches)
	}
	if pos, _ := pub.batches[0][0]["position"].Str(); pos != "2,3" {
		t.Fatalf("position: %q", pos)
	}
}

func TestHandlePartialRejection(t *testing.T) {
	pub := &recordingPublisher{}
	recent := rejects.NewStore(10)
	p := newTestPipeline(pub, recent)
	body := `[` + goodRecord + `,{"datetime":"2024-01-01T00:00:01Z","lat":1},` +
		strings.Replace(goodRecord, `"lat":2`, `"lat":5`, 1) + `]`
	resp, err := p.Handle(context.Background(), Request{
		Headers: map[string]string{"user-agent": "autorx/1.7"},
		Body:    []byte(body),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Fatalf("content-type: %v", resp.Headers)
	}
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			ErrorMessage string                     `json:"error_message"`
			Payload      map[string]json.RawMessage `json:"payload"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		t.Fatalf("body: %v", err)
	}
	if parsed.Message != "some or all payloads could not be processed" || len(parsed.Errors) != 1 {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if parsed.Errors[0].ErrorMessage != "Missing uploader_callsign field" {
		t.Fatalf("reason: %s", parsed.Errors[0].ErrorMessage)
	}
	if _, ok := parsed.Errors[0].Payload["position"]; ok {
		t.Fatalf("rejected payload must be echoed without normalization")
	}
	if _, ok := parsed.Errors[0].Payload["user-agent"]; ok {
		t.Fatalf("rejected payload must be echoed without user-agent")
	}

	if pub.calls != 1 || len(pub.batches[0]) != 2 {
		t.Fatalf("accepted records: %+v", pub.batches)
	}
	if pos, _ := pub.batches[0][1]["position"].Str(); pos != "5,3" {
		t.Fatalf("accepted order not preserved, second position %q", pos)
	}
	if ua, _ := pub.batches[0][0]["user-agent"].Str(); ua != "autorx/1.7" {
		t.Fatalf("user-agent: %q", ua)
	}
	if recent.Len() != 1 {
		t.Fatalf("recent rejections: %d", recent.Len())
	}
}

func TestHandleAllRejectedStillPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestPipeline(pub, nil)
	resp, err := p.Handle(context.Background(), Request{Body: []byte(`[{"dev":true}]`)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if pub.calls != 1 || len(pub.batches[0]) != 0 || pub.batches[0] == nil {
		t.Fatalf("expected one publish of an empty, non-nil batch: %+v", pub.batches)
	}
}

func TestHandleEmptyArray(t *testing.T) {
	pub := &recordingPublisher{}
	resp, err := newTestPipeline(pub, nil).Handle(context.Background(), Request{Body: []byte(`[]`)})
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected: %+v %v", resp, err)
	}
	if pub.calls != 1 {
		t.Fatalf("publish calls: %d", pub.calls)
	}
}

func TestHandleCompressedBase64(t *testing.T) {
	compressed, err := decode.Gzip([]byte("[" + goodRecord + "]"))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	pub := &recordingPublisher{}
	resp, err := newTestPipeline(pub, nil).Handle(context.Background(), Request{
		Headers:         map[string]string{"Content-Encoding": "gzip"},
		Body:            []byte(base64.StdEncoding.EncodeToString(compressed)),
		IsBase64Encoded: true,
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected: %+v %v", resp, err)
	}
}

func TestHandleBadInput(t *testing.T) {
	cases := []struct {
		req  Request
		body string
	}{
		{Request{Headers: map[string]string{"content-encoding": "gzip"}, Body: []byte("plain")}, "Could not decompress"},
		{Request{Body: []byte("{not json")}, "Not valid json"},
		{Request{Body: []byte(`{"lat":1}`)}, "Not valid json"},
	}
	for _, tc := range cases {
		pub := &recordingPublisher{}
		resp, err := newTestPipeline(pub, nil).Handle(context.Background(), tc.req)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest || resp.Body != tc.body {
			t.Fatalf("unexpected response: %+v", resp)
		}
		if pub.calls != 0 {
			t.Fatalf("nothing should be published on bad input")
		}
	}
}

func TestHandleBadBase64IsAnError(t *testing.T) {
	pub := &recordingPublisher{}
	_, err := newTestPipeline(pub, nil).Handle(context.Background(), Request{Body: []byte("!!"), IsBase64Encoded: true})
	if !errors.Is(err, decode.ErrDecode) {
		t.Fatalf("got %v", err)
	}
}

func TestHandlePublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	_, err := newTestPipeline(pub, nil).Handle(context.Background(), Request{Body: []byte("[" + goodRecord + "]")})
	if err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestNormalizerSourceIsConsulted(t *testing.T) {
	pub := &recordingPublisher{}
	custom := normalize.NewNormalizer([]string{"VK3ABC-1"})
	p := NewPipeline(pub, func() *normalize.Normalizer { return custom }, nil, nil)
	rec := strings.Replace(goodRecord, `"lon":3`, `"lon":3,"payload_callsign":"VK3ABC-1"`, 1)
	if _, err := p.Handle(context.Background(), Request{Body: []byte("[" + rec + "]")}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !pub.batches[0][0].Has("telemetry_hidden") {
		t.Fatalf("custom hidden callsign not applied")
	}
}

func TestRESTHandler(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := config.NewStaticManager(config.DefaultConfig())
	srv := NewRESTServer(cfg, newTestPipeline(pub, nil), nil)

	req := httptest.NewRequest(http.MethodPut, "/amateur/telemetry", bytes.NewBufferString("["+goodRecord+"]"))
	req.Header.Set("User-Agent", "horusdemodlib/0.3")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "^v^ telm logged" {
		t.Fatalf("unexpected: %d %q", rec.Code, rec.Body.String())
	}
	if ua, _ := pub.batches[0][0]["user-agent"].Str(); ua != "horusdemodlib/0.3" {
		t.Fatalf("user-agent: %q", ua)
	}

	req = httptest.NewRequest(http.MethodGet, "/amateur/telemetry", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should not be allowed: %d", rec.Code)
	}
}

func TestRESTHandlerBase64Header(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := config.NewStaticManager(config.DefaultConfig())
	srv := NewRESTServer(cfg, newTestPipeline(pub, nil), nil)
	body := base64.StdEncoding.EncodeToString([]byte("[" + goodRecord + "]"))
	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body))
	req.Header.Set("Content-Transfer-Encoding", "base64")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body %q", rec.Code, rec.Body.String())
	}
}

func TestRESTHandlerBodyLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.MaxBodyBytes = 8
	srv := NewRESTServer(config.NewStaticManager(cfg), newTestPipeline(&recordingPublisher{}, nil), nil)
	req := httptest.NewRequest(http.MethodPut, "/amateur/telemetry", strings.NewReader("["+goodRecord+"]"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: %d", rec.Code)
	}
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"telmlog/internal/decode"
	"telmlog/internal/metrics"
	"telmlog/internal/model"
	"telmlog/internal/normalize"
	"telmlog/internal/pubsub"
)

const (
	okBody          = "^v^ telm logged"
	partialMessage  = "some or all payloads could not be processed"
	decompressBody  = "Could not decompress"
	invalidJSONBody = "Not valid json"
)

// Request is one upload as the hosting layer hands it over.
type Request struct {
	Headers         map[string]string
	Body            []byte
	IsBase64Encoded bool
}

// Header looks a header up case-insensitively.
func (r Request) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type partialBody struct {
	Message string            `json:"message"`
	Errors  []model.Rejection `json:"errors"`
}

// RejectionSink receives rejections while the upload is being handled, before
// the response is built. Implementations should return quickly.
type RejectionSink interface {
	RecordRejections(ctx context.Context, events []model.RejectionEvent)
}

// NormalizerSource hands out the current normalizer so a config reload can
// swap the hidden callsign list between requests.
type NormalizerSource func() *normalize.Normalizer

type Pipeline struct {
	publisher  pubsub.Publisher
	normalizer NormalizerSource
	sink       RejectionSink
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(publisher pubsub.Publisher, normalizer NormalizerSource, sink RejectionSink, logger *slog.Logger) *Pipeline {
	if normalizer == nil {
		static := normalize.NewNormalizer(nil)
		normalizer = func() *normalize.Normalizer { return static }
	}
	return &Pipeline{
		publisher:  publisher,
		normalizer: normalizer,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Process validates and normalizes a decoded batch, publishes every accepted
// record as a single message and returns the rejections in input order.
// Publishing happens even when nothing was accepted.
func (p *Pipeline) Process(ctx context.Context, records []model.Record, userAgent string) ([]model.Rejection, error) {
	norm := p.normalizer()
	accepted := make([]model.Record, 0, len(records))
	var rejected []model.Rejection
	for _, rec := range records {
		res := normalize.Validate(rec)
		if !res.Accepted {
			rejected = append(rejected, model.Rejection{ErrorMessage: res.Reason, Payload: rec})
			continue
		}
		accepted = append(accepted, norm.Normalize(rec, userAgent))
	}
	metrics.AddIngestRecords(len(accepted), len(rejected))

	err := p.publisher.Publish(ctx, accepted)
	metrics.IncPublish(err)
	if err != nil {
		return rejected, fmt.Errorf("publish %d records: %w", len(accepted), err)
	}
	return rejected, nil
}

// Handle runs one upload end to end. Bad compression or JSON is answered
// with a 400; undecodable base64 and publish failures come back as errors.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Response, error) {
	started := p.now()
	requestID := uuid.NewString()
	resp, err := p.handle(ctx, req, requestID)
	status := resp.StatusCode
	if err != nil {
		status = http.StatusInternalServerError
	}
	metrics.ObserveIngest(status, p.now().Sub(started))
	return resp, err
}

func (p *Pipeline) handle(ctx context.Context, req Request, requestID string) (Response, error) {
	encoding, _ := req.Header("content-encoding")
	records, err := decode.DecodeBody(req.Body, req.IsBase64Encoded, encoding)
	switch {
	case errors.Is(err, decode.ErrDecompress):
		p.warn("upload could not be decompressed", requestID, err)
		return Response{StatusCode: http.StatusBadRequest, Body: decompressBody}, nil
	case errors.Is(err, decode.ErrMalformedInput):
		p.warn("upload is not valid json", requestID, err)
		return Response{StatusCode: http.StatusBadRequest, Body: invalidJSONBody}, nil
	case err != nil:
		return Response{}, err
	}

	userAgent, _ := req.Header("user-agent")
	rejected, err := p.Process(ctx, records, userAgent)
	if err != nil {
		return Response{}, err
	}
	if len(rejected) == 0 {
		return Response{StatusCode: http.StatusOK, Body: okBody}, nil
	}

	p.report(ctx, requestID, userAgent, rejected)
	body, err := json.Marshal(partialBody{Message: partialMessage, Errors: rejected})
	if err != nil {
		return Response{}, err
	}
	if p.logger != nil {
		p.logger.Info("some payloads rejected",
			"request_id", requestID,
			"records", len(records),
			"rejected", len(rejected),
			"user_agent", userAgent,
		)
	}
	return Response{
		StatusCode: http.StatusAccepted,
		Body:       string(body),
		Headers:    map[string]string{"content-type": "application/json"},
	}, nil
}

func (p *Pipeline) report(ctx context.Context, requestID, userAgent string, rejected []model.Rejection) {
	if p.sink == nil {
		return
	}
	ts := p.now().UTC()
	events := make([]model.RejectionEvent, 0, len(rejected))
	for _, r := range rejected {
		events = append(events, model.RejectionEvent{
			Timestamp: ts,
			RequestID: requestID,
			UserAgent: userAgent,
			Rejection: r,
		})
	}
	p.sink.RecordRejections(ctx, events)
}

func (p *Pipeline) warn(msg, requestID string, err error) {
	if p.logger != nil {
		p.logger.Warn(msg, "request_id", requestID, "err", err)
	}
}

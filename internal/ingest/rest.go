package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"telmlog/internal/config"
	"telmlog/internal/model"
	"telmlog/internal/rejects"
	"telmlog/internal/storage"
)

type RESTServer struct {
	cfg      *config.Manager
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewRESTServer(cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, pipeline: pipeline, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/amateur/telemetry", s.handleTelemetry)
	mux.HandleFunc("/telemetry", s.handleTelemetry)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) *http.Server {
	addr := cfg.Get().Ingest.Addr
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", addr)
	}
	server := NewRESTServer(cfg, pipeline, logger)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := s.cfg.Get().Ingest.MaxBodyBytes
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req := Request{
		Headers:         flattenHeaders(r.Header),
		Body:            body,
		IsBase64Encoded: strings.EqualFold(r.Header.Get("Content-Transfer-Encoding"), "base64"),
	}
	resp, err := s.pipeline.Handle(r.Context(), req)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("telemetry upload failed", "err", err, "remote", r.RemoteAddr)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// flattenHeaders lower-cases names and keeps the first value of each header.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

// AuditSink keeps recent rejections in memory and, when a store is
// configured, persists them.
type AuditSink struct {
	Recent *rejects.Store
	Store  storage.Store
	Logger *slog.Logger
}

func (s *AuditSink) RecordRejections(ctx context.Context, events []model.RejectionEvent) {
	if s.Recent != nil {
		s.Recent.Add(events...)
	}
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveRejections(ctx, events); err != nil && s.Logger != nil {
		s.Logger.Warn("save rejections failed", "count", len(events), "err", err)
	}
}

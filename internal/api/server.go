package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telmlog/internal/config"
	"telmlog/internal/metrics"
	"telmlog/internal/model"
	"telmlog/internal/rejects"
)

type Server struct {
	cfg      *config.Manager
	rejects  *rejects.Store
	onReload func(*config.Config)
	logger   *slog.Logger
	version  string
	service  string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Service    string       `json:"service"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Ingest     ingestStatus `json:"ingest"`
	Publisher  topicStatus  `json:"publisher"`
	Consumer   topicStatus  `json:"consumer"`
	Search     searchStatus `json:"search"`
	Storage    bool         `json:"storage"`
	Rejections int          `json:"rejections"`
}

type ingestStatus struct {
	Addr            string   `json:"addr"`
	HiddenCallsigns []string `json:"hidden_callsigns"`
}

type topicStatus struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id,omitempty"`
}

type searchStatus struct {
	URL         string `json:"url"`
	IndexPrefix string `json:"index_prefix"`
}

// NewServer builds the admin API. onReload is called with the new config
// after a successful /admin/reload and may be nil.
func NewServer(cfg *config.Manager, rejectsStore *rejects.Store, onReload func(*config.Config), logger *slog.Logger, service, version string) *Server {
	return &Server{
		cfg:      cfg,
		rejects:  rejectsStore,
		onReload: onReload,
		logger:   logger,
		service:  service,
		version:  version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/rejections", s.handleRejections)
	mux.HandleFunc("/rejections/summary", s.handleRejectionSummary)
	mux.HandleFunc("/admin/reload", s.handleReload)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

// Start serves the admin API on the configured address, or on fallbackAddr
// when none is configured. Each binary passes its own fallback so they can
// share one config file on a single host.
func Start(ctx context.Context, server *Server, fallbackAddr string) *http.Server {
	if server == nil || server.cfg == nil {
		return nil
	}
	current := server.cfg.Get().API
	logger := server.logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", listenAddr(current, fallbackAddr))
	}

	httpServer := &http.Server{Addr: listenAddr(current, fallbackAddr), Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Service:    s.service,
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			Addr:            cfg.Ingest.Addr,
			HiddenCallsigns: cfg.Ingest.HiddenCallsigns,
		},
		Publisher: topicStatus{Brokers: cfg.Publisher.Brokers, Topic: cfg.Publisher.Topic},
		Consumer:  topicStatus{Brokers: cfg.Consumer.Brokers, Topic: cfg.Consumer.Topic, GroupID: cfg.Consumer.GroupID},
		Search:    searchStatus{URL: cfg.Search.URL, IndexPrefix: cfg.Search.IndexPrefix},
		Storage:   cfg.Storage.Enabled,
	}
	if s.rejects != nil {
		resp.Rejections = s.rejects.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rejects == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rejections": []model.RejectionEvent{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.RejectionEvent
	if sinceStr != "" {
		if ts, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			list = s.rejects.Since(ts)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		list = s.rejects.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rejections": list,
		"count":      len(list),
	})
}

func (s *Server) handleRejectionSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reasons := map[string]int{}
	if s.rejects != nil {
		reasons = s.rejects.CountByReason()
	}
	writeJSON(w, http.StatusOK, map[string]any{"reasons": reasons})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Path() == "" {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "no config file to reload"})
		return
	}
	next, err := s.cfg.Reload()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("config reload failed", "err", err)
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	if s.onReload != nil {
		s.onReload(next)
	}
	if s.logger != nil {
		s.logger.Info("config reloaded", "path", s.cfg.Path())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all", "rejections":
		if s.rejects != nil {
			s.rejects.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func listenAddr(cfg config.APIConfig, fallback string) string {
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		return addr
	}
	return fallback
}

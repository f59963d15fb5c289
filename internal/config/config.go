package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Publisher PublisherConfig `json:"publisher" yaml:"publisher"`
	Consumer  ConsumerConfig  `json:"consumer" yaml:"consumer"`
	Search    SearchConfig    `json:"search" yaml:"search"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Rejects   RejectsConfig   `json:"rejects" yaml:"rejects"`
	Recovery  RecoveryConfig  `json:"recovery" yaml:"recovery"`
}

type IngestConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	HiddenCallsigns []string `json:"hidden_callsigns" yaml:"hidden_callsigns"`
}

type PublisherConfig struct {
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	Compress     bool          `json:"compress" yaml:"compress"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
}

type ConsumerConfig struct {
	Brokers      []string      `json:"brokers" yaml:"brokers"`
	Topic        string        `json:"topic" yaml:"topic"`
	GroupID      string        `json:"group_id" yaml:"group_id"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchWait    time.Duration `json:"batch_wait" yaml:"batch_wait"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	// MaxAttempts caps handler attempts per batch; 0 retries forever. A
	// capped batch is moved to DeadLetterTopic before its offsets commit.
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	DeadLetterTopic string `json:"dead_letter_topic" yaml:"dead_letter_topic"`
}

type SearchConfig struct {
	URL         string        `json:"url" yaml:"url"`
	Username    string        `json:"username" yaml:"username"`
	Password    string        `json:"password" yaml:"password"`
	IndexPrefix string        `json:"index_prefix" yaml:"index_prefix"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Addr left empty makes each binary listen on its own default port.
	Addr string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type RejectsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type RecoveryConfig struct {
	FeedURL     string        `json:"feed_url" yaml:"feed_url"`
	FeedToken   string        `json:"feed_token" yaml:"feed_token"`
	FeedPeriod  int           `json:"feed_period" yaml:"feed_period"`
	APIURL      string        `json:"api_url" yaml:"api_url"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	DryRun      bool          `json:"dry_run" yaml:"dry_run"`
	Attribution string        `json:"attribution" yaml:"attribution"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			Addr:            ":8080",
			MaxBodyBytes:    10 << 20,
			HiddenCallsigns: []string{"MYCALL", "4FSKTEST", "4FSKTEST-V2"},
		},
		Publisher: PublisherConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "telm",
			Compress:     true,
			BatchTimeout: 10 * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "telm",
			GroupID:      "telm-indexer",
			BatchSize:    100,
			BatchWait:    2 * time.Second,
			RetryBackoff: 5 * time.Second,
			MaxAttempts:  0,
		},
		Search: SearchConfig{
			URL:         "http://localhost:9200",
			IndexPrefix: "telm-",
			Timeout:     30 * time.Second,
		},
		API:     APIConfig{Enabled: true},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:telmlog.db?_pragma=busy_timeout(5000)"},
		Rejects: RejectsConfig{StoreLimit: 1000},
		Recovery: RecoveryConfig{
			FeedURL:     "https://radiosondy.info/api/v1/sonde-logs",
			FeedPeriod:  2,
			APIURL:      "https://api.v2.sondehub.org",
			Interval:    0,
			Timeout:     30 * time.Second,
			Attribution: "[via Radiosondy.info]",
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and TELM_* variables only, for hosts
// that ship no config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads path through a Manager, or falls back to FromEnv when no path
// is given.
func Open(path string) (*Manager, error) {
	if path == "" {
		cfg, err := FromEnv()
		if err != nil {
			return nil, err
		}
		return NewStaticManager(cfg), nil
	}
	return NewManager(path)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("TELM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("TELM_INGEST_ADDR"); v != "" {
		cfg.Ingest.Addr = v
	}
	if v := getenv("TELM_BROKERS"); v != "" {
		brokers := splitList(v)
		cfg.Publisher.Brokers = brokers
		cfg.Consumer.Brokers = brokers
	}
	if v := getenv("TELM_TOPIC"); v != "" {
		cfg.Publisher.Topic = v
		cfg.Consumer.Topic = v
	}
	if v := getenv("TELM_DEAD_LETTER_TOPIC"); v != "" {
		cfg.Consumer.DeadLetterTopic = v
	}
	if v := getenv("TELM_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := getenv("TELM_GROUP_ID"); v != "" {
		cfg.Consumer.GroupID = v
	}
	if v := getenv("TELM_COMPRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Publisher.Compress = b
		}
	}
	if v := getenv("TELM_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := getenv("TELM_SEARCH_USERNAME"); v != "" {
		cfg.Search.Username = v
	}
	if v := getenv("TELM_SEARCH_PASSWORD"); v != "" {
		cfg.Search.Password = v
	}
	if v := getenv("TELM_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := getenv("TELM_RECOVERY_TOKEN"); v != "" {
		cfg.Recovery.FeedToken = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.MaxBodyBytes <= 0 {
		cfg.Ingest.MaxBodyBytes = 10 << 20
	}
	if cfg.Rejects.StoreLimit <= 0 {
		cfg.Rejects.StoreLimit = 1000
	}
	if cfg.Consumer.BatchSize <= 0 {
		cfg.Consumer.BatchSize = 100
	}
	if cfg.Consumer.BatchWait <= 0 {
		cfg.Consumer.BatchWait = 2 * time.Second
	}
	if cfg.Consumer.RetryBackoff <= 0 {
		cfg.Consumer.RetryBackoff = 5 * time.Second
	}
	if cfg.Search.IndexPrefix == "" {
		cfg.Search.IndexPrefix = "telm-"
	}
	if cfg.Search.Timeout <= 0 {
		cfg.Search.Timeout = 30 * time.Second
	}
	if cfg.Recovery.FeedPeriod <= 0 {
		cfg.Recovery.FeedPeriod = 2
	}
	if cfg.Recovery.Timeout <= 0 {
		cfg.Recovery.Timeout = 30 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.Ingest.Addr == "" {
		return errors.New("ingest.addr required")
	}
	if len(cfg.Publisher.Brokers) == 0 || cfg.Publisher.Topic == "" {
		return errors.New("publisher requires brokers and topic")
	}
	if len(cfg.Consumer.Brokers) == 0 || cfg.Consumer.Topic == "" || cfg.Consumer.GroupID == "" {
		return errors.New("consumer requires brokers, topic, group_id")
	}
	if cfg.Consumer.MaxAttempts < 0 {
		return fmt.Errorf("consumer.max_attempts must not be negative: %d", cfg.Consumer.MaxAttempts)
	}
	if cfg.Consumer.MaxAttempts > 0 && cfg.Consumer.DeadLetterTopic == "" {
		return errors.New("consumer.dead_letter_topic required when consumer.max_attempts is set")
	}
	if cfg.Search.URL == "" {
		return errors.New("search.url required")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
		}
	}
	if cfg.Recovery.Interval < 0 {
		return fmt.Errorf("recovery.interval must not be negative: %s", cfg.Recovery.Interval)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
	return m, nil
}

// NewStaticManager wraps an already built config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

package swcache

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// DefaultManifest is precached when the config lists no manifest.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	"/offline.html",
}

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`

	Worker  WorkerConfig  `yaml:"worker"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type WorkerConfig struct {
	CacheName      string   `yaml:"cacheName"`
	Script         string   `yaml:"script"`
	Scope          string   `yaml:"scope"`
	Fallback       string   `yaml:"fallback"`
	SkipWaiting    *bool    `yaml:"skipWaiting"`
	Manifest       []string `yaml:"manifest"`
	Sitemaps       []string `yaml:"sitemaps"`
	InstallTimeout string   `yaml:"installTimeout"`

	// compiled
	installTimeoutDur time.Duration
}

type StorageConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Max      string `yaml:"max"`
	MaxEntry string `yaml:"maxEntry"`

	// compiled
	maxBytes      int64
	maxEntryBytes int64
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	// compiled
	logStatsEveryDur time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !strings.HasPrefix(cfg.Server.Origin, "http://") && !strings.HasPrefix(cfg.Server.Origin, "https://") {
		return fmt.Errorf("server.origin must be an http(s) URL, got %q", cfg.Server.Origin)
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__swcache"
	}
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")

	w := &cfg.Worker
	if w.CacheName == "" {
		w.CacheName = "app-cache-v1"
	}
	if err := validStoreName(w.CacheName); err != nil {
		return fmt.Errorf("worker.cacheName: %w", err)
	}
	if w.Script == "" {
		w.Script = "/sw.js"
	}
	if w.Scope == "" {
		w.Scope = "/"
	}
	if w.Fallback == "" {
		w.Fallback = "/offline.html"
	}
	if w.SkipWaiting == nil {
		skip := true
		w.SkipWaiting = &skip
	}
	if len(w.Manifest) == 0 {
		w.Manifest = slices.Clone(DefaultManifest)
	}
	if !slices.Contains(w.Manifest, w.Fallback) {
		return fmt.Errorf("worker.fallback %q must be listed in worker.manifest", w.Fallback)
	}
	w.installTimeoutDur = 30 * time.Second
	if w.InstallTimeout != "" {
		d, err := time.ParseDuration(w.InstallTimeout)
		if err != nil {
			return fmt.Errorf("worker.installTimeout: %w", err)
		}
		w.installTimeoutDur = d
	}

	s := &cfg.Storage
	switch s.Backend {
	case "":
		s.Backend = BackendLevelDB
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", s.Backend)
	}
	if s.Path == "" {
		s.Path = "./data/swcache"
	}
	if s.Max != "" {
		n, err := parseBytes(s.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		s.maxBytes = n
	}
	if s.MaxEntry != "" {
		n, err := parseBytes(s.MaxEntry)
		if err != nil {
			return fmt.Errorf("storage.maxEntry: %w", err)
		}
		s.maxEntryBytes = n
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

// WorkerOptions describes the worker version this config deploys.
func (cfg Config) WorkerOptions(precache []string) WorkerOptions {
	return WorkerOptions{
		Version:     cfg.Worker.CacheName,
		Origin:      cfg.Server.Origin,
		Manifest:    slices.Clone(cfg.Worker.Manifest),
		Fallback:    cfg.Worker.Fallback,
		SkipWaiting: cfg.Worker.SkipWaiting == nil || *cfg.Worker.SkipWaiting,
		Precache:    precache,
	}
}

func (cfg Config) HostOptions() HostOptions {
	return HostOptions{Script: cfg.Worker.Script, Scope: cfg.Worker.Scope}
}

func (cfg Config) InstallTimeout() time.Duration {
	if cfg.Worker.installTimeoutDur <= 0 {
		return 30 * time.Second
	}
	return cfg.Worker.installTimeoutDur
}

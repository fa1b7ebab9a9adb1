package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/diarysync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It is seeded
// from the current Config so absent keys keep their values.
type JsonConfig struct {
	RemoteBaseURL string `json:"remote_base_url"`
	Origin        string `json:"origin"`
	DatabasePath  string `json:"database_path"`
	ListenAddr    string `json:"listen_addr"`
	GRPCAddr      string `json:"grpc_addr"`

	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	RequestTimeout      timex.Duration `json:"request_timeout"`
	SyncInterval        timex.Duration `json:"sync_interval"`
	SyncConcurrency     int            `json:"sync_concurrency"`
	MaxRetries          int            `json:"max_retries"`

	CachePrefix        string         `json:"cache_prefix"`
	CacheVersion       string         `json:"cache_version"`
	APITTL             timex.Duration `json:"api_ttl"`
	StaticTTL          timex.Duration `json:"static_ttl"`
	ImageTTL           timex.Duration `json:"image_ttl"`
	OfflineFallbackURL string         `json:"offline_fallback_url"`

	AdminToken string `json:"admin_token"`
	LogFile    string `json:"log_file"`
	LogLevel   string `json:"log_level"`
}

// parseJson overlays cfg with the values of the JSON file at path.
func parseJson(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	jc := JsonConfig{
		RemoteBaseURL:       cfg.RemoteBaseURL,
		Origin:              cfg.Origin,
		DatabasePath:        cfg.DatabasePath,
		ListenAddr:          cfg.ListenAddr,
		GRPCAddr:            cfg.GRPCAddr,
		OnlineCheckInterval: timex.Duration{Duration: cfg.OnlineCheckInterval},
		RequestTimeout:      timex.Duration{Duration: cfg.RequestTimeout},
		SyncInterval:        timex.Duration{Duration: cfg.SyncInterval},
		SyncConcurrency:     cfg.SyncConcurrency,
		MaxRetries:          cfg.MaxRetries,
		CachePrefix:         cfg.CachePrefix,
		CacheVersion:        cfg.CacheVersion,
		APITTL:              timex.Duration{Duration: cfg.APITTL},
		StaticTTL:           timex.Duration{Duration: cfg.StaticTTL},
		ImageTTL:            timex.Duration{Duration: cfg.ImageTTL},
		OfflineFallbackURL:  cfg.OfflineFallbackURL,
		AdminToken:          cfg.AdminToken,
		LogFile:             cfg.LogFile,
		LogLevel:            cfg.LogLevel,
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.RemoteBaseURL = jc.RemoteBaseURL
	cfg.Origin = jc.Origin
	cfg.DatabasePath = jc.DatabasePath
	cfg.ListenAddr = jc.ListenAddr
	cfg.GRPCAddr = jc.GRPCAddr
	cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	cfg.RequestTimeout = jc.RequestTimeout.Duration
	cfg.SyncInterval = jc.SyncInterval.Duration
	cfg.SyncConcurrency = jc.SyncConcurrency
	cfg.MaxRetries = jc.MaxRetries
	cfg.CachePrefix = jc.CachePrefix
	cfg.CacheVersion = jc.CacheVersion
	cfg.APITTL = jc.APITTL.Duration
	cfg.StaticTTL = jc.StaticTTL.Duration
	cfg.ImageTTL = jc.ImageTTL.Duration
	cfg.OfflineFallbackURL = jc.OfflineFallbackURL
	cfg.AdminToken = jc.AdminToken
	cfg.LogFile = jc.LogFile
	cfg.LogLevel = jc.LogLevel
	return nil
}

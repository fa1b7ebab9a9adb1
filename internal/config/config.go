package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds runtime settings for the daemon and the CLI commands that
// open the local store.
type Config struct {
	RemoteBaseURL string
	Origin        string
	DatabasePath  string
	ListenAddr    string
	GRPCAddr      string

	OnlineCheckInterval time.Duration
	RequestTimeout      time.Duration
	SyncInterval        time.Duration
	SyncConcurrency     int
	MaxRetries          int

	CachePrefix        string
	CacheVersion       string
	APITTL             time.Duration
	StaticTTL          time.Duration
	ImageTTL           time.Duration
	OfflineFallbackURL string

	AdminToken string
	LogFile    string
	LogLevel   string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.RemoteBaseURL = "http://127.0.0.1:54321"
	c.Origin = ""
	c.DatabasePath = "diarysync.db"
	c.ListenAddr = "127.0.0.1:8787"
	c.GRPCAddr = "127.0.0.1:8788"

	c.OnlineCheckInterval = 3 * time.Second
	c.RequestTimeout = 15 * time.Second
	c.SyncInterval = time.Minute
	c.SyncConcurrency = 4
	c.MaxRetries = 3

	c.CachePrefix = "diary"
	c.CacheVersion = "v1"
	c.APITTL = 5 * time.Minute
	c.StaticTTL = 24 * time.Hour
	c.ImageTTL = 7 * 24 * time.Hour
	c.OfflineFallbackURL = ""

	c.LogLevel = "info"
}

// Origins lists the first-party origins the cache engine trusts: the
// explicit origin if any, and the origin of the remote backend.
func (c *Config) Origins() []string {
	var out []string
	if c.Origin != "" {
		out = append(out, c.Origin)
	}
	if u, err := url.Parse(c.RemoteBaseURL); err == nil && u.Host != "" {
		out = append(out, u.Scheme+"://"+u.Host)
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.RemoteBaseURL == "" {
		errs = append(errs, errors.New("remote base url is required"))
	} else if u, err := url.Parse(c.RemoteBaseURL); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("remote base url %q is not absolute", c.RemoteBaseURL))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"online check interval", c.OnlineCheckInterval},
		{"request timeout", c.RequestTimeout},
		{"sync interval", c.SyncInterval},
		{"api ttl", c.APITTL},
		{"static ttl", c.StaticTTL},
		{"image ttl", c.ImageTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}

	if c.SyncConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sync concurrency must be at least 1, got %d", c.SyncConcurrency))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries))
	}
	return errors.Join(errs...)
}

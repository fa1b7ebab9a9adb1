package config

import (
	"github.com/spf13/pflag"
)

// Flags binds the configuration flags to a flag set. Values parsed there
// only override the defaults and the JSON file when set explicitly.
type Flags struct {
	fs         *pflag.FlagSet
	configPath string
	v          Config
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	f.v.LoadDefaults()
	v := &f.v

	fs.StringVarP(&f.configPath, "config", "c", "", "path to JSON config file")
	fs.StringVarP(&v.RemoteBaseURL, "remote", "a", v.RemoteBaseURL, "base URL of the remote backend")
	fs.StringVar(&v.Origin, "origin", v.Origin, "first-party origin of the app shell")
	fs.StringVarP(&v.DatabasePath, "db", "d", v.DatabasePath, "path to the local SQLite database")
	fs.StringVar(&v.ListenAddr, "listen", v.ListenAddr, "address of the local HTTP surface")
	fs.StringVar(&v.GRPCAddr, "grpc", v.GRPCAddr, "address of the gRPC health endpoint")

	fs.DurationVarP(&v.OnlineCheckInterval, "online-interval", "i", v.OnlineCheckInterval, "online status check interval")
	fs.DurationVar(&v.RequestTimeout, "request-timeout", v.RequestTimeout, "timeout of remote requests")
	fs.DurationVar(&v.SyncInterval, "sync-interval", v.SyncInterval, "periodic sync interval")
	fs.IntVar(&v.SyncConcurrency, "sync-concurrency", v.SyncConcurrency, "entries delivered in parallel")
	fs.IntVar(&v.MaxRetries, "max-retries", v.MaxRetries, "automatic delivery attempts per entry")

	fs.StringVar(&v.CachePrefix, "cache-prefix", v.CachePrefix, "cache partition name prefix")
	fs.StringVar(&v.CacheVersion, "cache-version", v.CacheVersion, "cache partition version")
	fs.DurationVar(&v.APITTL, "api-ttl", v.APITTL, "freshness of cached API reads")
	fs.DurationVar(&v.StaticTTL, "static-ttl", v.StaticTTL, "freshness of cached static assets")
	fs.DurationVar(&v.ImageTTL, "image-ttl", v.ImageTTL, "freshness of cached images")
	fs.StringVar(&v.OfflineFallbackURL, "offline-page", v.OfflineFallbackURL, "page served for navigations while offline")

	fs.StringVar(&v.AdminToken, "admin-token", v.AdminToken, "bearer token guarding the cache admin routes")
	fs.StringVar(&v.LogFile, "log-file", v.LogFile, "rotate logs into this file instead of stderr")
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "debug, info, warn or error")
	return f
}

// Load applies defaults, the JSON file and then the changed flags.
func (f *Flags) Load() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if f.configPath != "" {
		if err := parseJson(cfg, f.configPath); err != nil {
			return nil, err
		}
	}
	f.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	v := &f.v
	overrides := map[string]func(){
		"remote":           func() { cfg.RemoteBaseURL = v.RemoteBaseURL },
		"origin":           func() { cfg.Origin = v.Origin },
		"db":               func() { cfg.DatabasePath = v.DatabasePath },
		"listen":           func() { cfg.ListenAddr = v.ListenAddr },
		"grpc":             func() { cfg.GRPCAddr = v.GRPCAddr },
		"online-interval":  func() { cfg.OnlineCheckInterval = v.OnlineCheckInterval },
		"request-timeout":  func() { cfg.RequestTimeout = v.RequestTimeout },
		"sync-interval":    func() { cfg.SyncInterval = v.SyncInterval },
		"sync-concurrency": func() { cfg.SyncConcurrency = v.SyncConcurrency },
		"max-retries":      func() { cfg.MaxRetries = v.MaxRetries },
		"cache-prefix":     func() { cfg.CachePrefix = v.CachePrefix },
		"cache-version":    func() { cfg.CacheVersion = v.CacheVersion },
		"api-ttl":          func() { cfg.APITTL = v.APITTL },
		"static-ttl":       func() { cfg.StaticTTL = v.StaticTTL },
		"image-ttl":        func() { cfg.ImageTTL = v.ImageTTL },
		"offline-page":     func() { cfg.OfflineFallbackURL = v.OfflineFallbackURL },
		"admin-token":      func() { cfg.AdminToken = v.AdminToken },
		"log-file":         func() { cfg.LogFile = v.LogFile },
		"log-level":        func() { cfg.LogLevel = v.LogLevel },
	}
	for name, set := range overrides {
		if f.fs.Changed(name) {
			set()
		}
	}
}

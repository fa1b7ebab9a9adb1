package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() Config {
	var c Config
	c.LoadDefaults()
	return c
}

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f.Load()
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, 3*time.Second, c.OnlineCheckInterval)
	assert.Equal(t, time.Minute, c.SyncInterval)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 5*time.Minute, c.APITTL)
	assert.Equal(t, 24*time.Hour, c.StaticTTL)
	assert.Equal(t, 7*24*time.Hour, c.ImageTTL)
	assert.Equal(t, "diary", c.CachePrefix)
	assert.NoError(t, c.Validate())
}

func TestLoad_NoSources(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(defaults(), *cfg))
}

func TestLoad_JSONThenFlags(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"remote_base_url":       "https://diary.example.com/functions/v1",
		"online_check_interval": "10s",
		"api_ttl":               int64(2 * time.Minute),
		"max_retries":           5,
		"log_level":             "debug",
	})

	cfg, err := load(t, "-c", path, "--max-retries", "7", "--api-ttl", "30s")
	require.NoError(t, err)

	want := defaults()
	want.RemoteBaseURL = "https://diary.example.com/functions/v1"
	want.OnlineCheckInterval = 10 * time.Second
	want.LogLevel = "debug"
	want.MaxRetries = 7
	want.APITTL = 30 * time.Second
	assert.Empty(t, cmp.Diff(want, *cfg))
}

func TestLoad_UnchangedFlagsKeepJSON(t *testing.T) {
	path := writeTempJSON(t, map[string]any{"sync_interval": "2m", "database_path": "/tmp/x.db"})

	cfg, err := load(t, "--config="+path, "-i", "1s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, time.Second, cfg.OnlineCheckInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := load(t, "-c", filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
	t.Run("bad json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
		_, err := load(t, "-c", path)
		assert.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		path := writeTempJSON(t, map[string]any{"api_ttl": "soon"})
		_, err := load(t, "-c", path)
		assert.Error(t, err)
	})
	t.Run("invalid values", func(t *testing.T) {
		_, err := load(t, "--max-retries", "0", "--sync-interval", "0s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries")
		assert.Contains(t, err.Error(), "sync interval")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty remote", mutate: func(c *Config) { c.RemoteBaseURL = "" }, wantErr: true},
		{name: "relative remote", mutate: func(c *Config) { c.RemoteBaseURL = "/functions/v1" }, wantErr: true},
		{name: "empty db", mutate: func(c *Config) { c.DatabasePath = "" }, wantErr: true},
		{name: "zero interval", mutate: func(c *Config) { c.OnlineCheckInterval = 0 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.SyncConcurrency = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			tt.mutate(&c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	c := defaults()
	c.RemoteBaseURL = "https://api.example.com/functions/v1"
	assert.Equal(t, []string{"https://api.example.com"}, c.Origins())

	c.Origin = "https://diary.example.com"
	assert.Equal(t, []string{"https://diary.example.com", "https://api.example.com"}, c.Origins())
}

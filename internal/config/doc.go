// Package config loads runtime configuration for the diarysync daemon and
// CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or --config.
//  3. Command-line flags, which override earlier values only when set.
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "3s" or
// integer nanoseconds. Keys absent from the file keep their defaults:
//
//	{
//	  "remote_base_url": "https://diary.example.com",
//	  "origin": "https://diary.example.com",
//	  "database_path": "diarysync.db",
//	  "online_check_interval": "3s",
//	  "sync_interval": "1m",
//	  "api_ttl": "5m"
//	}
package config

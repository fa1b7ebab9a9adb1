// Package metadata stores small key/value facts of the local store: the
// session token, the last time the network was seen, the last sync pass.
package metadata

import (
	"context"
	"fmt"
	"time"
)

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// GetTime reads a timestamp written by SetTime. ok is false when the key is
// absent.
func GetTime(ctx context.Context, r Repository, key string) (t time.Time, ok bool, err error) {
	v, err := r.Get(ctx, key)
	if err != nil || v == nil {
		return time.Time{}, false, err
	}
	if err := t.UnmarshalText(v); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode metadata[%s]: %w", key, err)
	}
	return t, true, nil
}

func SetTime(ctx context.Context, r Repository, key string, t time.Time) error {
	v, err := t.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("failed to encode metadata[%s]: %w", key, err)
	}
	return r.Set(ctx, key, v)
}

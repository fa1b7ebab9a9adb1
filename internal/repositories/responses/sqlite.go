package responses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/dbx"
	"github.com/dmitrijs2005/diarysync/internal/models"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, partition, key string) (*models.CachedResponse, error) {
	var (
		c               models.CachedResponse
		header          []byte
		strategy        string
		stored, expires int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT partition_name, cache_key, url, method, status, header, body, digest, strategy, stored_at, expires_at
		FROM cached_responses WHERE partition_name = ? AND cache_key = ?`, partition, key).
		Scan(&c.Partition, &c.Key, &c.URL, &c.Method, &c.Status, &header, &c.Body, &c.Digest, &strategy, &stored, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached response %s/%s: %w", partition, key, err)
	}

	c.Header = http.Header{}
	if err := json.Unmarshal(header, &c.Header); err != nil {
		return nil, fmt.Errorf("failed to decode headers of %s/%s: %w", partition, key, err)
	}
	c.Strategy = models.Strategy(strategy)
	c.StoredAt = time.Unix(0, stored).UTC()
	c.ExpiresAt = time.Unix(0, expires).UTC()
	return &c, nil
}

func (r *SQLiteRepository) Put(ctx context.Context, c *models.CachedResponse) error {
	header, err := json.Marshal(c.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	body := c.Body
	if body == nil {
		body = []byte{}
	}
	digest := c.Digest
	if digest == nil {
		digest = []byte{}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cached_responses
			(partition_name, cache_key, url, method, status, header, body, digest, strategy, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition_name, cache_key) DO UPDATE SET
			url = excluded.url,
			method = excluded.method,
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			digest = excluded.digest,
			strategy = excluded.strategy,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at
	`, c.Partition, c.Key, c.URL, c.Method, c.Status, header, body, digest, string(c.Strategy),
		c.StoredAt.UnixNano(), c.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put cached response %s/%s: %w", c.Partition, c.Key, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, partition, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cached_responses WHERE partition_name = ? AND cache_key = ?`, partition, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cached response %s/%s: %w", partition, key, err)
	}
	n, err := dbx.Affected(res)
	return n > 0, err
}

func (r *SQLiteRepository) DeleteByURL(ctx context.Context, url string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cached_responses WHERE url = ?`, url)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cached responses of %s: %w", url, err)
	}
	return dbx.Affected(res)
}

// DeletePartitions drops every listed partition in one transaction and
// returns how many of them held at least one entry.
func (r *SQLiteRepository) DeletePartitions(ctx context.Context, names ...string) (int, error) {
	deleted := 0
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, name := range names {
			res, err := tx.ExecContext(ctx, `DELETE FROM cached_responses WHERE partition_name = ?`, name)
			if err != nil {
				return fmt.Errorf("failed to delete partition %s: %w", name, err)
			}
			n, err := dbx.Affected(res)
			if err != nil {
				return err
			}
			if n > 0 {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *SQLiteRepository) ListPartitions(ctx context.Context) ([]models.PartitionInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT partition_name, COUNT(*), COALESCE(SUM(LENGTH(body) + LENGTH(header)), 0)
		FROM cached_responses
		GROUP BY partition_name
		ORDER BY partition_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	result := []models.PartitionInfo{}
	for rows.Next() {
		var p models.PartitionInfo
		if err := rows.Scan(&p.Name, &p.EntryCount, &p.ByteSize); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		result = append(result, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate partitions: %w", err)
	}
	return result, nil
}

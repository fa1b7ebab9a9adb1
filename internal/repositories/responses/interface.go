// Package responses persists the request cache: stored responses grouped in
// named, versioned partitions.
package responses

import (
	"context"

	"github.com/dmitrijs2005/diarysync/internal/models"
)

type Repository interface {
	// Get returns (nil, nil) on a miss.
	Get(ctx context.Context, partition, key string) (*models.CachedResponse, error)
	Put(ctx context.Context, c *models.CachedResponse) error
	Delete(ctx context.Context, partition, key string) (bool, error)
	DeleteByURL(ctx context.Context, url string) (int64, error)
	DeletePartitions(ctx context.Context, names ...string) (int, error)
	ListPartitions(ctx context.Context) ([]models.PartitionInfo, error)
}

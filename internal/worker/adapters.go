// Package worker defines the collaborators an execution drives (platform
// adapters, extractors and storage adapters) and the registry they are
// resolved from.
package worker

import (
	"context"
	"iter"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

// PlatformAdapter fetches raw items from one external platform. A fresh
// adapter is built for every execution and Cleanup is always called.
type PlatformAdapter interface {
	Name() string
	Authenticate(ctx context.Context, credentials map[string]string) (bool, error)
	// Search and Monitor yield lazily; a sequence is finite and single-use.
	// Breaking out of the range stops the producer.
	Search(ctx context.Context, keywords []string, opts models.SearchOptions) iter.Seq2[models.RawItem, error]
	Monitor(ctx context.Context, accounts []string, limit int) iter.Seq2[models.RawItem, error]
	Cleanup(ctx context.Context) error
}

// Extractor maps raw platform records to canonical items.
type Extractor interface {
	Extract(raw models.RawItem) (models.Item, error)
	Validate(item models.Item) bool
}

// StorageAdapter persists canonical items. Save must be idempotent per item key.
type StorageAdapter interface {
	Name() string
	Save(ctx context.Context, items []models.Item, taskID string) error
	Close() error
}

// PlatformFactory builds a new adapter instance.
type PlatformFactory func() (PlatformAdapter, error)

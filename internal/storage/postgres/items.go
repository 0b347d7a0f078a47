package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

// ItemSink persists canonical items in the items table of the task database.
// Writes are keyed by (platform, item_id) so replays after a retry are idempotent.
type ItemSink struct {
	client *Client
}

func (c *Client) ItemSink() *ItemSink {
	return &ItemSink{client: c}
}

func (s *ItemSink) Name() string { return "postgres" }

func (s *ItemSink) Save(ctx context.Context, items []models.Item, taskID string) error {
	tx, err := s.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (platform, item_id, task_id, content, author, url, published_at, metadata, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		ON CONFLICT (platform, item_id) DO UPDATE
		SET task_id = EXCLUDED.task_id,
			content = EXCLUDED.content,
			author = EXCLUDED.author,
			url = EXCLUDED.url,
			published_at = EXCLUDED.published_at,
			metadata = EXCLUDED.metadata,
			collected_at = EXCLUDED.collected_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		metadata, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of item %s: %w", item.ID, err)
		}
		collected := item.CollectedAt
		if collected.IsZero() {
			collected = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			item.Platform, item.ID, taskID, item.Content, item.Author, item.URL, item.PublishedAt,
			string(metadata), collected,
		); err != nil {
			return fmt.Errorf("failed to save item %s: %w", item.Key(), err)
		}
	}

	return tx.Commit()
}

// Close is a no-op; the owning Client closes the connection pool.
func (s *ItemSink) Close() error { return nil }

// Package leveldb is a local item sink. Every record carries an expiry so the
// on-disk store behaves as a rolling window of recently collected items.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const itemPrefix = "item:"

type entry struct {
	Value     json.RawMessage `json:"value"`
	TaskID    string          `json:"taskId"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type Client struct {
	db              *leveldb.DB
	ttl             time.Duration
	cleanupInterval time.Duration
	mutex           sync.RWMutex
	stopCleanup     chan struct{}
	closeOnce       sync.Once

	now func() time.Time
}

func NewClient(path string, ttl time.Duration) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}

	client := &Client{
		db:              db,
		ttl:             ttl,
		cleanupInterval: time.Hour,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go client.startCleanupRoutine()

	return client, nil
}

func (c *Client) Name() string { return "leveldb" }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		err = c.db.Close()
	})
	return err
}

func itemKey(platform, id string) []byte {
	return []byte(itemPrefix + platform + ":" + id)
}

// Save writes all items in one batch; an item already present is overwritten
// and its expiry extended.
func (c *Client) Save(ctx context.Context, items []models.Item, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	expires := c.now().Add(c.ttl)
	batch := new(leveldb.Batch)
	for _, item := range items {
		value, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", item.Key(), err)
		}
		data, err := json.Marshal(entry{Value: value, TaskID: taskID, ExpiresAt: expires})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		batch.Put(itemKey(item.Platform, item.ID), data)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write %d items: %w", len(items), err)
	}
	return nil
}

// Get returns the stored item, or nil when it is absent or expired.
func (c *Client) Get(platform, id string) (*models.Item, error) {
	key := itemKey(platform, id)

	c.mutex.RLock()
	data, err := c.db.Get(key, nil)
	c.mutex.RUnlock()
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	if c.now().After(e.ExpiresAt) {
		// Expired: drop it now rather than waiting for the sweep.
		c.mutex.Lock()
		c.db.Delete(key, nil)
		c.mutex.Unlock()
		return nil, nil
	}

	var item models.Item
	if err := json.Unmarshal(e.Value, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return &item, nil
}

func (c *Client) Delete(platform, id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.db.Delete(itemKey(platform, id), nil)
}

func (c *Client) startCleanupRoutine() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries and reports how many were dropped.
func (c *Client) cleanup() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	iter := c.db.NewIterator(util.BytesPrefix([]byte(itemPrefix)), nil)
	defer iter.Release()

	now := c.now()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var e entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if now.After(e.ExpiresAt) {
			// iterator keys are only valid until the next call
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}

	if batch.Len() == 0 {
		return 0
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0
	}
	return batch.Len()
}

package models

import "time"

// RawItem is a platform record as produced by a platform adapter
type RawItem struct {
	ID       string                 `json:"id"`
	Platform string                 `json:"platform"`
	TaskID   string                 `json:"taskId"`
	Data     map[string]interface{} `json:"data"`
}

// Item is the canonical, validated record persisted by storage adapters
type Item struct {
	ID          string                 `json:"id"`
	Platform    string                 `json:"platform"`
	TaskID      string                 `json:"taskId"`
	Content     string                 `json:"content"`
	Author      string                 `json:"author,omitempty"`
	URL         string                 `json:"url,omitempty"`
	PublishedAt string                 `json:"publishedAt,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CollectedAt time.Time              `json:"collectedAt"`
}

// Key identifies an item across tasks; storage uses it for idempotent writes.
func (i Item) Key() string {
	return i.Platform + ":" + i.ID
}

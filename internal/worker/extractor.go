package worker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

// ErrMissingField reports a raw record without a required key.
var ErrMissingField = errors.New("missing field")

// MapExtractor reads the conventional keys (id, content/text, author, url,
// published_at) from RawItem.Data; unknown keys are kept as metadata.
type MapExtractor struct{}

var knownKeys = map[string]bool{
	"id": true, "content": true, "text": true, "author": true, "url": true, "published_at": true,
}

func (MapExtractor) Extract(raw models.RawItem) (models.Item, error) {
	item := models.Item{
		ID:          raw.ID,
		Platform:    raw.Platform,
		TaskID:      raw.TaskID,
		CollectedAt: time.Now().UTC(),
	}
	if item.ID == "" {
		item.ID = stringField(raw.Data, "id")
	}
	if item.ID == "" {
		return models.Item{}, fmt.Errorf("raw item from %s: id: %w", raw.Platform, ErrMissingField)
	}

	item.Content = stringField(raw.Data, "content")
	if item.Content == "" {
		item.Content = stringField(raw.Data, "text")
	}
	item.Author = stringField(raw.Data, "author")
	item.URL = stringField(raw.Data, "url")
	item.PublishedAt = stringField(raw.Data, "published_at")

	for k, v := range raw.Data {
		if knownKeys[k] {
			continue
		}
		if item.Metadata == nil {
			item.Metadata = make(map[string]interface{})
		}
		item.Metadata[k] = v
	}
	return item, nil
}

// Validate requires an identity, a platform and non-blank content.
func (MapExtractor) Validate(item models.Item) bool {
	return item.ID != "" && item.Platform != "" && strings.TrimSpace(item.Content) != ""
}

func stringField(data map[string]interface{}, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

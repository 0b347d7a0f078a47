// Package jsonfile writes collected items to JSON files, one file per
// platform per save.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

type Sink struct {
	dir string
	now func() time.Time
}

func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Sink{dir: dir, now: time.Now}, nil
}

func (s *Sink) Name() string { return "json" }

func (s *Sink) Close() error { return nil }

// Save groups items by platform and writes <platform>_<task>_<timestamp>.json
// for each group. Files are written to a temp name and renamed into place.
func (s *Sink) Save(ctx context.Context, items []models.Item, taskID string) error {
	grouped := make(map[string][]models.Item)
	for _, item := range items {
		grouped[item.Platform] = append(grouped[item.Platform], item)
	}

	stamp := s.now().UTC().Format("20060102_150405.000000000")
	for platform, group := range grouped {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("%s_%s_%s.json", platform, taskID, stamp)
		if err := s.writeFile(name, group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeFile(name string, items []models.Item) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

// Load reads back every item saved for a platform, oldest file first.
func (s *Sink) Load(platform string) ([]models.Item, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, platform+"_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []models.Item
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		var items []models.Item
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", p, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

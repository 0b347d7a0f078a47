package worker

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

type stubAdapter struct{}

func (stubAdapter) Name() string { return "stub" }
func (stubAdapter) Authenticate(context.Context, map[string]string) (bool, error) {
	return true, nil
}
func (stubAdapter) Search(context.Context, []string, models.SearchOptions) iter.Seq2[models.RawItem, error] {
	return func(func(models.RawItem, error) bool) {}
}
func (stubAdapter) Monitor(context.Context, []string, int) iter.Seq2[models.RawItem, error] {
	return func(func(models.RawItem, error) bool) {}
}
func (stubAdapter) Cleanup(context.Context) error { return nil }

type stubStorage struct {
	name   string
	closed bool
	err    error
}

func (s *stubStorage) Name() string { return s.name }
func (s *stubStorage) Save(context.Context, []models.Item, string) error {
	return nil
}
func (s *stubStorage) Close() error {
	s.closed = true
	return s.err
}

func TestRegistryPlatforms(t *testing.T) {
	r := NewRegistry()
	factory := func() (PlatformAdapter, error) { return stubAdapter{}, nil }

	if err := r.RegisterPlatform("stub", factory); err != nil {
		t.Fatalf("RegisterPlatform() failed: %v", err)
	}
	if err := r.RegisterPlatform("stub", factory); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if _, err := r.Platform("stub"); err != nil {
		t.Errorf("Platform(stub) failed: %v", err)
	}
	if _, err := r.Platform("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Platform(missing) error = %v, want ErrNotRegistered", err)
	}
	if names := r.Platforms(); len(names) != 1 || names[0] != "stub" {
		t.Errorf("Platforms() = %v", names)
	}
}

func TestRegistryDefaultsToMapExtractor(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Extractor("anything").(MapExtractor); !ok {
		t.Error("expected MapExtractor default")
	}
}

func TestRegistryCredentialsAreCopied(t *testing.T) {
	r := NewRegistry()
	creds := map[string]string{"token": "a"}
	r.SetCredentials("stub", creds)
	creds["token"] = "b"

	got := r.Credentials("stub")
	if got["token"] != "a" {
		t.Errorf("Credentials() token = %q, want a", got["token"])
	}
	got["token"] = "c"
	if r.Credentials("stub")["token"] != "a" {
		t.Error("Credentials() returned shared map")
	}
}

func TestRegistryCloseClosesStorages(t *testing.T) {
	r := NewRegistry()
	good := &stubStorage{name: "good"}
	bad := &stubStorage{name: "bad", err: errors.New("boom")}
	r.RegisterStorage(good)
	r.RegisterStorage(bad)

	if err := r.Close(); err == nil {
		t.Error("expected Close() to report the failing storage")
	}
	if !good.closed || !bad.closed {
		t.Error("expected every storage to be closed")
	}
	if _, err := r.Storage("nope"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Storage(nope) error = %v", err)
	}
}

func TestMapExtractor(t *testing.T) {
	e := MapExtractor{}
	raw := models.RawItem{
		Platform: "p",
		TaskID:   "t",
		Data: map[string]interface{}{
			"id":    42.0,
			"text":  "hello",
			"url":   "http://x",
			"score": 7.0,
		},
	}
	item, err := e.Extract(raw)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if item.ID != "42" || item.Content != "hello" || item.URL != "http://x" {
		t.Errorf("Extract() = %+v", item)
	}
	if item.Metadata["score"] != 7.0 {
		t.Errorf("metadata = %v", item.Metadata)
	}
	if !e.Validate(item) {
		t.Error("Validate() = false for a complete item")
	}

	item.Content = "   "
	if e.Validate(item) {
		t.Error("Validate() = true for blank content")
	}

	if _, err := e.Extract(models.RawItem{Platform: "p"}); !errors.Is(err, ErrMissingField) {
		t.Errorf("Extract(no id) error = %v, want ErrMissingField", err)
	}
}

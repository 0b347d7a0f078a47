package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when a named collaborator is unknown.
var ErrNotRegistered = errors.New("not registered")

// Registry holds the named collaborators available to executions. It is
// built once at startup and passed to the runner.
type Registry struct {
	mu          sync.RWMutex
	platforms   map[string]PlatformFactory
	extractors  map[string]Extractor
	storages    map[string]StorageAdapter
	credentials map[string]map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		platforms:   make(map[string]PlatformFactory),
		extractors:  make(map[string]Extractor),
		storages:    make(map[string]StorageAdapter),
		credentials: make(map[string]map[string]string),
	}
}

// RegisterPlatform adds a platform adapter factory
func (r *Registry) RegisterPlatform(name string, factory PlatformFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.platforms[name]; exists {
		return fmt.Errorf("platform %s already registered", name)
	}
	r.platforms[name] = factory
	return nil
}

// Platform builds a new adapter for the named platform
func (r *Registry) Platform(name string) (PlatformAdapter, error) {
	r.mu.RLock()
	factory, exists := r.platforms[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("platform %s: %w", name, ErrNotRegistered)
	}
	adapter, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", name, err)
	}
	return adapter, nil
}

// Platforms lists registered platform names in sorted order
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterExtractor sets the extractor used for a platform
func (r *Registry) RegisterExtractor(platform string, e Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extractors[platform]; exists {
		return fmt.Errorf("extractor for %s already registered", platform)
	}
	r.extractors[platform] = e
	return nil
}

// Extractor returns the platform's extractor, or the field-mapping default
func (r *Registry) Extractor(platform string) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.extractors[platform]; ok {
		return e
	}
	return MapExtractor{}
}

// RegisterStorage adds an open storage adapter under its own name
func (r *Registry) RegisterStorage(s StorageAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.storages[s.Name()]; exists {
		return fmt.Errorf("storage %s already registered", s.Name())
	}
	r.storages[s.Name()] = s
	return nil
}

// Storage returns a registered storage adapter
func (r *Registry) Storage(name string) (StorageAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.storages[name]
	if !exists {
		return nil, fmt.Errorf("storage %s: %w", name, ErrNotRegistered)
	}
	return s, nil
}

// SetCredentials stores the settings handed to a platform's Authenticate
func (r *Registry) SetCredentials(platform string, creds map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make(map[string]string, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	r.credentials[platform] = cp
}

// Credentials returns a copy of a platform's settings
func (r *Registry) Credentials(platform string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := make(map[string]string, len(r.credentials[platform]))
	for k, v := range r.credentials[platform] {
		cp[k] = v
	}
	return cp
}

// Close closes every registered storage adapter
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, s := range r.storages {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

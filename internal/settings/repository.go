package settings

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Repository is the concurrency-safe access point for stored configurations
// and settings. Every mutation is written through to the Store; when the
// write fails the in-memory state is left unchanged.
type Repository struct {
	mu    sync.RWMutex
	store Store
	doc   Document
	now   func() time.Time
}

// NewRepository loads the document from store.
func NewRepository(store Store) (*Repository, error) {
	doc, err := store.Load()
	if err != nil {
		return nil, err
	}
	doc.Settings = doc.Settings.withDefaults()
	return &Repository{store: store, doc: doc, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewInMemoryRepository returns a repository over an empty in-memory store.
func NewInMemoryRepository() *Repository {
	r, _ := NewRepository(NewInMemoryStore())
	return r
}

// ListConfigs returns the configurations ordered by creation time.
func (r *Repository) ListConfigs() []StreamConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamConfig, len(r.doc.Streams))
	copy(out, r.doc.Streams)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetConfig returns the configuration with id.
func (r *Repository) GetConfig(id string) (StreamConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexLocked(id); i >= 0 {
		return r.doc.Streams[i], true
	}
	return StreamConfig{}, false
}

// CreateConfig stores a new configuration with a generated ID.
func (r *Repository) CreateConfig(c StreamConfig) (StreamConfig, error) {
	if err := c.Validate(); err != nil {
		return StreamConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c.ID = newConfigID()
	c.CreatedAt = now
	c.UpdatedAt = now

	next := r.doc.clone()
	next.Streams = append(next.Streams, c)
	if err := r.saveLocked(next); err != nil {
		return StreamConfig{}, err
	}
	return c, nil
}

// UpdateConfig replaces the configuration with id. ID and CreatedAt are kept.
func (r *Repository) UpdateConfig(id string, c StreamConfig) (StreamConfig, error) {
	if err := c.Validate(); err != nil {
		return StreamConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return StreamConfig{}, ErrConfigNotFound
	}
	prev := r.doc.Streams[i]
	c.ID = prev.ID
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = r.now()

	next := r.doc.clone()
	next.Streams[i] = c
	if err := r.saveLocked(next); err != nil {
		return StreamConfig{}, err
	}
	return c, nil
}

// DeleteConfig removes the configuration with id. Fixed configurations
// cannot be deleted.
func (r *Repository) DeleteConfig(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return ErrConfigNotFound
	}
	if r.doc.Streams[i].Fixed {
		return ErrConfigFixed
	}

	next := r.doc.clone()
	next.Streams = append(next.Streams[:i], next.Streams[i+1:]...)
	return r.saveLocked(next)
}

// Settings returns the current application settings.
func (r *Repository) Settings() AppSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Settings
}

// UpdateSettings validates and stores s. Zero numeric fields take defaults.
func (r *Repository) UpdateSettings(s AppSettings) (AppSettings, error) {
	s = s.withDefaults()
	s.LogLevel = strings.ToLower(s.LogLevel)
	if err := s.Validate(); err != nil {
		return AppSettings{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.doc.clone()
	next.Settings = s
	if err := r.saveLocked(next); err != nil {
		return AppSettings{}, err
	}
	return s, nil
}

// ResetSettings restores DefaultSettings.
func (r *Repository) ResetSettings() (AppSettings, error) {
	return r.UpdateSettings(DefaultSettings())
}

func (r *Repository) saveLocked(next Document) error {
	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	r.doc = next
	return nil
}

func (r *Repository) indexLocked(id string) int {
	for i, c := range r.doc.Streams {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func newConfigID() string {
	return "stream_" + strings.ToLower(ulid.Make().String())
}

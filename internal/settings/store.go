package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Store is the persistence abstraction for the settings document.
// Implementations can be in-memory or file-based; the Repository uses Store
// for all reads and writes.
type Store interface {
	Load() (Document, error)
	Save(doc Document) error
}

// InMemoryStore keeps the document in memory. Used by tests.
type InMemoryStore struct {
	mu  sync.Mutex
	doc *Document
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return NewDocument(), nil
	}
	return s.doc.clone(), nil
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doc.clone()
	s.doc = &d
	return nil
}

// fileLayout nests the document under the storage name:
//
//	[rtsp2hls-storage.settings]
//	[[rtsp2hls-storage.streams]]
type fileLayout struct {
	Storage *Document `toml:"rtsp2hls-storage"`
}

// FileStore persists the document as a TOML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the file at path. The file and its
// directory are created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path is the backing file.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.Load. A missing file yields a new document.
func (s *FileStore) Load() (Document, error) {
	var layout fileLayout
	if _, err := toml.DecodeFile(s.path, &layout); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewDocument(), nil
		}
		return Document{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if layout.Storage == nil {
		return NewDocument(), nil
	}
	return *layout.Storage, nil
}

// Save implements Store.Save. The file is replaced atomically.
func (s *FileStore) Save(doc Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(fileLayout{Storage: &doc}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	// Credentials may be stored in the file.
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

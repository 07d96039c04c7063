package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStore_LoadSave(t *testing.T) {
	store := NewInMemoryStore()

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Streams) != 0 || doc.Settings != DefaultSettings() {
		t.Errorf("empty store should load defaults, got %+v", doc)
	}

	doc.Streams = append(doc.Streams, StreamConfig{ID: "s1", Name: "Gate"})
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the saved value must not leak into the store.
	doc.Streams[0].Name = "changed"
	got, _ := store.Load()
	if len(got.Streams) != 1 || got.Streams[0].Name != "Gate" {
		t.Errorf("Load after Save: got %+v", got.Streams)
	}
}

func TestFileStore_MissingFileLoadsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.toml"))

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Settings != DefaultSettings() {
		t.Errorf("expected default settings, got %+v", doc.Settings)
	}
}

func TestFileStore_RoundTripKeyedByStorageName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.toml")
	store := NewFileStore(path)

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	doc := NewDocument()
	doc.Settings.AutoStart = true
	doc.Streams = []StreamConfig{{
		ID:           "stream_1",
		Name:         "Front door",
		RTSPURL:      "rtsp://10.0.0.2/live",
		Username:     "admin",
		Password:     "secret",
		Resolution:   "1280x720",
		Bitrate:      "2000k",
		FrameRate:    25,
		AudioEnabled: true,
		CreatedAt:    created,
		UpdatedAt:    created,
	}}
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(raw), StorageName) {
		t.Errorf("file should be keyed by %q:\n%s", StorageName, raw)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Settings.AutoStart {
		t.Error("settings not persisted")
	}
	if len(got.Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(got.Streams))
	}
	s := got.Streams[0]
	if s.Name != "Front door" || s.Password != "secret" || s.FrameRate != 25 || !s.CreatedAt.Equal(created) {
		t.Errorf("stream not persisted: %+v", s)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("this is = = not toml"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Error("expected decode error")
	}
}

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStoreRejectsInvalidValues(t *testing.T) {
	store := NewMemoryStore(Default())

	if err := store.SetWindowSize(9000); err == nil {
		t.Error("window 9000 accepted")
	}
	if store.WindowSize() != 2048 {
		t.Errorf("window changed to %d", store.WindowSize())
	}

	if err := store.SetInactivityTimeout(5 * time.Second); err == nil {
		t.Error("5s timeout accepted")
	}

	if err := store.SetRetention(RetentionConfig{MaxMessages: 1, EvictKeep: 4}); err == nil {
		t.Error("max_messages 1 accepted")
	}

	if err := store.SetMode("hybrid"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestMemoryStoreSetters(t *testing.T) {
	store := NewMemoryStore(Default())

	if err := store.SetWindowSize(4096); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInactivityTimeout(90 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInactivityEnabled(false); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMode(ModeRemote); err != nil {
		t.Fatal(err)
	}

	settings := store.Settings()
	if settings.Context.WindowSize != 4096 {
		t.Errorf("window = %d", settings.Context.WindowSize)
	}
	if store.InactivityTimeout() != 90*time.Second {
		t.Errorf("timeout = %v", store.InactivityTimeout())
	}
	if store.InactivityEnabled() {
		t.Error("inactivity still enabled")
	}
	if store.Mode() != ModeRemote {
		t.Errorf("mode = %q", store.Mode())
	}
}

func TestFileStorePersistsEverySet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	if err := store.SetWindowSize(1024); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRetention(RetentionConfig{MaxMessages: 10, EvictKeep: 12}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if reloaded.Context.WindowSize != 1024 {
		t.Errorf("persisted window = %d", reloaded.Context.WindowSize)
	}
	if reloaded.Retention.MaxMessages != 10 || reloaded.Retention.EvictKeep != 12 {
		t.Errorf("persisted retention = %+v", reloaded.Retention)
	}
}

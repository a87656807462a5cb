package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) (*StateStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub", "state.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestStateStore(t *testing.T) {
	t.Run("LoadNonExistent", func(t *testing.T) {
		store, _ := openTest(t)

		got, err := store.Load("Espressif")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got != nil {
			t.Errorf("Load() = %v, want nil for unknown path", got)
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		store, _ := openTest(t)

		if err := store.Save(&ResourceState{Path: "Espressif", Data: []byte("On")}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := store.Load("Espressif")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got == nil {
			t.Fatal("Load() = nil")
		}
		if got.Version != StateVersion {
			t.Errorf("Version = %d, want %d", got.Version, StateVersion)
		}
		if string(got.Data) != "On" {
			t.Errorf("Data = %q, want %q", got.Data, "On")
		}
		if got.SavedAt.IsZero() {
			t.Error("SavedAt not set")
		}
	})

	t.Run("KeepsSavedAt", func(t *testing.T) {
		store, _ := openTest(t)
		at := time.Unix(1700000000, 0)

		if err := store.Save(&ResourceState{Path: "a", SavedAt: at}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, _ := store.Load("a")
		if !got.SavedAt.Equal(at) {
			t.Errorf("SavedAt = %v, want %v", got.SavedAt, at)
		}
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		store, path := openTest(t)
		if err := store.Save(&ResourceState{Path: "Espressif", Data: []byte("Off")}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		reopened, err := Open(path)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer reopened.Close()

		got, err := reopened.Load("Espressif")
		if err != nil || got == nil {
			t.Fatalf("Load() = %v, %v", got, err)
		}
		if string(got.Data) != "Off" {
			t.Errorf("Data = %q, want %q", got.Data, "Off")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		store, _ := openTest(t)
		store.Save(&ResourceState{Path: "x", Data: []byte("1")})

		if err := store.Clear("x"); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if err := store.Clear("x"); err != nil {
			t.Fatalf("Clear() twice error = %v", err)
		}
		got, _ := store.Load("x")
		if got != nil {
			t.Errorf("Load() after Clear = %v, want nil", got)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		store, _ := openTest(t)
		store.Close()

		if err := store.Save(&ResourceState{Path: "x"}); !errors.Is(err, ErrClosed) {
			t.Errorf("Save() error = %v, want ErrClosed", err)
		}
		if _, err := store.Load("x"); !errors.Is(err, ErrClosed) {
			t.Errorf("Load() error = %v, want ErrClosed", err)
		}
	})
}

func TestWriter(t *testing.T) {
	t.Run("FlushOnClose", func(t *testing.T) {
		store, _ := openTest(t)
		w := NewWriter(store, nil)

		for _, s := range []string{"a", "b", "Off"} {
			if err := w.Save(&ResourceState{Path: "Espressif", Data: []byte(s)}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		got, err := store.Load("Espressif")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got == nil || string(got.Data) != "Off" {
			t.Errorf("stored = %v, want the last state", got)
		}
	})

	t.Run("LoadSeesQueuedState", func(t *testing.T) {
		store, _ := openTest(t)
		w := NewWriter(store, nil)
		defer w.Close()

		buf := []byte("On")
		if err := w.Save(&ResourceState{Path: "Espressif", Data: buf}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		buf[0] = 'X'

		got, err := w.Load("Espressif")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got == nil || string(got.Data) != "On" {
			t.Errorf("Load() = %v, want the saved copy", got)
		}
	})

	t.Run("SaveAfterClose", func(t *testing.T) {
		store, _ := openTest(t)
		w := NewWriter(store, nil)
		w.Close()
		w.Close()

		if err := w.Save(&ResourceState{Path: "Espressif"}); !errors.Is(err, ErrClosed) {
			t.Errorf("Save() after Close error = %v, want ErrClosed", err)
		}
	})

	t.Run("WritesInBackground", func(t *testing.T) {
		store, _ := openTest(t)
		w := NewWriter(store, nil)
		defer w.Close()

		if err := w.Save(&ResourceState{Path: "Espressif", Data: []byte("On")}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got, _ := store.Load("Espressif"); got != nil && string(got.Data) == "On" {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("state never reached the store")
	})
}

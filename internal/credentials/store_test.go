package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "token.json")
	s := NewFileStore(path)

	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("Load() on missing file = ok %v err %v, want false nil", ok, err)
	}

	want := Credential{Username: "ana", AccessToken: "tok-1", IssuedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %v, want 0600", perm)
	}

	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v err %v", ok, err)
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Fatalf("Load() after Clear reported a credential")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := NewFileStore(path).Load(); err == nil {
		t.Fatalf("Load() error = nil, want decode error")
	}
}

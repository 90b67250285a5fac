package thread

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

func TestJSONFile_MissingFileIsEmpty(t *testing.T) {
	s, err := OpenJSONFile(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty store, got %d entries", len(entries))
	}
}

func TestJSONFile_CorruptFileFailsLoudly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	_, err := OpenJSONFile(path)
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}
}

func TestJSONFile_UnknownStateIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	os.WriteFile(path, []byte(`{"t1": {"state": "DONE"}}`), 0o644)

	_, err := OpenJSONFile(path)
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}
}

func TestJSONFile_MissingStateDefaultsToNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	os.WriteFile(path, []byte(`{"t1": {"title": "Fix header"}}`), 0o644)

	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	rec, ok, _ := s.Get("t1")
	if !ok || rec.State != protocol.StateNew {
		t.Errorf("expected NEW, got %+v", rec)
	}
}

func TestJSONFile_SecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := OpenJSONFile(path); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected ErrStoreLocked, got %v", err)
	}

	s.Close()
	s2, err := OpenJSONFile(path)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	s2.Close()
}

func TestJSONFile_PutIsWriteThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	s.Put("t1", &protocol.ThreadRecord{State: protocol.StateCoding, Title: "Fix", CreatedAt: now, UpdatedAt: now})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("store file is empty after Put")
	}
	matches, _ := filepath.Glob(path + ".*.tmp")
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestJSONFile_GetReturnsCopy(t *testing.T) {
	s, _ := OpenJSONFile(filepath.Join(t.TempDir(), "db.json"))
	defer s.Close()

	s.Put("t1", &protocol.ThreadRecord{State: protocol.StateCoding, Extra: map[string]string{"k": "v"}})
	rec, _, _ := s.Get("t1")
	rec.Extra["k"] = "mutated"
	rec.State = protocol.StateBlocked

	again, _, _ := s.Get("t1")
	if again.Extra["k"] != "v" || again.State != protocol.StateCoding {
		t.Errorf("store record was mutated through Get: %+v", again)
	}
}

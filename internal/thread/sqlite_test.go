package thread

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_PutAndGet(t *testing.T) {
	s := newSQLiteStore(t)
	now := time.Now().Truncate(time.Second)

	rec := &protocol.ThreadRecord{
		State:     protocol.StateAwaitingApproval,
		Title:     "Fix Sidebar Button",
		Plan:      "1. Summary",
		TicketID:  "TICKET-20260101-001",
		CreatedAt: now,
		UpdatedAt: now,
		Extra:     map[string]string{protocol.ExtraRequestedBy: "pm@example.com"},
	}
	if err := s.Put("t-1", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get("t-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != protocol.StateAwaitingApproval || got.Plan != "1. Summary" || got.TicketID != rec.TicketID {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Get(protocol.ExtraRequestedBy) != "pm@example.com" {
		t.Errorf("extra not round-tripped: %v", got.Extra)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLite_Upsert(t *testing.T) {
	s := newSQLiteStore(t)
	now := time.Now()
	s.Put("t-1", &protocol.ThreadRecord{State: protocol.StateNew, Title: "Original", CreatedAt: now, UpdatedAt: now})
	s.Put("t-1", &protocol.ThreadRecord{State: protocol.StateCoding, Title: "Updated", CreatedAt: now, UpdatedAt: now})

	got, _, _ := s.Get("t-1")
	if got.Title != "Updated" || got.State != protocol.StateCoding {
		t.Errorf("upsert did not replace record: %+v", got)
	}
	entries, _ := s.List()
	if len(entries) != 1 {
		t.Errorf("expected 1 row, got %d", len(entries))
	}
}

func TestSQLite_GetMissing(t *testing.T) {
	s := newSQLiteStore(t)
	_, ok, err := s.Get("nope")
	if err != nil || ok {
		t.Errorf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestSQLite_ListCreationOrder(t *testing.T) {
	s := newSQLiteStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.Put("b", &protocol.ThreadRecord{State: protocol.StateNew, CreatedAt: base.Add(time.Minute), UpdatedAt: base})
	s.Put("a", &protocol.ThreadRecord{State: protocol.StateNew, CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base})
	s.Put("c", &protocol.ThreadRecord{State: protocol.StateNew, CreatedAt: base, UpdatedAt: base})

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "b" || ids[2] != "a" {
		t.Errorf("unexpected order: %v", ids)
	}
}

func TestSQLite_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := OpenSQLite(path); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("expected ErrStoreLocked, got %v", err)
	}

	s.Close()
	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	s2.Close()
}

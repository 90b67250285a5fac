package ticketlog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T, now *time.Time) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dashboard_log.json")
	return New(path,
		WithClock(func() time.Time { return *now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func ptr(s string) *string { return &s }

func TestLogTicket_Create(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	l := newTestLog(t, &now)

	err := l.LogTicket(Input{
		TicketID:    "TICKET-20261015-001",
		Title:       "Change the login button color",
		RequestedBy: "pm@example.com",
		CreatedAt:   time.Date(2026, 10, 15, 8, 1, 2, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	e, ok := l.Get("TICKET-20261015-001")
	if !ok {
		t.Fatal("entry not found")
	}
	if e.ID != 1 {
		t.Errorf("expected id 1, got %d", e.ID)
	}
	if e.Status != StatusNew {
		t.Errorf("expected default status NEW, got %q", e.Status)
	}
	if e.CreatedDate != "2026-10-15" || e.CreatedTime != "08:01:02" {
		t.Errorf("created stamps = %s %s", e.CreatedDate, e.CreatedTime)
	}
	if e.CompletedDate != "" || e.CompletedTime != "" {
		t.Errorf("completed stamps must be empty on creation, got %s %s", e.CompletedDate, e.CompletedTime)
	}
	if e.PRURL != "" {
		t.Errorf("expected empty pr_url, got %q", e.PRURL)
	}
}

func TestLogTicket_UpdateInPlace(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	l := newTestLog(t, &now)

	l.LogTicket(Input{TicketID: "A", Title: "first", Status: "PLAN_PROPOSED"})
	l.LogTicket(Input{TicketID: "B", Title: "second"})

	now = now.Add(3 * time.Hour)
	if err := l.LogTicket(Input{TicketID: "A", Status: "COMPLETED", PRURL: ptr("https://git.example.com/pr/7")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	a := entries[0]
	if a.ID != 1 || a.Title != "first" {
		t.Errorf("update must keep id and title, got %+v", a)
	}
	if a.Status != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %q", a.Status)
	}
	if a.CompletedDate != "2026-10-15" || a.CompletedTime != "12:00:00" {
		t.Errorf("completed stamps = %s %s", a.CompletedDate, a.CompletedTime)
	}
	if a.PRURL != "https://git.example.com/pr/7" {
		t.Errorf("pr_url = %q", a.PRURL)
	}
	if entries[1].ID != 2 {
		t.Errorf("second entry id = %d", entries[1].ID)
	}
}

func TestLogTicket_RepeatedCallsAreIdempotent(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	l := newTestLog(t, &now)

	for range 3 {
		if err := l.LogTicket(Input{TicketID: "A", Status: "CODING"}); err != nil {
			t.Fatal(err)
		}
	}
	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry per ticket id, got %d", len(entries))
	}
	if entries[0].ID != 1 || entries[0].Status != "CODING" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestLogTicket_EmptyStatusKeepsPrevious(t *testing.T) {
	now := time.Now()
	l := newTestLog(t, &now)
	l.LogTicket(Input{TicketID: "A", Status: "AWAITING_APPROVAL"})
	l.LogTicket(Input{TicketID: "A"})
	if e, _ := l.Get("A"); e.Status != "AWAITING_APPROVAL" {
		t.Errorf("status = %q", e.Status)
	}
}

func TestLogTicket_MissingTicketID(t *testing.T) {
	now := time.Now()
	l := newTestLog(t, &now)
	if err := l.LogTicket(Input{Title: "no id"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("log file should not be written for a missing ticket id")
	}
}

func TestLogTicket_MalformedFileTreatedAsEmpty(t *testing.T) {
	now := time.Now()
	l := newTestLog(t, &now)
	if err := os.WriteFile(l.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := l.Entries(); len(got) != 0 {
		t.Fatalf("expected empty log, got %v", got)
	}
	if err := l.LogTicket(Input{TicketID: "A"}); err != nil {
		t.Fatalf("log: %v", err)
	}

	data, _ := os.ReadFile(l.Path())
	var onDisk []Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("file not rewritten as JSON array: %v", err)
	}
	if len(onDisk) != 1 || onDisk[0].ID != 1 {
		t.Errorf("unexpected file contents: %s", data)
	}
}

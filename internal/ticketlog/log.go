// Package ticketlog maintains the human-browsable ticket status table: a
// single JSON array of entries keyed by ticket id, rewritten in full on
// every write. It is a materialized view of thread progress and is never
// read back by the pipeline.
package ticketlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"

	// StatusNew is the status given to entries created without one.
	StatusNew = "NEW"
)

// Entry is one row of the ticket log.
type Entry struct {
	ID            int    `json:"id"`
	TicketID      string `json:"ticket_id"`
	Title         string `json:"title"`
	RequestedBy   string `json:"requested_by"`
	CreatedDate   string `json:"created_date"`
	CreatedTime   string `json:"created_time"`
	Status        string `json:"status"`
	PRURL         string `json:"pr_url"`
	CompletedDate string `json:"completed_date,omitempty"`
	CompletedTime string `json:"completed_time,omitempty"`
}

// Input is the data passed to LogTicket. Title, RequestedBy and CreatedAt
// only matter when the entry is created.
type Input struct {
	TicketID    string
	Title       string
	RequestedBy string
	Status      string
	// PRURL is applied only when non-nil, so an update can clear it.
	PRURL     *string
	CreatedAt time.Time
}

// Log is a write-through ticket log backed by one JSON file.
type Log struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for created/completed stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the log's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns a Log writing to path. The file is created on first write.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// LogTicket inserts or updates the entry for in.TicketID and rewrites the
// file. A missing ticket id is logged and ignored.
func (l *Log) LogTicket(in Input) error {
	if in.TicketID == "" {
		l.logger.Warn("ticket log: no ticket id provided, skipping")
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.load()
	now := l.now()

	if e := find(entries, in.TicketID); e != nil {
		if in.Status != "" {
			e.Status = in.Status
		}
		e.CompletedDate = now.Format(dateLayout)
		e.CompletedTime = now.Format(timeLayout)
		if in.PRURL != nil {
			e.PRURL = *in.PRURL
		}
		l.logger.Debug("ticket log entry updated", "ticket", in.TicketID, "status", e.Status)
	} else {
		created := in.CreatedAt
		if created.IsZero() {
			created = now
		}
		e := Entry{
			ID:          nextID(entries),
			TicketID:    in.TicketID,
			Title:       in.Title,
			RequestedBy: in.RequestedBy,
			CreatedDate: created.Format(dateLayout),
			CreatedTime: created.Format(timeLayout),
			Status:      in.Status,
		}
		if e.Status == "" {
			e.Status = StatusNew
		}
		if in.PRURL != nil {
			e.PRURL = *in.PRURL
		}
		entries = append(entries, e)
		l.logger.Debug("ticket log entry created", "ticket", in.TicketID, "status", e.Status)
	}

	return l.write(entries)
}

// Entries returns the current log contents in insertion order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Get returns the entry for ticketID.
func (l *Log) Get(ticketID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.load()
	if e := find(entries, ticketID); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// load reads the file. Missing and malformed files read as an empty log.
func (l *Log) load() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("ticket log unreadable, starting empty", "path", l.path, "error", err)
		}
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("ticket log malformed, starting empty", "path", l.path, "error", err)
		return nil
	}
	return entries
}

func (l *Log) write(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("ticket log: marshal: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ticket log: mkdir: %w", err)
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ticket log: write: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ticket log: rename: %w", err)
	}
	return nil
}

func find(entries []Entry, ticketID string) *Entry {
	for i := range entries {
		if entries[i].TicketID == ticketID {
			return &entries[i]
		}
	}
	return nil
}

// nextID is one past the highest assigned id, which equals len+1 for a log
// that has only been appended to.
func nextID(entries []Entry) int {
	highest := len(entries)
	for _, e := range entries {
		highest = max(highest, e.ID)
	}
	return highest + 1
}

package thread

import (
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

const ticketPrefix = "TICKET-"

// Update carries the optional fields of an UpdateState call. Zero values
// leave the stored field untouched.
type Update struct {
	Plan     string
	Title    string
	TicketID string
	// Extra is shallow-merged into the record's extension map.
	Extra map[string]string
}

// Tracker is the thread state API used by the orchestrator. It serializes
// every read-compute-write sequence behind one mutex; the backing store
// provides the cross-process writer lock.
type Tracker struct {
	store   Store
	matcher SubjectMatcher
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the wall clock used for timestamps and ticket dates.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithMatcher overrides the subject matcher (default SubstringMatcher).
func WithMatcher(m SubjectMatcher) TrackerOption {
	return func(t *Tracker) { t.matcher = m }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker wraps store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:   store,
		matcher: SubstringMatcher{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetState returns the thread's state, or NEW when the thread is unknown or
// the store cannot be read.
func (t *Tracker) GetState(id string) protocol.State {
	rec, ok, err := t.store.Get(id)
	if err != nil {
		t.logger.Warn("thread state read failed", "thread", id, "error", err)
		return protocol.StateNew
	}
	if !ok || rec.State == "" {
		return protocol.StateNew
	}
	return rec.State
}

// GetPlan returns the last stored plan, if any.
func (t *Tracker) GetPlan(id string) (string, bool) {
	rec, ok, err := t.store.Get(id)
	if err != nil || !ok || rec.Plan == "" {
		return "", false
	}
	return rec.Plan, true
}

// Record returns a copy of the full record.
func (t *Tracker) Record(id string) (*protocol.ThreadRecord, bool, error) {
	return t.store.Get(id)
}

// List returns all records in store order.
func (t *Tracker) List() ([]Entry, error) {
	return t.store.List()
}

// UpdateState creates the record if needed, sets its state, refreshes
// updated_at, applies u and persists the result.
func (t *Tracker) UpdateState(id string, state protocol.State, u Update) (*protocol.ThreadRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(id, state, u)
}

func (t *Tracker) updateLocked(id string, state protocol.State, u Update) (*protocol.ThreadRecord, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("thread store: invalid state %q", state)
	}
	rec, ok, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	now := t.now()
	if !ok {
		rec = &protocol.ThreadRecord{CreatedAt: now}
	}
	if u.TicketID != "" && rec.TicketID != "" && u.TicketID != rec.TicketID {
		return nil, fmt.Errorf("%w: thread %s has %s", ErrTicketIDImmutable, id, rec.TicketID)
	}

	rec.State = state
	if now.Before(rec.UpdatedAt) {
		now = rec.UpdatedAt
	}
	rec.UpdatedAt = now
	if u.Plan != "" {
		rec.Plan = u.Plan
	}
	if u.Title != "" {
		rec.Title = u.Title
	}
	if u.TicketID != "" {
		rec.TicketID = u.TicketID
	}
	if len(u.Extra) > 0 {
		if rec.Extra == nil {
			rec.Extra = make(map[string]string, len(u.Extra))
		}
		maps.Copy(rec.Extra, u.Extra)
	}

	if err := t.store.Put(id, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// GenerateTicketID returns the next free id for today, TICKET-YYYYMMDD-NNN,
// by scanning all records for today's highest suffix. It does not reserve
// the id; callers persist it through UpdateState or use StartThread.
func (t *Tracker) GenerateTicketID() (string, error) {
	entries, err := t.store.List()
	if err != nil {
		return "", err
	}
	return nextTicketID(entries, t.now()), nil
}

func nextTicketID(entries []Entry, now time.Time) string {
	dayPrefix := ticketPrefix + now.Format("20060102") + "-"
	highest := 0
	for _, e := range entries {
		id := e.Record.TicketID
		if !strings.HasPrefix(id, dayPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, dayPrefix))
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return fmt.Sprintf("%s%03d", dayPrefix, highest+1)
}

// StartThread mints a ticket id for a thread that has none and persists it
// together with state and u in a single write.
func (t *Tracker) StartThread(id string, state protocol.State, u Update) (*protocol.ThreadRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.TicketID == "" {
		entries, err := t.store.List()
		if err != nil {
			return nil, err
		}
		u.TicketID = nextTicketID(entries, t.now())
	}
	return t.updateLocked(id, state, u)
}

// FindThreadIDBySubject resolves a subject line to an active thread.
func (t *Tracker) FindThreadIDBySubject(subject string) (string, bool) {
	entries, err := t.store.List()
	if err != nil {
		t.logger.Warn("thread list failed during subject lookup", "error", err)
		return "", false
	}
	return t.matcher.Match(subject, entries)
}

// FindByTicketID returns the thread that owns ticketID.
func (t *Tracker) FindByTicketID(ticketID string) (string, bool) {
	entries, err := t.store.List()
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.Record.TicketID == ticketID {
			return e.ID, true
		}
	}
	return "", false
}

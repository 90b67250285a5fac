// Package thread persists per-conversation state: the lifecycle state of each
// email thread, its plan, its ticket id and driver-supplied extension fields.
package thread

import (
	"errors"
	"sort"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

var (
	// ErrCorruptStore means the durable store exists but cannot be decoded.
	// The store is the only source of truth for ticket identity, so this is fatal.
	ErrCorruptStore = errors.New("thread store: corrupt store file")
	// ErrStoreLocked means another process holds the store's writer lock.
	ErrStoreLocked = errors.New("thread store: locked by another process")
	// ErrTicketIDImmutable is returned when an update tries to change an assigned ticket id.
	ErrTicketIDImmutable = errors.New("thread store: ticket id already assigned")
)

// Store is the persistence interface for thread records.
type Store interface {
	// Get returns a copy of the record for id and whether it exists.
	Get(id string) (*protocol.ThreadRecord, bool, error)
	// Put durably writes the record for id, replacing any previous one.
	Put(id string, rec *protocol.ThreadRecord) error
	// List returns all records in creation order.
	List() ([]Entry, error)
	// Close releases the store's resources and writer lock.
	Close() error
}

// Entry pairs a thread id with its record.
type Entry struct {
	ID     string
	Record *protocol.ThreadRecord
}

// sortEntries orders entries by creation time, breaking ties by id, so every
// backend iterates in the same order.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Record.CreatedAt, entries[j].Record.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entries[i].ID < entries[j].ID
	})
}

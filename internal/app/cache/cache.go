// Package cache keeps the last-known-good appointment collection of a session.
//
// A Cache holds an immutable Snapshot that is replaced wholesale. Readers get
// the current Snapshot and query it; they never observe a partial write. Only
// the sync controller that owns the Cache calls Replace, Patch or Clear.
package cache

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/agendasync/project/internal/app/appointment"
)

// MinSearchLength is the shortest query Search answers.
const MinSearchLength = 2

type Snapshot struct {
	items    []appointment.Appointment
	loadedAt time.Time
	version  uint64
}

var empty = &Snapshot{}

func newSnapshot(items []appointment.Appointment, loadedAt time.Time, version uint64) *Snapshot {
	copied := make([]appointment.Appointment, len(items))
	for i, a := range items {
		copied[i] = a.Clone()
	}
	return &Snapshot{items: copied, loadedAt: loadedAt, version: version}
}

func (s *Snapshot) Len() int { return len(s.items) }

// LoadedAt is zero for a snapshot that never came from a successful load.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Version increases on every replacement, including optimistic patches.
func (s *Snapshot) Version() uint64 { return s.version }

// All returns copies of every item in snapshot order.
func (s *Snapshot) All() []appointment.Appointment {
	return s.filter(func(appointment.Appointment) bool { return true })
}

func (s *Snapshot) Get(id string) (appointment.Appointment, bool) {
	for _, a := range s.items {
		if a.ID == id {
			return a.Clone(), true
		}
	}
	return appointment.Appointment{}, false
}

func (s *Snapshot) ByDate(date string) []appointment.Appointment {
	return s.filter(func(a appointment.Appointment) bool { return a.Date == date })
}

// ByDateRange is inclusive on both ends. Dates are zero-padded YYYY-MM-DD so
// string comparison is chronological.
func (s *Snapshot) ByDateRange(start, end string) []appointment.Appointment {
	return s.filter(func(a appointment.Appointment) bool { return a.Date >= start && a.Date <= end })
}

func (s *Snapshot) ByCategory(cat appointment.Category) []appointment.Appointment {
	return s.filter(func(a appointment.Appointment) bool { return a.Category == cat })
}

func (s *Snapshot) ByStatus(status appointment.Status) []appointment.Appointment {
	return s.filter(func(a appointment.Appointment) bool { return a.Status == status })
}

func (s *Snapshot) ByAgenda(agendaID string) []appointment.Appointment {
	return s.filter(func(a appointment.Appointment) bool { return a.AgendaID == agendaID })
}

// Search matches title, note and category case-insensitively. Queries shorter
// than MinSearchLength return nothing.
func (s *Snapshot) Search(query string) []appointment.Appointment {
	if len([]rune(query)) < MinSearchLength {
		return []appointment.Appointment{}
	}
	q := strings.ToLower(query)
	return s.filter(func(a appointment.Appointment) bool {
		return strings.Contains(strings.ToLower(a.Title), q) ||
			strings.Contains(strings.ToLower(a.Note), q) ||
			strings.Contains(strings.ToLower(string(a.Category)), q)
	})
}

func (s *Snapshot) filter(keep func(appointment.Appointment) bool) []appointment.Appointment {
	out := make([]appointment.Appointment, 0)
	for _, a := range s.items {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

type Cache struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

func New() *Cache {
	c := &Cache{now: func() time.Time { return time.Now().UTC() }}
	c.current.Store(empty)
	return c
}

func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Replace installs items as the new snapshot.
func (c *Cache) Replace(items []appointment.Appointment) *Snapshot {
	next := newSnapshot(items, c.now(), c.Snapshot().version+1)
	c.current.Store(next)
	return next
}

// Patch rewrites one item in place of the current snapshot. It reports false
// when id is not cached.
func (c *Cache) Patch(id string, patch appointment.Patch) (*Snapshot, bool) {
	cur := c.Snapshot()
	idx := -1
	for i, a := range cur.items {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return cur, false
	}
	items := make([]appointment.Appointment, len(cur.items))
	copy(items, cur.items)
	items[idx] = patch.Apply(items[idx])
	next := &Snapshot{items: items, loadedAt: cur.loadedAt, version: cur.version + 1}
	c.current.Store(next)
	return next, true
}

func (c *Cache) Clear() *Snapshot {
	next := &Snapshot{version: c.Snapshot().version + 1}
	c.current.Store(next)
	return next
}

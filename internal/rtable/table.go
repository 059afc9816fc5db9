// Package rtable is the routing table owned by the privileged peer.
//
// Entries are kept in insertion order. Insert does not enforce key
// uniqueness: two entries may share (destination, mask), and keyed
// operations act on the first match.
package rtable

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

var (
	ErrNotFound          = errors.New("rtable: no matching entry")
	ErrResourceExhausted = errors.New("rtable: table full")
	ErrInvalidEntry      = errors.New("rtable: invalid entry")
)

// Field size limits, matching the fixed-width layout peers exchange.
const (
	MaxAddrLen   = 15
	MaxIfNameLen = 31
	MaxMask      = 32
)

// Key identifies an entry.
type Key struct {
	Destination string
	Mask        int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Destination, k.Mask)
}

// Entry is one route.
type Entry struct {
	Destination string `json:"destination"`
	Mask        int    `json:"mask"`
	Gateway     string `json:"gateway"`
	Interface   string `json:"interface"`
}

// Key returns the entry's (destination, mask).
func (e Entry) Key() Key {
	return Key{Destination: e.Destination, Mask: e.Mask}
}

// Validate checks the field limits.
func (e Entry) Validate() error {
	switch {
	case e.Destination == "":
		return fmt.Errorf("%w: empty destination", ErrInvalidEntry)
	case len(e.Destination) > MaxAddrLen:
		return fmt.Errorf("%w: destination %q longer than %d", ErrInvalidEntry, e.Destination, MaxAddrLen)
	case e.Mask < 0 || e.Mask > MaxMask:
		return fmt.Errorf("%w: mask %d out of range 0-%d", ErrInvalidEntry, e.Mask, MaxMask)
	case len(e.Gateway) > MaxAddrLen:
		return fmt.Errorf("%w: gateway %q longer than %d", ErrInvalidEntry, e.Gateway, MaxAddrLen)
	case len(e.Interface) > MaxIfNameLen:
		return fmt.Errorf("%w: interface %q longer than %d", ErrInvalidEntry, e.Interface, MaxIfNameLen)
	}
	return nil
}

// Table is an ordered routing table safe for concurrent use. Mutations are
// exclusive; Lookup, Len and Dump share a read lock.
type Table struct {
	maxEntries int

	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty table holding at most maxEntries entries (0 = unbounded).
func New(maxEntries int) *Table {
	return &Table{maxEntries: maxEntries}
}

// Insert appends a new entry.
func (t *Table) Insert(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		return fmt.Errorf("%w: %d entries", ErrResourceExhausted, t.maxEntries)
	}
	t.entries = append(t.entries, e)
	return nil
}

// Delete removes the first entry matching k.
func (t *Table) Delete(k Key) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(k)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	e := t.entries[i]
	t.entries = slices.Delete(t.entries, i, i+1)
	return e, nil
}

// Update replaces the gateway and interface of the first entry matching k.
func (t *Table) Update(k Key, gateway, iface string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(k)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	next := t.entries[i]
	next.Gateway, next.Interface = gateway, iface
	if err := next.Validate(); err != nil {
		return Entry{}, err
	}
	t.entries[i] = next
	return next, nil
}

// Lookup returns the first entry matching k.
func (t *Table) Lookup(k Key) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.index(k)
	if i < 0 {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Clear removes every entry and returns how many there were.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.entries = nil
	return n
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Dump yields the entries in table order. Each iteration works on a
// snapshot taken when it starts, so the table may change meanwhile.
func (t *Table) Dump() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		t.mu.RLock()
		snap := slices.Clone(t.entries)
		t.mu.RUnlock()
		for _, e := range snap {
			if !yield(e) {
				return
			}
		}
	}
}

func (t *Table) index(k Key) int {
	return slices.IndexFunc(t.entries, func(e Entry) bool {
		return e.Destination == k.Destination && e.Mask == k.Mask
	})
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"munin/internal/identity"
)

// AllowList is the set of remote identities the daemon serves. It is safe
// for concurrent use; connection handlers read it only through snapshots.
type AllowList struct {
	mu   sync.RWMutex
	ids  map[identity.NodeID]struct{}
	snap *AllowSnapshot
}

func NewAllowList(ids ...identity.NodeID) *AllowList {
	l := &AllowList{ids: make(map[identity.NodeID]struct{}, len(ids))}
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
	return l
}

// Add reports whether id was newly added.
func (l *AllowList) Add(id identity.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false
	}
	l.ids[id] = struct{}{}
	l.snap = nil
	return true
}

// Remove reports whether id was present.
func (l *AllowList) Remove(id identity.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; !ok {
		return false
	}
	delete(l.ids, id)
	l.snap = nil
	return true
}

// Replace swaps the whole set, as on a reload from disk.
func (l *AllowList) Replace(ids []identity.NodeID) {
	next := make(map[identity.NodeID]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	l.mu.Lock()
	l.ids = next
	l.snap = nil
	l.mu.Unlock()
}

func (l *AllowList) Contains(id identity.NodeID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

func (l *AllowList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// Snapshot returns an immutable view of the current set. Later mutations
// are not visible through it.
func (l *AllowList) Snapshot() *AllowSnapshot {
	l.mu.RLock()
	snap := l.snap
	l.mu.RUnlock()
	if snap != nil {
		return snap
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap == nil {
		ids := make([]identity.NodeID, 0, len(l.ids))
		for id := range l.ids {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, identity.NodeID.Compare)
		l.snap = &AllowSnapshot{ids: ids}
	}
	return l.snap
}

// AllowSnapshot is a frozen, sorted copy of an AllowList.
type AllowSnapshot struct {
	ids []identity.NodeID
}

func (s *AllowSnapshot) Contains(id identity.NodeID) bool {
	if s == nil {
		return false
	}
	_, ok := slices.BinarySearchFunc(s.ids, id, identity.NodeID.Compare)
	return ok
}

func (s *AllowSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the members in ascending byte order.
func (s *AllowSnapshot) IDs() []identity.NodeID {
	if s == nil {
		return nil
	}
	return slices.Clone(s.ids)
}

var (
	ErrAliasExists  = errors.New("alias already exists")
	ErrInvalidAlias = errors.New("invalid alias")
)

// Alias binds a human name to a node.
type Alias struct {
	Name string
	ID   identity.NodeID
}

// AliasTable maps case-sensitive names to nodes. Iteration is in ascending
// name order.
type AliasTable struct {
	byName map[string]identity.NodeID
}

func NewAliasTable() *AliasTable {
	return &AliasTable{byName: make(map[string]identity.NodeID)}
}

// ValidateAlias rejects names that could never be resolved as aliases
// because a node id or ticket parse would win first.
func ValidateAlias(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidAlias)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidAlias, name)
	case strings.HasPrefix(name, identity.TicketPrefix):
		return fmt.Errorf("%w: %q looks like a ticket", ErrInvalidAlias, name)
	}
	if _, err := identity.ParseNodeID(name); err == nil {
		return fmt.Errorf("%w: %q is a node id", ErrInvalidAlias, name)
	}
	return nil
}

// Add binds name to id. Rebinding an existing name fails with
// ErrAliasExists unless it already points at id.
func (t *AliasTable) Add(name string, id identity.NodeID) error {
	if err := ValidateAlias(name); err != nil {
		return err
	}
	if cur, ok := t.byName[name]; ok {
		if cur == id {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrAliasExists, name, cur)
	}
	t.byName[name] = id
	return nil
}

func (t *AliasTable) Remove(name string) bool {
	if _, ok := t.byName[name]; !ok {
		return false
	}
	delete(t.byName, name)
	return true
}

func (t *AliasTable) Lookup(name string) (identity.NodeID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// NameOf returns the first alias (in table order) bound to id.
func (t *AliasTable) NameOf(id identity.NodeID) (string, bool) {
	for _, a := range t.Entries() {
		if a.ID == id {
			return a.Name, true
		}
	}
	return "", false
}

func (t *AliasTable) Len() int {
	return len(t.byName)
}

// Entries lists all aliases in table order.
func (t *AliasTable) Entries() []Alias {
	out := make([]Alias, 0, len(t.byName))
	for name, id := range t.byName {
		out = append(out, Alias{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddressBook remembers where a node was last reachable.
type AddressBook struct {
	addrs map[identity.NodeID][]string
}

func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[identity.NodeID][]string)}
}

// Merge appends new hints for id, keeping first-seen order without
// duplicates.
func (b *AddressBook) Merge(id identity.NodeID, addrs ...string) {
	cur := b.addrs[id]
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" || slices.Contains(cur, a) {
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		b.addrs[id] = cur
	}
}

func (b *AddressBook) Lookup(id identity.NodeID) []string {
	return slices.Clone(b.addrs[id])
}

func (b *AddressBook) Remove(id identity.NodeID) {
	delete(b.addrs, id)
}

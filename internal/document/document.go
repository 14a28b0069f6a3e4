// Package document models the document snapshot an agent operation mutates.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Section is one addressable unit of document structure.
type Section struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Level   int    `json:"level"`
	Content string `json:"content"`
}

// Table is tabular source material a figure can be generated from.
type Table struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

// Figure is a generated figure anchored after a section.
type Figure struct {
	ID             string `json:"id"`
	Caption        string `json:"caption,omitempty"`
	SourceTableID  string `json:"source_table_id"`
	AfterSectionID string `json:"after_section_id,omitempty"`
}

// Reference is one bibliography entry.
type Reference struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Verified bool   `json:"verified"`
}

// Snapshot is the full mutable state of one document version.
type Snapshot struct {
	ID            string      `json:"id"`
	CitationStyle string      `json:"citation_style,omitempty"`
	Sections      []Section   `json:"sections"`
	Tables        []Table     `json:"tables,omitempty"`
	Figures       []Figure    `json:"figures,omitempty"`
	References    []Reference `json:"references,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		ID:            s.ID,
		CitationStyle: s.CitationStyle,
		Sections:      append([]Section(nil), s.Sections...),
		Tables:        append([]Table(nil), s.Tables...),
		Figures:       append([]Figure(nil), s.Figures...),
		References:    append([]Reference(nil), s.References...),
	}
	return out
}

// SectionIndex returns the index of a section by id, or -1.
func (s *Snapshot) SectionIndex(id string) int {
	for i := range s.Sections {
		if s.Sections[i].ID == id {
			return i
		}
	}
	return -1
}

// Table returns the table with the given id.
func (s *Snapshot) Table(id string) (Table, bool) {
	for _, t := range s.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return Table{}, false
}

func encodeSection(sec Section) string {
	data, _ := json.Marshal(sec)
	return string(data)
}

func decodeSection(data string) (Section, error) {
	var sec Section
	if err := json.Unmarshal([]byte(data), &sec); err != nil {
		return Section{}, fmt.Errorf("parse section state: %w", err)
	}
	return sec, nil
}

// Store provides access to document snapshots by id.
type Store interface {
	Get(ctx context.Context, id string) (*Snapshot, error)
	Put(ctx context.Context, snap *Snapshot) error
}

// MemoryStore keeps snapshots in memory. It hands out clones so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryStore creates an empty snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

// Get fetches a clone of a snapshot by id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	return snap.Clone(), nil
}

// Put stores a clone of the snapshot under its id.
func (m *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap.Clone()
	return nil
}

// LockTable serializes mutating access per snapshot id. Applying a plan
// requires exclusive access to the snapshot it was planned against.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the exclusive lock for a snapshot id and returns the
// release function.
func (t *LockTable) Lock(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

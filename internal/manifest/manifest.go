// Package manifest tracks which original source filename each asset slot came from.
package manifest

import (
	"sort"
	"strconv"
	"strings"
)

// Entry is one slot name to original filename mapping
type Entry struct {
	Name     string `json:"name"`
	Original string `json:"original"`
}

// Manifest maps current asset names to original source filenames.
// It is not safe for concurrent use.
type Manifest struct {
	entries map[string]string
}

// New returns an empty manifest
func New() *Manifest {
	return &Manifest{entries: make(map[string]string)}
}

// FromMap builds a manifest from a decoded document
func FromMap(m map[string]string) *Manifest {
	mf := New()
	for k, v := range m {
		mf.entries[k] = v
	}
	return mf
}

// Record adds name -> original unless name is already tracked. The first
// write wins so a later run never overwrites historical provenance.
func (m *Manifest) Record(name, original string) bool {
	if _, ok := m.entries[name]; ok {
		return false
	}
	m.entries[name] = original
	return true
}

// Rekey moves the entry stored under oldName to newName. It is a no-op when
// oldName is not tracked.
func (m *Manifest) Rekey(oldName, newName string) bool {
	original, ok := m.entries[oldName]
	if !ok {
		return false
	}
	delete(m.entries, oldName)
	m.entries[newName] = original
	return true
}

// Get returns the original filename for name
func (m *Manifest) Get(name string) (string, bool) {
	original, ok := m.entries[name]
	return original, ok
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Sources returns the set of original filenames already ingested
func (m *Manifest) Sources() map[string]struct{} {
	sources := make(map[string]struct{}, len(m.entries))
	for _, original := range m.entries {
		sources[original] = struct{}{}
	}
	return sources
}

// Map returns a copy of the entries for serialization
func (m *Manifest) Map() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Entries returns all entries, numeric slot names first in numeric order,
// then everything else alphabetically.
func (m *Manifest) Entries() []Entry {
	entries := make([]Entry, 0, len(m.entries))
	for name, original := range m.entries {
		entries = append(entries, Entry{Name: name, Original: original})
	}
	sort.Slice(entries, func(i, j int) bool {
		ni, iok := slotNumber(entries[i].Name)
		nj, jok := slotNumber(entries[j].Name)
		switch {
		case iok && jok:
			if ni != nj {
				return ni < nj
			}
		case iok != jok:
			return iok
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

func slotNumber(name string) (int, bool) {
	base := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base = name[:i]
	}
	n, err := strconv.Atoi(base)
	return n, err == nil
}

package extmap

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "sort"

// Table is a compact translation table for moving multiple contiguous
// ranges of blocks or inodes. Entries are kept as {old, new, length}
// triples, coalesced on insert and lazily sorted by their old key.
type Table struct {
	entries []Entry
	cursor  int
	sorted  bool
}

// Entry is a single contiguous translated range.
type Entry struct {
	Old    uint64
	New    uint64
	Length uint64
}

// New creates an empty translation table.
func New() *Table {
	return &Table{sorted: true}
}

// Add records that old now lives at new. Adjacent translations with the
// same stride coalesce into one entry.
func (t *Table) Add(old, new uint64) {

	if n := len(t.entries); n > 0 {
		ent := &t.entries[n-1]
		if ent.Old+ent.Length == old && ent.New+ent.Length == new {
			ent.Length++
			return
		}
		if ent.Old+ent.Length > old {
			t.sorted = false
		}
	}

	t.entries = append(t.entries, Entry{Old: old, New: new, Length: 1})

}

func (t *Table) sort() {
	if t.sorted {
		return
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Old < t.entries[j].Old
	})
	t.sorted = true
	t.cursor = 0
}

// Translate looks up the new location of old. Each probe interpolates
// between the low and high keys of the remaining range.
func (t *Table) Translate(old uint64) (uint64, bool) {

	t.sort()

	low := 0
	high := len(t.entries) - 1

	for low <= high {

		var mid int
		if low == high {
			mid = low
		} else {
			lowval := t.entries[low].Old
			highval := t.entries[high].Old
			var frac float64
			switch {
			case old < lowval:
				frac = 0
			case old > highval:
				frac = 1
			default:
				frac = float64(old-lowval) / float64(highval-lowval)
			}
			mid = low + int(frac*float64(high-low))
		}

		ent := &t.entries[mid]
		if old >= ent.Old && old < ent.Old+ent.Length {
			return ent.New + (old - ent.Old), true
		}

		if old < ent.Old {
			high = mid - 1
		} else {
			low = mid + 1
		}

	}

	return 0, false

}

// Len returns the number of coalesced entries in the table.
func (t *Table) Len() int {
	t.sort()
	return len(t.entries)
}

// Iterate calls fn for every entry in old-key order. Iteration stops
// early if fn returns false.
func (t *Table) Iterate(fn func(e Entry) bool) {
	t.sort()
	for _, e := range t.entries {
		if !fn(e) {
			return
		}
	}
}

// Next returns entries one at a time in old-key order, for callers that
// prefer cursor-style iteration. ok is false once the table is
// exhausted; Reset rewinds.
func (t *Table) Next() (Entry, bool) {
	t.sort()
	if t.cursor >= len(t.entries) {
		return Entry{}, false
	}
	e := t.entries[t.cursor]
	t.cursor++
	return e, true
}

// Reset rewinds the iteration cursor.
func (t *Table) Reset() {
	t.cursor = 0
}

package acsvm

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// String is an interned, immutable character sequence. Equality is
// content equality; identity is the table index. RefCount tracks how
// many Module slots refer to the string (liveness under GC); values on
// a thread's data stack or in its local registers are not counted.
// LckCount pins it across a collection regardless
// of RefCount (used while a *String is held across a call the host
// might reenter Environment through).
type String struct {
	Bytes    []byte
	hash     uint64
	idx      Word
	RefCount int
	LckCount int
}

// Content returns the string's bytes as a Go string.
func (s *String) Content() string { return string(s.Bytes) }

// Index returns the string's stable table index.
func (s *String) Index() Word { return s.idx }

// Len returns the length in bytes.
func (s *String) Len() int { return len(s.Bytes) }

func strHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// StringTable interns and indexes every runtime string. Index 0 is
// reserved for an empty "none" string returned for out-of-range lookups.
//
// Guarded by mu since a host call-func or a collection pass may run
// concurrently with code elsewhere holding a *String obtained earlier,
// even though a single Environment's tick loop itself never overlaps
// with another tick of the same Environment.
type StringTable struct {
	mu    sync.RWMutex
	byIdx []*String
	byKey map[string]*String
	free  []Word
	none  *String
}

// NewStringTable creates a table with the reserved empty string at
// index 0.
func NewStringTable() *StringTable {
	none := &String{Bytes: nil, hash: strHash(nil), idx: 0}
	t := &StringTable{
		byIdx: []*String{none},
		byKey: make(map[string]*String),
		none:  none,
	}
	t.byKey[""] = none
	return t
}

// Intern returns the String for the given content, allocating a fresh
// entry at the smallest available index if it has not been seen before.
// Equal content always returns the same *String.
func (t *StringTable) Intern(content []byte) *String {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(content)
	if s, ok := t.byKey[key]; ok {
		return s
	}

	s := &String{Bytes: append([]byte(nil), content...), hash: strHash(content)}

	if n := len(t.free); n > 0 {
		min := 0
		for i := 1; i < n; i++ {
			if t.free[i] < t.free[min] {
				min = i
			}
		}
		idx := t.free[min]
		t.free[min] = t.free[n-1]
		t.free = t.free[:n-1]
		s.idx = idx
		t.byIdx[idx] = s
	} else {
		s.idx = Word(len(t.byIdx))
		t.byIdx = append(t.byIdx, s)
	}

	t.byKey[key] = s
	return s
}

// ByIndex looks up a string by table index. Out-of-range indices yield
// the reserved none-string, never a panic.
func (t *StringTable) ByIndex(i Word) *String {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(i) >= len(t.byIdx) || t.byIdx[i] == nil {
		return t.none
	}
	return t.byIdx[i]
}

// Size returns the number of live (non-reclaimed) entries, including
// the reserved none-string.
func (t *StringTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.byIdx {
		if s != nil {
			n++
		}
	}
	return n
}

// Retain increments a string's reference count. Called whenever a
// Module slot starts referring to it; the interpreter does not call it
// for data-stack or register values.
func (t *StringTable) Retain(s *String) {
	if s == nil || s == t.none {
		return
	}
	t.mu.Lock()
	s.RefCount++
	t.mu.Unlock()
}

// Release decrements a string's reference count. It does not reclaim
// the slot immediately; reclamation happens in Collect.
func (t *StringTable) Release(s *String) {
	if s == nil || s == t.none {
		return
	}
	t.mu.Lock()
	if s.RefCount > 0 {
		s.RefCount--
	}
	t.mu.Unlock()
}

// Reclaimable returns the number of entries Collect would currently
// free, without freeing them.
func (t *StringTable) Reclaimable() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.byIdx {
		if s == nil || s == t.none {
			continue
		}
		if s.RefCount == 0 && s.LckCount == 0 {
			n++
		}
	}
	return n
}

// Collect sweeps the table: any String with RefCount==0 and
// LckCount==0 is destroyed and its index is freed for reuse. Returns
// the number of strings reclaimed.
func (t *StringTable) Collect() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	reclaimed := 0
	for i, s := range t.byIdx {
		if s == nil || s == t.none {
			continue
		}
		if s.RefCount == 0 && s.LckCount == 0 {
			delete(t.byKey, s.Content())
			t.byIdx[i] = nil
			t.free = append(t.free, Word(i))
			reclaimed++
		}
	}
	return reclaimed
}

// stateStringEntry is the on-wire shape for a single table slot,
// serialized in insertion (index) order by SaveState.
type stateStringEntry struct {
	Idx      Word   `cbor:"idx"`
	Bytes    []byte `cbor:"bytes"`
	RefCount int    `cbor:"ref"`
	LckCount int    `cbor:"lck"`
}

// SaveState emits every interned string, indexed in table order, with
// its ref/lock counts, via the shared CBOR codec (statecodec.go).
func (t *StringTable) SaveState(enc *stateEncoder) error {
	t.mu.RLock()
	entries := make([]stateStringEntry, 0, len(t.byIdx))
	for i, s := range t.byIdx {
		if s == nil {
			continue
		}
		entries = append(entries, stateStringEntry{
			Idx: Word(i), Bytes: s.Bytes, RefCount: s.RefCount, LckCount: s.LckCount,
		})
	}
	t.mu.RUnlock()
	return enc.encode("strings", entries)
}

// LoadState replaces the table's contents with the entries previously
// written by SaveState, rebuilding indices and the content map exactly.
func (t *StringTable) LoadState(dec *stateDecoder) error {
	var entries []stateStringEntry
	if err := dec.decode("strings", &entries); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	maxIdx := Word(0)
	for _, e := range entries {
		if e.Idx > maxIdx {
			maxIdx = e.Idx
		}
	}

	t.byIdx = make([]*String, maxIdx+1)
	t.byKey = make(map[string]*String)
	t.free = nil

	for _, e := range entries {
		s := &String{
			Bytes:    e.Bytes,
			hash:     strHash(e.Bytes),
			idx:      e.Idx,
			RefCount: e.RefCount,
			LckCount: e.LckCount,
		}
		t.byIdx[e.Idx] = s
		t.byKey[string(e.Bytes)] = s
	}

	for i, s := range t.byIdx {
		if s == nil {
			t.free = append(t.free, Word(i))
		}
	}

	if t.byIdx[0] == nil {
		t.byIdx[0] = &String{Bytes: nil, hash: strHash(nil), idx: 0}
		t.byKey[""] = t.byIdx[0]
	}
	t.none = t.byIdx[0]

	return nil
}

// String implements fmt.Stringer for debug logging.
func (s *String) String() string {
	if s == nil {
		return "<nil string>"
	}
	return fmt.Sprintf("String[%d]=%q", s.idx, s.Content())
}

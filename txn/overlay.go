package txn

import (
	"bytes"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/beyondbrewing/brewkv/db"
)

// entry is one staged write. deleted marks a tombstone.
type entry struct {
	key     string
	value   []byte
	deleted bool
}

// overlay holds a transaction's staged writes per column family.
type overlay struct {
	cfs map[string]map[string]entry
	n   int
}

func newOverlay() *overlay {
	return &overlay{cfs: make(map[string]map[string]entry)}
}

func (o *overlay) set(cf string, e entry) {
	m := o.cfs[cf]
	if m == nil {
		m = make(map[string]entry)
		o.cfs[cf] = m
	}
	if _, ok := m[e.key]; !ok {
		o.n++
	}
	m[e.key] = e
}

func (o *overlay) put(cf string, key, value []byte) {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	o.set(cf, entry{key: string(key), value: v})
}

func (o *overlay) delete(cf string, key []byte) {
	o.set(cf, entry{key: string(key), deleted: true})
}

func (o *overlay) get(cf string, key []byte) (entry, bool) {
	e, ok := o.cfs[cf][string(key)]
	return e, ok
}

func (o *overlay) empty(cf string) bool { return len(o.cfs[cf]) == 0 }

func (o *overlay) len() int { return o.n }

// sorted returns a frozen, key-ordered copy of cf's staged writes.
func (o *overlay) sorted(cf string) []entry {
	m := o.cfs[cf]
	out := make([]entry, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}

// mergeIterator walks a snapshot iterator and a sorted overlay as one
// ordered sequence. On equal keys the overlay wins; tombstones hide the
// snapshot entry and are never surfaced.
type mergeIterator struct {
	base    db.Iterator
	entries []entry
	pos     int

	reverse bool
	fromOv  bool
	key     []byte
	value   []byte
	valid   bool
}

func newMergeIterator(base db.Iterator, entries []entry) *mergeIterator {
	return &mergeIterator{base: base, entries: entries, pos: -1}
}

func (it *mergeIterator) ovValid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *mergeIterator) ovKey() []byte { return []byte(it.entries[it.pos].key) }

// lowerBound returns the index of the first entry with key >= target.
func (it *mergeIterator) lowerBound(target []byte) int {
	t := string(target)
	return sort.Search(len(it.entries), func(i int) bool {
		return strings.Compare(it.entries[i].key, t) >= 0
	})
}

func (it *mergeIterator) Seek(target []byte) {
	it.reverse = false
	it.base.Seek(target)
	it.pos = it.lowerBound(target)
	it.settleForward()
}

func (it *mergeIterator) SeekToFirst() {
	it.reverse = false
	it.base.SeekToFirst()
	it.pos = 0
	it.settleForward()
}

func (it *mergeIterator) SeekToLast() {
	it.reverse = true
	it.base.SeekToLast()
	it.pos = len(it.entries) - 1
	it.settleReverse()
}

func (it *mergeIterator) Next() {
	if !it.valid {
		return
	}
	if it.reverse {
		// Reposition both sides strictly after the current key.
		cur := it.key
		it.reverse = false
		it.base.Seek(cur)
		if it.base.Valid() && bytes.Equal(it.base.Key(), cur) {
			it.base.Next()
		}
		it.pos = it.lowerBound(cur)
		if it.ovValid() && it.entries[it.pos].key == string(cur) {
			it.pos++
		}
		it.settleForward()
		return
	}
	it.advanceForward()
	it.settleForward()
}

func (it *mergeIterator) Prev() {
	if !it.valid {
		return
	}
	if !it.reverse {
		// Reposition both sides strictly before the current key.
		cur := it.key
		it.reverse = true
		it.base.Seek(cur)
		if it.base.Valid() {
			it.base.Prev()
		} else {
			it.base.SeekToLast()
			for it.base.Valid() && bytes.Compare(it.base.Key(), cur) >= 0 {
				it.base.Prev()
			}
		}
		it.pos = it.lowerBound(cur) - 1
		it.settleReverse()
		return
	}
	it.advanceReverse()
	it.settleReverse()
}

// advanceForward steps past the current key on whichever sides hold it.
func (it *mergeIterator) advanceForward() {
	if it.fromOv {
		if it.base.Valid() && bytes.Equal(it.base.Key(), it.key) {
			it.base.Next()
		}
		it.pos++
		return
	}
	it.base.Next()
}

func (it *mergeIterator) advanceReverse() {
	if it.fromOv {
		if it.base.Valid() && bytes.Equal(it.base.Key(), it.key) {
			it.base.Prev()
		}
		it.pos--
		return
	}
	it.base.Prev()
}

// settleForward selects the smallest key, skipping tombstones.
func (it *mergeIterator) settleForward() {
	for {
		bv, ov := it.base.Valid(), it.ovValid()
		if !bv && !ov {
			it.valid = false
			return
		}
		useOv := ov
		if bv && ov {
			useOv = bytes.Compare(it.ovKey(), it.base.Key()) <= 0
		}
		if !useOv {
			it.emit(it.base.Key(), it.base.Value(), false)
			return
		}
		e := it.entries[it.pos]
		if !e.deleted {
			it.emit([]byte(e.key), e.value, true)
			return
		}
		it.fromOv, it.key = true, []byte(e.key)
		it.advanceForward()
	}
}

// settleReverse selects the largest key, skipping tombstones.
func (it *mergeIterator) settleReverse() {
	for {
		bv, ov := it.base.Valid(), it.ovValid()
		if !bv && !ov {
			it.valid = false
			return
		}
		useOv := ov
		if bv && ov {
			useOv = bytes.Compare(it.ovKey(), it.base.Key()) >= 0
		}
		if !useOv {
			it.emit(it.base.Key(), it.base.Value(), false)
			return
		}
		e := it.entries[it.pos]
		if !e.deleted {
			it.emit([]byte(e.key), e.value, true)
			return
		}
		it.fromOv, it.key = true, []byte(e.key)
		it.advanceReverse()
	}
}

func (it *mergeIterator) emit(key, value []byte, fromOv bool) {
	it.key, it.value, it.fromOv, it.valid = key, value, fromOv, true
}

func (it *mergeIterator) Valid() bool { return it.valid }

func (it *mergeIterator) Key() []byte { return bytes.Clone(it.key) }

func (it *mergeIterator) Value() []byte { return bytes.Clone(it.value) }

func (it *mergeIterator) Err() error { return it.base.Err() }

func (it *mergeIterator) Close() { it.base.Close() }

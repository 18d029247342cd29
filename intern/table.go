// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package intern implements an interning table: a hash set of immutable keys
// whose Add operation returns the copy of a key that is already stored rather
// than storing an equal duplicate. Callers that route every key through the
// same Table end up sharing one in-memory instance per distinct value, which
// is what keeps a metadata index with millions of repeated composite keys
// small.
//
// # Layout
//
// A Table is an open-addressing hash set. Its slot array has a power-of-two
// length so that hash(key)%N is computed as hash(key)&(N-1). Each slot
// carries a control byte that records one of three states:
//
//	   empty: 0 0 0 0 0 0 0 0
//	 deleted: 0 0 0 0 0 0 0 1
//	    full: 1 h h h h h h h  // h represents the low 7 bits of hash(key)
//
// The zero value of a slot is empty, so a freshly allocated slot array needs
// no initialization. The 7 hash bits kept in a full control byte let a probe
// skip most non-matching slots without calling Key.Equal.
//
// # Probing
//
// Probing uses the perturbed linear congruential sequence popularized by
// CPython's dict and set:
//
//	i = (5*i + 1 + perturb) & mask
//	perturb >>= 5
//
// The perturbation feeds the high bits of the hash into the sequence so that
// keys whose low bits collide diverge quickly. Once perturb has been shifted
// down to zero the recurrence is a full-period generator modulo a power of
// two, so every slot is eventually visited. See probeSeq.
//
// # Deletion
//
// Deletion leaves a tombstone (ctrlDeleted) in the slot. A tombstone is
// skipped by lookups, so keys that were inserted past the deleted key remain
// reachable, and it is reused by the next insertion whose probe sequence
// passes over it. Tombstones count against the load factor exactly like live
// entries and are dropped wholesale when the table is rehashed.
//
// # Growth
//
// The table is rehashed into a new slot array when used+deleted slots reach
// 2/3 of the capacity. The new capacity is the smallest power of two above
// 4*used (2*used for large tables), and never below the current capacity:
// a table full of tombstones is rehashed at its current size. Growth is
// capped at the bound set by WithMaxCapacity while the live keys fit there.
// A Table never shrinks.
package intern

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	debug = false

	// minCapacity is the smallest slot array a Table allocates.
	minCapacity = 8
	// maxCapacity bounds the slot array so that capacity arithmetic never
	// overflows an int.
	maxCapacity = 1 << (intSize - 4)

	intSize = 32 << (^uint(0) >> 63)

	// A table is overloaded when fill/capacity >= maxLoadNum/maxLoadDen.
	maxLoadNum = 2
	maxLoadDen = 3

	// Below smallTableUsed live entries a resize quadruples the room for
	// entries; above it, it doubles.
	smallTableUsed = 50000

	perturbShift = 5

	ctrlEmpty   ctrl = 0b00000000
	ctrlDeleted ctrl = 0b00000001
	ctrlFull    ctrl = 0b10000000
)

// Key is the contract a type must satisfy to be stored in a Table. Hash must
// be deterministic and Equal must be consistent with it: keys that are Equal
// must have the same Hash. A key must not change in any way that affects
// Hash or Equal while it is stored in a table.
//
// K is normally a pointer type so that the identity of the canonical
// instance returned by Table.Add is observable and shared.
type Key[K any] interface {
	Hash() uint64
	Equal(other K) bool
}

// Slot holds a single table entry.
type Slot[K any] struct {
	ctrl ctrl
	key  K
}

// Stats is a snapshot of a Table's size accounting and probe counters.
type Stats struct {
	// Capacity is the number of slots.
	Capacity int
	// Used is the number of stored keys.
	Used int
	// Fill is the number of stored keys plus tombstones.
	Fill int
	// Lookups is the number of probe sequences started.
	Lookups uint64
	// Probes is the number of slots inspected beyond the first slot of each
	// probe sequence.
	Probes uint64
	// Collisions is the number of slots whose hash bits matched but whose
	// key was not Equal to the key being looked up.
	Collisions uint64
	// Resizes is the number of times the slot array was replaced.
	Resizes uint64
}

// LoadFactor returns Fill/Capacity, or 0 for a table without slots.
func (s Stats) LoadFactor() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Fill) / float64(s.Capacity)
}

type counters struct {
	lookups    uint64
	probes     uint64
	collisions uint64
	resizes    uint64
}

// Table is an interning hash set of keys with Add, Get, Contains, Discard,
// and All operations. Add returns the stored instance of a key when an equal
// key is already present, which makes the Table the arbiter of a single
// canonical instance per distinct key.
//
// A Table is NOT goroutine-safe. Lookups update probe counters, so even
// concurrent readers need external synchronization.
type Table[K Key[K]] struct {
	// The hash function applied to keys. Defaults to K.Hash.
	hash func(key K) uint64
	// The allocator to use for the slot array.
	allocator Allocator[K]
	// The largest slot array the table will allocate.
	maxCapacity int
	// slots is capacity in length. It is nil when the initial allocation
	// failed or after Close.
	slots []Slot[K]
	// The total number of slots (always 2^N, or 0 when slots is nil). The
	// capacity minus one is used as a mask to compute i%N.
	capacity int
	// The number of full slots (i.e. the number of keys in the table).
	used int
	// The number of full or deleted slots. Tombstones are included because
	// they lengthen probe sequences exactly like live entries.
	fill  int
	stats counters
}

// New constructs a new Table with room for initialCapacity keys before the
// first resize. The zero value for a Table is not usable; see Init.
func New[K Key[K]](initialCapacity int, options ...option[K]) *Table[K] {
	t := &Table[K]{}
	t.Init(initialCapacity, options...)
	return t
}

// Init initializes a Table with the specified initial capacity. If Init is
// being called on a Table that has already been initialized, Init will
// reset the table, releasing its slot array to the previous allocator.
//
// If the initial slot array cannot be allocated the table starts without
// slots and the first Add retries the allocation, reporting
// ErrAllocationFailure if it fails again.
func (t *Table[K]) Init(initialCapacity int, options ...option[K]) {
	t.Close()
	*t = Table[K]{
		hash:        func(key K) uint64 { return key.Hash() },
		allocator:   defaultAllocator[K]{},
		maxCapacity: maxCapacity,
	}

	for _, op := range options {
		op.apply(t)
	}

	initialCapacity = min(max(initialCapacity, 0), t.maxCapacity)
	c := minCapacity
	for overloaded(initialCapacity, c) && c < t.maxCapacity {
		c <<= 1
	}
	if err := t.resize(c); err != nil && debug {
		fmt.Printf("init: %v\n", err)
	}
	t.checkInvariants()
}

// Close closes the table, releasing its slot array back to its configured
// allocator. It is unnecessary to close a table using the default allocator.
// It is invalid to use a Table after it has been closed, though Close itself
// is idempotent.
func (t *Table[K]) Close() {
	if t.slots != nil && t.allocator != nil {
		t.allocator.Free(t.slots)
	}
	t.slots = nil
	t.capacity = 0
	t.used = 0
	t.fill = 0
	t.allocator = nil
}

// Add inserts key into the table unless an equal key is already present, and
// returns the stored key. The returned key is the instance that was passed
// to the first successful Add of an equal value; when it differs from key the
// caller should drop key and use the returned instance.
//
// An error matching ErrAllocationFailure is returned when the table needs a
// larger slot array and cannot obtain one. If key was inserted before the
// failed growth, Add returns the stored key alongside the error and key
// remains in the table. If the table was saturated and no slot could be
// found, key is not inserted and the zero K is returned.
func (t *Table[K]) Add(key K) (K, error) {
	h := t.hash(key)
	i, found := t.find(key, h)
	if found {
		if debug {
			fmt.Printf("add(%v): found at index=%d\n", key, i)
		}
		return t.slots[i].key, nil
	}

	if i < 0 {
		// The probe sequence holds neither an empty slot nor a tombstone,
		// either because a previous growth failed or because the table has no
		// slots at all. Grow before inserting.
		if err := t.resize(t.growthCapacity()); err != nil {
			var zero K
			return zero, err
		}
		if i, _ = t.find(key, h); i < 0 {
			var zero K
			return zero, errors.Wrapf(ErrAllocationFailure,
				"table of capacity %d is full", t.capacity)
		}
	}

	s := &t.slots[i]
	if s.ctrl == ctrlEmpty {
		t.fill++
	}
	s.ctrl = h2(h)
	s.key = key
	t.used++
	if debug {
		fmt.Printf("add(%v): inserted at index=%d used=%d fill=%d\n", key, i, t.used, t.fill)
	}

	var err error
	if overloaded(t.fill, t.capacity) {
		// The key stays in the table even if growing fails: exceeding the load
		// factor slows probing but does not break lookups.
		err = t.resize(t.growthCapacity())
	}
	t.checkInvariants()
	return key, err
}

// Get retrieves the stored key equal to key, returning ok=false if no such
// key is present.
func (t *Table[K]) Get(key K) (stored K, ok bool) {
	i, found := t.find(key, t.hash(key))
	if !found {
		return stored, false
	}
	return t.slots[i].key, true
}

// Contains returns true if a key equal to key is present.
func (t *Table[K]) Contains(key K) bool {
	_, found := t.find(key, t.hash(key))
	return found
}

// Discard removes the key equal to key from the table and reports whether
// one was present. The slot becomes a tombstone: Len decreases but Fill does
// not, and the table never shrinks as a result of a Discard.
func (t *Table[K]) Discard(key K) bool {
	i, found := t.find(key, t.hash(key))
	if !found {
		return false
	}
	// Clear the key so the table no longer keeps it alive.
	t.slots[i] = Slot[K]{ctrl: ctrlDeleted}
	t.used--
	if debug {
		fmt.Printf("discard(%v): index=%d used=%d fill=%d\n", key, i, t.used, t.fill)
	}
	t.checkInvariants()
	return true
}

// All calls yield sequentially for each key present in the table, in slot
// order. If yield returns false, All stops the iteration. Every call starts
// a fresh traversal.
//
// The table may be mutated during iteration, but the effect of mutations on
// the iteration is unspecified with one exception: a key that is present
// when All is called and is not discarded during the iteration is yielded
// exactly once, even if the table is resized. Keys added during iteration
// may or may not be yielded. Callers that need more than that should
// collect the keys first.
//
// The resize guarantee relies on the replaced slot array staying intact
// until the iteration ends. It holds for the default allocator; an Allocator
// whose Free reuses the released slice voids it, so with such an allocator
// the table must not grow while All is running.
func (t *Table[K]) All(yield func(key K) bool) {
	// Snapshot the slots so that iteration remains valid if the table is
	// resized during iteration. A resize installs a new slot array and
	// leaves the snapshot untouched.
	slots := t.slots
	for i := range slots {
		if s := &slots[i]; s.ctrl&ctrlFull != 0 {
			if !yield(s.key) {
				return
			}
		}
	}
}

// Len returns the number of keys in the table.
func (t *Table[K]) Len() int {
	return t.used
}

// Capacity returns the number of slots in the table.
func (t *Table[K]) Capacity() int {
	return t.capacity
}

// Fill returns the number of slots holding either a key or a tombstone.
func (t *Table[K]) Fill() int {
	return t.fill
}

// LoadFactor returns Fill()/Capacity().
func (t *Table[K]) LoadFactor() float64 {
	return t.Stats().LoadFactor()
}

// Stats returns the table's size accounting and probe counters.
func (t *Table[K]) Stats() Stats {
	return Stats{
		Capacity:   t.capacity,
		Used:       t.used,
		Fill:       t.fill,
		Lookups:    t.stats.lookups,
		Probes:     t.stats.probes,
		Collisions: t.stats.collisions,
		Resizes:    t.stats.resizes,
	}
}

// String returns a one line summary of the table.
func (t *Table[K]) String() string {
	return fmt.Sprintf("intern.Table{used=%d fill=%d capacity=%d}", t.used, t.fill, t.capacity)
}

// Resize rehashes the table into a slot array of at least capacity slots.
// The capacity is rounded up to a power of two that keeps the current keys
// under the load factor, and never below the current capacity: Resize can be
// used to reserve room ahead of a bulk load or to purge tombstones, but
// never shrinks the table.
func (t *Table[K]) Resize(capacity int) error {
	c := minCapacity
	for (c < capacity || overloaded(t.used, c)) && c <= t.maxCapacity {
		c <<= 1
	}
	return t.resize(c)
}

// find looks key up. If the key is present find returns its index and
// found=true. Otherwise it returns the index at which the key should be
// inserted: the first tombstone on the probe sequence, else the empty slot
// that ended it. The index is -1 if the probe sequence holds neither.
func (t *Table[K]) find(key K, h uint64) (index int, found bool) {
	// To find the location of a key in the table, we walk the probe
	// sequence for hash(key). Full slots whose control byte differs from
	// h2(hash(key)) cannot hold the key and are skipped without calling
	// Equal. Tombstones behave like full slots that never match, except that
	// the first one is remembered as the insertion point: the key may still
	// be present further along the sequence, so probing continues until an
	// empty slot is reached.
	t.stats.lookups++
	index = -1
	if t.capacity == 0 {
		return index, false
	}

	want := h2(h)
	seq := makeProbeSeq(h, t.capacity)
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for n, limit := 0, maxProbes(t.capacity); n < limit; n, seq = n+1, seq.next() {
		if n > 0 {
			t.stats.probes++
		}
		s := &t.slots[seq.offset]
		switch s.ctrl {
		case ctrlEmpty:
			if index < 0 {
				index = int(seq.offset)
			}
			return index, false
		case ctrlDeleted:
			if index < 0 {
				index = int(seq.offset)
			}
		case want:
			if key.Equal(s.key) {
				return int(seq.offset), true
			}
			t.stats.collisions++
			if debug {
				fmt.Printf("find(collision): index=%d key=%v\n", seq.offset, s.key)
			}
		}
	}

	// The probe sequence visited every slot without reaching an empty one.
	// This only happens when growth failed and the table filled up.
	return index, false
}

// uncheckedPut inserts a key known not to be in the table into a table known
// to have no tombstones. Used by resize when re-inserting every key.
func (t *Table[K]) uncheckedPut(h uint64, key K) {
	seq := makeProbeSeq(h, t.capacity)
	for n, limit := 0, maxProbes(t.capacity); n < limit; n, seq = n+1, seq.next() {
		s := &t.slots[seq.offset]
		if s.ctrl == ctrlEmpty {
			s.ctrl = h2(h)
			s.key = key
			return
		}
	}
	panic(errors.AssertionFailedf("no empty slot for %v in table of capacity %d", key, t.capacity))
}

// growthCapacity returns the capacity the table grows to when it becomes
// overloaded. Growth stops at maxCapacity as long as the live keys fit there
// under the load factor. Otherwise the result exceeds maxCapacity and resize
// fails.
func (t *Table[K]) growthCapacity() int {
	target := t.used * 4
	if t.used >= smallTableUsed {
		target = t.used * 2
	}
	c := minCapacity
	for c <= target && c <= t.maxCapacity {
		c <<= 1
	}
	if c > t.maxCapacity && !overloaded(t.used, t.maxCapacity) {
		c = t.maxCapacity
	}
	return c
}

// resize replaces the slot array with one of newCapacity slots (a power of
// two), re-inserting every key and dropping every tombstone. A newCapacity
// below the current capacity is raised to it. On failure the table is left
// untouched and the returned error matches ErrAllocationFailure.
func (t *Table[K]) resize(newCapacity int) error {
	if newCapacity < t.capacity {
		newCapacity = t.capacity
	}
	if newCapacity > t.maxCapacity {
		return errors.Wrapf(ErrAllocationFailure,
			"capacity %d exceeds maximum of %d slots", newCapacity, t.maxCapacity)
	}

	newSlots, err := t.allocator.Alloc(newCapacity)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, ErrAllocationFailure),
			"allocating %d slots", newCapacity)
	}
	if len(newSlots) != newCapacity {
		return errors.Wrapf(ErrAllocationFailure,
			"allocator returned %d slots, expected %d", len(newSlots), newCapacity)
	}
	clear(newSlots)

	if debug {
		fmt.Printf("resize: capacity=%d->%d used=%d fill=%d\n",
			t.capacity, newCapacity, t.used, t.fill)
	}

	oldSlots := t.slots
	t.slots = newSlots
	t.capacity = newCapacity
	for i := range oldSlots {
		s := &oldSlots[i]
		if s.ctrl&ctrlFull == 0 {
			continue
		}
		t.uncheckedPut(t.hash(s.key), s.key)
	}
	t.fill = t.used

	if oldSlots != nil {
		t.stats.resizes++
		t.allocator.Free(oldSlots)
	}

	t.checkInvariants()
	return nil
}

func (t *Table[K]) checkInvariants() {
	if invariants {
		// Lookups performed by the check are not part of the table's history.
		defer func(stats counters) {
			t.stats = stats
		}(t.stats)

		if t.capacity != len(t.slots) {
			panic(errors.AssertionFailedf("invariant failed: capacity %d != len(slots) %d\n%s",
				t.capacity, len(t.slots), t.debugString()))
		}
		if t.capacity != 0 && (t.capacity < minCapacity || t.capacity&(t.capacity-1) != 0) {
			panic(errors.AssertionFailedf("invariant failed: capacity %d is not a power of two >= %d",
				t.capacity, minCapacity))
		}
		if t.used < 0 || t.used > t.fill || t.fill > t.capacity {
			panic(errors.AssertionFailedf("invariant failed: expected 0 <= used(%d) <= fill(%d) <= capacity(%d)",
				t.used, t.fill, t.capacity))
		}

		// For every full slot, verify the control byte matches the key's hash
		// and that a lookup of the key lands on this very slot. The latter also
		// rules out equal keys stored twice. Count the used and deleted slots.
		var used, deleted int
		for i := range t.slots {
			s := &t.slots[i]
			switch {
			case s.ctrl == ctrlEmpty:
			case s.ctrl == ctrlDeleted:
				deleted++
			case s.ctrl&ctrlFull != 0:
				h := t.hash(s.key)
				if s.ctrl != h2(h) {
					panic(errors.AssertionFailedf("invariant failed: slot(%d): ctrl=%02x but h2=%02x\n%s",
						i, s.ctrl, h2(h), t.debugString()))
				}
				if j, found := t.find(s.key, h); !found || j != i {
					panic(errors.AssertionFailedf("invariant failed: slot(%d): %v found=%t at index %d\n%s",
						i, s.key, found, j, t.debugString()))
				}
				used++
			default:
				panic(errors.AssertionFailedf("invariant failed: slot(%d): unexpected ctrl %02x", i, s.ctrl))
			}
		}

		if used != t.used {
			panic(errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if used+deleted != t.fill {
			panic(errors.AssertionFailedf("invariant failed: found %d used and %d deleted slots, but fill is %d\n%s",
				used, deleted, t.fill, t.debugString()))
		}
	}
}

func (t *Table[K]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  fill=%d\n", t.capacity, t.used, t.fill)
	for i := range t.slots {
		switch s := &t.slots[i]; s.ctrl {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			h := t.hash(s.key)
			fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n", i, s.key, s.ctrl, h2(h))
		}
	}
	return buf.String()
}

// Each slot in the table has a control byte which can have one of three
// states: empty, deleted and full. See the package documentation for the bit
// patterns.
type ctrl uint8

// overloaded returns true if a table with fill full-or-deleted slots out of
// capacity has reached the maximum load factor.
func overloaded(fill, capacity int) bool {
	return fill*maxLoadDen >= capacity*maxLoadNum
}

// probeSeq maintains the state for a probe sequence. The sequence is
//
//	p(0)   := hash & mask
//	p(i+1) := (5*p(i) + 1 + perturb(i)) & mask
//	perturb(0) := hash, perturb(i+1) := perturb(i) >> 5
//
// While perturb is non-zero the sequence mixes in successively higher bits
// of the hash. After at most 64/5+1 steps perturb is zero and the sequence
// becomes p(i+1) = 5*p(i)+1 (mod mask+1). That is a linear congruential
// generator with an odd increment and a multiplier congruent to 1 mod 4,
// which by the Hull-Dobell theorem has full period when the modulus is a
// power of two: the next mask+1 offsets visit every slot exactly once. See
// maxProbes.
type probeSeq struct {
	mask    uint64
	offset  uint64
	perturb uint64
}

func makeProbeSeq(hash uint64, capacity int) probeSeq {
	mask := uint64(capacity - 1)
	return probeSeq{
		mask:    mask,
		offset:  hash & mask,
		perturb: hash,
	}
}

func (s probeSeq) next() probeSeq {
	s.offset = (s.offset*5 + 1 + s.perturb) & s.mask
	s.perturb >>= perturbShift
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d perturb=%x", s.mask, s.offset, s.perturb)
}

// maxProbes returns the length of a probe sequence guaranteed to visit every
// slot of a table with the given capacity.
func maxProbes(capacity int) int {
	return capacity + 64/perturbShift + 1
}

// h2 extracts the 7 bits of a hash stored in a full control byte.
func h2(h uint64) ctrl {
	return ctrlFull | ctrl(h&0x7f)
}

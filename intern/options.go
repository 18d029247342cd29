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

package intern

import "github.com/cockroachdb/errors"

// option provide an interface to do work on Table while it is being created.
type option[K Key[K]] interface {
	apply(t *Table[K])
}

type hashOption[K Key[K]] struct {
	hash func(key K) uint64
}

func (op hashOption[K]) apply(t *Table[K]) {
	t.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Table[K]
// in place of K.Hash. The function must agree with K.Equal: equal keys must
// hash equal.
func WithHash[K Key[K]](hash func(key K) uint64) option[K] {
	return hashOption[K]{hash}
}

// Allocator specifies an interface for allocating and releasing the slot
// arrays used by a Table. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Table.Close must be called in order to ensure Free is called.
// Note that a slice handed to Free may still be referenced by an iteration
// that was started before the resize which released it.
type Allocator[K any] interface {
	// Alloc should return a slice equivalent to make([]Slot[K], n), or an
	// error if the memory cannot be obtained. The contents of the returned
	// slice are reset by the Table before use.
	Alloc(n int) ([]Slot[K], error)

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(v []Slot[K])
}

type defaultAllocator[K any] struct{}

func (defaultAllocator[K]) Alloc(n int) (v []Slot[K], err error) {
	// An impossible length makes make() panic rather than return; surface it
	// as an error so the table stays usable at its current size.
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, errors.Newf("%v", r)
		}
	}()
	return make([]Slot[K], n), nil
}

func (defaultAllocator[K]) Free(_ []Slot[K]) {
}

type allocatorOption[K Key[K]] struct {
	allocator Allocator[K]
}

func (op allocatorOption[K]) apply(t *Table[K]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Table[K].
func WithAllocator[K Key[K]](allocator Allocator[K]) option[K] {
	return allocatorOption[K]{allocator}
}

type maxCapacityOption[K Key[K]] struct {
	capacity int
}

func (op maxCapacityOption[K]) apply(t *Table[K]) {
	t.maxCapacity = op.capacity
}

// WithMaxCapacity is an option to bound the number of slots a Table[K] may
// allocate. Growing beyond the bound fails with ErrAllocationFailure. The
// bound is rounded down to a power of two and clamped to
// [minCapacity, maxCapacity].
func WithMaxCapacity[K Key[K]](capacity int) option[K] {
	c := minCapacity
	for c < maxCapacity && c*2 <= capacity {
		c *= 2
	}
	return maxCapacityOption[K]{c}
}

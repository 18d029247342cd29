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

// Package statictuple provides Tuple, an immutable fixed-size tuple of
// byte-strings used as a composite key in version-control metadata indexes.
// Tuples implement intern.Key so equal tuples can be collapsed into a single
// shared instance with an intern.Table.
package statictuple

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/silvrwolfboy/breezy/intern"
)

// MaxItems is the largest number of items a Tuple can hold.
const MaxItems = 255

// ErrTooManyItems is returned when a Tuple would hold more than MaxItems
// items.
var ErrTooManyItems = errors.New("statictuple: too many items")

// Tuple is an immutable sequence of byte-strings. The hash is computed once
// at construction. Use New; the zero value is not a valid Tuple.
type Tuple struct {
	items []string
	hash  uint64
}

var _ intern.Key[*Tuple] = (*Tuple)(nil)

// New returns a tuple holding items.
func New(items ...string) (*Tuple, error) {
	if len(items) > MaxItems {
		return nil, errors.Wrapf(ErrTooManyItems, "%d items, limit is %d", len(items), MaxItems)
	}
	t := &Tuple{items: append([]string(nil), items...)}
	t.hash = hashItems(t.items)
	return t, nil
}

// FromBytes returns a tuple holding a copy of each item.
func FromBytes(items ...[]byte) (*Tuple, error) {
	s := make([]string, len(items))
	for i := range items {
		s[i] = string(items[i])
	}
	return New(s...)
}

// MustNew is like New but panics on error. It is intended for literals.
func MustNew(items ...string) *Tuple {
	t, err := New(items...)
	if err != nil {
		panic(err)
	}
	return t
}

// hashItems hashes the items with a length prefix before each item so that
// ("ab", "c") and ("a", "bc") hash differently.
func hashItems(items []string) uint64 {
	d := xxhash.New()
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(items)))
	_, _ = d.Write(buf[:n])
	for _, item := range items {
		n = binary.PutUvarint(buf[:], uint64(len(item)))
		_, _ = d.Write(buf[:n])
		_, _ = d.WriteString(item)
	}
	return d.Sum64()
}

// Len returns the number of items.
func (t *Tuple) Len() int {
	return len(t.items)
}

// At returns the i'th item.
func (t *Tuple) At(i int) string {
	return t.items[i]
}

// Items returns a copy of the items.
func (t *Tuple) Items() []string {
	return append([]string(nil), t.items...)
}

// Hash implements intern.Key.
func (t *Tuple) Hash() uint64 {
	return t.hash
}

// Equal implements intern.Key. Tuples are equal when they hold the same items
// in the same order.
func (t *Tuple) Equal(other *Tuple) bool {
	if t == other {
		return true
	}
	if t.hash != other.hash || len(t.items) != len(other.items) {
		return false
	}
	for i := range t.items {
		if t.items[i] != other.items[i] {
			return false
		}
	}
	return true
}

// String renders the tuple with each item quoted, e.g. ("a", "b").
func (t *Tuple) String() string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, item := range t.items {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(strconv.Quote(item))
	}
	buf.WriteByte(')')
	return buf.String()
}

// Intern returns the instance of t stored in table, adding t if no equal
// tuple is present. Callers should replace t with the returned tuple.
func (t *Tuple) Intern(table *intern.Table[*Tuple]) (*Tuple, error) {
	return table.Add(t)
}

// NewTable returns an empty interning table for tuples with room for
// initialCapacity tuples before it first grows.
func NewTable(initialCapacity int) *intern.Table[*Tuple] {
	return intern.New[*Tuple](initialCapacity)
}

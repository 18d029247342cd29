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

package statictuple

import (
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	items := []string{"file-id", "revision-id"}
	tup, err := New(items...)
	require.NoError(t, err)
	require.Equal(t, 2, tup.Len())
	require.Equal(t, "file-id", tup.At(0))
	require.Equal(t, "revision-id", tup.At(1))

	// The tuple does not alias the caller's slice.
	items[0] = "changed"
	require.Equal(t, "file-id", tup.At(0))
	got := tup.Items()
	got[1] = "changed"
	require.Equal(t, "revision-id", tup.At(1))

	empty, err := New()
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())
	require.Equal(t, "()", empty.String())
}

func TestTooManyItems(t *testing.T) {
	items := make([]string, MaxItems)
	_, err := New(items...)
	require.NoError(t, err)

	_, err = New(append(items, "one more")...)
	require.True(t, errors.Is(err, ErrTooManyItems), "%v", err)
	require.Panics(t, func() { MustNew(append(items, "one more")...) })
}

func TestFromBytes(t *testing.T) {
	b := []byte("sha1:abc")
	tup, err := FromBytes(b, []byte("x"))
	require.NoError(t, err)
	b[0] = 'S'
	require.True(t, tup.Equal(MustNew("sha1:abc", "x")))
}

func TestEqualAndHash(t *testing.T) {
	testCases := []struct {
		a, b  []string
		equal bool
	}{
		{[]string{"a"}, []string{"a"}, true},
		{[]string{"a", "b"}, []string{"a", "b"}, true},
		{[]string{}, []string{}, true},
		{[]string{"a"}, []string{"b"}, false},
		{[]string{"a", "b"}, []string{"b", "a"}, false},
		{[]string{"ab", "c"}, []string{"a", "bc"}, false},
		{[]string{"a"}, []string{"a", ""}, false},
		{[]string{""}, []string{}, false},
	}
	for _, c := range testCases {
		t.Run(strings.Join(c.a, ",")+"|"+strings.Join(c.b, ","), func(t *testing.T) {
			a, b := MustNew(c.a...), MustNew(c.b...)
			require.Equal(t, c.equal, a.Equal(b))
			require.Equal(t, c.equal, b.Equal(a))
			require.True(t, a.Equal(a))
			if c.equal {
				require.Equal(t, a.Hash(), b.Hash())
			} else {
				// Not guaranteed in general, but these inputs differ only in
				// ways the length prefixes are there to separate.
				require.NotEqual(t, a.Hash(), b.Hash())
			}
		})
	}
}

func TestString(t *testing.T) {
	require.Equal(t, `("a")`, MustNew("a").String())
	require.Equal(t, `("a", "b\x00")`, MustNew("a", "b\x00").String())
}

func TestIntern(t *testing.T) {
	table := NewTable(0)
	require.EqualValues(t, 8, table.Capacity())

	a1 := MustNew("a")
	got, err := a1.Intern(table)
	require.NoError(t, err)
	require.Same(t, a1, got)

	_, err = MustNew("b").Intern(table)
	require.NoError(t, err)

	// A second, equal tuple resolves to the first instance.
	a2 := MustNew("a")
	got, err = a2.Intern(table)
	require.NoError(t, err)
	require.Same(t, a1, got)
	require.Equal(t, 2, table.Len())
}

func TestInternMany(t *testing.T) {
	// Keys in a metadata index repeat heavily: every (file-id, revision-id)
	// pair is referenced from several places.
	table := NewTable(0)
	canonical := make(map[string]*Tuple)
	for round := 0; round < 3; round++ {
		for i := 0; i < 1000; i++ {
			fileID := "file-" + strconv.Itoa(i%100)
			revID := "rev-" + strconv.Itoa(i)
			tup, err := MustNew(fileID, revID).Intern(table)
			require.NoError(t, err)
			if prev, ok := canonical[revID]; ok {
				require.Same(t, prev, tup)
			} else {
				canonical[revID] = tup
			}
		}
	}
	require.Equal(t, 1000, table.Len())

	// Dropping tuples from the table leaves the rest reachable.
	for i := 0; i < 1000; i += 2 {
		require.True(t, table.Discard(MustNew("file-"+strconv.Itoa(i%100), "rev-"+strconv.Itoa(i))))
	}
	require.Equal(t, 500, table.Len())
	table.All(func(tup *Tuple) bool {
		require.Same(t, canonical[tup.At(1)], tup)
		return true
	})
}

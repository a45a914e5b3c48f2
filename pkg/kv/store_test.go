package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	name  string
	store Store
}

func fixtures(t *testing.T) []fixture {
	t.Helper()
	dir := t.TempDir()
	boltStore, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return []fixture{
		{name: "memory", store: NewMemoryStore()},
		{name: "bolt", store: boltStore},
	}
}

func TestStorePutGetDelete(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.store

			_, found, err := s.Get("node:a")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Put("node:a", []byte("hello")))
			v, found, err := s.Get("node:a")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []byte("hello"), v)

			exists, err := s.Exists("node:a")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, s.Delete("node:a"))
			_, found, err = s.Get("node:a")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStorePrefixScan(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.store
			require.NoError(t, s.Put("node:a", []byte("1")))
			require.NoError(t, s.Put("node:b", []byte("2")))
			require.NoError(t, s.Put("task:a", []byte("3")))

			keys, err := s.KeysWithPrefix("node:")
			require.NoError(t, err)
			assert.Equal(t, []string{"node:a", "node:b"}, keys)

			entries, err := s.ScanPrefix("node:")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "node:a", entries[0].Key)
		})
	}
}

func TestStoreRangeQuery(t *testing.T) {
	for _, f := range fixtures(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.store
			for _, k := range []string{"a", "b", "c", "d"} {
				require.NoError(t, s.Put(k, []byte(k)))
			}

			entries, err := s.RangeQuery(Range{Start: "b", End: "d"})
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "b", entries[0].Key)
			assert.Equal(t, "c", entries[1].Key)

			entries, err = s.RangeQuery(Range{Start: "a", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", []byte("v")))
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	v, found, err := s2.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type record struct {
		Name  string
		Count int
	}
	s := NewMemoryStore()
	in := record{Name: "alpha", Count: 3}
	require.NoError(t, PutRecord(s, "rec:1", in))

	var out record
	found, err := GetRecord(s, "rec:1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	var missing record
	found, err = GetRecord(s, "rec:missing", &missing)
	require.NoError(t, err)
	assert.False(t, found)
}

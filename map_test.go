package cuckoo_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cuckoo "github.com/Dave11ar/seqlock-concurrent-hash-tables"
)

func fnvHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func newStringMap(opts ...cuckoo.Option) *cuckoo.Map[string, int] {
	return cuckoo.New[string, int](fnvHash, func(a, b string) bool { return a == b }, opts...)
}

func TestInsertFindRoundTrip(t *testing.T) {
	m := newStringMap()
	ok, err := m.Insert("a", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found := m.Find("a")
	require.True(t, found)
	assert.Equal(t, 1, v)

	assert.True(t, m.Contains("a"))
	assert.False(t, m.Contains("b"))
}

func TestInsertExistingKeyIsNoop(t *testing.T) {
	m := newStringMap()
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	inserted, err := m.Insert("a", 2)
	require.NoError(t, err)
	assert.False(t, inserted)

	v, _ := m.Find("a")
	assert.Equal(t, 1, v, "Insert must not overwrite an existing key")
}

func TestInsertOrAssignOverwrites(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 1)

	inserted, err := m.InsertOrAssign("a", 99)
	require.NoError(t, err)
	assert.False(t, inserted)

	v, _ := m.Find("a")
	assert.Equal(t, 99, v)
}

func TestUpsertInsertsWhenAbsent(t *testing.T) {
	m := newStringMap()
	inserted, err := m.Upsert("a", func(v *int) { *v++ }, 5)
	require.NoError(t, err)
	assert.True(t, inserted)

	v, _ := m.Find("a")
	assert.Equal(t, 5, v)
}

func TestUpsertUpdatesWhenPresent(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 5)

	inserted, err := m.Upsert("a", func(v *int) { *v++ }, 5)
	require.NoError(t, err)
	assert.False(t, inserted)

	v, _ := m.Find("a")
	assert.Equal(t, 6, v)
}

func TestUpraseFnErasesOnTrue(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 5)

	inserted, err := m.UpraseFn("a", func(v *int) bool { return *v > 0 }, 0)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.False(t, m.Contains("a"))
}

func TestUpraseFnKeepsOnFalse(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 5)

	_, err := m.UpraseFn("a", func(v *int) bool { *v = 100; return false }, 0)
	require.NoError(t, err)
	v, ok := m.Find("a")
	require.True(t, ok)
	assert.Equal(t, 100, v)
}

func TestUpdateDoesNotInsert(t *testing.T) {
	m := newStringMap()
	found := m.Update("missing", 1)
	assert.False(t, found)
	assert.False(t, m.Contains("missing"))
}

func TestEraseRemovesKey(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 1)
	require.True(t, m.Erase("a"))
	assert.False(t, m.Contains("a"))
	assert.False(t, m.Erase("a"))
}

func TestEraseFnConditional(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 1)

	assert.True(t, m.EraseFn("a", func(v *int) bool { return false }))
	assert.True(t, m.Contains("a"), "EraseFn must not erase when fn returns false")

	assert.True(t, m.EraseFn("a", func(v *int) bool { return true }))
	assert.False(t, m.Contains("a"))
}

func TestClearEmptiesTableKeepsCapacity(t *testing.T) {
	m := newStringMap()
	for i := 0; i < 100; i++ {
		_, _ = m.Insert(fmt.Sprintf("k%d", i), i)
	}
	capBefore := m.Capacity()
	m.Clear()
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.Empty())
	assert.Equal(t, capBefore, m.Capacity())
}

func TestGrowthAcrossManyInserts(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(16))
	const n = 20000
	for i := 0; i < n; i++ {
		ok, err := m.Insert(fmt.Sprintf("key-%d", i), i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, n, m.Size())
	for i := 0; i < n; i += 137 {
		v, ok := m.Find(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestMaximumHashpowerExceeded(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(4), cuckoo.WithMaximumHashpower(1))
	var lastErr error
	for i := 0; i < 1000; i++ {
		_, err := m.Insert(fmt.Sprintf("k%d", i), i)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, cuckoo.ErrMaximumHashpowerExceeded))
}

func TestLoadFactorTooLowRefusesGrowth(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(4), cuckoo.WithMinimumLoadFactor(0.99))
	var lastErr error
	for i := 0; i < 1000; i++ {
		_, err := m.Insert(fmt.Sprintf("k%d", i), i)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, cuckoo.ErrLoadFactorTooLow))
}

func TestRehashGrowsCapacity(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(16))
	before := cuckoo.HashpowerForTest(m)
	ok, err := m.Rehash(before + 4)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before+4, cuckoo.HashpowerForTest(m))
}

func TestRehashPreservesContents(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(16))
	for i := 0; i < 200; i++ {
		_, _ = m.Insert(fmt.Sprintf("k%d", i), i)
	}
	_, err := m.Rehash(cuckoo.HashpowerForTest(m) + 3)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		v, ok := m.Find(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestReserveGrowsToFitHint(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(4))
	ok, err := m.Reserve(100000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, m.Capacity(), 100000)
}

func TestStripeCountCeiling(t *testing.T) {
	m := newStringMap(cuckoo.WithSizeHint(1 << 20))
	assert.LessOrEqual(t, cuckoo.StripeCountForTest(m), 1<<16)
}

func TestLockedTableBasicOps(t *testing.T) {
	m := newStringMap()
	_, _ = m.Insert("a", 1)
	_, _ = m.Insert("b", 2)

	lt := m.LockTable()
	defer lt.Unlock()

	v, ok := lt.Find("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	inserted, err := lt.Insert("c", 3)
	require.NoError(t, err)
	assert.True(t, inserted)

	assert.True(t, lt.Erase("b"))
	assert.Equal(t, 2, lt.Size())
}

func TestLockedTableRange(t *testing.T) {
	m := newStringMap()
	want := map[string]int{"a": 1, "b": 2, "c": 3}
	for k, v := range want {
		_, _ = m.Insert(k, v)
	}

	lt := m.LockTable()
	defer lt.Unlock()

	got := map[string]int{}
	lt.Range(func(k string, v *int) bool {
		got[k] = *v
		return true
	})
	assert.Equal(t, want, got)
}

func TestLockedTableCursorForwardAndBackward(t *testing.T) {
	m := newStringMap()
	for i := 0; i < 50; i++ {
		_, _ = m.Insert(fmt.Sprintf("k%d", i), i)
	}
	lt := m.LockTable()
	defer lt.Unlock()

	c := lt.Cursor()
	forward := map[string]int{}
	for {
		k, v, ok := c.Next()
		if !ok {
			break
		}
		forward[k] = v
	}
	assert.Len(t, forward, 50)

	backward := map[string]int{}
	for {
		k, v, ok := c.Prev()
		if !ok {
			break
		}
		backward[k] = v
	}
	assert.Equal(t, forward, backward)
}

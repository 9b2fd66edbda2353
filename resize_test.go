package cuckoo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strHash(s string) uint64 { return fnvHashInternal(s) }

func fnvHashInternal(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func eqStr(a, b string) bool { return a == b }

func TestSplitBucketPreservesAllEntries(t *testing.T) {
	const oldHp = 4
	old := newBucketContainer[string, int](oldHp)
	newHp := uint32(oldHp + 1)

	// Build directly: put a handful of known keys into bucket 0 at oldHp.
	b := old.bucket(0)
	inserted := map[string]int{}
	for i := 0; i < slotsPerBucket; i++ {
		k := fmt.Sprintf("bucket0-%d", i)
		h := strHash(k)
		inserted[k] = i
		b.setEntry(i, k, i, partialKey(h))
	}

	dstLow := &bucket[string, int]{}
	dstHigh := &bucket[string, int]{}
	splitBucket(b, dstLow, dstHigh, strHash, newHp)

	seen := map[string]int{}
	for i := 0; i < slotsPerBucket; i++ {
		if dstLow.isOccupied(i) {
			seen[dstLow.keys[i]] = dstLow.vals[i]
		}
		if dstHigh.isOccupied(i) {
			seen[dstHigh.keys[i]] = dstHigh.vals[i]
		}
	}
	assert.Equal(t, inserted, seen, "splitBucket must not drop or duplicate entries")
}

func TestFastDoubleEagerPathBelowCeiling(t *testing.T) {
	tb := newTable[string, int](4, 4) // hp=4 < stripeCountCeilingPow
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("k%d", i)
		h := strHash(k)
		idx := indexHash(4, h)
		b := tb.buckets.bucket(idx)
		if slot := b.findEmptySlot(); slot >= 0 {
			b.setEntry(slot, k, i, partialKey(h))
			tb.stripes.at(tb.stripes.indexFor(idx)).addCount(1)
		}
	}
	tb.stripes.lockAll()
	nt, err := fastDouble(tb, strHash, noMaximumHashpower, 0)
	tb.stripes.unlockAll()
	require.NoError(t, err)

	assert.Equal(t, uint32(5), nt.hashpower())
	assert.Equal(t, nt.buckets.size(), nt.stripes.size())
	assert.Nil(t, nt.oldBuckets.Load(), "eager path must not leave a lazy migration pending")
}

func TestFastDoubleLazyPathAtCeiling(t *testing.T) {
	tb := newTable[string, int](stripeCountCeilingPow, stripeCountCeilingPow)
	tb.stripes.lockAll()
	nt, err := fastDouble(tb, strHash, noMaximumHashpower, 0)
	tb.stripes.unlockAll()
	require.NoError(t, err)

	assert.Equal(t, uint32(stripeCountCeilingPow+1), nt.hashpower())
	assert.Equal(t, tb.stripes, nt.stripes, "lazy path reuses the same stripe array")
	assert.NotNil(t, nt.oldBuckets.Load())
}

func TestEnsureMigratedSplitsOnFirstTouch(t *testing.T) {
	tb := newTable[string, int](stripeCountCeilingPow, stripeCountCeilingPow)
	k, v := "only-key", 7
	h := strHash(k)
	idx := indexHash(stripeCountCeilingPow, h)
	b := tb.buckets.bucket(idx)
	slot := b.findEmptySlot()
	b.setEntry(slot, k, v, partialKey(h))
	tb.stripes.at(tb.stripes.indexFor(idx)).addCount(1)

	tb.stripes.lockAll()
	nt, err := fastDouble(tb, strHash, noMaximumHashpower, 0)
	tb.stripes.unlockAll()
	require.NoError(t, err)

	si := nt.stripes.indexFor(idx)
	st := nt.stripes.at(si)
	require.False(t, st.isMigrated())

	st.lock()
	nt.ensureMigrated(si, strHash)
	st.unlock()

	require.True(t, st.isMigrated())

	newIdx := indexHash(nt.hashpower(), h)
	found := false
	for _, cand := range []uint64{newIdx, newIdx ^ hashsize(stripeCountCeilingPow)} {
		bk := nt.buckets.bucket(cand)
		if slot := bk.findSlot(k, partialKey(h), eqStr); slot >= 0 {
			assert.Equal(t, v, bk.vals[slot])
			found = true
		}
	}
	assert.True(t, found, "migrated entry must be reachable at its new index")
}

func TestChangeCapacityRebuildsAllEntries(t *testing.T) {
	tb := newTable[string, int](4, 4)
	want := map[string]int{}
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key-%d", i)
		want[k] = i
		h := strHash(k)
		i1 := indexHash(4, h)
		partial := partialKey(h)
		i2 := altIndex(4, partial, i1)
		if free, ok := placeDirect(tb, i1, i2, k, i, partial); ok {
			_ = free
			continue
		}
	}

	tb.stripes.lockAll()
	nt, err := changeCapacity(tb, 8, strHash, noMaximumHashpower, 0)
	tb.stripes.unlockAll()
	require.NoError(t, err)

	for k, v := range want {
		h := strHash(k)
		partial := partialKey(h)
		i1 := indexHash(8, h)
		i2 := altIndex(8, partial, i1)
		b1 := nt.buckets.bucket(i1)
		b2 := nt.buckets.bucket(i2)
		slot := b1.findSlot(k, partial, eqStr)
		if slot < 0 {
			slot = b2.findSlot(k, partial, eqStr)
			require.GreaterOrEqual(t, slot, 0, "key %s missing after rebuild", k)
			assert.Equal(t, v, b2.vals[slot])
		} else {
			assert.Equal(t, v, b1.vals[slot])
		}
	}
}

// placeDirect is a test helper that inserts directly into the two
// candidate buckets without going through the cuckoo displacement
// engine, for setting up fixtures cheaply.
func placeDirect[K comparable, V any](tb *table[K, V], i1, i2 uint64, key K, val V, partial uint8) (uint64, bool) {
	b1 := tb.buckets.bucket(i1)
	if slot := b1.findEmptySlot(); slot >= 0 {
		b1.setEntry(slot, key, val, partial)
		tb.stripes.at(tb.stripes.indexFor(i1)).addCount(1)
		return i1, true
	}
	b2 := tb.buckets.bucket(i2)
	if slot := b2.findEmptySlot(); slot >= 0 {
		b2.setEntry(slot, key, val, partial)
		tb.stripes.at(tb.stripes.indexFor(i2)).addCount(1)
		return i2, true
	}
	return 0, false
}

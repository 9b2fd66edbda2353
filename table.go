package cuckoo

import "sync/atomic"

// table is one generation of the whole table's storage: the current
// bucket array, the stripes guarding it, and — only while a lazy
// migration from a fast-double is still draining — a pointer to the
// previous generation's buckets that some stripes haven't copied out of
// yet.
//
// Once hashpower reaches stripeCountCeilingPow, a fast-double keeps the
// same stripeArray (every bucket b and its post-doubling pair b+N share
// a stripe, since N is a multiple of the stripe count), so migration can
// be deferred per-stripe: a writer that locks a stripe whose word isn't
// yet migrated splits each old bucket b it covers out of oldBuckets into
// the new buckets b and b+N, then marks the stripe migrated, before doing its own work. Below that
// hashpower the stripe array itself must grow on every fast-double, so
// migration instead runs eagerly, single-threaded or via the worker
// pool, and oldBuckets is never populated.
type table[K comparable, V any] struct {
	buckets    *bucketContainer[K, V]
	stripes    *stripeArray
	oldBuckets atomic.Pointer[bucketContainer[K, V]]
	pending    atomic.Int64 // stripes still owing a lazy migration
}

func newTable[K comparable, V any](hp uint32, stripePow uint32) *table[K, V] {
	return &table[K, V]{
		buckets: newBucketContainer[K, V](hp),
		stripes: newStripeArray(stripePow),
	}
}

func (t *table[K, V]) hashpower() uint32 {
	return t.buckets.hp
}

// ensureMigrated migrates the buckets covered by stripe idx out of
// oldBuckets, if a lazy migration is pending for this generation and
// this stripe hasn't been brought forward yet. The caller must already
// hold the stripe locked. hash recomputes each surviving key's bucket
// assignment under the new hashpower: libcuckoo keeps full hashes around
// for exactly this reason, but this port keeps only the one-byte partial
// (I3), so a fast-double's migration step recomputes instead of storing.
func (t *table[K, V]) ensureMigrated(idx uint64, hash func(K) uint64) {
	old := t.oldBuckets.Load()
	if old == nil {
		return
	}
	st := t.stripes.at(idx)
	if st.isMigrated() {
		return
	}
	oldSize := old.size()
	stripeCount := t.stripes.size()
	for b := idx; b < oldSize; b += stripeCount {
		splitBucket(old.bucket(b), t.buckets.bucket(b), t.buckets.bucket(b+oldSize), hash, t.buckets.hp)
	}
	st.setMigrated()
	if t.pending.Add(-1) == 0 {
		t.oldBuckets.Store(nil)
	}
}

// splitBucket distributes src's occupied slots between the two buckets
// of the doubled table that its single old bucket maps to, deciding per
// slot by recomputing the key's hash under the new hashpower.
func splitBucket[K comparable, V any](src, dstLow, dstHigh *bucket[K, V], hash func(K) uint64, newHp uint32) {
	for i := 0; i < slotsPerBucket; i++ {
		if !src.isOccupied(i) {
			continue
		}
		key, val, partial := src.keys[i], src.vals[i], src.partials[i]
		newIdx := indexHash(newHp, hash(key))
		dst := dstLow
		if newIdx&hashsize(newHp-1) != 0 {
			dst = dstHigh
		}
		slot := dst.findEmptySlot()
		dst.setEntry(slot, key, val, partial)
	}
}

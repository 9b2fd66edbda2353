package cuckoo

import (
	"sort"
	"sync/atomic"
)

// stripe is the unit of mutual exclusion covering every bucket whose
// index has the same low bits (bucket index & mask). Its word packs three fields the spec lists as separate bits
// into one 64-bit value:
//
//	bit 0       migrated: this stripe's buckets already reflect the
//	            current generation's data (lazy migration has run).
//	bits [1:64) epoch: bumped by one every time the stripe is locked and
//	            every time it is unlocked, so it is even while unheld and
//	            odd while held. Readers use its parity and before/after
//	            equality to detect a concurrent writer (I6).
//
// Folding "held" into the epoch's parity instead of tracking it as a
// fourth independent bit removes a redundant state: held is always
// exactly (epoch is odd).
type stripe struct {
	word    atomic.Uint64
	counter counterStripe
	_       [cacheLineSize]byte
}

const epochShift = 1
const migratedBit = uint64(1)

func epochOf(word uint64) uint64  { return word >> epochShift }
func migratedOf(word uint64) bool { return word&migratedBit != 0 }
func lockedOf(word uint64) bool   { return epochOf(word)&1 == 1 }

// lock acquires the stripe, spinning with backoff against concurrent
// holders. It returns the word as it stands right after the lock was
// taken (odd epoch, migrated flag unchanged), so the caller can inspect
// the migrated flag without a second load.
func (s *stripe) lock() uint64 {
	spins := 0
	for {
		old := s.word.Load()
		if lockedOf(old) {
			delay(&spins)
			continue
		}
		newWord := old + (1 << epochShift)
		if s.word.CompareAndSwap(old, newWord) {
			return newWord
		}
		delay(&spins)
	}
}

// unlock releases the stripe, bumping the epoch again so any reader that
// observed it locked, or whose before/after epochs straddle this call,
// retries.
func (s *stripe) unlock() {
	old := s.word.Load()
	s.word.Store(old + (1 << epochShift))
}

// unlockNoModified releases the stripe by reverting the epoch to its
// value before lock, for a writer that took the lock but changed nothing:
// a reader that sampled the pre-lock word reads the same word afterwards
// and does not retry.
func (s *stripe) unlockNoModified() {
	old := s.word.Load()
	s.word.Store(old - (1 << epochShift))
}

// setMigrated marks the stripe's buckets as belonging to the current
// generation. Must be called while the stripe is held.
func (s *stripe) setMigrated() {
	for {
		old := s.word.Load()
		if migratedOf(old) {
			return
		}
		if s.word.CompareAndSwap(old, old|migratedBit) {
			return
		}
	}
}

// clearMigrated marks the stripe as owing a lazy migration. Called by
// buildLazyDoubled while every stripe of the reused array is held, never
// concurrently with another writer.
func (s *stripe) clearMigrated() {
	old := s.word.Load()
	s.word.Store(old &^ migratedBit)
}

func (s *stripe) isMigrated() bool {
	return migratedOf(s.word.Load())
}

// readEpoch and the companion stillValid form the optimistic read
// protocol: sample the epoch, read bucket data without a lock, then
// confirm the epoch didn't change and wasn't odd throughout.
func (s *stripe) readEpoch() uint64 {
	return s.word.Load()
}

func stillValid(before, after uint64) bool {
	return before == after && !lockedOf(before)
}

func (s *stripe) addCount(delta int64) {
	s.counter.c.Add(delta)
}

func (s *stripe) count() int64 {
	return s.counter.c.Load()
}

func (s *stripe) setCount(n int64) {
	s.counter.c.Store(n)
}

// stripeArray is the full set of stripes guarding a bucketContainer
// generation. Its length is fixed at construction:
// 2^min(reserveCalc(n), stripeCountCeilingPow).
type stripeArray struct {
	stripes []stripe
	mask    uint64
}

func newStripeArray(pow uint32) *stripeArray {
	n := uint64(1) << pow
	sa := &stripeArray{
		stripes: make([]stripe, n),
		mask:    n - 1,
	}
	return sa
}

func (sa *stripeArray) size() uint64 {
	return uint64(len(sa.stripes))
}

func (sa *stripeArray) indexFor(bucketIndex uint64) uint64 {
	return stripeIndex(bucketIndex, sa.mask)
}

func (sa *stripeArray) at(i uint64) *stripe {
	return &sa.stripes[i]
}

// totalCount sums every stripe's element counter. Used by Size() and by
// load-factor checks; callers needing a fast path should prefer tracking
// a running total where they already hold relevant locks.
func (sa *stripeArray) totalCount() int64 {
	var n int64
	for i := range sa.stripes {
		n += sa.stripes[i].count()
	}
	return n
}

// lockTwo locks the (up to two) distinct stripes covering a pair of
// bucket indices, always in ascending stripe-index order, to match the
// acquisition order every other writer uses and so avoid deadlock. It
// returns the two stripe indices actually locked; if both buckets fall
// in the same stripe, i1 == i2 and only one lock is taken.
func (sa *stripeArray) lockTwo(b1, b2 uint64) (i1, i2 uint64) {
	i1 = sa.indexFor(b1)
	i2 = sa.indexFor(b2)
	if i1 == i2 {
		sa.at(i1).lock()
		return i1, i2
	}
	if i1 > i2 {
		i1, i2 = i2, i1
	}
	sa.at(i1).lock()
	sa.at(i2).lock()
	return i1, i2
}

func (sa *stripeArray) unlockTwo(i1, i2 uint64) {
	if i1 == i2 {
		sa.at(i1).unlock()
		return
	}
	sa.at(i1).unlock()
	sa.at(i2).unlock()
}

// unlockTwoNoModified is unlockTwo's counterpart for a write-path that
// acquired both stripes but found nothing to change.
func (sa *stripeArray) unlockTwoNoModified(i1, i2 uint64) {
	if i1 == i2 {
		sa.at(i1).unlockNoModified()
		return
	}
	sa.at(i1).unlockNoModified()
	sa.at(i2).unlockNoModified()
}

// lockMany locks the stripes covering an arbitrary set of bucket indices,
// deduplicated and locked in ascending order, generalizing lockTwo's
// ordering discipline to the three-bucket case a cuckoo displacement's
// final commit needs: the two original candidate buckets
// plus the bucket the displacement search freed up. It returns the
// distinct stripe indices actually locked, ascending, for a matching call
// to unlockMany or unlockManyNoModified.
func (sa *stripeArray) lockMany(bucketIdxs ...uint64) []uint64 {
	idxs := make([]uint64, len(bucketIdxs))
	for i, b := range bucketIdxs {
		idxs[i] = sa.indexFor(b)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	uniq := idxs[:0]
	for i, v := range idxs {
		if i == 0 || v != uniq[len(uniq)-1] {
			uniq = append(uniq, v)
		}
	}
	for _, si := range uniq {
		sa.at(si).lock()
	}
	return uniq
}

func (sa *stripeArray) unlockMany(locked []uint64) {
	for _, si := range locked {
		sa.at(si).unlock()
	}
}

func (sa *stripeArray) unlockManyNoModified(locked []uint64) {
	for _, si := range locked {
		sa.at(si).unlockNoModified()
	}
}

func (sa *stripeArray) lockAll() {
	for i := range sa.stripes {
		sa.stripes[i].lock()
	}
}

func (sa *stripeArray) unlockAll() {
	for i := range sa.stripes {
		sa.stripes[i].unlock()
	}
}

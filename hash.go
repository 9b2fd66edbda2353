package cuckoo

// hashMixConstant is the 64-bit MurmurHash2 mixing constant used to derive
// a bucket's alternate index from its partial key. Any odd constant with
// good bit dispersion works; this is the one libcuckoo uses.
const hashMixConstant uint64 = 0xc6a4a7935bd1e995

// hashValue bundles a key's full hash with its one-byte partial key, so
// both can be threaded through the placement engine without recomputing
// either.
type hashValue struct {
	hash    uint64
	partial uint8
}

// partialKey folds a 64-bit hash down to one byte by repeated XOR-halving.
// It depends only on the hash, never on the table's hashpower: that
// invariant (I3) is what lets a doubling move an entry without touching
// its partial byte, and what lets alt_index double as its own inverse.
func partialKey(h uint64) uint8 {
	h32 := uint32(h) ^ uint32(h>>32)
	h16 := uint16(h32) ^ uint16(h32>>16)
	return uint8(h16) ^ uint8(h16>>8)
}

// hashMask returns the bitmask selecting the low hp bits, i.e. hashsize(hp)-1.
func hashMask(hp uint32) uint64 {
	return (uint64(1) << hp) - 1
}

// indexHash returns the first of the two candidate buckets for a hash
// value at the given hashpower.
func indexHash(hp uint32, h uint64) uint64 {
	return h & hashMask(hp)
}

// altIndex returns the other candidate bucket. It is an involution over
// the bucket-index space for fixed (hp, partial): altIndex(hp, p,
// altIndex(hp, p, i)) == i (P5), because XOR with the same operand twice
// is the identity.
func altIndex(hp uint32, partial uint8, index uint64) uint64 {
	nonzeroTag := uint64(partial) + 1
	return (index ^ (nonzeroTag * hashMixConstant)) & hashMask(hp)
}

// stripeIndex maps a bucket index down to the stripe that guards it: the
// low bits of the bucket index, modulo the current stripe count.
func stripeIndex(bucketIndex uint64, stripeMask uint64) uint64 {
	return bucketIndex & stripeMask
}

// reserveCalc returns the hashpower needed to hold n elements at
// slotsPerBucket capacity per bucket, i.e. the smallest hp such that
// (1<<hp)*slotsPerBucket >= n.
func reserveCalc(n int) uint32 {
	if n <= 0 {
		return 0
	}
	capacityGoal := (n + slotsPerBucket - 1) / slotsPerBucket
	var hp uint32
	for (uint64(1) << hp) < uint64(capacityGoal) {
		hp++
	}
	return hp
}

package cuckoo

// cuckooNode is one entry in the BFS tree explored while searching for a
// displacement path: the bucket it represents, the slot within its
// parent bucket that held the entry whose alt-index led here, and the
// parent's index in the same node slice (-1 for one of the two roots).
type cuckooNode struct {
	bucket uint64
	slot   int
	parent int
}

func nodeDepth(nodes []cuckooNode, i int) int {
	d := 0
	for nodes[i].parent != -1 {
		i = nodes[i].parent
		d++
	}
	return d
}

// slotSearch runs a bounded BFS starting from the two candidate root
// buckets, following each occupied slot's alt-index outward, looking
// for a bucket with at least one empty slot within maxBFSPathLen
// steps. It reads bucket contents without taking any stripe lock;
// cuckoopathMove revalidates every step once it starts acquiring
// locks, and the caller retries the whole search on mismatch.
func slotSearch[K comparable, V any](buckets *bucketContainer[K, V], i1, i2 uint64) ([]cuckooNode, bool) {
	nodes := []cuckooNode{{bucket: i1, slot: -1, parent: -1}, {bucket: i2, slot: -1, parent: -1}}
	for head := 0; head < len(nodes); head++ {
		cur := nodes[head]
		b := buckets.bucket(cur.bucket)
		if b.findEmptySlot() >= 0 {
			return collectPath(nodes, head), true
		}
		if nodeDepth(nodes, head) >= maxBFSPathLen-1 {
			continue
		}
		for slot := 0; slot < slotsPerBucket; slot++ {
			if !b.isOccupied(slot) {
				continue
			}
			alt := altIndex(buckets.hp, b.partials[slot], cur.bucket)
			nodes = append(nodes, cuckooNode{bucket: alt, slot: slot, parent: head})
		}
	}
	return nil, false
}

// collectPath walks a terminal node's parent chain back to its root and
// returns the path root-first.
func collectPath(nodes []cuckooNode, terminal int) []cuckooNode {
	var rev []cuckooNode
	for i := terminal; i != -1; i = nodes[i].parent {
		rev = append(rev, nodes[i])
	}
	path := make([]cuckooNode, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

// cuckoopathMove replays a displacement path found by slotSearch,
// sliding each entry one step closer to the bucket with the known empty
// slot, locking only the adjacent pair of buckets involved in each
// step. It returns the bucket index now holding a
// free slot reachable from path[0] (one of the two original roots), or
// false if a concurrent mutation invalidated a step partway through —
// the caller must re-run slotSearch from scratch in that case.
func cuckoopathMove[K comparable, V any](tb *table[K, V], path []cuckooNode, hash func(K) uint64) (uint64, bool) {
	if len(path) == 1 {
		return path[0].bucket, true
	}
	for i := len(path) - 1; i >= 1; i-- {
		srcBucket := path[i-1].bucket
		dstBucket := path[i].bucket
		slotInSrc := path[i].slot

		i1, i2 := tb.stripes.lockTwo(srcBucket, dstBucket)
		tb.ensureMigrated(i1, hash)
		if i2 != i1 {
			tb.ensureMigrated(i2, hash)
		}

		src := tb.buckets.bucket(srcBucket)
		dst := tb.buckets.bucket(dstBucket)

		ok := src.isOccupied(slotInSrc)
		destSlot := dst.findEmptySlot()
		if ok && destSlot >= 0 {
			altOfSrcEntry := altIndex(tb.buckets.hp, src.partials[slotInSrc], srcBucket)
			if altOfSrcEntry != dstBucket {
				ok = false
			}
		} else {
			ok = false
		}

		if ok {
			dst.setEntry(destSlot, src.keys[slotInSrc], src.vals[slotInSrc], src.partials[slotInSrc])
			src.eraseEntry(slotInSrc)
		}
		tb.stripes.unlockTwo(i1, i2)

		if !ok {
			return 0, false
		}
	}
	return path[0].bucket, true
}

// runCuckoo performs the full displacement search-and-move, retrying the
// search from scratch whenever a move step is invalidated by a race, up
// to a small number of attempts before giving up and letting the caller
// fall back to a resize.
func runCuckoo[K comparable, V any](tb *table[K, V], i1, i2 uint64, hash func(K) uint64) (uint64, bool) {
	for attempt := 0; attempt < 4; attempt++ {
		path, found := slotSearch(tb.buckets, i1, i2)
		if !found {
			return 0, false
		}
		if freeBucket, ok := cuckoopathMove(tb, path, hash); ok {
			return freeBucket, true
		}
	}
	return 0, false
}

// tryFindInsertBucket scans a bucket for an existing copy of key (in
// which case the caller must treat this as an update, not an insert) and
// separately records the first empty slot seen, matching libcuckoo's
// combined find-or-make-room probe.
func tryFindInsertBucket[K comparable, V any](b *bucket[K, V], key K, partial uint8, eq func(K, K) bool) (existingSlot int, emptySlot int) {
	existingSlot, emptySlot = -1, -1
	for i := 0; i < slotsPerBucket; i++ {
		if !b.isOccupied(i) {
			if emptySlot == -1 {
				emptySlot = i
			}
			continue
		}
		if b.partials[i] == partial && eq(b.keys[i], key) {
			existingSlot = i
		}
	}
	return
}

// readBucketFor resolves the bucket a reader should consult for newIdx,
// given the stripe word sampled alongside it. While a lazy migration is
// draining, a stripe that hasn't migrated yet still has its data sitting
// in the previous generation's single pre-split bucket; reading that one
// instead keeps lock-free finds correct without waiting on the writer
// that will eventually split it.
func readBucketFor[K comparable, V any](tb *table[K, V], newIdx uint64, word uint64) *bucket[K, V] {
	if !migratedOf(word) {
		if old := tb.oldBuckets.Load(); old != nil {
			oldIdx := newIdx & hashmask(old.hp)
			return old.bucket(oldIdx)
		}
	}
	return tb.buckets.bucket(newIdx)
}

// cuckooFind implements the optimistic read path: sample the epoch
// covering each candidate bucket, scan both without taking any
// lock, then confirm neither epoch moved (and wasn't held throughout).
// A mismatch means a writer raced the read; the whole probe restarts.
func cuckooFind[K comparable, V any](tb *table[K, V], i1, i2 uint64, key K, partial uint8, eq func(K, K) bool) (V, bool) {
	s1 := tb.stripes.at(tb.stripes.indexFor(i1))
	s2 := tb.stripes.at(tb.stripes.indexFor(i2))
	for {
		before1 := s1.readEpoch()
		before2 := s2.readEpoch()
		if lockedOf(before1) || lockedOf(before2) {
			continue
		}

		var val V
		found := false
		if slot := readBucketFor(tb, i1, before1).findSlot(key, partial, eq); slot >= 0 {
			val, found = readBucketFor(tb, i1, before1).vals[slot], true
		}
		if !found {
			if slot := readBucketFor(tb, i2, before2).findSlot(key, partial, eq); slot >= 0 {
				val, found = readBucketFor(tb, i2, before2).vals[slot], true
			}
		}

		after1 := s1.readEpoch()
		after2 := s2.readEpoch()
		if stillValid(before1, after1) && stillValid(before2, after2) {
			return val, found
		}
	}
}

package cuckoo

// checkMaximumHashpower rejects a prospective hashpower against the
// configured ceiling before any work is done.
func checkMaximumHashpower(maxHp uint32, wantHp uint32) error {
	if maxHp != noMaximumHashpower && wantHp > maxHp {
		return &maximumHashpowerError{requested: wantHp, maximum: maxHp}
	}
	return nil
}

// buildEagerDoubled constructs the next generation by splitting every
// bucket of old into its two new homes, across the worker pool, and
// rebuilding a matching-size stripe array from scratch. Used while
// hashpower is still below stripeCountCeilingPow, where the stripe
// array must grow in lockstep with the bucket array.
func buildEagerDoubled[K comparable, V any](old *table[K, V], hash func(K) uint64, extraWorkers int) *table[K, V] {
	newHp := old.hashpower() + 1
	nt := newTable[K, V](newHp, newHp)
	oldSize := old.buckets.size()

	parallelFor(int(oldSize), extraWorkers, func(lo, hi int) error {
		for b := uint64(lo); b < uint64(hi); b++ {
			splitBucket(old.buckets.bucket(b), nt.buckets.bucket(b), nt.buckets.bucket(b+oldSize), hash, newHp)
		}
		return nil
	})

	for i := range nt.stripes.stripes {
		nt.stripes.stripes[i].addCount(int64(nt.buckets.bucket(uint64(i)).occupiedCount()))
		nt.stripes.stripes[i].setMigrated()
	}
	return nt
}

// buildLazyDoubled constructs the next generation by doubling only the
// bucket array, reusing the existing stripe array untouched and leaving
// every stripe's migrated bit cleared so each one splits its own old
// bucket on first touch. Used once hashpower has reached
// stripeCountCeilingPow, where the stripe array no longer grows.
func buildLazyDoubled[K comparable, V any](old *table[K, V]) *table[K, V] {
	newHp := old.hashpower() + 1
	nt := &table[K, V]{
		buckets: newBucketContainer[K, V](newHp),
		stripes: old.stripes,
	}
	nt.oldBuckets.Store(old.buckets)
	nt.pending.Store(int64(nt.stripes.size()))
	for i := range nt.stripes.stripes {
		nt.stripes.stripes[i].clearMigrated()
	}
	return nt
}

// drainMigration forces every stripe of t to finish migrating out of
// oldBuckets immediately. Used before starting a second fast-double so
// that at most one generation is ever mid-migration at a time, which is
// what lets ensureMigrated assume oldBuckets.size()*2 == buckets.size().
// The caller must already hold every stripe locked.
func drainMigration[K comparable, V any](t *table[K, V], hash func(K) uint64) {
	if t.oldBuckets.Load() == nil {
		return
	}
	for i := range t.stripes.stripes {
		t.ensureMigrated(uint64(i), hash)
	}
}

// drainMigrationParallel is drainMigration spread across the worker
// pool, used by LockTable to bring a generation fully up to date
// before handing out exclusive access: insertions through a locked
// table bypass the lazy-migration bit, so every stripe needs to be
// eagerly rehashed on entry. The caller must already hold every stripe
// locked.
func drainMigrationParallel[K comparable, V any](t *table[K, V], hash func(K) uint64, extraWorkers int) {
	if t.oldBuckets.Load() == nil {
		return
	}
	n := int(t.stripes.size())
	_ = parallelFor(n, extraWorkers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			t.ensureMigrated(uint64(i), hash)
		}
		return nil
	})
}

// fastDouble grows the table to the next power of two, picking the
// eager or lazy strategy depending on whether the stripe array has
// reached its ceiling. The caller must hold every stripe of old locked;
// fastDouble returns the new generation without unlocking anything.
func fastDouble[K comparable, V any](old *table[K, V], hash func(K) uint64, maxHp uint32, extraWorkers int) (*table[K, V], error) {
	newHp := old.hashpower() + 1
	if err := checkMaximumHashpower(maxHp, newHp); err != nil {
		return nil, err
	}
	drainMigration(old, hash)

	if old.stripes.size() < uint64(1)<<stripeCountCeilingPow {
		return buildEagerDoubled(old, hash, extraWorkers), nil
	}
	return buildLazyDoubled(old), nil
}

// changeCapacity rebuilds the whole table at an arbitrary target
// hashpower, growing or shrinking, by recomputing every surviving key's
// index hash. Unlike fastDouble this can't rely on the "every key stays
// or moves by exactly one bit" relationship, so it always runs eagerly
// and always rebuilds the stripe array (capped at stripeCountCeilingPow).
// The caller must hold every stripe of old locked.
func changeCapacity[K comparable, V any](old *table[K, V], targetHp uint32, hash func(K) uint64, maxHp uint32, extraWorkers int) (*table[K, V], error) {
	if err := checkMaximumHashpower(maxHp, targetHp); err != nil {
		return nil, err
	}
	drainMigration(old, hash)

	stripePow := targetHp
	if stripePow > stripeCountCeilingPow {
		stripePow = stripeCountCeilingPow
	}
	nt := newTable[K, V](targetHp, stripePow)

	oldSize := old.buckets.size()
	err := parallelFor(int(oldSize), extraWorkers, func(lo, hi int) error {
		for b := uint64(lo); b < uint64(hi); b++ {
			src := old.buckets.bucket(b)
			for i := 0; i < slotsPerBucket; i++ {
				if !src.isOccupied(i) {
					continue
				}
				if err := insertDuringRebuild(nt, src.keys[i], src.vals[i], src.partials[i], targetHp, hash); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range nt.stripes.stripes {
		nt.stripes.stripes[i].setMigrated()
	}
	recomputeCounters(nt)
	return nt, nil
}

// insertDuringRebuild places one surviving entry into nt while
// changeCapacity's redistribution runs across the worker pool. Workers
// partition the source bucket range, not the destination, so two workers
// can legitimately target the same destination bucket; since nt isn't
// published anywhere else yet, locking the destination stripe is the
// only synchronization this needs. The cuckoo-overflow fallback reuses
// runCuckoo unchanged, which already takes its own stripe locks per
// displacement step against whatever table it's given.
func insertDuringRebuild[K comparable, V any](nt *table[K, V], key K, val V, partial uint8, targetHp uint32, hash func(K) uint64) error {
	newIdx := indexHash(targetHp, hash(key))
	s := nt.stripes.at(nt.stripes.indexFor(newIdx))

	s.lock()
	dst := nt.buckets.bucket(newIdx)
	slot := dst.findEmptySlot()
	if slot >= 0 {
		dst.setEntry(slot, key, val, partial)
		s.unlock()
		return nil
	}
	s.unlock()

	// The probability of a bucket overflowing purely from redistribution
	// is astronomically small at any reasonable load factor; if it
	// happens, displace via the ordinary cuckoo path into the new table.
	altBucket := altIndex(targetHp, partial, newIdx)
	free, ok := runCuckoo(nt, newIdx, altBucket, hash)
	if !ok {
		return ErrTableFull
	}

	fs := nt.stripes.at(nt.stripes.indexFor(free))
	fs.lock()
	dst = nt.buckets.bucket(free)
	slot = dst.findEmptySlot()
	if slot < 0 {
		fs.unlock()
		return ErrTableFull
	}
	dst.setEntry(slot, key, val, partial)
	fs.unlock()
	return nil
}

// recomputeCounters rebuilds every stripe's element counter from the
// buckets it currently covers. Used after a full eager rebuild, where
// it's simpler and just as cheap as threading deltas through the
// redistribution loop above.
func recomputeCounters[K comparable, V any](t *table[K, V]) {
	stripeCount := t.stripes.size()
	size := t.buckets.size()
	for i := uint64(0); i < stripeCount; i++ {
		var n int64
		for b := i; b < size; b += stripeCount {
			n += int64(t.buckets.bucket(b).occupiedCount())
		}
		t.stripes.stripes[i].setCount(n)
	}
}

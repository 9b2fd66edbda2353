package cuckoo

// LockedTable is an exclusive handle onto a Map's entire storage,
// acquired via Map.LockTable. While held, no other goroutine can
// observe the table mid-mutation, which is what makes whole-table
// iteration and bulk operations safe. The handle must be released with
// Unlock.
type LockedTable[K comparable, V any] struct {
	_  noCopy
	m  *Map[K, V]
	tb *table[K, V]
}

// Unlock releases every stripe this handle holds. The handle must not
// be used afterward.
func (lt *LockedTable[K, V]) Unlock() {
	lt.tb.stripes.unlockAll()
}

// Find looks up key, bypassing the optimistic read path since the
// caller already holds exclusive access.
func (lt *LockedTable[K, V]) Find(key K) (V, bool) {
	partial, i1, i2 := lt.m.indices(lt.tb, key)
	if slot := lt.tb.buckets.bucket(i1).findSlot(key, partial, lt.m.eq); slot >= 0 {
		return lt.tb.buckets.bucket(i1).vals[slot], true
	}
	if slot := lt.tb.buckets.bucket(i2).findSlot(key, partial, lt.m.eq); slot >= 0 {
		return lt.tb.buckets.bucket(i2).vals[slot], true
	}
	var zero V
	return zero, false
}

// Insert adds key/val only if key is absent, reporting whether it was
// inserted. It displaces via the cuckoo path and grows the table
// in-place (under the same exclusive handle) exactly like Map.Insert.
func (lt *LockedTable[K, V]) Insert(key K, val V) (bool, error) {
	partial, i1, i2 := lt.m.indices(lt.tb, key)
	b1 := lt.tb.buckets.bucket(i1)
	b2 := lt.tb.buckets.bucket(i2)

	if slot := b1.findSlot(key, partial, lt.m.eq); slot >= 0 {
		return false, nil
	}
	if slot := b2.findSlot(key, partial, lt.m.eq); slot >= 0 {
		return false, nil
	}
	if slot := b1.findEmptySlot(); slot >= 0 {
		b1.setEntry(slot, key, val, partial)
		lt.tb.stripes.at(lt.tb.stripes.indexFor(i1)).addCount(1)
		return true, nil
	}
	if slot := b2.findEmptySlot(); slot >= 0 {
		b2.setEntry(slot, key, val, partial)
		lt.tb.stripes.at(lt.tb.stripes.indexFor(i2)).addCount(1)
		return true, nil
	}
	if free, ok := runCuckoo(lt.tb, i1, i2, lt.m.hash); ok {
		b := lt.tb.buckets.bucket(free)
		if slot := b.findEmptySlot(); slot >= 0 {
			b.setEntry(slot, key, val, partial)
			lt.tb.stripes.at(lt.tb.stripes.indexFor(free)).addCount(1)
			return true, nil
		}
	}

	// Both candidate buckets stayed full through displacement: grow and
	// retry once. cuckoo_fast_double<locked_table_mode> in libcuckoo does
	// the same in-place growth while already holding the table shut.
	nt, err := fastDouble(lt.tb, lt.m.hash, lt.m.maxHP(), lt.m.workers())
	if err != nil {
		return false, err
	}
	old := lt.tb
	// buildEagerDoubled returns a table with a brand-new, unlocked
	// stripeArray; lock it before publishing so the handle's exclusivity
	// holds on the new generation too, and only then release the old
	// one. buildLazyDoubled instead reuses old's stripeArray (nt.stripes
	// == old.stripes), which is already locked from LockTable and must
	// stay that way until Unlock.
	if nt.stripes != old.stripes {
		nt.stripes.lockAll()
	}
	lt.m.table.Store(nt)
	lt.tb = nt
	if nt.stripes != old.stripes {
		old.stripes.unlockAll()
	}
	// The lazy path leaves every stripe owing a migration; finish it while
	// the handle still holds every stripe, so Find/Range/Cursor and the
	// retried insert below see every entry.
	drainMigrationParallel(nt, lt.m.hash, lt.m.workers())
	return lt.Insert(key, val)
}

// Erase unconditionally removes key, reporting whether it was present.
func (lt *LockedTable[K, V]) Erase(key K) bool {
	partial, i1, i2 := lt.m.indices(lt.tb, key)
	b1 := lt.tb.buckets.bucket(i1)
	if slot := b1.findSlot(key, partial, lt.m.eq); slot >= 0 {
		b1.eraseEntry(slot)
		lt.tb.stripes.at(lt.tb.stripes.indexFor(i1)).addCount(-1)
		return true
	}
	b2 := lt.tb.buckets.bucket(i2)
	if slot := b2.findSlot(key, partial, lt.m.eq); slot >= 0 {
		b2.eraseEntry(slot)
		lt.tb.stripes.at(lt.tb.stripes.indexFor(i2)).addCount(-1)
		return true
	}
	return false
}

// Clear removes every entry while keeping current capacity.
func (lt *LockedTable[K, V]) Clear() {
	lt.tb.buckets.clear()
	for i := range lt.tb.stripes.stripes {
		lt.tb.stripes.stripes[i].setCount(0)
	}
}

// Size returns the number of elements currently stored.
func (lt *LockedTable[K, V]) Size() int {
	return int(lt.tb.stripes.totalCount())
}

// Range calls yield for every live entry in bucket order, stopping early
// if yield returns false. It is the idiomatic Go substitute for
// libcuckoo's bidirectional const_iterator/iterator pair: a single
// forward callback covers both the read-only and mutate-in-place
// cases, since yield receives a pointer into the live slot.
func (lt *LockedTable[K, V]) Range(yield func(k K, v *V) bool) {
	n := lt.tb.buckets.size()
	for b := uint64(0); b < n; b++ {
		bk := lt.tb.buckets.bucket(b)
		for i := 0; i < slotsPerBucket; i++ {
			if !bk.isOccupied(i) {
				continue
			}
			if !yield(bk.keys[i], &bk.vals[i]) {
				return
			}
		}
	}
}

// Cursor walks the table bucket-by-bucket, slot-by-slot, supporting
// both directions. It is cheaper to reset than to re-run Range when a
// caller wants to resume from a prior position.
type Cursor[K comparable, V any] struct {
	lt   *LockedTable[K, V]
	b    uint64
	slot int
}

// Cursor returns a new cursor positioned before the first entry.
func (lt *LockedTable[K, V]) Cursor() *Cursor[K, V] {
	return &Cursor[K, V]{lt: lt, b: 0, slot: -1}
}

// Next advances to the next live entry, returning it and true, or
// (zero, zero, false) once exhausted.
func (c *Cursor[K, V]) Next() (K, V, bool) {
	n := c.lt.tb.buckets.size()
	for c.b < n {
		bk := c.lt.tb.buckets.bucket(c.b)
		for c.slot++; c.slot < slotsPerBucket; c.slot++ {
			if bk.isOccupied(c.slot) {
				return bk.keys[c.slot], bk.vals[c.slot], true
			}
		}
		c.slot = -1
		c.b++
	}
	var zk K
	var zv V
	return zk, zv, false
}

// Prev retreats to the previous live entry, returning it and true, or
// (zero, zero, false) once it reaches the start.
func (c *Cursor[K, V]) Prev() (K, V, bool) {
	for {
		if c.slot <= 0 {
			if c.b == 0 {
				return zeroKV[K, V]()
			}
			c.b--
			c.slot = slotsPerBucket
		}
		c.slot--
		bk := c.lt.tb.buckets.bucket(c.b)
		if bk.isOccupied(c.slot) {
			return bk.keys[c.slot], bk.vals[c.slot], true
		}
	}
}

func zeroKV[K comparable, V any]() (K, V, bool) {
	var zk K
	var zv V
	return zk, zv, false
}

package cuckoo

import (
	"math"
	"sync/atomic"
)

// Map is a concurrent key/value table using partial-key cuckoo hashing.
// Reads are lock-free and optimistic; writes take one, two, or three
// stripe locks depending on whether they touch a single bucket, a pair
// of candidate buckets, or a cuckoo displacement chain. The zero value
// is not usable — construct one with New.
type Map[K comparable, V any] struct {
	_     noCopy
	table atomic.Pointer[table[K, V]]
	hash  func(K) uint64
	eq    func(K, K) bool

	minimumLoadFactor atomic.Uint64 // float64 bits
	maximumHashpower  atomic.Uint32
	maxWorkerThreads  atomic.Int64
}

// New constructs an empty Map. hash and eq are the caller's collaborator
// functions (spec's Hash/KeyEqual template parameters); there is no
// allocator parameter, since Go has no user-pluggable allocators.
func New[K comparable, V any](hash func(K) uint64, eq func(K, K) bool, opts ...Option) *Map[K, V] {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	hp := reserveCalc(cfg.sizeHint)
	stripePow := hp
	if stripePow > stripeCountCeilingPow {
		stripePow = stripeCountCeilingPow
	}

	m := &Map[K, V]{hash: hash, eq: eq}
	m.table.Store(newTable[K, V](hp, stripePow))
	m.minimumLoadFactor.Store(math.Float64bits(cfg.minimumLoadFactor))
	m.maximumHashpower.Store(cfg.maximumHashpower)
	m.maxWorkerThreads.Store(int64(cfg.maxWorkerThreads))
	return m
}

// NewFromSeq builds a Map preloaded with the given key/value pairs,
// completing the constructor surface libcuckoo exposes via its iterator
// range constructor.
func NewFromSeq[K comparable, V any](pairs []struct {
	Key K
	Val V
}, hash func(K) uint64, eq func(K, K) bool, opts ...Option) *Map[K, V] {
	opts = append(opts, WithSizeHint(len(pairs)))
	m := New[K, V](hash, eq, opts...)
	for _, p := range pairs {
		m.InsertOrAssign(p.Key, p.Val)
	}
	return m
}

func (m *Map[K, V]) minLF() float64 {
	return math.Float64frombits(m.minimumLoadFactor.Load())
}

func (m *Map[K, V]) maxHP() uint32 {
	return m.maximumHashpower.Load()
}

func (m *Map[K, V]) workers() int {
	return int(m.maxWorkerThreads.Load())
}

// indices computes the partial key and the two candidate bucket indices
// for key against tb's current hashpower.
func (m *Map[K, V]) indices(tb *table[K, V], key K) (partial uint8, i1, i2 uint64) {
	h := m.hash(key)
	partial = partialKey(h)
	hp := tb.hashpower()
	i1 = indexHash(hp, h)
	i2 = altIndex(hp, partial, i1)
	return
}

// --- read path -------------------------------------------------------

// FindFn looks up key and, if present, calls fn once with a copy of its
// value taken by the optimistic read path, returning whether the key was
// found.
func (m *Map[K, V]) FindFn(key K, fn func(V)) bool {
	tb := m.table.Load()
	partial, i1, i2 := m.indices(tb, key)
	val, ok := cuckooFind(tb, i1, i2, key, partial, m.eq)
	if ok {
		fn(val)
	}
	return ok
}

// Find looks up key and returns its value and whether it was present.
func (m *Map[K, V]) Find(key K) (V, bool) {
	tb := m.table.Load()
	partial, i1, i2 := m.indices(tb, key)
	return cuckooFind(tb, i1, i2, key, partial, m.eq)
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Find(key)
	return ok
}

// --- update path (no insert) ------------------------------------------

// UpdateFn calls fn on key's value in place if present, returning
// whether key was found. It never inserts.
func (m *Map[K, V]) UpdateFn(key K, fn func(*V)) bool {
	tb := m.table.Load()
	partial, i1, i2 := m.indices(tb, key)
	si1, si2 := tb.stripes.lockTwo(i1, i2)
	if m.table.Load() != tb {
		tb.stripes.unlockTwoNoModified(si1, si2)
		return m.UpdateFn(key, fn)
	}
	tb.ensureMigrated(si1, m.hash)
	if si2 != si1 {
		tb.ensureMigrated(si2, m.hash)
	}

	if slot := tb.buckets.bucket(i1).findSlot(key, partial, m.eq); slot >= 0 {
		fn(&tb.buckets.bucket(i1).vals[slot])
		tb.stripes.unlockTwo(si1, si2)
		return true
	}
	if slot := tb.buckets.bucket(i2).findSlot(key, partial, m.eq); slot >= 0 {
		fn(&tb.buckets.bucket(i2).vals[slot])
		tb.stripes.unlockTwo(si1, si2)
		return true
	}
	// Key absent: the stripe lock was taken but nothing under it
	// changed, so release without advancing the epoch and let any
	// reader that sampled the pre-lock epoch proceed without a
	// spurious retry.
	tb.stripes.unlockTwoNoModified(si1, si2)
	return false
}

// Update sets key's value if present, returning whether it was found.
// It never inserts.
func (m *Map[K, V]) Update(key K, val V) bool {
	return m.UpdateFn(key, func(v *V) { *v = val })
}

// --- insert / upsert path ----------------------------------------------

const (
	modeInsertOnly = iota
	modeInsertOrAssign
	modeUpsert
)

// doInsert is the shared engine behind Insert, InsertOrAssign, and
// Upsert: it locates key's two candidate buckets, resolves an existing
// entry according to mode, and otherwise makes room for a new one,
// displacing via the cuckoo path and growing the table if needed.
func (m *Map[K, V]) doInsert(key K, val V, mode int, upsertFn func(*V)) (bool, error) {
	for {
		tb := m.table.Load()
		partial, i1, i2 := m.indices(tb, key)

		si1, si2 := tb.stripes.lockTwo(i1, i2)
		if m.table.Load() != tb {
			// A resize published a new generation before these locks
			// were taken; retry against it.
			tb.stripes.unlockTwoNoModified(si1, si2)
			continue
		}
		tb.ensureMigrated(si1, m.hash)
		if si2 != si1 {
			tb.ensureMigrated(si2, m.hash)
		}

		b1 := tb.buckets.bucket(i1)
		b2 := tb.buckets.bucket(i2)

		existing1, empty1 := tryFindInsertBucket(b1, key, partial, m.eq)
		if existing1 >= 0 {
			m.applyExisting(b1, existing1, mode, val, upsertFn)
			if mode == modeInsertOnly {
				tb.stripes.unlockTwoNoModified(si1, si2)
			} else {
				tb.stripes.unlockTwo(si1, si2)
			}
			return false, nil
		}
		existing2, empty2 := tryFindInsertBucket(b2, key, partial, m.eq)
		if existing2 >= 0 {
			m.applyExisting(b2, existing2, mode, val, upsertFn)
			if mode == modeInsertOnly {
				tb.stripes.unlockTwoNoModified(si1, si2)
			} else {
				tb.stripes.unlockTwo(si1, si2)
			}
			return false, nil
		}

		if empty1 >= 0 {
			b1.setEntry(empty1, key, val, partial)
			tb.stripes.at(si1).addCount(1)
			tb.stripes.unlockTwo(si1, si2)
			return true, nil
		}
		if empty2 >= 0 {
			b2.setEntry(empty2, key, val, partial)
			tb.stripes.at(si2).addCount(1)
			tb.stripes.unlockTwo(si1, si2)
			return true, nil
		}
		tb.stripes.unlockTwoNoModified(si1, si2)

		if free, ok := runCuckoo(tb, i1, i2, m.hash); ok {
			// The displacement search above ran lock-free, so another
			// goroutine could have inserted this same key into i1 or i2
			// in the meantime; re-check both candidate buckets alongside
			// the freed one, all under lock, before committing here.
			locked := tb.stripes.lockMany(i1, i2, free)
			if m.table.Load() != tb {
				// A resize published a new generation while the search
				// above ran lock-free; tb's stripes and buckets are no
				// longer reachable from anyone. Drop the locks and retry
				// against the current generation instead of committing
				// into memory nobody will ever read again.
				tb.stripes.unlockManyNoModified(locked)
				continue
			}
			for _, si := range locked {
				tb.ensureMigrated(si, m.hash)
			}

			if slot := tb.buckets.bucket(i1).findSlot(key, partial, m.eq); slot >= 0 {
				m.applyExisting(tb.buckets.bucket(i1), slot, mode, val, upsertFn)
				if mode == modeInsertOnly {
					tb.stripes.unlockManyNoModified(locked)
				} else {
					tb.stripes.unlockMany(locked)
				}
				return false, nil
			}
			if slot := tb.buckets.bucket(i2).findSlot(key, partial, m.eq); slot >= 0 {
				m.applyExisting(tb.buckets.bucket(i2), slot, mode, val, upsertFn)
				if mode == modeInsertOnly {
					tb.stripes.unlockManyNoModified(locked)
				} else {
					tb.stripes.unlockMany(locked)
				}
				return false, nil
			}

			b := tb.buckets.bucket(free)
			if slot := b.findEmptySlot(); slot >= 0 {
				b.setEntry(slot, key, val, partial)
				tb.stripes.at(tb.stripes.indexFor(free)).addCount(1)
				tb.stripes.unlockMany(locked)
				return true, nil
			}
			tb.stripes.unlockManyNoModified(locked)
			continue
		}

		if err := m.growOrFail(tb); err != nil {
			return false, err
		}
	}
}

func (m *Map[K, V]) applyExisting(b *bucket[K, V], slot int, mode int, val V, upsertFn func(*V)) {
	switch mode {
	case modeInsertOnly:
		// key already present: insert is a no-op.
	case modeInsertOrAssign:
		b.vals[slot] = val
	case modeUpsert:
		if upsertFn != nil {
			upsertFn(&b.vals[slot])
		} else {
			b.vals[slot] = val
		}
	}
}

// Insert adds key/val only if key is absent, reporting whether it was
// inserted.
func (m *Map[K, V]) Insert(key K, val V) (bool, error) {
	return m.doInsert(key, val, modeInsertOnly, nil)
}

// InsertOrAssign inserts key/val, overwriting any existing value for
// key, reporting whether a new entry was created.
func (m *Map[K, V]) InsertOrAssign(key K, val V) (bool, error) {
	return m.doInsert(key, val, modeInsertOrAssign, nil)
}

// Upsert runs fn on key's existing value if present, or inserts val if
// absent, reporting whether a new entry was created.
func (m *Map[K, V]) Upsert(key K, fn func(*V), val V) (bool, error) {
	return m.doInsert(key, val, modeUpsert, fn)
}

// UpraseFn runs fn on key's existing value if present; if fn returns
// true the entry is erased. If key is absent, val is inserted. It
// reports whether a new entry was created.
func (m *Map[K, V]) UpraseFn(key K, fn func(*V) bool, val V) (bool, error) {
	for {
		tb := m.table.Load()
		partial, i1, i2 := m.indices(tb, key)

		si1, si2 := tb.stripes.lockTwo(i1, i2)
		if m.table.Load() != tb {
			// A resize published a new generation before these locks
			// were taken; retry against it.
			tb.stripes.unlockTwoNoModified(si1, si2)
			continue
		}
		tb.ensureMigrated(si1, m.hash)
		if si2 != si1 {
			tb.ensureMigrated(si2, m.hash)
		}

		b1 := tb.buckets.bucket(i1)
		b2 := tb.buckets.bucket(i2)

		existing1, empty1 := tryFindInsertBucket(b1, key, partial, m.eq)
		if existing1 >= 0 {
			if fn(&b1.vals[existing1]) {
				b1.eraseEntry(existing1)
				tb.stripes.at(si1).addCount(-1)
			}
			tb.stripes.unlockTwo(si1, si2)
			return false, nil
		}
		existing2, empty2 := tryFindInsertBucket(b2, key, partial, m.eq)
		if existing2 >= 0 {
			if fn(&b2.vals[existing2]) {
				b2.eraseEntry(existing2)
				tb.stripes.at(si2).addCount(-1)
			}
			tb.stripes.unlockTwo(si1, si2)
			return false, nil
		}

		if empty1 >= 0 {
			b1.setEntry(empty1, key, val, partial)
			tb.stripes.at(si1).addCount(1)
			tb.stripes.unlockTwo(si1, si2)
			return true, nil
		}
		if empty2 >= 0 {
			b2.setEntry(empty2, key, val, partial)
			tb.stripes.at(si2).addCount(1)
			tb.stripes.unlockTwo(si1, si2)
			return true, nil
		}
		tb.stripes.unlockTwoNoModified(si1, si2)

		if free, ok := runCuckoo(tb, i1, i2, m.hash); ok {
			// Same race as doInsert: the lock-free search above could
			// have lost to a concurrent insert of this key into i1 or
			// i2, so re-check both before committing into free.
			locked := tb.stripes.lockMany(i1, i2, free)
			if m.table.Load() != tb {
				tb.stripes.unlockManyNoModified(locked)
				continue
			}
			for _, si := range locked {
				tb.ensureMigrated(si, m.hash)
			}

			if slot := tb.buckets.bucket(i1).findSlot(key, partial, m.eq); slot >= 0 {
				if fn(&tb.buckets.bucket(i1).vals[slot]) {
					tb.buckets.bucket(i1).eraseEntry(slot)
					tb.stripes.at(tb.stripes.indexFor(i1)).addCount(-1)
				}
				tb.stripes.unlockMany(locked)
				return false, nil
			}
			if slot := tb.buckets.bucket(i2).findSlot(key, partial, m.eq); slot >= 0 {
				if fn(&tb.buckets.bucket(i2).vals[slot]) {
					tb.buckets.bucket(i2).eraseEntry(slot)
					tb.stripes.at(tb.stripes.indexFor(i2)).addCount(-1)
				}
				tb.stripes.unlockMany(locked)
				return false, nil
			}

			b := tb.buckets.bucket(free)
			if slot := b.findEmptySlot(); slot >= 0 {
				b.setEntry(slot, key, val, partial)
				tb.stripes.at(tb.stripes.indexFor(free)).addCount(1)
				tb.stripes.unlockMany(locked)
				return true, nil
			}
			tb.stripes.unlockManyNoModified(locked)
			continue
		}

		if err := m.growOrFail(tb); err != nil {
			return false, err
		}
	}
}

// --- erase path ---------------------------------------------------------

// EraseFn calls fn on key's value if present; the entry is erased only
// if fn returns true. It reports whether key was found.
func (m *Map[K, V]) EraseFn(key K, fn func(*V) bool) bool {
	tb := m.table.Load()
	partial, i1, i2 := m.indices(tb, key)
	si1, si2 := tb.stripes.lockTwo(i1, i2)
	if m.table.Load() != tb {
		tb.stripes.unlockTwoNoModified(si1, si2)
		return m.EraseFn(key, fn)
	}
	tb.ensureMigrated(si1, m.hash)
	if si2 != si1 {
		tb.ensureMigrated(si2, m.hash)
	}

	if slot := tb.buckets.bucket(i1).findSlot(key, partial, m.eq); slot >= 0 {
		erased := fn(&tb.buckets.bucket(i1).vals[slot])
		if erased {
			tb.buckets.bucket(i1).eraseEntry(slot)
			tb.stripes.at(si1).addCount(-1)
			tb.stripes.unlockTwo(si1, si2)
		} else {
			tb.stripes.unlockTwoNoModified(si1, si2)
		}
		return true
	}
	if slot := tb.buckets.bucket(i2).findSlot(key, partial, m.eq); slot >= 0 {
		erased := fn(&tb.buckets.bucket(i2).vals[slot])
		if erased {
			tb.buckets.bucket(i2).eraseEntry(slot)
			tb.stripes.at(si2).addCount(-1)
			tb.stripes.unlockTwo(si1, si2)
		} else {
			tb.stripes.unlockTwoNoModified(si1, si2)
		}
		return true
	}
	tb.stripes.unlockTwoNoModified(si1, si2)
	return false
}

// Erase unconditionally removes key, reporting whether it was present.
func (m *Map[K, V]) Erase(key K) bool {
	return m.EraseFn(key, func(*V) bool { return true })
}

// --- growth --------------------------------------------------------------

// growOrFail attempts an automatic fast-double in response to a failed
// insert, refusing with ErrLoadFactorTooLow if the table's current load
// factor is already below the configured minimum — growing further
// would not help if the hash function is distributing keys badly.
func (m *Map[K, V]) growOrFail(tb *table[K, V]) error {
	if m.loadFactorOf(tb) < m.minLF() {
		return &loadFactorTooLowError{minimum: m.minLF()}
	}
	if m.table.Load() != tb {
		return nil
	}
	tb.stripes.lockAll()
	if m.table.Load() != tb {
		tb.stripes.unlockAll()
		return nil
	}
	nt, err := fastDouble(tb, m.hash, m.maxHP(), m.workers())
	if err != nil {
		tb.stripes.unlockAll()
		return err
	}
	m.table.Store(nt)
	tb.stripes.unlockAll()
	return nil
}

func (m *Map[K, V]) loadFactorOf(tb *table[K, V]) float64 {
	size := tb.stripes.totalCount()
	capacity := int64(tb.buckets.size()) * slotsPerBucket
	if capacity == 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

// Rehash changes the table's hashpower to hp exactly, growing or
// shrinking, rebuilding every bucket's contents by recomputed hash.
func (m *Map[K, V]) Rehash(hp uint32) (bool, error) {
	old := m.table.Load()
	if old.hashpower() == hp {
		return false, nil
	}
	old.stripes.lockAll()
	defer old.stripes.unlockAll()
	if m.table.Load() != old {
		return false, nil
	}
	nt, err := changeCapacity(old, hp, m.hash, m.maxHP(), m.workers())
	if err != nil {
		return false, err
	}
	m.table.Store(nt)
	return true, nil
}

// Reserve ensures the table can hold at least n elements without an
// automatic resize.
func (m *Map[K, V]) Reserve(n int) (bool, error) {
	target := reserveCalc(n)
	old := m.table.Load()
	if target <= old.hashpower() {
		return false, nil
	}
	return m.Rehash(target)
}

// RehashConcurrent grows by a single fastDouble when the target is
// exactly one hashpower above the current one, the same doubling an
// automatic resize performs; any other target falls back to Rehash's
// full rebuild through changeCapacity.
func (m *Map[K, V]) RehashConcurrent(hp uint32) (bool, error) {
	old := m.table.Load()
	if old.hashpower() == hp {
		return false, nil
	}
	if hp == old.hashpower()+1 {
		old.stripes.lockAll()
		defer old.stripes.unlockAll()
		if m.table.Load() != old {
			return false, nil
		}
		nt, err := fastDouble(old, m.hash, m.maxHP(), m.workers())
		if err != nil {
			return false, err
		}
		m.table.Store(nt)
		return true, nil
	}
	return m.Rehash(hp)
}

// ReserveConcurrent is Reserve's RehashConcurrent-backed counterpart.
func (m *Map[K, V]) ReserveConcurrent(n int) (bool, error) {
	target := reserveCalc(n)
	old := m.table.Load()
	if target <= old.hashpower() {
		return false, nil
	}
	return m.RehashConcurrent(target)
}

// Clear removes every entry, keeping the table's current capacity.
func (m *Map[K, V]) Clear() {
	tb := m.table.Load()
	tb.stripes.lockAll()
	defer tb.stripes.unlockAll()
	tb.buckets.clear()
	for i := range tb.stripes.stripes {
		tb.stripes.stripes[i].setCount(0)
	}
}

// --- scalar getters --------------------------------------------------

// Size returns the number of elements currently stored.
func (m *Map[K, V]) Size() int {
	return int(m.table.Load().stripes.totalCount())
}

// Empty reports whether the table holds no elements.
func (m *Map[K, V]) Empty() bool {
	return m.Size() == 0
}

// BucketCount returns the number of buckets in the current generation.
func (m *Map[K, V]) BucketCount() int {
	return int(m.table.Load().buckets.size())
}

// Capacity returns the maximum number of elements storable without a
// resize: BucketCount * slotsPerBucket.
func (m *Map[K, V]) Capacity() int {
	return m.BucketCount() * slotsPerBucket
}

// LoadFactor returns Size / Capacity.
func (m *Map[K, V]) LoadFactor() float64 {
	return m.loadFactorOf(m.table.Load())
}

// --- tunables ----------------------------------------------------------

func (m *Map[K, V]) MinimumLoadFactor() float64 { return m.minLF() }

func (m *Map[K, V]) SetMinimumLoadFactor(lf float64) {
	m.minimumLoadFactor.Store(math.Float64bits(lf))
}

func (m *Map[K, V]) MaximumHashpower() (uint32, bool) {
	hp := m.maxHP()
	return hp, hp != noMaximumHashpower
}

func (m *Map[K, V]) SetMaximumHashpower(hp uint32) {
	m.maximumHashpower.Store(hp)
}

func (m *Map[K, V]) MaxWorkerThreads() int { return m.workers() }

func (m *Map[K, V]) SetMaxWorkerThreads(n int) {
	if n >= 0 {
		m.maxWorkerThreads.Store(int64(n))
	}
}

// LockTable acquires exclusive access to the whole table for bulk or
// iteration operations, returning a handle that must be released with
// Unlock. Entering locked-table mode eagerly finishes any lazy
// migration still draining from the last fast-double, across the
// worker pool, so Range/Cursor/Find never have to consult a stale
// generation.
func (m *Map[K, V]) LockTable() *LockedTable[K, V] {
	tb := m.table.Load()
	tb.stripes.lockAll()
	drainMigrationParallel(tb, m.hash, m.workers())
	return &LockedTable[K, V]{m: m, tb: tb}
}

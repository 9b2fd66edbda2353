package cuckoo

// Exported-for-test shims giving _test.go files white-box access to
// otherwise-unexported internals, the idiomatic Go substitute for a
// friend-declared test fixture.

func PartialKeyForTest(h uint64) uint8 { return partialKey(h) }

func IndexHashForTest(hp uint32, h uint64) uint64 { return indexHash(hp, h) }

func AltIndexForTest(hp uint32, partial uint8, i uint64) uint64 {
	return altIndex(hp, partial, i)
}

func ReserveCalcForTest(n int) uint32 { return reserveCalc(n) }

// StripeCountForTest exposes the live stripe count of a Map for
// assertions about the sizing Open Question's resolution.
func StripeCountForTest[K comparable, V any](m *Map[K, V]) int {
	return int(m.table.Load().stripes.size())
}

// HashpowerForTest exposes the current hashpower.
func HashpowerForTest[K comparable, V any](m *Map[K, V]) uint32 {
	return m.table.Load().hashpower()
}

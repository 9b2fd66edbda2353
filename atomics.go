package cuckoo

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is used to pad hot structures apart to avoid false sharing
// between goroutines spinning on adjacent stripes or counters.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// noCopy may be embedded into structs holding atomic state to let `go vet`
// flag accidental copies, following the sync package's own convention.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// counterStripe is a single striped element counter, padded to a cache
// line so that concurrent increments from different stripes don't
// thrash the same cache line.
type counterStripe struct {
	c atomic.Int64
	//lint:ignore U1000 prevents false sharing between adjacent stripes
	_ [(cacheLineSize - unsafe.Sizeof(atomic.Int64{})%cacheLineSize) % cacheLineSize]byte
}

// delay backs off a spinning goroutine: briefly spins using the runtime's
// own spin heuristic, then falls back to a short sleep under sustained
// contention. Mirrors the teacher's spin/backoff helper for stripe
// acquisition.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if runtimeCanSpin(*spins) {
		runtimeDoSpin()
		*spins++
	} else {
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// runtimeCanSpin and runtimeDoSpin link against the runtime's internal
// spin-wait heuristics used by sync.Mutex, avoiding a busy spin that would
// starve other goroutines on a single-core machine.
//
//go:linkname runtimeCanSpin sync.runtime_canSpin
//go:nosplit
func runtimeCanSpin(i int) bool

//go:linkname runtimeDoSpin sync.runtime_doSpin
//go:nosplit
func runtimeDoSpin()

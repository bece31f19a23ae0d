// Package vmstats holds optional runtime counters for page-fault and
// eviction activity, gated off by default the way the teacher's own
// counters are.
package vmstats

import (
	"sync/atomic"
	"unsafe"
)

const Enabled = false

/// Counter_t is a statistical counter, a no-op unless Enabled.
type Counter_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Enabled {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

/// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(c)))
}

// Counters bundles the paging events a fault handler and evictor report.
type Counters struct {
	Faults    Counter_t
	FileIns   Counter_t
	ZeroIns   Counter_t
	SwapIns   Counter_t
	SwapOuts  Counter_t
	FileOuts  Counter_t
	Evictions Counter_t
	StackGrow Counter_t
}

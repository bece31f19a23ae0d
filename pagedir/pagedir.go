// Package pagedir models a single address space's page directory: the
// per-process mapping from user virtual address to either a live physical
// frame (with accessed/dirty bits) or, for addresses not yet faulted in,
// the page descriptor that will satisfy the next fault.
//
// A real page directory is hardware page-table entries and collaborates
// with the MMU's accessed/dirty bits directly; this module cannot reach
// those, so SoftPagedir tracks the same state in ordinary maps guarded by
// a mutex, per-process.
package pagedir

import (
	"sync"

	"github.com/decimusvm/vmpager/mem"
)

// Directory is the page-table collaborator the paging core needs: install
// or clear a frame mapping, query and clear the accessed/dirty bits the
// clock algorithm and writeback logic depend on, and track which page
// descriptor owns each address for the lifetime of that descriptor.
//
// The descriptor association is kept separate from the frame mapping: an
// address keeps its descriptor whether or not it currently has a frame
// mapped, since a fault handler, a syscall buffer walk, and the eviction
// path all need to find the same descriptor regardless of load state.
type Directory interface {
	// SetPage installs addr -> pa as writable or read-only, clearing any
	// previous frame mapping at addr first. It returns false if the mapping
	// could not be installed (e.g. hardware entry exhaustion in a real
	// directory; SoftPagedir never fails).
	SetPage(addr uintptr, pa mem.Pa_t, writable bool) bool
	// ClearPage removes the frame mapping and accessed/dirty bits at addr,
	// without touching its descriptor association. It is a no-op if addr
	// has no frame mapped.
	ClearPage(addr uintptr)
	IsAccessed(addr uintptr) bool
	SetAccessed(addr uintptr, v bool)
	IsDirty(addr uintptr) bool
	SetDirty(addr uintptr, v bool)
	// AddDescriptor records ptr (a page descriptor) as the owner of addr.
	// FindDescriptor retrieves it; RemoveDescriptor retires it once its
	// owning page has actually been freed.
	AddDescriptor(addr uintptr, ptr any)
	FindDescriptor(addr uintptr) (ptr any, ok bool)
	RemoveDescriptor(addr uintptr)
	// Descriptors returns every descriptor currently owned by this
	// directory, regardless of load state, so a process teardown can find
	// and free pages that were never part of a mapping (e.g. stack growth).
	Descriptors() []any
}

type frameState struct {
	pa       mem.Pa_t
	mapped   bool
	writable bool
	accessed bool
	dirty    bool
}

// SoftPagedir is a Directory backed by two maps, one per address space.
type SoftPagedir struct {
	mu     sync.Mutex
	frames map[uintptr]*frameState
	descs  map[uintptr]any
}

// New returns an empty SoftPagedir.
func New() *SoftPagedir {
	return &SoftPagedir{
		frames: make(map[uintptr]*frameState),
		descs:  make(map[uintptr]any),
	}
}

func (d *SoftPagedir) frame(addr uintptr) *frameState {
	f, ok := d.frames[addr]
	if !ok {
		f = &frameState{}
		d.frames[addr] = f
	}
	return f
}

func (d *SoftPagedir) SetPage(addr uintptr, pa mem.Pa_t, writable bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.frame(addr)
	f.pa = pa
	f.mapped = true
	f.writable = writable
	f.accessed = false
	f.dirty = false
	return true
}

func (d *SoftPagedir) ClearPage(addr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.frames, addr)
}

func (d *SoftPagedir) IsAccessed(addr uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.frames[addr]
	return ok && f.accessed
}

func (d *SoftPagedir) SetAccessed(addr uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame(addr).accessed = v
}

func (d *SoftPagedir) IsDirty(addr uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.frames[addr]
	return ok && f.dirty
}

func (d *SoftPagedir) SetDirty(addr uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame(addr).dirty = v
}

func (d *SoftPagedir) AddDescriptor(addr uintptr, ptr any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descs[addr] = ptr
}

func (d *SoftPagedir) FindDescriptor(addr uintptr) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr, ok := d.descs[addr]
	return ptr, ok
}

func (d *SoftPagedir) RemoveDescriptor(addr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.descs, addr)
}

func (d *SoftPagedir) Descriptors() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]any, 0, len(d.descs))
	for _, ptr := range d.descs {
		out = append(out, ptr)
	}
	return out
}

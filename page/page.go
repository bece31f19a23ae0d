// Package page implements the per-address-space page descriptor: a record
// of where one page's contents live (a file, a block of zeroes, or a swap
// slot) and the protocol for moving it in and out of a physical frame.
package page

import (
	"sync"

	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/file"
	"github.com/decimusvm/vmpager/frame"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/pagedir"
	"github.com/decimusvm/vmpager/swap"
	"github.com/decimusvm/vmpager/vmstats"
)

// Kind identifies a page descriptor's backing.
type Kind int

const (
	KindFile Kind = iota
	KindZero
	KindSwap
)

// Bid identifies a shared file-backed frame. NoBid disables sharing for a
// page, so its frame is never handed out by frame.Table.Lookup.
type Bid int64

const NoBid Bid = -1

type fileInfo struct {
	file      file.File
	ofs       int64
	readBytes int
	zeroBytes int
	bid       Bid
}

type swapInfo struct {
	idx int
}

// Deps bundles the collaborators every descriptor needs to move itself in
// and out of memory.
type Deps struct {
	Frames *frame.Table
	Swap   *swap.Area
	// Stats is optional; a nil Stats disables counting, matching
	// vmstats.Enabled's own no-op-when-off convention.
	Stats *vmstats.Counters
}

// Descriptor is one page's worth of paging state. It is owned by exactly
// one address space.
type Descriptor struct {
	mu sync.Mutex

	deps Deps
	dir  pagedir.Directory

	kind     Kind
	address  uintptr
	writable bool
	loaded   bool
	frameID  frame.ID

	file  fileInfo
	swap_ swapInfo
}

// NewFile builds a descriptor for a page backed by a region of an open
// file, with the trailing zeroBytes of the page zero-filled past
// readBytes. A bid other than NoBid lets frame.Table hand the same frame
// to every descriptor sharing that bid.
func NewFile(deps Deps, dir pagedir.Directory, address uintptr, f file.File, ofs int64, readBytes, zeroBytes int, writable bool, bid Bid) *Descriptor {
	d := &Descriptor{
		deps:     deps,
		dir:      dir,
		kind:     KindFile,
		address:  address,
		writable: writable,
		file:     fileInfo{file: f, ofs: ofs, readBytes: readBytes, zeroBytes: zeroBytes, bid: bid},
	}
	dir.AddDescriptor(address, d)
	return d
}

// NewZero builds a descriptor for a page that reads as all zeroes until
// written, e.g. BSS or a freshly grown stack page.
func NewZero(deps Deps, dir pagedir.Directory, address uintptr, writable bool) *Descriptor {
	d := &Descriptor{
		deps:     deps,
		dir:      dir,
		kind:     KindZero,
		address:  address,
		writable: writable,
	}
	dir.AddDescriptor(address, d)
	return d
}

// Address returns the user virtual address this descriptor covers.
func (d *Descriptor) Address() uintptr { return d.address }

// Loaded reports whether the page currently has a frame mapped in.
func (d *Descriptor) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Writable reports whether the page may be written.
func (d *Descriptor) Writable() bool { return d.writable }

// FrameID returns the frame backing this page, valid only while Loaded.
func (d *Descriptor) FrameID() frame.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameID
}

// Accessed and ClearAccessed satisfy frame.Page, proxying to this
// descriptor's page-directory entry.
func (d *Descriptor) Accessed() bool     { return d.dir.IsAccessed(d.address) }
func (d *Descriptor) ClearAccessed()     { d.dir.SetAccessed(d.address, false) }
func (d *Descriptor) SharingKey() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kind == KindFile && d.file.bid != NoBid {
		return int64(d.file.bid), true
	}
	return 0, false
}

// In brings the page into a physical frame, reading its contents from
// whatever backs it, and installs the mapping in its page directory. pin
// keeps the frame pinned (un-evictable) after In returns, for callers about
// to copy through it directly (a syscall read/write buffer). If the page is
// already loaded, In returns at once and does not pin its frame; use Pin.
func (d *Descriptor) In(pin bool) defs.Err_t {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		return 0
	}

	var id frame.ID
	var pg *mem.Pg_t
	var ok bool
	if d.kind == KindFile && d.file.bid != NoBid {
		id, pg, ok = d.deps.Frames.Lookup(int64(d.file.bid))
	}
	d.mu.Unlock()

	if !ok {
		var err defs.Err_t
		id, pg, err = d.deps.Frames.New()
		if err != 0 {
			return err
		}
	}

	if err := d.deps.Frames.Attach(id, d); err != 0 {
		d.deps.Frames.Unpin(id)
		return err
	}

	var err defs.Err_t
	switch d.kind {
	case KindFile:
		err = d.fileIn(pg)
		if err == 0 && d.deps.Stats != nil {
			d.deps.Stats.FileIns.Inc()
		}
	case KindZero:
		for i := range pg {
			pg[i] = 0
		}
		if d.deps.Stats != nil {
			d.deps.Stats.ZeroIns.Inc()
		}
	case KindSwap:
		d.swapIn(pg)
		if d.deps.Stats != nil {
			d.deps.Stats.SwapIns.Inc()
		}
	}
	if err != 0 {
		d.deps.Frames.Unpin(id)
		return err
	}

	d.mu.Lock()
	d.dir.ClearPage(d.address)
	if !d.dir.SetPage(d.address, d.deps.Frames.PhysAddr(id), d.writable) {
		d.mu.Unlock()
		d.deps.Frames.Unpin(id)
		return defs.ENOMEM
	}
	d.dir.SetDirty(d.address, false)
	d.dir.SetAccessed(d.address, true)
	d.loaded = true
	d.frameID = id
	d.mu.Unlock()

	if !pin {
		d.deps.Frames.Unpin(id)
	}
	return 0
}

func (d *Descriptor) fileIn(pg *mem.Pg_t) defs.Err_t {
	if err := d.file.file.Seek(d.file.ofs); err != nil {
		return defs.EIO
	}
	n, err := d.file.file.Read(pg[:d.file.readBytes])
	if err != nil || n != d.file.readBytes {
		return defs.EIO
	}
	for i := d.file.readBytes; i < d.file.readBytes+d.file.zeroBytes; i++ {
		pg[i] = 0
	}
	return 0
}

func (d *Descriptor) swapIn(pg *mem.Pg_t) {
	d.deps.Swap.In(d.swap_.idx, pg)
	d.deps.Swap.Free(d.swap_.idx)
}

// Out evicts the page from its frame: writing it back to its file if it is
// a dirty mapping of a writable file, or to swap if it is an anonymous page
// or a dirty mapping of a read-only file (a private copy that must not
// touch the file it was loaded from). pg is the frame contents being
// evicted.
func (d *Descriptor) Out(pg *mem.Pg_t) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()

	dirty := d.dir.IsDirty(d.address)

	if d.kind == KindFile && dirty && d.file.file.Writable() {
		if err := d.file.file.Seek(d.file.ofs); err != nil {
			return defs.EIO
		}
		if _, err := d.file.file.Write(pg[:d.file.readBytes]); err != nil {
			return defs.EIO
		}
		if d.deps.Stats != nil {
			d.deps.Stats.FileOuts.Inc()
		}
	} else if d.kind == KindSwap || dirty {
		d.kind = KindSwap
		d.swap_.idx = d.deps.Swap.Save(pg)
		if d.deps.Stats != nil {
			d.deps.Stats.SwapOuts.Inc()
		}
	}

	d.dir.ClearPage(d.address)
	d.dir.AddDescriptor(d.address, d)
	d.loaded = false
	d.frameID = 0
	return 0
}

// Free releases the descriptor and, if it still holds an un-loaded swap
// slot, that slot too. It does not touch a live frame; callers evict first.
func (d *Descriptor) Free() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kind == KindSwap && !d.loaded {
		d.deps.Swap.Free(d.swap_.idx)
	}
	d.dir.ClearPage(d.address)
	d.dir.RemoveDescriptor(d.address)
}

// Pin and Unpin mark the frame backing this page as temporarily
// un-evictable, or release that hold. A descriptor with no frame yet is a
// no-op for both — there is nothing to pin until In has run.
func (d *Descriptor) Pin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return
	}
	d.deps.Frames.Pin(d.frameID)
}

func (d *Descriptor) Unpin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return
	}
	d.deps.Frames.Unpin(d.frameID)
}

// Lookup finds the descriptor installed at addr in dir, if any.
func Lookup(dir pagedir.Directory, addr uintptr) (*Descriptor, bool) {
	ptr, ok := dir.FindDescriptor(addr)
	if !ok {
		return nil, false
	}
	d, ok := ptr.(*Descriptor)
	return d, ok
}

const (
	// stackFaultSlack is how far below the current stack pointer a fault
	// address may still legitimately be a PUSH/PUSHA growing the stack.
	stackFaultSlack = 32
	// stackLimit bounds how large the stack segment may grow.
	stackLimit = 8 << 20
)

// NeedGrow reports whether a fault at address below esp looks like stack
// growth rather than a genuine bad access: within slack bytes of the
// current stack pointer, and within the stack's size cap.
func NeedGrow(esp, address, stackBase uintptr, pageRound func(uintptr) uintptr) bool {
	if address == 0 || address+stackFaultSlack < esp {
		return false
	}
	return stackBase-pageRound(address) <= stackLimit
}

// Grow creates a new zero-filled, writable page at address and brings it
// into memory immediately, the stack-growth path for a fault that passed
// NeedGrow.
func Grow(deps Deps, dir pagedir.Directory, address uintptr, pin bool) (*Descriptor, defs.Err_t) {
	d := NewZero(deps, dir, address, true)
	if err := d.In(pin); err != 0 {
		return nil, err
	}
	return d, 0
}

// Package vm ties the page directory, frame table, swap area, and mmap
// registry together into one address space: the page-fault handler, the
// pinned-buffer read/write path syscalls use, and process teardown.
package vm

import (
	"sync"

	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/file"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/mmap"
	"github.com/decimusvm/vmpager/page"
	"github.com/decimusvm/vmpager/pagedir"
	"github.com/decimusvm/vmpager/util"
	"github.com/decimusvm/vmpager/vmstats"
)

const (
	stdinFid  = 0
	stdoutFid = 1
)

// AddressSpace is one process's view of memory: its page directory, the
// files it has open, and the mappings it has made, plus the shared
// collaborators (frame table, swap area) every address space on the same
// simulated machine contends over.
type AddressSpace struct {
	mu sync.Mutex

	Dir   pagedir.Directory
	deps  page.Deps
	mmaps *mmap.Registry

	stackBase uintptr
	esp       uintptr

	files   map[int]file.File
	nextFid int

	Stats vmstats.Counters
}

// Deps re-exports page.Deps under vm's own name, the collaborators New
// needs to build an address space.
type Deps = page.Deps

// New creates an empty address space. stackBase is the top of the user
// stack's address range (the bound stack growth is measured against).
func New(deps Deps, stackBase uintptr) *AddressSpace {
	dir := pagedir.New()
	as := &AddressSpace{
		Dir:       dir,
		stackBase: stackBase,
		files:     make(map[int]file.File),
		nextFid:   2, // 0 and 1 are reserved for stdin/stdout
	}
	deps.Stats = &as.Stats
	deps.Frames.SetStats(&as.Stats)
	as.deps = deps
	as.mmaps = mmap.New(deps, dir)
	return as
}

// SetStackPointer records the current user stack pointer, consulted by the
// fault handler's stack-growth heuristic.
func (as *AddressSpace) SetStackPointer(esp uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.esp = esp
}

func pageRoundDown(addr uintptr) uintptr {
	return util.Rounddown(addr, uintptr(mem.PGSIZE))
}

// AddFile records f under a new fid and returns it, the counterpart to the
// original kernel's allocate_fid but scoped per address space rather than
// process-table-global.
func (as *AddressSpace) AddFile(f file.File) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	fid := as.nextFid
	as.nextFid++
	as.files[fid] = f
	return fid
}

// FileByFid returns the file registered under fid, if any.
func (as *AddressSpace) FileByFid(fid int) (file.File, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	f, ok := as.files[fid]
	return f, ok
}

// CloseFile closes and forgets fid.
func (as *AddressSpace) CloseFile(fid int) defs.Err_t {
	as.mu.Lock()
	f, ok := as.files[fid]
	if !ok {
		as.mu.Unlock()
		return defs.EINVAL
	}
	delete(as.files, fid)
	as.mu.Unlock()
	if err := f.Close(); err != nil {
		return defs.EIO
	}
	return 0
}

// Fault handles a page fault at addr: finding the existing descriptor and
// faulting it in, or growing the stack if addr looks like a PUSH past the
// current stack pointer. pin keeps the resulting frame pinned for a caller
// about to copy through it directly.
func (as *AddressSpace) Fault(addr uintptr, pin bool) defs.Err_t {
	as.Stats.Faults.Inc()
	base := pageRoundDown(addr)

	d, ok := page.Lookup(as.Dir, base)
	if !ok {
		as.mu.Lock()
		esp := as.esp
		stackBase := as.stackBase
		as.mu.Unlock()
		if !page.NeedGrow(esp, addr, stackBase, pageRoundDown) {
			return defs.EFAULT
		}
		as.Stats.StackGrow.Inc()
		_, err := page.Grow(as.deps, as.Dir, base, pin)
		return err
	}
	if d.Loaded() {
		if pin {
			d.Pin()
		}
		return 0
	}
	return d.In(pin)
}

// pageBuffer returns the descriptor backing the page at base, faulting it
// or growing the stack if it is missing, and pins its frame.
func (as *AddressSpace) pageBuffer(base uintptr) (*page.Descriptor, defs.Err_t) {
	d, ok := page.Lookup(as.Dir, base)
	if !ok {
		as.mu.Lock()
		esp := as.esp
		stackBase := as.stackBase
		as.mu.Unlock()
		if !page.NeedGrow(esp, base, stackBase, pageRoundDown) {
			return nil, defs.EFAULT
		}
		return page.Grow(as.deps, as.Dir, base, true)
	}
	if !d.Loaded() {
		if err := d.In(true); err != 0 {
			return nil, err
		}
		return d, 0
	}
	d.Pin()
	return d, 0
}

// dmap returns the live byte contents of d's frame.
func (as *AddressSpace) dmap(d *page.Descriptor) *mem.Pg_t {
	pa := as.deps.Frames.PhysAddr(d.FrameID())
	return as.deps.Frames.Dmap(pa)
}

// ReadAt reads length bytes starting at user address addr from fid into a
// freshly returned slice, walking the destination one page at a time so
// each page can be faulted in and pinned only for the duration of its own
// copy, matching the syscall read loop's partial-page bookkeeping.
func (as *AddressSpace) ReadAt(fid int, addr uintptr, length int) ([]byte, defs.Err_t) {
	f, ok := as.FileByFid(fid)
	if !ok {
		return nil, defs.EMFILE
	}

	out := make([]byte, 0, length)
	remaining := length
	va := addr
	for remaining > 0 {
		base := pageRoundDown(va)
		ofs := int(va - base)

		d, err := as.pageBuffer(base)
		if err != 0 {
			return out, err
		}

		chunk := util.Min(mem.PGSIZE-ofs, remaining)

		pg := as.dmap(d)
		n, rerr := f.Read(pg[ofs : ofs+chunk])
		d.Unpin()
		if rerr != nil {
			return out, defs.EIO
		}

		out = append(out, pg[ofs:ofs+n]...)
		remaining -= n
		va += uintptr(n)
		if n < chunk {
			break // short read: end of file
		}
	}
	return out, 0
}

// WriteAt writes data to user address addr via fid, walking one page at a
// time the same way ReadAt does.
func (as *AddressSpace) WriteAt(fid int, addr uintptr, data []byte) (int, defs.Err_t) {
	f, ok := as.FileByFid(fid)
	if !ok {
		return 0, defs.EMFILE
	}

	written := 0
	va := addr
	for len(data) > 0 {
		base := pageRoundDown(va)
		ofs := int(va - base)

		d, err := as.pageBuffer(base)
		if err != 0 {
			return written, err
		}

		chunk := util.Min(mem.PGSIZE-ofs, len(data))

		pg := as.dmap(d)
		copy(pg[ofs:ofs+chunk], data[:chunk])
		n, werr := f.Write(pg[ofs : ofs+chunk])
		d.Unpin()
		if werr != nil {
			return written, defs.EIO
		}

		written += n
		data = data[n:]
		va += uintptr(n)
		if n < chunk {
			break
		}
	}
	return written, 0
}

// Mmap installs fid's file as a mapping at addr. It rejects stdin/stdout
// fids and delegates address and size validation to mmap.Registry, in that
// order: the fid check happens first because a caller passing stdin or
// stdout has made a category error no address would fix.
func (as *AddressSpace) Mmap(fid int, addr uintptr) (mmap.ID, defs.Err_t) {
	if fid == stdinFid || fid == stdoutFid {
		return 0, defs.EINVAL
	}
	f, ok := as.FileByFid(fid)
	if !ok {
		return 0, defs.EMFILE
	}

	return as.mmaps.Map(addr, f)
}

// Munmap tears down mapid, writing back dirty pages per the file's own
// writable flag.
func (as *AddressSpace) Munmap(id mmap.ID) defs.Err_t {
	return as.mmaps.Munmap(id)
}

// Teardown releases everything this address space owns: every open file is
// closed first, then every live mapping is unmapped (flushing its dirty
// pages), then every remaining page descriptor — anything never part of a
// mapping, such as stack-growth and other anonymous pages — is freed and
// its frame or swap slot returned, matching the original exit sequence's
// ordering (process_exit tears down mappings before reclaiming the raw
// page table).
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	fids := make([]int, 0, len(as.files))
	for fid := range as.files {
		fids = append(fids, fid)
	}
	as.mu.Unlock()
	for _, fid := range fids {
		as.CloseFile(fid)
	}

	for _, id := range as.mmaps.All() {
		as.Munmap(id)
	}

	for _, ptr := range as.Dir.Descriptors() {
		d, ok := ptr.(*page.Descriptor)
		if !ok {
			continue
		}
		if d.Loaded() {
			d.Pin()
			as.deps.Frames.Release(d.FrameID(), d)
		}
		d.Free()
	}
}

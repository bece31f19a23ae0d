// Package mmap implements the memory-mapped-file registry: one entry per
// live mapping, recording the file region it covers so Munmap can write
// dirty pages back and tear the mapping down.
package mmap

import (
	"sync"

	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/file"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/page"
	"github.com/decimusvm/vmpager/pagedir"
)

// ID names one mapping, returned to the caller of Map and consumed by
// Munmap.
type ID int

// Mapping records the address range one Map call installed.
type Mapping struct {
	ID       ID
	File     file.File
	AddrInit uintptr
	AddrFin  uintptr // exclusive
}

// Registry tracks the live mappings for one address space.
type Registry struct {
	mu       sync.Mutex
	deps     page.Deps
	dir      pagedir.Directory
	nextID   ID
	mappings map[ID]*Mapping
}

// New creates an empty Registry bound to dir, used to install and retire
// page descriptors as mappings come and go.
func New(deps page.Deps, dir pagedir.Directory) *Registry {
	return &Registry{
		deps:     deps,
		dir:      dir,
		mappings: make(map[ID]*Mapping),
	}
}

// Map installs f, reopened so the mapping owns an independent cursor, as a
// run of file-backed page descriptors starting at addr. addr must be
// page-aligned and nonzero; f must report a positive length. Pages share no
// frame with any other mapping (mmap'd pages carry NoBid, matching file
// mappings made through a fid rather than a shared executable segment).
func (r *Registry) Map(addr uintptr, f file.File) (ID, defs.Err_t) {
	if addr == 0 || addr%mem.PGSIZE != 0 {
		return 0, defs.EINVAL
	}
	size := f.Length()
	if size <= 0 {
		return 0, defs.EINVAL
	}

	r.mu.Lock()
	for a := addr; a < addr+uintptr(size); a += mem.PGSIZE {
		if _, exists := page.Lookup(r.dir, a); exists {
			r.mu.Unlock()
			return 0, defs.EINVAL
		}
	}
	r.mu.Unlock()

	reopened, err := f.Reopen()
	if err != nil {
		return 0, defs.EIO
	}

	var ofs int64
	a := addr
	remaining := size
	for remaining > 0 {
		readBytes := mem.PGSIZE
		zeroBytes := 0
		if remaining < mem.PGSIZE {
			readBytes = int(remaining)
			zeroBytes = mem.PGSIZE - readBytes
		}

		r.mu.Lock()
		if _, exists := page.Lookup(r.dir, a); exists {
			r.mu.Unlock()
			return 0, defs.EINVAL
		}
		r.mu.Unlock()

		page.NewFile(r.deps, r.dir, a, reopened, ofs, readBytes, zeroBytes, true, page.NoBid)

		ofs += mem.PGSIZE
		remaining -= int64(readBytes)
		a += mem.PGSIZE
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mappings[id] = &Mapping{ID: id, File: reopened, AddrInit: addr, AddrFin: a}
	r.mu.Unlock()

	return id, 0
}

// Munmap writes back every dirty page of the mapping, evicts its frames,
// frees its descriptors, and retires the mapping. An id that was never
// returned by Map, or was already unmapped, yields EINVAL.
func (r *Registry) Munmap(id ID) defs.Err_t {
	r.mu.Lock()
	m, ok := r.mappings[id]
	if !ok {
		r.mu.Unlock()
		return defs.EINVAL
	}
	delete(r.mappings, id)
	r.mu.Unlock()

	for addr := m.AddrInit; addr < m.AddrFin; addr += mem.PGSIZE {
		d, ok := page.Lookup(r.dir, addr)
		if !ok {
			continue
		}
		if d.Loaded() {
			d.Pin()
			if err := r.deps.Frames.Release(d.FrameID(), d); err != 0 {
				return err
			}
		}
		d.Free()
	}
	if err := m.File.Close(); err != nil {
		return defs.EIO
	}
	return 0
}

// All returns every currently live mapping, for process teardown.
func (r *Registry) All() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.mappings))
	for id := range r.mappings {
		ids = append(ids, id)
	}
	return ids
}

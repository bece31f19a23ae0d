package mmap

import (
	"path/filepath"
	"testing"

	"github.com/decimusvm/vmpager/block"
	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/file"
	"github.com/decimusvm/vmpager/frame"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/page"
	"github.com/decimusvm/vmpager/pagedir"
	"github.com/decimusvm/vmpager/swap"
)

func testDeps(t *testing.T, npages int) page.Deps {
	t.Helper()
	alloc := mem.NewFreeListAllocator(npages)
	tbl := frame.NewTable(alloc, npages)
	dev, err := block.NewFileDevice(filepath.Join(t.TempDir(), "swap.img"), 8*swap.BPP)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return page.Deps{Frames: tbl, Swap: swap.New(dev)}
}

func TestMapInstallsPageDescriptorsPerPage(t *testing.T) {
	deps := testDeps(t, 8)
	dir := pagedir.New()
	reg := New(deps, dir)

	data := make([]byte, mem.PGSIZE+100)
	for i := range data {
		data[i] = byte(i)
	}
	f := file.NewMemFile(data, true)

	id, err := reg.Map(0x1000, f)
	if err != 0 {
		t.Fatalf("Map: %v", err)
	}

	if _, ok := page.Lookup(dir, 0x1000); !ok {
		t.Fatal("expected a descriptor at the mapping's first page")
	}
	if _, ok := page.Lookup(dir, 0x1000+mem.PGSIZE); !ok {
		t.Fatal("expected a descriptor at the mapping's second page")
	}
	if _, ok := page.Lookup(dir, 0x1000+2*mem.PGSIZE); ok {
		t.Fatal("did not expect a descriptor past the mapping's end")
	}

	if len(reg.All()) != 1 || reg.All()[0] != id {
		t.Fatal("expected exactly the new mapping in All()")
	}
}

func TestMapRejectsUnalignedAddress(t *testing.T) {
	deps := testDeps(t, 4)
	dir := pagedir.New()
	reg := New(deps, dir)

	f := file.NewMemFile([]byte("hello"), true)
	if _, err := reg.Map(1, f); err != defs.EINVAL {
		t.Fatalf("Map(unaligned) = %v, want EINVAL", err)
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	deps := testDeps(t, 4)
	dir := pagedir.New()
	reg := New(deps, dir)

	f1 := file.NewMemFile(make([]byte, 10), true)
	if _, err := reg.Map(0x2000, f1); err != 0 {
		t.Fatalf("first Map: %v", err)
	}
	f2 := file.NewMemFile(make([]byte, 10), true)
	if _, err := reg.Map(0x2000, f2); err != defs.EINVAL {
		t.Fatalf("overlapping Map = %v, want EINVAL", err)
	}
}

func TestMunmapWritesBackDirtyPages(t *testing.T) {
	deps := testDeps(t, 4)
	dir := pagedir.New()
	reg := New(deps, dir)

	f := file.NewMemFile(make([]byte, 10), true)
	id, err := reg.Map(0x3000, f)
	if err != 0 {
		t.Fatalf("Map: %v", err)
	}

	d, ok := page.Lookup(dir, 0x3000)
	if !ok {
		t.Fatal("expected a descriptor")
	}
	if err := d.In(true); err != 0 {
		t.Fatalf("In: %v", err)
	}
	dir.SetDirty(0x3000, true)
	pg := deps.Frames.Dmap(deps.Frames.PhysAddr(d.FrameID()))
	copy(pg[:], "dirty")
	d.Unpin()

	if err := reg.Munmap(id); err != 0 {
		t.Fatalf("Munmap: %v", err)
	}
	if _, ok := page.Lookup(dir, 0x3000); ok {
		t.Fatal("expected descriptor to be gone after Munmap")
	}

	buf := make([]byte, 5)
	f.Seek(0)
	f.Read(buf)
	if string(buf) != "dirty" {
		t.Fatalf("file contents = %q, want %q written back by Munmap", buf, "dirty")
	}
}

func TestMunmapUnknownIDFails(t *testing.T) {
	deps := testDeps(t, 4)
	dir := pagedir.New()
	reg := New(deps, dir)

	if err := reg.Munmap(999); err != defs.EINVAL {
		t.Fatalf("Munmap(unknown) = %v, want EINVAL", err)
	}
}

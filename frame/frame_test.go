package frame

import (
	"testing"

	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/vmstats"
)

// fakePage is a minimal frame.Page for exercising the table in isolation
// from the page package (which itself depends on frame, so a real
// page.Descriptor can't be used here without an import cycle).
type fakePage struct {
	accessed bool
	key      int64
	hasKey   bool
	outCalls int
}

func (p *fakePage) Out(pg *mem.Pg_t) defs.Err_t {
	p.outCalls++
	return 0
}
func (p *fakePage) Accessed() bool            { return p.accessed }
func (p *fakePage) ClearAccessed()            { p.accessed = false }
func (p *fakePage) SharingKey() (int64, bool) { return p.key, p.hasKey }

func TestNewAllocatesDistinctFrames(t *testing.T) {
	alloc := mem.NewFreeListAllocator(4)
	tbl := NewTable(alloc, 4)

	id1, pg1, err := tbl.New()
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	id2, pg2, err := tbl.New()
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct frame IDs")
	}
	if pg1 == pg2 {
		t.Fatal("expected distinct backing pages")
	}
}

func TestEvictionReclaimsAnUnpinnedFrame(t *testing.T) {
	alloc := mem.NewFreeListAllocator(1)
	tbl := NewTable(alloc, 1)

	id, _, err := tbl.New()
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	p := &fakePage{}
	tbl.Attach(id, p)
	tbl.Unpin(id)

	id2, _, err := tbl.New()
	if err != 0 {
		t.Fatalf("expected New to evict and succeed, got %v", err)
	}
	if id2 == id {
		// A fresh allocator slot reusing the same bookkeeping ID is fine;
		// what matters is the old page was written back.
	}
	if p.outCalls != 1 {
		t.Fatalf("expected evicted page to be written back once, got %d calls", p.outCalls)
	}
}

func TestPinnedFrameIsNeverEvicted(t *testing.T) {
	alloc := mem.NewFreeListAllocator(1)
	tbl := NewTable(alloc, 1)

	id, _, _ := tbl.New()
	p := &fakePage{}
	tbl.Attach(id, p)
	// frame stays pinned (New leaves it pinned, caller never unpins)

	if _, _, err := tbl.New(); err == 0 {
		t.Fatal("expected allocation to fail when the only frame is pinned")
	}
}

func TestAccessedPageGetsSecondChance(t *testing.T) {
	alloc := mem.NewFreeListAllocator(2)
	tbl := NewTable(alloc, 2)

	id1, _, _ := tbl.New()
	p1 := &fakePage{accessed: true}
	tbl.Attach(id1, p1)
	tbl.Unpin(id1)

	id2, _, _ := tbl.New()
	p2 := &fakePage{accessed: false}
	tbl.Attach(id2, p2)
	tbl.Unpin(id2)

	if _, _, err := tbl.New(); err != 0 {
		t.Fatalf("New: %v", err)
	}
	if p1.outCalls != 0 {
		t.Fatal("accessed page should have been given a second chance, not evicted")
	}
	if p2.outCalls != 1 {
		t.Fatal("unaccessed page should have been the one evicted")
	}
	if p1.accessed {
		t.Fatal("accessed bit should be cleared after the first clock pass")
	}
}

func TestReleaseReclaimsAnUnsharedFrame(t *testing.T) {
	alloc := mem.NewFreeListAllocator(1)
	tbl := NewTable(alloc, 1)

	id, _, _ := tbl.New()
	p := &fakePage{}
	tbl.Attach(id, p)

	if err := tbl.Release(id, p); err != 0 {
		t.Fatalf("Release: %v", err)
	}
	if p.outCalls != 1 {
		t.Fatalf("expected Release to write the page back once, got %d calls", p.outCalls)
	}
	if alloc.Avail() != 1 {
		t.Fatalf("expected the frame to return to the allocator, Avail() = %d", alloc.Avail())
	}
}

func TestReleaseKeepsFrameResidentForRemainingSharer(t *testing.T) {
	alloc := mem.NewFreeListAllocator(1)
	tbl := NewTable(alloc, 1)

	id, _, _ := tbl.New()
	p1 := &fakePage{key: 7, hasKey: true}
	p2 := &fakePage{key: 7, hasKey: true}
	tbl.Attach(id, p1)
	tbl.Attach(id, p2)

	if err := tbl.Release(id, p1); err != 0 {
		t.Fatalf("Release: %v", err)
	}
	if alloc.Avail() != 0 {
		t.Fatal("expected the frame to stay resident while p2 still shares it")
	}

	if err := tbl.Release(id, p2); err != 0 {
		t.Fatalf("Release: %v", err)
	}
	if alloc.Avail() != 1 {
		t.Fatal("expected the frame to return to the allocator once its last sharer released it")
	}
}

func TestEvictionIncrementsStats(t *testing.T) {
	alloc := mem.NewFreeListAllocator(1)
	tbl := NewTable(alloc, 1)
	var stats vmstats.Counters
	tbl.SetStats(&stats)

	id, _, _ := tbl.New()
	tbl.Attach(id, &fakePage{})
	tbl.Unpin(id)

	if _, _, err := tbl.New(); err != 0 {
		t.Fatalf("New: %v", err)
	}
	// Counters only move when the vmstats.Enabled constant is true; with it
	// false the one eviction above leaves Evictions at zero.
	want := int64(0)
	if vmstats.Enabled {
		want = 1
	}
	if got := stats.Evictions.Get(); got != want {
		t.Fatalf("Evictions = %d, want %d", got, want)
	}
}

func TestLookupSharesFrameByKey(t *testing.T) {
	alloc := mem.NewFreeListAllocator(2)
	tbl := NewTable(alloc, 2)

	id, _, _ := tbl.New()
	p := &fakePage{key: 42, hasKey: true}
	tbl.Attach(id, p)

	found, _, ok := tbl.Lookup(42)
	if !ok || found != id {
		t.Fatalf("Lookup(42) = (%v, %v), want (%v, true)", found, ok, id)
	}

	if _, _, ok := tbl.Lookup(7); ok {
		t.Fatal("expected no match for an unused key")
	}
}

package swap

import (
	"path/filepath"
	"testing"

	"github.com/decimusvm/vmpager/block"
	"github.com/decimusvm/vmpager/mem"
)

func newTestArea(t *testing.T, slots int) *Area {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := block.NewFileDevice(path, slots*BPP)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return New(dev)
}

func TestSaveInRoundTrip(t *testing.T) {
	a := newTestArea(t, 4)

	var page mem.Pg_t
	for i := range page {
		page[i] = byte(i)
	}

	idx := a.Save(&page)

	var got mem.Pg_t
	a.In(idx, &got)
	if got != page {
		t.Fatal("read back different page contents than saved")
	}
}

func TestFreeAllowsReuse(t *testing.T) {
	a := newTestArea(t, 1)

	var page mem.Pg_t
	idx := a.Save(&page)
	a.Free(idx)

	idx2 := a.Save(&page)
	if idx2 != idx {
		t.Fatalf("expected freed slot %d to be reused, got %d", idx, idx2)
	}
}

func TestSaveExhaustionPanics(t *testing.T) {
	a := newTestArea(t, 1)
	var page mem.Pg_t
	a.Save(&page)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when swap device is exhausted")
		}
	}()
	a.Save(&page)
}

func TestInUnallocatedPanics(t *testing.T) {
	a := newTestArea(t, 1)
	var page mem.Pg_t

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading an unallocated slot")
		}
	}()
	a.In(0, &page)
}

// Package swap implements the backing store for evicted anonymous pages: a
// bitmap-indexed run of sectors on a block device, allocated and freed one
// page-worth (BPP consecutive sectors) at a time.
package swap

import (
	"fmt"
	"sync"

	"github.com/decimusvm/vmpager/bitmap"
	"github.com/decimusvm/vmpager/block"
	"github.com/decimusvm/vmpager/mem"
)

// BPP is the number of sectors one page occupies on the swap device.
const BPP = mem.PGSIZE / block.SectorSize

// Area is a swap device plus the bitmap tracking which page-sized slots are
// occupied. All operations are serialized by mu; swap traffic is expected to
// be rare enough relative to eviction itself that this is never the
// bottleneck.
type Area struct {
	mu  sync.Mutex
	dev block.Device
	sm  *bitmap.Bitmap
}

// New wraps dev in an Area. dev's sector count must be a multiple of BPP.
func New(dev block.Device) *Area {
	n := dev.SectorCount()
	return &Area{dev: dev, sm: bitmap.New(n)}
}

// Save writes one page's worth of data to a freshly allocated swap slot and
// returns the slot index (the first sector of the run). It panics if the
// device has no free slots left: the bitmap only reports the exhausted scan,
// and Save treats running out of swap as fatal.
func (a *Area) Save(page *mem.Pg_t) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.sm.ScanAndFlip(0, BPP)
	if !ok {
		panic("swap: device exhausted")
	}

	buf := make([]byte, block.SectorSize)
	for ofs := 0; ofs < BPP; ofs++ {
		copy(buf, page[ofs*block.SectorSize:(ofs+1)*block.SectorSize])
		if err := a.dev.WriteSector(idx+ofs, buf); err != nil {
			panic(fmt.Sprintf("swap: write sector %d: %v", idx+ofs, err))
		}
	}
	return idx
}

// In reads the page-sized slot at idx back into page. The slot must
// currently be occupied; In does not free it (the caller decides the slot's
// fate, matching swap_in's contract of leaving a swap slot allocated until
// an explicit Free).
func (a *Area) In(idx int, page *mem.Pg_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.sm.TestRange(idx, BPP, true) {
		panic("swap: read of unallocated slot")
	}

	buf := make([]byte, block.SectorSize)
	for ofs := 0; ofs < BPP; ofs++ {
		if err := a.dev.ReadSector(idx+ofs, buf); err != nil {
			panic(fmt.Sprintf("swap: read sector %d: %v", idx+ofs, err))
		}
		copy(page[ofs*block.SectorSize:(ofs+1)*block.SectorSize], buf)
	}
}

// Free releases the page-sized slot at idx back to the free pool.
func (a *Area) Free(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sm.SetRange(idx, BPP, false)
}

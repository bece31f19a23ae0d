// Package frame implements the frame table: the registry of which physical
// pages are in use, what page descriptors they hold, and the second-chance
// clock sweep that picks a victim when the underlying allocator is out of
// memory.
package frame

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/decimusvm/vmpager/defs"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/util"
	"github.com/decimusvm/vmpager/vmstats"
)

// ID names a frame-table entry. It is stable for the entry's lifetime and
// is handed to callers in place of a raw physical address.
type ID int64

// Page is the narrow view of a page descriptor the frame table needs in
// order to evict it: write its contents back to wherever they belong, and
// report or clear the hardware accessed bit the clock sweep consumes.
type Page interface {
	Out(pg *mem.Pg_t) defs.Err_t
	Accessed() bool
	ClearAccessed()
	// SharingKey returns a cache key under which this page's frame may be
	// handed to another descriptor asking for the same key, and whether
	// sharing applies to this page at all.
	SharingKey() (key int64, ok bool)
}

type entry struct {
	pa    mem.Pa_t
	pin   bool
	pages []Page
}

// Table is the frame table for one simulated machine. All address spaces
// sharing a Table can have their file-backed read-only pages share a single
// physical frame when their sharing keys match.
type Table struct {
	mu    sync.Mutex
	alloc mem.PageAllocator

	entries   map[ID]*entry
	order     []ID // clock order; order[clockHand] is examined next
	clockHand int
	nextID    ID

	shared *lru.Cache[int64, ID]
	evictG singleflight.Group

	stats *vmstats.Counters
}

// NewTable builds a Table over alloc. capacity bounds the shared bid->frame
// index so its own bookkeeping never outgrows the number of frames alloc
// can actually hand out.
func NewTable(alloc mem.PageAllocator, capacity int) *Table {
	capacity = util.Max(capacity, 1)
	c, err := lru.New[int64, ID](capacity)
	if err != nil {
		panic(err)
	}
	return &Table{
		alloc:   alloc,
		entries: make(map[ID]*entry),
		shared:  c,
	}
}

// SetStats attaches the counters this table's eviction sweep reports to. A
// nil stats (the default) leaves eviction counting off.
func (t *Table) SetStats(stats *vmstats.Counters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = stats
}

// New allocates a fresh frame, evicting a victim first if the underlying
// allocator is exhausted.
func (t *Table) New() (ID, *mem.Pg_t, defs.Err_t) {
	for {
		t.mu.Lock()
		pa, ok := t.alloc.Get()
		if ok {
			id := t.nextID
			t.nextID++
			t.entries[id] = &entry{pa: pa, pin: true}
			t.order = append(t.order, id)
			t.mu.Unlock()
			return id, t.alloc.Dmap(pa), 0
		}
		t.mu.Unlock()

		if err := t.evictOne(); err != 0 {
			return 0, nil, err
		}
	}
}

// Lookup returns the frame already holding the page sharing key, pinning it
// against concurrent eviction, or ok=false if no frame currently shares it.
func (t *Table) Lookup(key int64) (ID, *mem.Pg_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.shared.Get(key)
	if !ok {
		return 0, nil, false
	}
	e, ok := t.entries[id]
	if !ok {
		t.shared.Remove(key)
		return 0, nil, false
	}
	e.pin = true
	return id, t.alloc.Dmap(e.pa), true
}

// Attach records p as one of the descriptors backed by id's frame, and
// indexes the frame under p's sharing key if it has one.
func (t *Table) Attach(id ID, p Page) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return defs.EINVAL
	}
	e.pages = append(e.pages, p)
	if key, ok := p.SharingKey(); ok {
		t.shared.Add(key, id)
	}
	return 0
}

// PhysAddr returns the physical address backing id, for installing into a
// page directory.
func (t *Table) PhysAddr(id ID) mem.Pa_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	return e.pa
}

// Dmap returns the byte contents backing pa, delegating to the underlying
// allocator.
func (t *Table) Dmap(pa mem.Pa_t) *mem.Pg_t {
	return t.alloc.Dmap(pa)
}

// Pin and Unpin mark a frame as temporarily un-evictable, or release that
// hold. A newly allocated frame starts pinned; callers unpin it once it has
// a mapped page directory entry.
func (t *Table) Pin(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.pin = true
	}
}

func (t *Table) Unpin(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.pin = false
	}
}

// Free evicts id outright: every page attached to it is written back via
// Out, and the frame returns to the allocator. It is the explicit
// counterpart to the implicit eviction New performs under memory pressure.
func (t *Table) Free(id ID) defs.Err_t {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return 0
	}
	pages := e.pages
	pa := e.pa
	t.mu.Unlock()

	pg := t.alloc.Dmap(pa)
	for _, p := range pages {
		if err := p.Out(pg); err != 0 {
			return err
		}
	}

	t.mu.Lock()
	delete(t.entries, id)
	t.removeFromOrder(id)
	t.mu.Unlock()

	t.alloc.Free(pa)
	return 0
}

// Release retires p's hold on id: p is written back and dropped from id's
// attached-page list, and the frame itself is only returned to the
// allocator once no other descriptor still shares it. This is the
// per-descriptor counterpart to Free's whole-frame eviction, used when
// unmapping one of several sharers of a read-only file-backed frame so the
// other sharers are left resident.
func (t *Table) Release(id ID, p Page) defs.Err_t {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return 0
	}
	pa := e.pa
	t.mu.Unlock()

	if err := p.Out(t.alloc.Dmap(pa)); err != 0 {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok = t.entries[id]
	if !ok {
		return 0
	}
	for i, q := range e.pages {
		if q == p {
			e.pages = append(e.pages[:i], e.pages[i+1:]...)
			break
		}
	}
	if len(e.pages) > 0 {
		return 0
	}
	delete(t.entries, id)
	t.removeFromOrder(id)
	t.alloc.Free(pa)
	return 0
}

// evictOne runs the second-chance clock sweep to find and free a single
// victim frame, coalescing concurrent callers so that only one goroutine
// walks the clock at a time.
func (t *Table) evictOne() defs.Err_t {
	_, err, _ := t.evictG.Do("evict", func() (any, error) {
		id, ok := t.pickVictim()
		if !ok {
			return nil, errNoVictim
		}
		if e := t.Free(id); e != 0 {
			return nil, errOf(e)
		}
		t.mu.Lock()
		stats := t.stats
		t.mu.Unlock()
		if stats != nil {
			stats.Evictions.Inc()
		}
		return nil, nil
	})
	if err == nil {
		return 0
	}
	if ke, ok := err.(*errCode); ok {
		return ke.code
	}
	return defs.ENOMEM
}

// pickVictim runs the clock sweep: advance past pinned frames, and on an
// unpinned frame, evict it if none of its attached pages have been accessed
// since the last sweep, otherwise clear their accessed bits and give them a
// second chance.
func (t *Table) pickVictim() (ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) == 0 {
		return 0, false
	}

	for i := 0; i < 2*len(t.order); i++ {
		id := t.order[t.clockHand]
		e := t.entries[id]
		t.advanceClock()

		if e == nil || e.pin {
			continue
		}
		if t.secondChance(e) {
			return id, true
		}
	}
	return 0, false
}

func (t *Table) secondChance(e *entry) bool {
	evictable := true
	for _, p := range e.pages {
		if p.Accessed() {
			p.ClearAccessed()
			evictable = false
		}
	}
	return evictable
}

func (t *Table) advanceClock() {
	if len(t.order) == 0 {
		t.clockHand = 0
		return
	}
	t.clockHand = (t.clockHand + 1) % len(t.order)
}

func (t *Table) removeFromOrder(id ID) {
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			if t.clockHand > i {
				t.clockHand--
			}
			if len(t.order) > 0 {
				t.clockHand %= len(t.order)
			} else {
				t.clockHand = 0
			}
			return
		}
	}
}

type errCode struct{ code defs.Err_t }

func (e *errCode) Error() string { return e.code.String() }

func errOf(code defs.Err_t) error { return &errCode{code: code} }

var errNoVictim = &errCode{code: defs.ENOMEM}

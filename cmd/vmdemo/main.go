// Command vmdemo exercises a single address space end to end: it maps a
// file, reads part of it back through the page-fault path, forces an
// eviction by outgrowing its tiny frame budget, and reports what happened.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/decimusvm/vmpager/block"
	"github.com/decimusvm/vmpager/file"
	"github.com/decimusvm/vmpager/frame"
	"github.com/decimusvm/vmpager/mem"
	"github.com/decimusvm/vmpager/swap"
	"github.com/decimusvm/vmpager/vm"
)

const (
	framesAvailable = 4
	swapSlots       = 16
	stackBase       = 0xC0000000
)

func usage() {
	fmt.Fprintf(os.Stderr, "vmdemo <file>\n\nMap <file> into a 4-frame address space and read its first bytes back.\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) != 2 {
		usage()
	}

	path := os.Args[1]
	f, err := file.Open(path, false)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	swapPath, err := os.CreateTemp("", "vmdemo-swap-*.img")
	if err != nil {
		log.Fatalf("create swap file: %v", err)
	}
	swapPath.Close()
	defer os.Remove(swapPath.Name())

	dev, err := block.NewFileDevice(swapPath.Name(), swapSlots*swap.BPP)
	if err != nil {
		log.Fatalf("create swap device: %v", err)
	}
	defer dev.Close()

	alloc := mem.NewFreeListAllocator(framesAvailable)
	tbl := frame.NewTable(alloc, framesAvailable)
	deps := vm.Deps{Frames: tbl, Swap: swap.New(dev)}

	as := vm.New(deps, stackBase)
	fid := as.AddFile(f)

	mapid, merr := as.Mmap(fid, 0x10000000)
	if merr != 0 {
		log.Fatalf("mmap: %v", merr)
	}
	fmt.Printf("mapped %s as mapping %d\n", path, mapid)

	got, rerr := as.ReadAt(fid, 0x10000000, 64)
	if rerr != 0 {
		log.Fatalf("read: %v", rerr)
	}
	fmt.Printf("first %d bytes: %q\n", len(got), got)

	fmt.Printf("forcing eviction by stack-growing past the %d-frame budget...\n", framesAvailable)
	for i := 0; i < framesAvailable+2; i++ {
		addr := uintptr(stackBase - mem.PGSIZE*(i+2))
		as.SetStackPointer(addr)
		if err := as.Fault(addr, false); err != 0 {
			log.Fatalf("stack fault at page %d: %v", i, err)
		}
	}
	fmt.Printf("grew the stack by %d pages without running out of frames\n", framesAvailable+2)

	if err := as.Munmap(mapid); err != 0 {
		log.Fatalf("munmap: %v", err)
	}
	as.Teardown()
	fmt.Println("torn down cleanly")
}

package bitmap

import "testing"

func TestScanAndFlipConsecutive(t *testing.T) {
	b := New(16)
	idx, ok := b.ScanAndFlip(0, 4)
	if !ok || idx != 0 {
		t.Fatalf("got idx=%d ok=%v, want 0,true", idx, ok)
	}
	if !b.TestRange(0, 4, true) {
		t.Fatal("expected bits 0-3 set")
	}
	idx2, ok := b.ScanAndFlip(0, 4)
	if !ok || idx2 != 4 {
		t.Fatalf("got idx=%d ok=%v, want 4,true", idx2, ok)
	}
}

func TestScanAndFlipSkipsOccupied(t *testing.T) {
	b := New(8)
	b.SetRange(2, 2, true)
	idx, ok := b.ScanAndFlip(0, 2)
	if !ok || idx != 0 {
		t.Fatalf("got idx=%d ok=%v, want 0,true", idx, ok)
	}
	idx2, ok := b.ScanAndFlip(0, 2)
	if !ok || idx2 != 4 {
		t.Fatalf("got idx=%d ok=%v, want 4,true (should skip the occupied run at 2-3)", idx2, ok)
	}
}

func TestScanAndFlipExhausted(t *testing.T) {
	b := New(4)
	if _, ok := b.ScanAndFlip(0, 4); !ok {
		t.Fatal("expected first 4-bit allocation to succeed")
	}
	if _, ok := b.ScanAndFlip(0, 1); ok {
		t.Fatal("expected allocation to fail once exhausted")
	}
}

func TestSetRangePreconditionPanics(t *testing.T) {
	b := New(4)
	b.SetRange(0, 2, true)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double-set")
		}
	}()
	b.SetRange(0, 2, true)
}

func TestSetRangeClear(t *testing.T) {
	b := New(4)
	b.SetRange(0, 4, true)
	b.SetRange(1, 2, false)
	if !b.TestRange(1, 2, false) {
		t.Fatal("expected bits 1-2 clear")
	}
	if !b.Test(0) || !b.Test(3) {
		t.Fatal("expected bits 0 and 3 to remain set")
	}
}

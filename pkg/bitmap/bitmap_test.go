package bitmap

import "testing"

func testToggle(t *testing.T, b *Bitmap) {

	t.Helper()

	for n := b.Start(); n <= b.End(); n += 7 {
		set, err := b.Test(n)
		if err != nil {
			t.Fatalf("unexpected error testing bit %d: %v", n, err)
		}
		if set {
			t.Fatalf("bit %d set on a fresh bitmap", n)
		}

		if err = b.Mark(n); err != nil {
			t.Fatalf("unexpected error marking bit %d: %v", n, err)
		}

		set, _ = b.Test(n)
		if !set {
			t.Fatalf("bit %d not set after marking", n)
		}

		if err = b.Unmark(n); err != nil {
			t.Fatalf("unexpected error unmarking bit %d: %v", n, err)
		}

		set, _ = b.Test(n)
		if set {
			t.Fatalf("bit %d still set after unmarking", n)
		}
	}

	// out-of-range operations are diagnostic errors, not silent ignores
	if _, err := b.Test(b.Start() - 1); err == nil {
		t.Errorf("testing below range did not error")
	}
	if _, err := b.Test(b.End() + 1); err == nil {
		t.Errorf("testing above range did not error")
	}
	if err := b.Mark(b.RealEnd() + 1); err == nil {
		t.Errorf("marking above real end did not error")
	}

}

func TestDenseToggle(t *testing.T) {
	testToggle(t, New(KindBlock, 1, 1024, "test block map"))
}

func TestRBTreeToggle(t *testing.T) {
	testToggle(t, New64(KindBlock, 1, 1024, "test block map"))
}

func TestSlackMarking(t *testing.T) {

	b := NewSlack(KindInode, 1, 100, 128, "scratch map")

	// bits in (end, realEnd] may be marked but not tested
	if err := b.Mark(110); err != nil {
		t.Errorf("marking within slack should be allowed: %v", err)
	}
	if _, err := b.Test(110); err == nil {
		t.Errorf("testing within slack should be a range error")
	}

}

func testRanges(t *testing.T, b *Bitmap) {

	t.Helper()

	if err := b.MarkRange(10, 20); err != nil {
		t.Fatalf("mark range: %v", err)
	}

	full, err := b.TestRange(10, 20)
	if err != nil || !full {
		t.Fatalf("range [10,30) should be fully set")
	}

	full, _ = b.TestRange(9, 2)
	if full {
		t.Fatalf("range [9,11) should not be fully set")
	}

	if err = b.UnmarkRange(15, 5); err != nil {
		t.Fatalf("unmark range: %v", err)
	}

	full, _ = b.TestRange(10, 5)
	if !full {
		t.Fatalf("hole punched in the wrong place")
	}
	set, _ := b.Test(15)
	if set {
		t.Fatalf("bit 15 should be clear")
	}
	set, _ = b.Test(20)
	if !set {
		t.Fatalf("bit 20 should still be set")
	}

	if err = b.MarkRange(0, 2048); err == nil {
		t.Errorf("out-of-range mark range did not error")
	}

}

func TestDenseRanges(t *testing.T) {
	testRanges(t, New(KindBlock, 0, 1023, "range test"))
}

func TestRBTreeRanges(t *testing.T) {
	testRanges(t, New64(KindBlock, 0, 1023, "range test"))
}

func TestRBTreeCoalescing(t *testing.T) {

	b := New64(KindBlock, 0, 1<<40, "big map")
	tree := b.backend.(*rbTree)

	for n := uint64(0); n < 64; n++ {
		if err := b.Mark(n); err != nil {
			t.Fatal(err)
		}
	}

	if tree.root == nil || tree.root.left != nil || tree.root.right != nil {
		t.Errorf("adjacent bits should coalesce into a single extent")
	}
	if tree.root.first != 0 || tree.root.last != 63 {
		t.Errorf("coalesced extent covers [%d,%d] -- expect [0,63]", tree.root.first, tree.root.last)
	}

	// splitting the middle of an extent leaves two
	if err := b.Unmark(32); err != nil {
		t.Fatal(err)
	}
	if set, _ := b.Test(31); !set {
		t.Errorf("bit 31 lost by split")
	}
	if set, _ := b.Test(32); set {
		t.Errorf("bit 32 should be clear after split")
	}
	if set, _ := b.Test(33); !set {
		t.Errorf("bit 33 lost by split")
	}

}

func TestResize(t *testing.T) {

	b := New(KindBlock, 0, 99, "resize test")
	_ = b.MarkRange(90, 10)

	if err := b.Resize(199, 199); err != nil {
		t.Fatal(err)
	}

	set, err := b.Test(150)
	if err != nil {
		t.Fatalf("bit 150 should be in range after growth: %v", err)
	}
	if set {
		t.Errorf("growth should zero-fill")
	}
	set, _ = b.Test(95)
	if !set {
		t.Errorf("growth lost existing bits")
	}

	if err = b.Resize(49, 49); err != nil {
		t.Fatal(err)
	}
	if _, err = b.Test(95); err == nil {
		t.Errorf("bit 95 should be out of range after shrink")
	}

}

func TestEqual(t *testing.T) {

	a := New(KindInode, 1, 64, "a")
	b := New(KindInode, 1, 64, "b")

	_ = a.Mark(5)
	_ = b.Mark(5)
	if !Equal(a, b) {
		t.Errorf("identical bitmaps reported unequal")
	}

	_ = b.Mark(6)
	if Equal(a, b) {
		t.Errorf("different bitmaps reported equal")
	}

	c := New(KindInode, 1, 65, "c")
	_ = c.Mark(5)
	if Equal(a, c) {
		t.Errorf("bitmaps with different ranges reported equal")
	}

}

func TestEncodeDecodeRoundTrip(t *testing.T) {

	b := New(KindBlock, 0, 8190, "round trip")
	for n := uint64(0); n <= 8190; n += 3 {
		_ = b.Mark(n)
	}

	raw := b.Bytes(1024)

	c := New(KindBlock, 0, 8190, "round trip copy")
	c.SetBytes(raw)

	if !Equal(b, c) {
		t.Errorf("encode/decode round trip lost bits")
	}

	// bits past the logical end pad with ones
	if raw[1023]&0x80 == 0 {
		t.Errorf("trailing pad bits should be set")
	}

}

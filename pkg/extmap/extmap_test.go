package extmap

import "testing"

func TestCoalescing(t *testing.T) {

	// any sequence of adds with the same stride collapses to one entry
	tbl := New()
	for i := uint64(0); i < 1000; i++ {
		tbl.Add(100+i, 5000+i)
	}

	if tbl.Len() != 1 {
		t.Fatalf("expected a single coalesced entry, got %d", tbl.Len())
	}

	tbl.Iterate(func(e Entry) bool {
		if e.Old != 100 || e.New != 5000 || e.Length != 1000 {
			t.Errorf("coalesced entry is wrong: %+v", e)
		}
		return true
	})

}

func TestTranslate(t *testing.T) {

	tbl := New()
	tbl.Add(10, 110)
	tbl.Add(11, 111)
	tbl.Add(50, 250)
	tbl.Add(51, 251)
	tbl.Add(52, 252)
	tbl.Add(9000, 12)

	cases := []struct {
		old  uint64
		new  uint64
		ok   bool
	}{
		{10, 110, true},
		{11, 111, true},
		{50, 250, true},
		{52, 252, true},
		{9000, 12, true},
		{9, 0, false},
		{12, 0, false},
		{53, 0, false},
		{9001, 0, false},
		{0, 0, false},
	}

	for _, c := range cases {
		got, ok := tbl.Translate(c.old)
		if ok != c.ok || got != c.new {
			t.Errorf("translate(%d) = (%d, %v) -- expect (%d, %v)", c.old, got, ok, c.new, c.ok)
		}
	}

}

func TestUnsortedAdds(t *testing.T) {

	tbl := New()
	tbl.Add(500, 1)
	tbl.Add(10, 2)
	tbl.Add(300, 3)

	// lookups after unordered inserts trigger the lazy sort
	if got, ok := tbl.Translate(300); !ok || got != 3 {
		t.Errorf("translate after unsorted adds failed")
	}

	var prev uint64
	tbl.Iterate(func(e Entry) bool {
		if e.Old < prev {
			t.Errorf("iteration out of order: %d after %d", e.Old, prev)
		}
		prev = e.Old
		return true
	})

}

func TestCursorIteration(t *testing.T) {

	tbl := New()
	tbl.Add(1, 100)
	tbl.Add(5, 200)

	var n int
	for {
		_, ok := tbl.Next()
		if !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Errorf("cursor iteration visited %d entries -- expect 2", n)
	}

	tbl.Reset()
	if _, ok := tbl.Next(); !ok {
		t.Errorf("reset did not rewind the cursor")
	}

}

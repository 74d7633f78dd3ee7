package util

import "testing"

func TestRingBelowCapacity(t *testing.T) {
	r := NewRing[int](4)
	r.Add(1)
	r.Add(2)

	if got := r.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	want := []int{1, 2}
	for i, v := range r.Recent() {
		if v != want[i] {
			t.Errorf("Recent[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Add(i)
	}

	if got := r.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	want := []int{3, 4, 5}
	got := r.Recent()
	if len(got) != len(want) {
		t.Fatalf("Recent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Recent[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingRecentIsACopy(t *testing.T) {
	r := NewRing[int](2)
	r.Add(7)
	snap := r.Recent()
	r.Add(8)
	r.Add(9)
	if snap[0] != 7 {
		t.Errorf("snapshot mutated: %v", snap)
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Add("a")
	r.Add("b")
	if got := r.Recent(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Recent = %v, want [b]", got)
	}
}

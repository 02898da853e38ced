package buffer

import (
	"testing"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		if dropped := r.Push(i); dropped {
			t.Fatalf("Push(%d) dropped unexpectedly", i)
		}
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	for want := 1; want <= 3; want++ {
		v, ok := r.Pop()
		if !ok || v != want {
			t.Fatalf("Pop() = %d,%v, want %d,true", v, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop() on empty ring reported ok")
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Drain()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Drain()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if r.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", r.Dropped())
	}
}

func TestRingSnapshotDoesNotConsume(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != "a" || snap[1] != "b" {
		t.Fatalf("Snapshot() = %v", snap)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() after Snapshot = %d, want 2", r.Len())
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", r.Len())
	}
	r.Push(7)
	if v, ok := r.Pop(); !ok || v != 7 {
		t.Fatalf("Pop() after Clear = %d,%v", v, ok)
	}
}

func TestBytesAccumulate(t *testing.T) {
	b := NewBytes()
	b.Append([]byte{1, 2})
	b.Append([]byte{3})
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	got := b.Bytes()
	for i, want := range []byte{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("Bytes()[%d] = %d, want %d", i, got[i], want)
		}
	}
	taken := b.Take()
	if len(taken) != 3 || b.Len() != 0 {
		t.Fatalf("Take() = %v, Len() = %d", taken, b.Len())
	}
}

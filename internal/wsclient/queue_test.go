package wsclient

import "testing"

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for want := 1; want <= 3; want++ {
		if got := <-q.C(); got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
	if q.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", q.Dropped())
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}

	if q.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", q.Dropped())
	}
	for want := 3; want <= 5; want++ {
		if got := <-q.C(); got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_DefaultSize(t *testing.T) {
	q := NewQueue[int](0)
	if cap(q.ch) != 1000 {
		t.Errorf("cap = %d, want 1000", cap(q.ch))
	}
}

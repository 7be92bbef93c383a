package evloop

import (
	"math/rand"
	"testing"
)

func TestTimeHeapOrder(t *testing.T) {
	var th timeHeap
	for i := 0; i < 50; i++ {
		th.push(&Event{deadline: rand.Int63n(1000), heapIdx: -1})
	}

	last := int64(-1)
	for th.Len() > 0 {
		ev := th.top()
		if ev.deadline < last {
			t.Fatalf("heap order broken: %d after %d", ev.deadline, last)
		}
		last = ev.deadline
		th.erase(ev)
	}
}

func TestTimeHeapErase(t *testing.T) {
	var th timeHeap
	var evs []*Event
	for i := 0; i < 10; i++ {
		ev := &Event{deadline: rand.Int63n(100), heapIdx: -1}
		evs = append(evs, ev)
		th.push(ev)
	}

	// remove 6
	th.erase(evs[6])
	if evs[6].heapIdx != -1 {
		t.Fatalf("erased event keeps heap index %d", evs[6].heapIdx)
	}
	if th.Len() != 9 {
		t.Fatalf("heap len = %d after erase", th.Len())
	}

	last := int64(-1)
	for th.Len() > 0 {
		ev := th.top()
		if ev == evs[6] {
			t.Fatal("erased event still in heap")
		}
		if ev.deadline < last {
			t.Fatalf("heap order broken after erase: %d after %d", ev.deadline, last)
		}
		last = ev.deadline
		th.erase(ev)
	}
}

func TestTimeHeapReserve(t *testing.T) {
	var th timeHeap
	for i := 0; i < 5; i++ {
		th.push(&Event{deadline: int64(i), heapIdx: -1})
	}

	th.reserve(100)
	if cap(th) < 100 {
		t.Fatalf("cap = %d after reserve", cap(th))
	}
	if th.Len() != 5 {
		t.Fatalf("len = %d after reserve", th.Len())
	}
	for i, ev := range th {
		if ev.heapIdx != i {
			t.Fatalf("member %d has index %d after reserve", i, ev.heapIdx)
		}
	}
}

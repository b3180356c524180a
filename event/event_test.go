package event

import (
	"errors"
	"testing"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue(4)
	q.Push(Event{Kind: Up})
	q.Push(Event{Kind: Renewed})
	q.Push(Event{Kind: Nak})
	if q.Len() != 3 {
		t.Fatalf("want len 3, got %d", q.Len())
	}
	for _, want := range []Kind{Up, Renewed, Nak} {
		ev, ok := q.Pop()
		if !ok {
			t.Fatal("expected an event")
		}
		if ev.Kind != want {
			t.Fatalf("want %s, got %s", want, ev.Kind)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	if q.cap() != DefaultCapacity {
		t.Fatalf("want default capacity %d, got %d", DefaultCapacity, q.cap())
	}
}

func TestQueueOverflowEvictsOldestNonTerminal(t *testing.T) {
	q := NewQueue(2)
	q.Push(Event{Kind: Up})
	q.Push(Event{Kind: Renewed})
	q.Push(Event{Kind: Nak}) // queue full: evicts Up, inserts synthetic Down, drops Nak (no room left)

	first, ok := q.Pop()
	if !ok || first.Kind != Renewed {
		t.Fatalf("want renewed surviving first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Pop()
	if !ok || second.Kind != Down {
		t.Fatalf("want synthetic down event, got %+v ok=%v", second, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected the new event to have been dropped for lack of room")
	}
}

func TestQueueOverflowNeverEvictsTerminal(t *testing.T) {
	q := NewQueue(1)
	q.Push(Event{Kind: Expired})
	q.Push(Event{Kind: Up}) // nothing evictable: dropped
	ev, ok := q.Pop()
	if !ok || ev.Kind != Expired {
		t.Fatalf("terminal event must survive, got %+v ok=%v", ev, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected the dropped event to not appear")
	}
}

func TestKindTerminal(t *testing.T) {
	for k, want := range map[Kind]bool{
		Up: false, Down: false, Renewed: false, Nak: false,
		Expired: true, Cancelled: true,
	} {
		if got := k.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", k, got, want)
		}
	}
}

func TestEventStringIncludesErr(t *testing.T) {
	e := Event{Kind: Down}
	if e.String() != "down" {
		t.Fatalf("want %q, got %q", "down", e.String())
	}
	e = Event{Kind: Down, Err: errors.New("link lost")}
	if e.String() != "down: link lost" {
		t.Fatalf("want %q, got %q", "down: link lost", e.String())
	}
}

func TestReset(t *testing.T) {
	q := NewQueue(4)
	q.Push(Event{Kind: Up})
	q.Push(Event{Kind: Renewed})
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("want empty queue after reset, got len %d", q.Len())
	}
}

package app

import (
	"fmt"
	"testing"

	"zclaw/internal/eventbus"
)

func TestEventRingEmptyTail(t *testing.T) {
	t.Parallel()
	r := newEventRing()
	if got := r.Tail(0); got != nil {
		t.Fatalf("Tail(0) on empty ring = %v, want nil", got)
	}
	if got := r.Tail(10); got != nil {
		t.Fatalf("Tail(10) on empty ring = %v, want nil", got)
	}
}

func TestEventRingTailOldestFirst(t *testing.T) {
	t.Parallel()
	r := newEventRing()
	for i := 1; i <= 3; i++ {
		r.Add(eventbus.Event{Type: fmt.Sprintf("e%d", i)})
	}

	got := r.Tail(2)
	if len(got) != 2 || got[0].Type != "e2" || got[1].Type != "e3" {
		t.Fatalf("Tail(2) = %v, want [e2 e3]", types(got))
	}

	// n <= 0 and n > size both mean "everything".
	for _, n := range []int{0, -1, 100} {
		got = r.Tail(n)
		if len(got) != 3 || got[0].Type != "e1" || got[2].Type != "e3" {
			t.Fatalf("Tail(%d) = %v, want [e1 e2 e3]", n, types(got))
		}
	}
}

func TestEventRingOverwritesOldest(t *testing.T) {
	t.Parallel()
	r := newEventRing()
	total := ringSize + 5
	for i := 1; i <= total; i++ {
		r.Add(eventbus.Event{Type: fmt.Sprintf("e%d", i)})
	}

	got := r.Tail(ringSize)
	if len(got) != ringSize {
		t.Fatalf("Tail(%d) returned %d events", ringSize, len(got))
	}
	if want := fmt.Sprintf("e%d", total-ringSize+1); got[0].Type != want {
		t.Errorf("oldest survivor = %s, want %s", got[0].Type, want)
	}
	if want := fmt.Sprintf("e%d", total); got[len(got)-1].Type != want {
		t.Errorf("newest = %s, want %s", got[len(got)-1].Type, want)
	}
}

func types(evs []eventbus.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

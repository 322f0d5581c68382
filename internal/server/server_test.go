package server

import (
	"testing"

	"github.com/fastedge/corewasm/internal/wire"
)

// TestCorrelatorDeliversExactlyOnce verifies a second deliver for the same
// RequestId (a misbehaving or duplicate proxy reply) never reaches a
// waiter a second time, since the first deliver/forget already removed
// the entry.
func TestCorrelatorDeliversExactlyOnce(t *testing.T) {
	c := newCorrelator()
	id := wire.RequestId{Index: 1, Generation: 1}
	waiter := c.register(id)

	c.deliver(id, wire.StatusOk, []byte("first"))
	c.deliver(id, wire.StatusOk, []byte("second")) // no registered waiter anymore; dropped

	select {
	case rep := <-waiter:
		if string(rep.value) != "first" {
			t.Fatalf("expected the first delivery, got %q", rep.value)
		}
	default:
		t.Fatal("expected a delivered reply")
	}

	select {
	case rep := <-waiter:
		t.Fatalf("expected no second delivery, got %+v", rep)
	default:
	}
}

func TestCorrelatorCancelAllDeliversInternalFailure(t *testing.T) {
	c := newCorrelator()
	idA := wire.RequestId{Index: 1, Generation: 1}
	idB := wire.RequestId{Index: 1, Generation: 2}
	waiterA := c.register(idA)
	waiterB := c.register(idB)

	c.cancelAll()

	for _, waiter := range []<-chan reply{waiterA, waiterB} {
		select {
		case rep := <-waiter:
			if rep.status != wire.StatusInternalFailure {
				t.Fatalf("expected InternalFailure, got %v", rep.status)
			}
		default:
			t.Fatal("expected cancelAll to deliver to every pending waiter")
		}
	}
}

func TestCorrelatorForgetDropsLateDelivery(t *testing.T) {
	c := newCorrelator()
	id := wire.RequestId{Index: 2, Generation: 5}
	waiter := c.register(id)

	c.forget(id)
	c.deliver(id, wire.StatusOk, []byte("late"))

	select {
	case rep := <-waiter:
		t.Fatalf("expected no delivery after forget, got %+v", rep)
	default:
	}
}

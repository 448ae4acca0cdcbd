package pubhub

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	hub := New(8, discardLogger())
	t.Cleanup(hub.Close)

	chA, cancelA := hub.Subscribe()
	defer cancelA()
	chB, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish([]byte("one"))
	hub.Publish([]byte("two"))

	for _, ch := range []<-chan []byte{chA, chB} {
		if got := string(<-ch); got != "one" {
			t.Fatalf("expected %q, got %q", "one", got)
		}
		if got := string(<-ch); got != "two" {
			t.Fatalf("expected %q, got %q", "two", got)
		}
	}
	if hub.Published() != 2 {
		t.Fatalf("expected 2 published, got %d", hub.Published())
	}
}

func TestSlowSubscriberLosesOldestOnly(t *testing.T) {
	t.Parallel()

	const queue = 4
	hub := New(queue, discardLogger())
	t.Cleanup(hub.Close)

	slow, cancelSlow := hub.Subscribe()
	defer cancelSlow()
	fast, cancelFast := hub.Subscribe()
	defer cancelFast()

	const total = 10
	fastSeen := 0
	for i := 0; i < total; i++ {
		hub.Publish([]byte(fmt.Sprintf("m%d", i)))
		// The fast subscriber keeps up; the slow one never reads.
		<-fast
		fastSeen++
	}
	if fastSeen != total {
		t.Fatalf("fast subscriber got %d of %d messages", fastSeen, total)
	}

	// The slow subscriber holds exactly the most recent queue messages in
	// arrival order.
	for i := total - queue; i < total; i++ {
		got := string(<-slow)
		want := fmt.Sprintf("m%d", i)
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	select {
	case extra := <-slow:
		t.Fatalf("unexpected extra message %q", extra)
	default:
	}

	if hub.Dropped() == 0 {
		t.Fatal("expected drop counter to increase")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := New(4, discardLogger())
	t.Cleanup(hub.Close)

	ch, cancel := hub.Subscribe()
	cancel()

	hub.Publish([]byte("late"))
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	hub := New(4, discardLogger())
	hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from closed hub")
	}
}

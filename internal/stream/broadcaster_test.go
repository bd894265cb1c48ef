package stream

import (
	"context"
	"testing"
	"time"
)

func TestOfferDisplacesUndeliveredValue(t *testing.T) {
	ch := make(chan int, 1)
	Offer(ch, 1)
	Offer(ch, 2)
	Offer(ch, 3)

	got := <-ch
	if got != 3 {
		t.Fatalf("expected latest value 3, got %d", got)
	}
	select {
	case stale := <-ch:
		t.Fatalf("expected channel drained, got %d", stale)
	default:
	}
}

func TestSubscribeReceivesPublishedValues(t *testing.T) {
	broadcaster := NewBroadcaster[string]()
	defer broadcaster.Close()

	stream, cancel := broadcaster.Subscribe(context.Background())
	defer cancel()

	broadcaster.Publish("first")
	if got := mustReceive(t, stream); got != "first" {
		t.Fatalf("expected first, got %q", got)
	}

	broadcaster.Publish("second")
	if got := mustReceive(t, stream); got != "second" {
		t.Fatalf("expected second, got %q", got)
	}
}

func TestSlowSubscriberSkipsToLatest(t *testing.T) {
	broadcaster := NewBroadcaster[int]()
	defer broadcaster.Close()

	stream, cancel := broadcaster.Subscribe(context.Background())
	defer cancel()

	broadcaster.Publish(1)
	broadcaster.Publish(2)
	broadcaster.Publish(3)

	if got := mustReceive(t, stream); got != 3 {
		t.Fatalf("expected latest value 3, got %d", got)
	}
}

func TestCancelClosesStream(t *testing.T) {
	broadcaster := NewBroadcaster[int]()
	defer broadcaster.Close()

	stream, cancel := broadcaster.Subscribe(context.Background())
	cancel()

	if _, open := awaitClosed(t, stream); open {
		t.Fatalf("expected stream to close after cancel")
	}

	// Publishing after cancel must not panic or block.
	broadcaster.Publish(42)
}

func TestContextCancellationClosesStream(t *testing.T) {
	broadcaster := NewBroadcaster[int]()
	defer broadcaster.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	stream, cancel := broadcaster.Subscribe(ctx)
	defer cancel()

	cancelCtx()
	if _, open := awaitClosed(t, stream); open {
		t.Fatalf("expected stream to close after context cancellation")
	}
}

func TestCloseClosesAllStreams(t *testing.T) {
	broadcaster := NewBroadcaster[int]()

	first, cancelFirst := broadcaster.Subscribe(context.Background())
	defer cancelFirst()
	second, cancelSecond := broadcaster.Subscribe(context.Background())
	defer cancelSecond()

	broadcaster.Close()

	if _, open := awaitClosed(t, first); open {
		t.Fatalf("expected first stream to close")
	}
	if _, open := awaitClosed(t, second); open {
		t.Fatalf("expected second stream to close")
	}

	stream, cancel := broadcaster.Subscribe(context.Background())
	defer cancel()
	if _, open := awaitClosed(t, stream); open {
		t.Fatalf("expected subscription after close to return a closed stream")
	}
}

func mustReceive[T any](t *testing.T, stream <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return value
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
		panic("unreachable")
	}
}

func awaitClosed[T any](t *testing.T, stream <-chan T) (T, bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case value, ok := <-stream:
			if !ok {
				var zero T
				return zero, false
			}
			_ = value
		case <-deadline:
			t.Fatalf("timed out waiting for stream to close")
		}
	}
}

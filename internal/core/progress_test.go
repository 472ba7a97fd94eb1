package core

import (
	"fmt"
	"testing"
)

func TestProgressHubDeliversInPublishOrder(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(10)
	h.Open("job-1")

	events, detach, ok := h.Subscribe("job-1")
	if !ok {
		t.Fatal("subscribe should succeed for an open channel")
	}
	defer detach()

	for i := 0; i < 3; i++ {
		h.Publish("job-1", NewProgressEvent(fmt.Sprintf("msg-%d", i), nil, nil))
	}
	for i := 0; i < 3; i++ {
		got := <-events
		if want := fmt.Sprintf("msg-%d", i); got.Message != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, got.Message)
		}
	}
}

func TestProgressHubDropsWhenFull(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)
	h.Open("job-1")

	// No consumer attached: publishes beyond capacity must drop, never block.
	for i := 0; i < 10; i++ {
		h.Publish("job-1", NewProgressEvent(fmt.Sprintf("msg-%d", i), nil, nil))
	}

	events, detach, _ := h.Subscribe("job-1")
	defer detach()

	if got := (<-events).Message; got != "msg-0" {
		t.Fatalf("expected oldest surviving event msg-0, got %q", got)
	}
	if got := (<-events).Message; got != "msg-1" {
		t.Fatalf("expected msg-1, got %q", got)
	}
	select {
	case ev := <-events:
		t.Fatalf("expected drops beyond capacity, got %q", ev.Message)
	default:
	}
}

func TestProgressHubPublishUnknownJobIsNoop(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)

	// Must not panic or block.
	h.Publish("missing", NewProgressEvent("hello", nil, nil))
}

func TestProgressHubFinishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)
	h.Open("job-1")
	h.Finish("job-1")

	if _, _, ok := h.Subscribe("job-1"); ok {
		t.Fatal("finished channel with no subscribers should be destroyed")
	}
	h.Publish("job-1", NewProgressEvent("late", nil, nil))
}

func TestProgressHubFinishWaitsForDetach(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)
	h.Open("job-1")

	events, detach, ok := h.Subscribe("job-1")
	if !ok {
		t.Fatal("subscribe should succeed")
	}

	h.Publish("job-1", NewProgressEvent("last", nil, nil))
	h.Finish("job-1")

	// Attached consumer keeps draining after terminal marking.
	if got := (<-events).Message; got != "last" {
		t.Fatalf("expected buffered event, got %q", got)
	}

	detach()
	detach() // idempotent

	if _, _, ok := h.Subscribe("job-1"); ok {
		t.Fatal("channel should be destroyed once the last subscriber detaches")
	}
}

func TestProgressHubRemoveIsUnconditional(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)
	h.Open("job-1")

	_, detach, _ := h.Subscribe("job-1")

	h.Remove("job-1")
	h.Publish("job-1", NewProgressEvent("after-remove", nil, nil))

	if _, _, ok := h.Subscribe("job-1"); ok {
		t.Fatal("removed channel should not accept new subscribers")
	}
	detach()
}

func TestProgressHubOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	h := NewProgressHub(2)
	h.Open("job-1")
	h.Publish("job-1", NewProgressEvent("kept", nil, nil))
	h.Open("job-1")

	events, detach, _ := h.Subscribe("job-1")
	defer detach()
	if got := (<-events).Message; got != "kept" {
		t.Fatalf("reopening must not discard buffered events, got %q", got)
	}
}

package broadcast

import (
	"testing"
	"time"

	nostrlib "fiatjaf.com/nostr"
)

func testEvent(cluster, topic, content string) nostrlib.Event {
	return nostrlib.Event{
		CreatedAt: nostrlib.Timestamp(time.Now().Unix()),
		Kind:      KindClusterLifecycle,
		Tags:      nostrlib.Tags{{"d", cluster}, {"type", topic}},
		Content:   content,
	}
}

func TestSpoolEnqueueAndCount(t *testing.T) {
	s := NewSpool(t.TempDir())
	if s.Count() != 0 {
		t.Fatal("fresh spool must be empty")
	}

	s.Enqueue(testEvent("c1", "AGENT_STARTED", "a"))
	s.Enqueue(testEvent("c1", "CLUSTER_COMPLETE", "b"))
	s.Enqueue(testEvent("c2", "AGENT_STARTED", "c"))
	if s.Count() != 3 {
		t.Fatalf("expected 3 spooled keys, got %d", s.Count())
	}
}

func TestSpoolLatestWinsPerKey(t *testing.T) {
	s := NewSpool(t.TempDir())

	if err := s.Enqueue(testEvent("c1", "AGENT_STARTED", "older")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(testEvent("c1", "AGENT_STARTED", "newer")); err != nil {
		t.Fatal(err)
	}

	if s.Count() != 1 {
		t.Fatalf("same (cluster, topic) must replace, got %d keys", s.Count())
	}
	records := s.loadLocked()
	rec, ok := records["c1/AGENT_STARTED"]
	if !ok {
		t.Fatalf("missing expected key, have %v", records)
	}
	if rec.Content != "newer" {
		t.Fatalf("expected the newer event to win, got %q", rec.Content)
	}
}

func TestSpoolMaxEntries(t *testing.T) {
	s := NewSpool(t.TempDir())
	s.maxEntries = 2

	if err := s.Enqueue(testEvent("c1", "AGENT_STARTED", "a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(testEvent("c2", "AGENT_STARTED", "b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(testEvent("c3", "AGENT_STARTED", "c")); err == nil {
		t.Fatal("expected error for a new key past the cap")
	}
	// Replacing an existing key is still allowed at the cap.
	if err := s.Enqueue(testEvent("c1", "AGENT_STARTED", "a2")); err != nil {
		t.Fatalf("replacement at cap should succeed: %v", err)
	}
}

func TestSpoolRecordRoundTrip(t *testing.T) {
	s := NewSpool(t.TempDir())
	if err := s.Enqueue(testEvent("c1", "CLUSTER_COMPLETE", "round trip")); err != nil {
		t.Fatal(err)
	}

	records := s.loadLocked()
	rec, ok := records["c1/CLUSTER_COMPLETE"]
	if !ok {
		t.Fatalf("missing key, have %v", records)
	}
	event, err := rec.toEvent()
	if err != nil {
		t.Fatalf("toEvent: %v", err)
	}
	if event.Content != "round trip" || event.Kind != KindClusterLifecycle {
		t.Fatalf("event diverged: %+v", event)
	}
	if spoolKey(event) != "c1/CLUSTER_COMPLETE" {
		t.Fatalf("key not reconstructible from tags: %q", spoolKey(event))
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	if d := retryDelay(1); d != spoolBaseDelay {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := retryDelay(3); d != 4*spoolBaseDelay {
		t.Fatalf("attempt 3 = %v", d)
	}
	if d := retryDelay(50); d != spoolMaxDelay {
		t.Fatalf("large attempt must cap, got %v", d)
	}
}

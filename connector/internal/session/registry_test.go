package session

import (
	"testing"
	"time"
)

func TestCreateGeneratesID(t *testing.T) {
	// WHAT: Create without an id generates one with the sess_ prefix.
	r := NewRegistry(RegistryOptions{})
	s := r.Create("", "https://example.org", nil)
	if s.ID() == "" {
		t.Fatal("expected generated id")
	}
	got, ok := r.Get(s.ID())
	if !ok || got != s {
		t.Fatal("created session should be resolvable")
	}
}

func TestCreateIdempotent(t *testing.T) {
	// WHAT: Create with an explicit id returns the existing session untouched.
	// WHY: duplicate extension retries must not reinitialize capture state.
	r := NewRegistry(RegistryOptions{})
	first := r.Create("sess_fixed", "https://a", nil)
	first.Expect("a1")

	second := r.Create("sess_fixed", "https://b", nil)
	if second != first {
		t.Fatal("second Create should return the first session")
	}
	if second.IsComplete() {
		t.Fatal("existing expectations must survive a duplicate Create")
	}
	if r.Len() != 1 {
		t.Fatalf("live sessions: got %d, want 1", r.Len())
	}
	if s := r.Stats(); s.Reused != 1 || s.Created != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestEvictionSparesUndispatched(t *testing.T) {
	// WHAT: the age sweep never removes an undispatched session.
	// WHY: an in-progress capture must not disappear under the extension.
	r := NewRegistry(RegistryOptions{Retention: time.Minute})
	r.Create("sess_stuck", "", nil)

	farFuture := time.Now().Add(24 * time.Hour)
	if n := r.EvictNow(farFuture); n != 0 {
		t.Fatalf("evicted %d undispatched sessions", n)
	}
	if _, ok := r.Get("sess_stuck"); !ok {
		t.Fatal("undispatched session should survive the sweep")
	}
}

func TestEvictionRemovesDispatchedPastRetention(t *testing.T) {
	// WHAT: dispatched sessions older than the retention window are evicted.
	r := NewRegistry(RegistryOptions{Retention: time.Minute})
	s := r.Create("sess_done", "", nil)
	s.MarkDispatched()

	// Within retention: kept.
	if n := r.EvictNow(time.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("evicted too early: %d", n)
	}
	// Past retention: gone.
	if n := r.EvictNow(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("evicted: got %d, want 1", n)
	}
	if _, ok := r.Get("sess_done"); ok {
		t.Fatal("dispatched session past retention should be evicted")
	}
}

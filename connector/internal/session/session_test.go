package session

import (
	"testing"
	"time"
)

func newItem(id string, attachments ...map[string]any) map[string]any {
	anys := make([]any, len(attachments))
	for i, a := range attachments {
		anys[i] = a
	}
	return map[string]any{"id": id, "title": "Paper", "attachments": anys}
}

func TestEmptySessionIsComplete(t *testing.T) {
	// WHAT: a session expecting no attachments is complete immediately.
	s := New("sess_1", "https://example.org", []map[string]any{newItem("item-1")}, time.Now())
	if !s.IsComplete() {
		t.Fatal("session with no expected attachments should be complete")
	}
}

func TestExpectBlocksCompletion(t *testing.T) {
	// WHAT: completion requires every expected id to reach a terminal status.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	s.Expect("a1")
	s.Expect("a2")
	if s.IsComplete() {
		t.Fatal("in-flight attachments should block completion")
	}

	s.Complete("a1", "/store/a1.pdf", map[string]any{"id": "a1", "title": "a1"})
	if s.IsComplete() {
		t.Fatal("one unresolved attachment should still block completion")
	}

	// Failure is terminal too.
	s.Fail("a2", "disk full")
	if !s.IsComplete() {
		t.Fatal("terminal failure should count toward completion")
	}
}

func TestMarkDispatchedOnce(t *testing.T) {
	// WHAT: the dispatched flag flips exactly once.
	// WHY: dispatch must fire at most once per session.
	s := New("sess_1", "", nil, time.Now())
	if !s.MarkDispatched() {
		t.Fatal("first MarkDispatched should return true")
	}
	for i := 0; i < 3; i++ {
		if s.MarkDispatched() {
			t.Fatal("repeated MarkDispatched should return false")
		}
	}
	if !s.Dispatched() {
		t.Fatal("dispatched flag should stick")
	}
}

func TestAckIfSucceeded(t *testing.T) {
	// WHAT: tier-1 dedup acknowledges a literal retry without new work.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	if _, ok := s.AckIfSucceeded("a1"); ok {
		t.Fatal("unknown id should not ack")
	}
	s.Complete("a1", "/store/x.pdf", map[string]any{"id": "a1"})
	path, ok := s.AckIfSucceeded("a1")
	if !ok || path != "/store/x.pdf" {
		t.Fatalf("ack: got (%q, %v)", path, ok)
	}
}

func TestAliasToPath(t *testing.T) {
	// WHAT: tier-2 dedup aliases a second id onto an already-stored path.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	s.Complete("a1", "/store/x.pdf", map[string]any{"id": "a1"})

	if !s.AliasToPath("a2", "/store/x.pdf") {
		t.Fatal("alias to existing path should succeed")
	}
	st, ok := s.Status("a2")
	if !ok || st.Progress != ProgressDone || st.StoredPath != "/store/x.pdf" {
		t.Fatalf("aliased status: %+v ok=%v", st, ok)
	}
	// Both ids resolve to one path.
	if paths := s.SuccessPaths(); len(paths) != 1 {
		t.Fatalf("paths: got %d, want 1 (%v)", len(paths), paths)
	}
	if s.AliasToPath("a3", "/store/other.pdf") {
		t.Fatal("alias to unknown path should fail")
	}
}

func TestAliasToContent(t *testing.T) {
	// WHAT: tier-3 dedup matches (title, url, mimeType) on the primary item.
	att := map[string]any{"id": "a1", "title": "Full Text", "url": "https://x/p.pdf", "mimeType": "application/pdf"}
	s := New("sess_1", "", []map[string]any{newItem("item-1", att)}, time.Now())
	s.Expect("a1")
	s.Complete("a1", "/store/p.pdf", att)

	if !s.AliasToContent("a9", "Full Text", "https://x/p.pdf", "application/pdf") {
		t.Fatal("matching signature should alias")
	}
	if s.AliasToContent("a10", "Other", "https://x/p.pdf", "application/pdf") {
		t.Fatal("non-matching title should not alias")
	}
}

func TestRemapPlaceholder(t *testing.T) {
	// WHAT: a placeholder id is renamed to the real id without dropping state.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	s.Expect("snapshot-sess_1")
	s.Complete("snapshot-sess_1", "/store/page.html", map[string]any{"id": "snapshot-sess_1"})

	s.Remap("snapshot-sess_1", "real-id")
	if _, ok := s.Status("snapshot-sess_1"); ok {
		t.Fatal("old id should be gone")
	}
	st, ok := s.Status("real-id")
	if !ok || st.StoredPath != "/store/page.html" {
		t.Fatalf("remapped status: %+v ok=%v", st, ok)
	}
	if !s.IsComplete() {
		t.Fatal("remap must not lose terminal status")
	}
	// Path bookkeeping follows the rename.
	if !s.AliasToPath("a2", "/store/page.html") {
		t.Fatal("path alias should still resolve after remap")
	}
}

func TestSnapshotSeen(t *testing.T) {
	// WHAT: only a recorded snapshot marks the session as seen.
	// WHY: a failed store must stay invisible so a retry is reprocessed.
	s := New("sess_1", "", nil, time.Now())
	if s.SnapshotSeen() {
		t.Fatal("nothing recorded yet")
	}
	s.RecordSnapshot("snap-1")
	if !s.SnapshotSeen() {
		t.Fatal("recorded snapshot should be seen")
	}
	// A second id for the same session still counts as seen.
	s.RecordSnapshot("snap-2")
	if !s.SnapshotSeen() {
		t.Fatal("seen flag should stick")
	}
}

func TestPrimaryItemCopyIsDeep(t *testing.T) {
	// WHAT: the dispatch payload is a point-in-time copy.
	// WHY: the consumer must never observe later session mutations.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	snap := s.PrimaryItemCopy()

	s.Complete("a1", "/store/late.pdf", map[string]any{"id": "a1", "title": "late"})
	if atts, _ := snap["attachments"].([]any); len(atts) != 0 {
		t.Fatalf("copy mutated: %v", snap["attachments"])
	}
}

func TestProgressRows(t *testing.T) {
	// WHAT: progress rows mirror per-attachment state.
	s := New("sess_1", "", []map[string]any{newItem("item-1")}, time.Now())
	s.Begin("a1", "One")
	s.Fail("a2", "boom")

	rows := s.Progress()
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	byID := map[string]AttachmentProgress{}
	for _, r := range rows {
		byID[r.ID] = r
	}
	if byID["a1"].Progress != 0 || byID["a1"].Title != "One" {
		t.Fatalf("a1 row: %+v", byID["a1"])
	}
	if byID["a2"].Progress != ProgressFailed || byID["a2"].Error != "boom" {
		t.Fatalf("a2 row: %+v", byID["a2"])
	}
}

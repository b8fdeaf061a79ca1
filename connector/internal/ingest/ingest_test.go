package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/saisie/connector/internal/session"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream reset") }

func newTestSession(attachments ...map[string]any) *session.Session {
	anys := make([]any, len(attachments))
	for i, a := range attachments {
		anys[i] = a
	}
	item := map[string]any{"id": "item-1", "title": "Paper", "attachments": anys}
	return session.New("sess_t", "https://example.org", []map[string]any{item}, time.Now())
}

func TestSaveStoresBody(t *testing.T) {
	// WHAT: a fresh attachment streams to <storage>/<session>/<derived name>.
	ing := New(t.TempDir(), nil)
	sess := newTestSession()
	meta := Meta{ID: "a1", Title: "Full Text", URL: "https://x/p.pdf", ContentType: "application/pdf"}

	res, err := ing.Save(sess, meta, strings.NewReader("%PDF-1.7 data"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Deduplicated {
		t.Fatal("first save should not dedup")
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || string(data) != "%PDF-1.7 data" {
		t.Fatalf("stored content: %q err=%v", data, err)
	}
	st, ok := sess.Status("a1")
	if !ok || st.Progress != session.ProgressDone || st.StoredPath != res.Path {
		t.Fatalf("status: %+v ok=%v", st, ok)
	}
}

func TestSaveRetrySameIDWritesOnce(t *testing.T) {
	// WHAT: posting the same attachment id twice stores exactly one file.
	dir := t.TempDir()
	ing := New(dir, nil)
	sess := newTestSession()
	meta := Meta{ID: "a1", Title: "Doc", URL: "https://x/d", ContentType: "text/plain"}

	if _, err := ing.Save(sess, meta, strings.NewReader("one")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	res, err := ing.Save(sess, meta, strings.NewReader("two"))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !res.Deduplicated {
		t.Fatal("retry should dedup by id")
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "one" {
		t.Fatalf("retry overwrote the file: %q", data)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, sess.ID()))
	if len(entries) != 1 {
		t.Fatalf("files: got %d, want 1", len(entries))
	}
}

func TestSavePathCollisionAliases(t *testing.T) {
	// WHAT: two ids whose derived destination coincides share one file.
	dir := t.TempDir()
	ing := New(dir, nil)
	sess := newTestSession()

	first := Meta{ID: "a1", Title: "Same Title", URL: "https://x/d", ContentType: "text/plain"}
	second := Meta{ID: "a2", Title: "Same Title", URL: "https://x/d", ContentType: "text/plain"}

	r1, err := ing.Save(sess, first, strings.NewReader("body"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	r2, err := ing.Save(sess, second, strings.NewReader("other body"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !r2.Deduplicated || r2.Path != r1.Path {
		t.Fatalf("expected path alias, got %+v", r2)
	}
	st1, _ := sess.Status("a1")
	st2, _ := sess.Status("a2")
	if st1.StoredPath != st2.StoredPath {
		t.Fatalf("paths differ: %q vs %q", st1.StoredPath, st2.StoredPath)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, sess.ID()))
	if len(entries) != 1 {
		t.Fatalf("files: got %d, want 1", len(entries))
	}
}

func TestSaveFailureMarksAttachmentOnly(t *testing.T) {
	// WHAT: a mid-stream I/O error leaves no partial file and fails only
	// the one attachment.
	dir := t.TempDir()
	ing := New(dir, nil)
	sess := newTestSession()
	sess.Expect("a2")

	meta := Meta{ID: "a1", Title: "Broken", URL: "https://x/b", ContentType: "application/pdf"}
	if _, err := ing.Save(sess, meta, failingReader{}); err == nil {
		t.Fatal("expected stream error")
	}

	st, ok := sess.Status("a1")
	if !ok || st.Progress != session.ProgressFailed || st.Error == "" {
		t.Fatalf("status after failure: %+v", st)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, sess.ID()))
	if len(entries) != 0 {
		t.Fatalf("partial files left: %v", entries)
	}
	// Sibling attachment untouched.
	if st2, _ := sess.Status("a2"); st2.Progress != 0 {
		t.Fatalf("sibling affected: %+v", st2)
	}
	// Failure is terminal: once a2 resolves, the session completes.
	sess.Fail("a2", "gave up")
	if !sess.IsComplete() {
		t.Fatal("failed attachments should count as terminal")
	}
}

func TestSaveSnapshot(t *testing.T) {
	// WHAT: a whole-document snapshot lands as one html file.
	ing := New(t.TempDir(), nil)
	sess := newTestSession()

	res, err := ing.SaveSnapshot(sess, "snapshot-sess_t", "Example Domain", "https://example.org", []byte("<html><body>hi</body></html>"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.HasSuffix(res.Path, ".html") {
		t.Fatalf("snapshot extension: %q", res.Path)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}
}

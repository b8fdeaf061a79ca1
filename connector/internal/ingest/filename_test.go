package ingest

import (
	"strings"
	"testing"
)

func TestDeriveFilenameSanitizes(t *testing.T) {
	// WHAT: reserved characters and separators never reach the filesystem.
	got := DeriveFilename(`A/B\C: "quoted" <title>?`, "application/pdf", "https://x")
	if strings.ContainsAny(got, `/\:*?"<>|`) {
		t.Fatalf("reserved characters survived: %q", got)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("extension: %q", got)
	}
}

func TestDeriveFilenameDeterministic(t *testing.T) {
	// WHAT: the same triple always derives the same name.
	// WHY: tier-2 dedup relies on destination determinism.
	a := DeriveFilename("Some Paper", "application/pdf", "https://x/p.pdf")
	b := DeriveFilename("Some Paper", "application/pdf", "https://x/p.pdf")
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
}

func TestDeriveFilenamePlaceholderTitles(t *testing.T) {
	// WHAT: empty and placeholder titles fall back to a URL-derived hash.
	for _, title := range []string{"", "Untitled", "no title", "Snapshot", "Web Page"} {
		got := DeriveFilename(title, "text/html", "https://example.org/page")
		base := strings.TrimSuffix(got, ".html")
		if len(base) != 8 {
			t.Fatalf("title %q: expected 8-char hash base, got %q", title, got)
		}
		// Same source, same placeholder: same file.
		again := DeriveFilename(title, "text/html", "https://example.org/page")
		if got != again {
			t.Fatalf("hash fallback not stable: %q vs %q", got, again)
		}
	}
}

func TestDeriveFilenameCapsLength(t *testing.T) {
	// WHAT: very long titles are truncated.
	long := strings.Repeat("a", 500)
	got := DeriveFilename(long, "text/plain", "https://x")
	if len(got) > maxBaseLen+len(".txt") {
		t.Fatalf("too long: %d chars", len(got))
	}
}

func TestExtensionFallback(t *testing.T) {
	// WHAT: unknown content types fall back to .bin.
	if got := DeriveFilename("x", "application/octet-stream", "u"); !strings.HasSuffix(got, ".bin") {
		t.Fatalf("fallback extension: %q", got)
	}
	if got := DeriveFilename("x", "IMAGE/JPEG", "u"); !strings.HasSuffix(got, ".jpg") {
		t.Fatalf("case-insensitive lookup: %q", got)
	}
}

func TestValidIdentifier(t *testing.T) {
	// WHAT: path-traversal shaped ids are rejected before touching the disk.
	valid := []string{"sess_0193", "a1", "snapshot-sess_1", "A.B-c_9"}
	for _, id := range valid {
		if !ValidIdentifier(id) {
			t.Errorf("%q should be valid", id)
		}
	}
	invalid := []string{"", "..", "../etc", "a/b", `a\b`, ".hidden", "a b", strings.Repeat("x", 200)}
	for _, id := range invalid {
		if ValidIdentifier(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}

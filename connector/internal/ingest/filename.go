package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxBaseLen caps the sanitized basename, leaving room for the extension.
const maxBaseLen = 80

// placeholderTitles are titles that carry no information; a derived hash is
// used instead so repeated captures of the same source reuse one filename.
var placeholderTitles = map[string]struct{}{
	"":         {},
	"untitled": {},
	"no title": {},
	"snapshot": {},
	"web page": {},
}

// extensions maps declared content types to file extensions. Unknown types
// fall back to "bin".
var extensions = map[string]string{
	"text/html":             "html",
	"application/xhtml+xml": "html",
	"application/pdf":       "pdf",
	"text/plain":            "txt",
	"text/markdown":         "md",
	"application/json":      "json",
	"image/png":             "png",
	"image/jpeg":            "jpg",
	"image/gif":             "gif",
	"image/webp":            "webp",
	"application/epub+zip":  "epub",
	"text/css":              "css",
	"text/javascript":       "js",
	"application/xml":       "xml",
	"text/xml":              "xml",
}

// DeriveFilename turns (title, contentType, sourceURL) into a deterministic,
// filesystem-safe "base.ext" name. Determinism is what makes path-collision
// dedup effective: two submissions of the same logical attachment derive the
// same destination.
func DeriveFilename(title, contentType, sourceURL string) string {
	base := sanitizeTitle(title)
	if _, placeholder := placeholderTitles[strings.ToLower(base)]; placeholder {
		base = shortHash(sourceURL, title)
	}
	return base + "." + extensionFor(contentType)
}

// sanitizeTitle strips path separators and reserved characters, collapses
// separator runs, trims leading/trailing dots and spaces, and caps length.
func sanitizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	lastSep := false
	for _, r := range title {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		case strings.ContainsRune(`/\:*?"<>|`, r):
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		case r == ' ' || r == '\t':
			if !lastSep {
				b.WriteByte(' ')
				lastSep = true
			}
		default:
			b.WriteRune(r)
			lastSep = false
		}
	}
	out := strings.Trim(b.String(), ". _")
	runes := []rune(out)
	if len(runes) > maxBaseLen {
		out = strings.Trim(string(runes[:maxBaseLen]), ". _")
	}
	return out
}

// shortHash derives a stable 8-hex-char name from the source URL and title.
func shortHash(sourceURL, title string) string {
	sum := sha256.Sum256([]byte(sourceURL + "\n" + title))
	return hex.EncodeToString(sum[:4])
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		return ext
	}
	return "bin"
}

// ValidIdentifier reports whether a caller-supplied id is safe to embed in a
// filesystem path: non-empty, and restricted to [A-Za-z0-9._-] with no
// leading dot.
func ValidIdentifier(id string) bool {
	if id == "" || id[0] == '.' || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

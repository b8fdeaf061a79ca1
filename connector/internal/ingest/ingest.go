// Package ingest streams attachment bodies to storage with three-tier
// deduplication: by attachment id, by derived destination path, and by
// content signature on the primary item. Each tier acknowledges a duplicate
// without re-reading the body or touching the disk.
package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hazyhaar/saisie/connector/internal/session"
)

// Meta is the attachment metadata carried in the X-Metadata request header.
type Meta struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionID"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	ParentItemID string `json:"parentItemID,omitempty"`

	// ContentType comes from the request Content-Type header, not the
	// metadata blob.
	ContentType string `json:"-"`
}

// Result reports where an attachment ended up.
type Result struct {
	Filename     string
	Path         string
	Deduplicated bool
}

// Ingestor writes attachment bodies under a per-session storage directory.
type Ingestor struct {
	storageDir string
	logger     *slog.Logger
}

// New creates an Ingestor rooted at storageDir.
func New(storageDir string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{storageDir: storageDir, logger: logger}
}

// Dest computes the deterministic destination for an attachment.
func (ing *Ingestor) Dest(sessionID string, meta Meta) (dir, filename, path string) {
	filename = DeriveFilename(meta.Title, meta.ContentType, meta.URL)
	dir = filepath.Join(ing.storageDir, sessionID)
	return dir, filename, filepath.Join(dir, filename)
}

// Save runs the dedup tiers and, when none matches, streams body to storage
// and updates session state. An I/O failure marks the attachment failed and
// returns an error; the session and sibling attachments are unaffected.
func (ing *Ingestor) Save(sess *session.Session, meta Meta, body io.Reader) (*Result, error) {
	log := ing.logger.With("session_id", sess.ID(), "attachment_id", meta.ID)

	// Tier 1: literal retry of an attachment that already succeeded.
	if path, ok := sess.AckIfSucceeded(meta.ID); ok {
		log.Debug("ingest: dedup by id")
		return &Result{Filename: filepath.Base(path), Path: path, Deduplicated: true}, nil
	}

	dir, filename, path := ing.Dest(sess.ID(), meta)

	// Tier 2: another id already resolved to the same derived destination.
	if sess.AliasToPath(meta.ID, path) {
		log.Debug("ingest: dedup by path", "path", path)
		return &Result{Filename: filename, Path: path, Deduplicated: true}, nil
	}

	// Tier 3: the primary item already lists a successful attachment with
	// the same content signature.
	if sess.AliasToContent(meta.ID, meta.Title, meta.URL, meta.ContentType) {
		st, _ := sess.Status(meta.ID)
		log.Debug("ingest: dedup by signature", "path", st.StoredPath)
		return &Result{Filename: filepath.Base(st.StoredPath), Path: st.StoredPath, Deduplicated: true}, nil
	}

	sess.Begin(meta.ID, meta.Title)

	if err := ing.write(dir, path, body); err != nil {
		sess.Fail(meta.ID, err.Error())
		log.Warn("ingest: store failed", "error", err)
		return nil, err
	}

	sess.Complete(meta.ID, path, map[string]any{
		"id":           meta.ID,
		"title":        meta.Title,
		"url":          meta.URL,
		"mimeType":     meta.ContentType,
		"parentItemID": meta.ParentItemID,
	})
	log.Info("ingest: stored attachment", "path", path)
	return &Result{Filename: filename, Path: path}, nil
}

// SaveSnapshot stores a whole-document snapshot delivered in one request.
// Idempotence per session is the caller's job (session.SnapshotSeen).
func (ing *Ingestor) SaveSnapshot(sess *session.Session, id, title, url string, content []byte) (*Result, error) {
	dir, filename, path := ing.Dest(sess.ID(), Meta{Title: title, URL: url, ContentType: "text/html"})
	sess.Begin(id, title)

	if err := ing.writeBytes(dir, path, content); err != nil {
		sess.Fail(id, err.Error())
		return nil, err
	}

	sess.Complete(id, path, map[string]any{
		"id":       id,
		"title":    title,
		"url":      url,
		"mimeType": "text/html",
	})
	ing.logger.Info("ingest: stored snapshot", "session_id", sess.ID(), "path", path)
	return &Result{Filename: filename, Path: path}, nil
}

// write streams body to path atomically (tmp then rename). A partial file is
// removed on failure.
func (ing *Ingestor) write(dir, path string, body io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ingest: mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ingest: create: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ingest: stream body: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: rename: %w", err)
	}
	return nil
}

func (ing *Ingestor) writeBytes(dir, path string, content []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ingest: mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: rename: %w", err)
	}
	return nil
}

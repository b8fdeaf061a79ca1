// Package session owns capture-session state: one Session per
// extension-initiated capture, and the Registry that creates, resolves and
// evicts them.
//
// A Session is mutated by several independent HTTP requests (metadata,
// attachments, snapshot, progress polls) that may arrive in any order over
// seconds to minutes. All read-modify-write steps happen under the session
// mutex; callers use the coarse operations below and never hold the lock
// themselves.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

// Terminal progress values. Anything else is in-flight.
const (
	ProgressFailed = -1
	ProgressDone   = 100
)

// AttachmentState tracks one expected attachment.
type AttachmentState struct {
	Progress   int
	Error      string
	StoredPath string
	Title      string
}

func (a *AttachmentState) terminal() bool {
	return a.Progress == ProgressDone || a.Progress == ProgressFailed
}

// Session is the server-side state for one capture.
type Session struct {
	id        string
	sourceURI string
	startedAt time.Time

	mu          sync.Mutex
	items       []map[string]any
	attachments map[string]*AttachmentState
	expected    map[string]struct{}
	dispatched  bool

	// Idempotence bookkeeping: snapshot ids already handled, and
	// storedPath -> attachment id for path-collision dedup.
	snapshots      map[string]struct{}
	processedPaths map[string]string
}

// New creates a Session. items may be empty (snapshot-first captures).
func New(id, sourceURI string, items []map[string]any, now time.Time) *Session {
	return &Session{
		id:             id,
		sourceURI:      sourceURI,
		startedAt:      now,
		items:          items,
		attachments:    make(map[string]*AttachmentState),
		expected:       make(map[string]struct{}),
		snapshots:      make(map[string]struct{}),
		processedPaths: make(map[string]string),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SourceURI returns the page or resource the capture originated from.
func (s *Session) SourceURI() string { return s.sourceURI }

// Age reports how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration { return now.Sub(s.startedAt) }

// Expect registers an attachment id the session must resolve before it is
// complete, and seeds an in-flight status entry if none exists.
func (s *Session) Expect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expect(id)
}

func (s *Session) expect(id string) {
	s.expected[id] = struct{}{}
	if _, ok := s.attachments[id]; !ok {
		s.attachments[id] = &AttachmentState{Progress: 0}
	}
}

// Status returns a copy of the status entry for id.
func (s *Session) Status(id string) (AttachmentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.attachments[id]
	if !ok {
		return AttachmentState{}, false
	}
	return *st, true
}

// AckIfSucceeded reports whether id already resolved successfully.
// Dedup tier 1: a literal retry of the same attachment request.
func (s *Session) AckIfSucceeded(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.attachments[id]
	if ok && st.Progress == ProgressDone {
		return st.StoredPath, true
	}
	return "", false
}

// AliasToPath aliases id to an attachment that already resolved to path.
// Dedup tier 2: two logical attachments whose derived destination collides.
func (s *Session) AliasToPath(id, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.processedPaths[path]
	if !ok {
		return false
	}
	src, ok := s.attachments[owner]
	if !ok || src.Progress != ProgressDone {
		return false
	}
	s.expected[id] = struct{}{}
	s.attachments[id] = &AttachmentState{
		Progress:   ProgressDone,
		StoredPath: src.StoredPath,
		Title:      src.Title,
	}
	return true
}

// AliasToContent aliases id to a successful attachment the primary item
// already lists with the same (title, url, mimeType) signature.
// Dedup tier 3.
func (s *Session) AliasToContent(id, title, url, mimeType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.primary()
	if item == nil {
		return false
	}
	for _, raw := range itemAttachments(item) {
		if str(raw, "title") != title || str(raw, "url") != url || str(raw, "mimeType") != mimeType {
			continue
		}
		existing, ok := s.attachments[str(raw, "id")]
		if !ok || existing.Progress != ProgressDone {
			continue
		}
		s.expected[id] = struct{}{}
		s.attachments[id] = &AttachmentState{
			Progress:   ProgressDone,
			StoredPath: existing.StoredPath,
			Title:      existing.Title,
		}
		return true
	}
	return false
}

// Begin marks id as in-flight and expected.
func (s *Session) Begin(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[id] = struct{}{}
	st, ok := s.attachments[id]
	if !ok {
		st = &AttachmentState{}
		s.attachments[id] = st
	}
	st.Title = title
	if st.terminal() {
		return
	}
	st.Progress = 0
}

// Complete records a successful store: terminal success status, path
// bookkeeping for tier-2 dedup, and the attachment entry appended to (or
// replaced on) the primary item.
func (s *Session) Complete(id, path string, entry map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[id] = struct{}{}
	st, ok := s.attachments[id]
	if !ok {
		st = &AttachmentState{}
		s.attachments[id] = st
	}
	st.Progress = ProgressDone
	st.StoredPath = path
	st.Error = ""
	if t := str(entry, "title"); t != "" {
		st.Title = t
	}
	s.processedPaths[path] = id

	item := s.primary()
	if item == nil || entry == nil {
		return
	}
	atts := itemAttachments(item)
	for i, raw := range atts {
		if str(raw, "id") == id {
			atts[i] = entry
			item["attachments"] = atts
			return
		}
	}
	item["attachments"] = append(atts, entry)
}

// Fail records a terminal failure for id. Sibling attachments and the
// session itself are unaffected.
func (s *Session) Fail(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[id] = struct{}{}
	st, ok := s.attachments[id]
	if !ok {
		st = &AttachmentState{}
		s.attachments[id] = st
	}
	st.Progress = ProgressFailed
	st.Error = msg
}

// Remap renames a placeholder attachment id to the id a later request
// supplied. The status entry and expectation move; nothing is dropped.
func (s *Session) Remap(oldID, newID string) {
	if oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.attachments[oldID]
	if !ok {
		return
	}
	delete(s.attachments, oldID)
	delete(s.expected, oldID)
	s.attachments[newID] = st
	s.expected[newID] = struct{}{}
	for p, owner := range s.processedPaths {
		if owner == oldID {
			s.processedPaths[p] = newID
		}
	}
	if item := s.primary(); item != nil {
		for _, raw := range itemAttachments(item) {
			if str(raw, "id") == oldID {
				raw["id"] = newID
			}
		}
	}
}

// SnapshotSeen reports whether a snapshot has already been recorded for this
// session. Only successfully stored snapshots count; a failed store must not
// block a retry.
func (s *Session) SnapshotSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots) > 0
}

// RecordSnapshot marks snapshotID as stored. Called only after the write
// succeeded; later snapshot requests for the session are then acknowledged
// without reprocessing.
func (s *Session) RecordSnapshot(snapshotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotID] = struct{}{}
}

// IsComplete reports whether every expected attachment reached a terminal
// status. A session expecting nothing is trivially complete.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.expected {
		st, ok := s.attachments[id]
		if !ok || !st.terminal() {
			return false
		}
	}
	return true
}

// MarkDispatched flips the one-way dispatched flag. It returns true exactly
// once per session; later calls are no-ops.
func (s *Session) MarkDispatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatched {
		return false
	}
	s.dispatched = true
	return true
}

// Dispatched reports whether the completion event already fired.
func (s *Session) Dispatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

// SuccessPaths returns the stored paths of all terminal-success attachments,
// deduplicated (aliased ids share a path).
func (s *Session) SuccessPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var paths []string
	for id := range s.expected {
		st, ok := s.attachments[id]
		if !ok || st.Progress != ProgressDone || st.StoredPath == "" {
			continue
		}
		if _, dup := seen[st.StoredPath]; dup {
			continue
		}
		seen[st.StoredPath] = struct{}{}
		paths = append(paths, st.StoredPath)
	}
	return paths
}

// PrimaryItemID returns the primary item's id field, if any.
func (s *Session) PrimaryItemID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.primary(); item != nil {
		return str(item, "id")
	}
	return ""
}

// PrimaryItemCopy returns a deep, point-in-time copy of the primary item.
// The copy goes through JSON so the consumer never aliases live state.
func (s *Session) PrimaryItemCopy() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.primary()
	if item == nil {
		return nil
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// AttachmentProgress is one row of a progress report.
type AttachmentProgress struct {
	ID       string `json:"id"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Progress returns the per-attachment progress rows for the poll endpoint.
func (s *Session) Progress() []AttachmentProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]AttachmentProgress, 0, len(s.expected))
	for id := range s.expected {
		st, ok := s.attachments[id]
		if !ok {
			continue
		}
		rows = append(rows, AttachmentProgress{
			ID:       id,
			Progress: st.Progress,
			Error:    st.Error,
			Title:    st.Title,
		})
	}
	return rows
}

// primary returns the live primary item. Callers hold s.mu.
func (s *Session) primary() map[string]any {
	if len(s.items) == 0 {
		return nil
	}
	return s.items[0]
}

// itemAttachments reads the attachments array off an item payload,
// normalising the decoded []any form to []map[string]any in place. The item
// is schema-free; entries that are not objects are skipped.
func itemAttachments(item map[string]any) []map[string]any {
	switch v := item["attachments"].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		item["attachments"] = out
		return out
	default:
		return nil
	}
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

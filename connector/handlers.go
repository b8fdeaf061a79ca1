package connector

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/saisie/connector/internal/ingest"
	"github.com/hazyhaar/saisie/connector/internal/snapshot"
)

// settlePoll is the completion re-check interval inside the bounded wait of
// the progress poll.
const settlePoll = 50 * time.Millisecond

// handlePing is the capability handshake. A caller announcing a protocol
// version newer than ours gets 412 so the extension can degrade gracefully.
func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	if raw := r.Header.Get("X-Connector-API-Version"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > APIVersion {
			writeJSON(w, http.StatusPreconditionFailed,
				map[string]string{"error": fmt.Sprintf("unsupported protocol version %d", v)})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prefs": map[string]any{
			"automaticSnapshots": true,
			"canUserAddNote":     false,
		},
		"version": s.cfg.Version,
	})
}

// handleSaveItems opens (or reuses) a session for a primary item and registers
// its listed attachments as expected.
func (s *Service) handleSaveItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string           `json:"sessionID"`
		URI       string           `json:"uri"`
		Items     []map[string]any `json:"items"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: no items", ErrInvalidPayload))
		return
	}
	if req.SessionID != "" && !ingest.ValidIdentifier(req.SessionID) {
		writeError(w, http.StatusBadRequest, ErrUnsafeID)
		return
	}

	// Collect the expected ids before Create publishes the items as live
	// session state; after that, reads go through the session lock.
	var expected []string
	if atts, ok := req.Items[0]["attachments"].([]any); ok {
		for _, raw := range atts {
			att, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := att["id"].(string); id != "" {
				expected = append(expected, id)
			}
		}
	}

	sess := s.registry.Create(req.SessionID, req.URI, req.Items)
	for _, id := range expected {
		sess.Expect(id)
	}
	s.logger.Info("connector: items saved", "session_id", sess.ID(), "uri", req.URI)
	writeJSON(w, http.StatusOK, map[string]string{"sessionID": sess.ID()})
}

// handleSaveSnapshot opens (or reuses) a session for a page snapshot capture.
// The snapshot body itself arrives later via saveSingleFile; a placeholder
// attachment id keeps the session incomplete until it does.
func (s *Service) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionID"`
		URL       string `json:"url"`
		Title     string `json:"title"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if req.SessionID != "" && !ingest.ValidIdentifier(req.SessionID) {
		writeError(w, http.StatusBadRequest, ErrUnsafeID)
		return
	}

	item := map[string]any{
		"itemType": "webpage",
		"title":    req.Title,
		"url":      req.URL,
	}
	sess := s.registry.Create(req.SessionID, req.URL, []map[string]any{item})
	sess.Expect(snapshotPlaceholder(sess.ID()))
	s.logger.Info("connector: snapshot session opened", "session_id", sess.ID(), "url", req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"sessionID": sess.ID()})
}

// handleSaveAttachment stores one attachment. The body is the raw payload;
// the metadata rides in the X-Metadata header as JSON.
func (s *Service) handleSaveAttachment(w http.ResponseWriter, r *http.Request) {
	var meta ingest.Meta
	raw := r.Header.Get("X-Metadata")
	if raw == "" || json.Unmarshal([]byte(raw), &meta) != nil {
		writeError(w, http.StatusBadRequest, ErrMissingMetadata)
		return
	}
	if !ingest.ValidIdentifier(meta.ID) || !ingest.ValidIdentifier(meta.SessionID) {
		writeError(w, http.StatusBadRequest, ErrUnsafeID)
		return
	}
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: content type: %v", ErrMissingMetadata, err))
		return
	}
	meta.ContentType = contentType

	sess, ok := s.registry.Get(meta.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxAttachmentBytes())
	result, err := s.ingestor.Save(sess, meta, r.Body)
	if err != nil {
		// A failed write is terminal; if this was the last expected
		// attachment the session just became complete.
		s.dispatcher.Evaluate(sess)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.dispatcher.Evaluate(sess)

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":       "success",
		"filename":     result.Filename,
		"canRecognize": meta.ContentType == "application/pdf",
	})
}

// handleSaveSingleFile stores a whole-document snapshot delivered in one
// request. Idempotent per session: once a snapshot is recorded, later calls
// are acknowledged without reprocessing. The placeholder id created by
// saveSnapshot is reconciled to the id supplied here when they differ.
func (s *Service) handleSaveSingleFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID              string `json:"id"`
		SessionID       string `json:"sessionID"`
		URL             string `json:"url"`
		Title           string `json:"title"`
		SnapshotContent string `json:"snapshotContent"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxAttachmentBytes())
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	if req.SnapshotContent == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: no snapshot content", ErrInvalidPayload))
		return
	}
	if !ingest.ValidIdentifier(req.SessionID) || (req.ID != "" && !ingest.ValidIdentifier(req.ID)) {
		writeError(w, http.StatusBadRequest, ErrUnsafeID)
		return
	}

	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	id := req.ID
	if id == "" {
		id = snapshotPlaceholder(sess.ID())
	}
	if sess.SnapshotSeen() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if placeholder := snapshotPlaceholder(sess.ID()); id != placeholder {
		sess.Remap(placeholder, id)
	}

	content := []byte(req.SnapshotContent)
	title := req.Title
	if title == "" {
		title = snapshot.Title(content)
	}
	result, err := s.ingestor.SaveSnapshot(sess, id, title, req.URL, content)
	if err != nil {
		// The failure is terminal for this attempt but the snapshot stays
		// unrecorded so a retry is reprocessed.
		s.dispatcher.Evaluate(sess)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sess.RecordSnapshot(id)
	if _, err := s.snapshots.WriteSidecar(result.Path, content); err != nil {
		s.logger.Warn("connector: snapshot sidecar", "session_id", sess.ID(), "error", err)
	}
	s.dispatcher.Evaluate(sess)

	w.WriteHeader(http.StatusNoContent)
}

// handleSessionProgress reports per-attachment progress and whether the
// capture is done. A short bounded wait absorbs the normal race between
// "metadata saved" and "attachment upload started".
func (s *Service) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionID"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrInvalidPayload)
		return
	}
	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	deadline := time.Now().Add(s.cfg.SettleWait())
	for !sess.IsComplete() && time.Now().Before(deadline) {
		time.Sleep(settlePoll)
	}
	s.dispatcher.Evaluate(sess)

	rows := sess.Progress()
	done := sess.IsComplete()
	itemProgress := 100
	if !done && len(rows) > 0 {
		terminal := 0
		for _, row := range rows {
			if row.Progress == 100 || row.Progress == -1 {
				terminal++
			}
		}
		itemProgress = terminal * 100 / len(rows)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": []map[string]any{{
			"id":          sess.PrimaryItemID(),
			"progress":    itemProgress,
			"attachments": rows,
		}},
		"done": done,
	})
}

// handleSelectedCollection describes the fixed save target. There is no
// collection picker; everything lands in the single local library.
func (s *Service) handleSelectedCollection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"libraryID":       1,
		"libraryName":     "My Library",
		"libraryEditable": true,
		"editable":        true,
		"id":              nil,
		"name":            "My Library",
	})
}

func (s *Service) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxJSONBytes())
	return json.NewDecoder(r.Body).Decode(v)
}

func snapshotPlaceholder(sessionID string) string {
	return "snapshot-" + sessionID
}

package connector

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
)

// APIVersion is the highest connector protocol version this server speaks.
const APIVersion = 3

// RegisterHTTP mounts the capture protocol under /connector.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Route("/connector", func(r chi.Router) {
		r.Use(s.protocolHeaders, s.recoverer)
		r.HandleFunc("/{endpoint}", s.route)
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		})
	})
}

// route dispatches by logical endpoint name and method. Known endpoints
// invoked with a disallowed method get 405; unknown names get 404.
func (s *Service) route(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	switch endpoint {
	case "ping":
		s.requireMethod(w, r, s.handlePing, http.MethodGet, http.MethodPost)
	case "saveItems":
		s.requireMethod(w, r, s.handleSaveItems, http.MethodPost)
	case "saveSnapshot":
		s.requireMethod(w, r, s.handleSaveSnapshot, http.MethodPost)
	case "saveAttachment", "saveStandaloneAttachment":
		s.requireMethod(w, r, s.handleSaveAttachment, http.MethodPost)
	case "saveSingleFile":
		s.requireMethod(w, r, s.handleSaveSingleFile, http.MethodPost)
	case "sessionProgress":
		s.requireMethod(w, r, s.handleSessionProgress, http.MethodPost)
	case "getSelectedCollection":
		s.requireMethod(w, r, s.handleSelectedCollection, http.MethodGet, http.MethodPost)
	case "hasAttachmentResolvers":
		s.requireMethod(w, r, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, false)
		}, http.MethodPost)

	// Acknowledged no-ops: the extension treats anything but a success
	// response on these as a broken server.
	case "getTranslators", "getTranslatorCode":
		writeJSON(w, http.StatusOK, []any{})
	case "delaySync", "updateSession":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	// Out of scope, reported as such.
	case "saveAttachmentFromResolver", "installStyle", "import", "getClientHostnames", "proxies":
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "not implemented"})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
	}
}

func (s *Service) requireMethod(w http.ResponseWriter, r *http.Request, h http.HandlerFunc, methods ...string) {
	for _, m := range methods {
		if r.Method == m {
			h(w, r)
			return
		}
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

// protocolHeaders sets the CORS and version headers on every response and
// short-circuits preflight requests on any path, known or not.
func (s *Service) protocolHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Saisie-Version", s.cfg.Version)
		h.Set("X-Connector-API-Version", "3")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Metadata, X-Connector-API-Version")
		h.Set("Access-Control-Expose-Headers", "X-Saisie-Version, X-Connector-API-Version")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer converts a handler panic into a well-formed JSON 500. No single
// request may crash the server or corrupt unrelated session state.
func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("connector: handler panic",
					"endpoint", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

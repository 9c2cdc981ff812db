package api

import (
	"net/http"
	"runtime/debug"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/models"
	"meetingengine/pkg/summarizer"
)

// Auth enforces the X-Engine-Token header against the configured
// token on every route except /health, per spec §4.7. A nil-token
// Handlers (empty string) disables auth entirely.
func (h *Handlers) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Engine-Token") != h.authToken {
			writeError(w, apperr.New(apperr.Unauthorized, "missing or invalid X-Engine-Token", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recover centrally maps a panicking handler to INTERNAL_ERROR (500)
// instead of crashing the process or leaking a stack trace to the
// client; the stack itself only ever reaches the log.
func (h *Handlers) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", logging.Fields{
					"path":  r.URL.Path,
					"panic": rec,
					"stack": string(debug.Stack()),
				})
				writeError(w, apperr.New(apperr.InternalError, "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// summarizerConfigFrom builds the per-session Summarizer config from
// the client-supplied prompt templates.
func summarizerConfigFrom(u models.UserSettings) summarizer.Config {
	return summarizer.Config{
		Model:                u.LLMModelName,
		ChunkSummaryPrompt:   u.ChunkSummaryPrompt,
		FinalSummaryPrompt:   u.FinalSummaryPrompt,
		DataExtractionPrompt: u.DataExtractionPrompt,
	}
}

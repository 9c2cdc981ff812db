// Package api implements C7: request parsing/validation, auth, error
// mapping, and endpoint dispatch onto pkg/session.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/models"
	"meetingengine/pkg/session"
)

const (
	engineVersion = "1.0.0"
	apiVersion    = "1"
)

var advertisedSTTBackends = []string{"whisper", "parakeet"}

// SessionDefaults are the engine-side tuning knobs the wire protocol
// doesn't carry per-request (spec §6's /start_session body has no
// chunk_duration_secs or max_queue_depth field); pkg/config's optional
// TOML file is the only way to override them.
type SessionDefaults struct {
	ChunkDurationSecs float64
	MaxQueueDepth     int
	CompanionNaming   bool
}

// Handlers wraps the session registry and the auth token configured at
// bootstrap. It has no state of its own beyond that.
type Handlers struct {
	registry     *session.Registry
	authToken    string
	stopDrainTTL time.Duration
	defaults     SessionDefaults
	logger       *logging.Logger
}

// NewHandlers builds the HTTP layer over an already-open Registry.
// authToken empty disables auth entirely, per spec §4.7.
func NewHandlers(registry *session.Registry, authToken string, stopDrainTTL time.Duration, defaults SessionDefaults, logger *logging.Logger) *Handlers {
	if stopDrainTTL <= 0 {
		stopDrainTTL = 120 * time.Second
	}
	if defaults.ChunkDurationSecs <= 0 {
		defaults.ChunkDurationSecs = 60.0
	}
	if defaults.MaxQueueDepth <= 0 {
		defaults.MaxQueueDepth = 64
	}
	return &Handlers{registry: registry, authToken: authToken, stopDrainTTL: stopDrainTTL, defaults: defaults, logger: logger}
}

// AuthToken exposes the configured token so middleware.go can decide
// whether auth is enabled at all.
func (h *Handlers) AuthToken() string { return h.authToken }

// HealthHandler serves GET /health. Never fails except on an
// unexpected internal error (recovered centrally by Recover).
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	llmModels := h.registry.AvailableModels("")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"engine_version": engineVersion,
		"api_version":    apiVersion,
		"stt_backends":   advertisedSTTBackends,
		"llm_models":     llmModels,
	})
}

type startSessionRequest struct {
	SessionID    string              `json:"session_id"`
	Model        string              `json:"model"`
	SampleRate   int                 `json:"sample_rate"`
	UserSettings models.UserSettings `json:"user_settings"`
}

// StartSessionHandler serves POST /start_session.
func (h *Handlers) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "malformed request body", nil))
		return
	}
	if err := validateStartSession(req); err != nil {
		writeError(w, err)
		return
	}

	cfg := models.SessionConfig{
		SessionID:          req.SessionID,
		STTBackend:         req.Model,
		CaptureSampleRate:  req.SampleRate,
		LLMModelName:       req.UserSettings.LLMModelName,
		ChunkSummaryPrompt: req.UserSettings.ChunkSummaryPrompt,
		FinalSummaryPrompt: req.UserSettings.FinalSummaryPrompt,
		DataExtractPrompt:  req.UserSettings.DataExtractionPrompt,
		OutputDir:          req.UserSettings.OutputDir,
		CSVPath:            req.UserSettings.CSVExportPath,
		AppendCSV:          req.UserSettings.AppendCSV,
		ChunkDurationSecs:  h.defaults.ChunkDurationSecs,
		MaxQueueDepth:      h.defaults.MaxQueueDepth,
		StopDrainTimeout:   h.stopDrainTTL,
		CompanionNaming:    h.defaults.CompanionNaming,
	}
	sumCfg := summarizerConfigFrom(req.UserSettings)

	if _, err := h.registry.Create(cfg, sumCfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func validateStartSession(req startSessionRequest) error {
	if req.SessionID == "" {
		return apperr.New(apperr.InvalidRequest, "session_id is required", nil)
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		return apperr.New(apperr.InvalidRequest, "session_id must be a UUIDv4", nil)
	}
	if req.Model != "whisper" && req.Model != "parakeet" && req.Model != "echo" {
		return apperr.New(apperr.InvalidRequest, "model must be whisper or parakeet", nil)
	}
	if req.SampleRate < 8000 || req.SampleRate > 96000 {
		return apperr.New(apperr.InvalidRequest, "sample_rate must be between 8000 and 96000", nil)
	}
	if req.UserSettings.ChunkSummaryPrompt == "" || req.UserSettings.FinalSummaryPrompt == "" {
		return apperr.New(apperr.InvalidRequest, "chunk_summary_prompt and final_summary_prompt are required", nil)
	}
	if req.UserSettings.LLMModelName == "" {
		return apperr.New(apperr.InvalidRequest, "user_settings.llm_model_name is required", nil)
	}
	if req.UserSettings.OutputDir == "" || req.UserSettings.CSVExportPath == "" {
		return apperr.New(apperr.InvalidRequest, "output_dir and csv_export_path are required", nil)
	}
	return nil
}

type audioChunkRequest struct {
	SessionID  string  `json:"session_id"`
	Timestamp  float64 `json:"timestamp"`
	PCMBase64  string  `json:"pcm_b64"`
	SampleRate int     `json:"sample_rate"`
}

// AudioChunkHandler serves POST /audio_chunk.
func (h *Handlers) AudioChunkHandler(w http.ResponseWriter, r *http.Request) {
	var req audioChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "malformed request body", nil))
		return
	}
	if req.SessionID == "" || req.SampleRate <= 0 {
		writeError(w, apperr.New(apperr.InvalidRequest, "session_id and sample_rate are required", nil))
		return
	}

	sess, ok := h.registry.Get(req.SessionID)
	if !ok {
		writeError(w, apperr.New(apperr.SessionNotFound, "unknown session_id", nil))
		return
	}

	// The soft deadline (spec §5) is advisory: PushChunk has no
	// cancellation hook into the STT backend, so a slow backend call
	// still runs to completion in the background. Exceeding the
	// deadline only bounds how long this request blocks the caller.
	type pushOutcome struct {
		buffered   float64
		queueDepth int
		err        error
	}
	done := make(chan pushOutcome, 1)
	go func() {
		buffered, queueDepth, err := sess.PushChunk(req.PCMBase64, req.SampleRate)
		done <- pushOutcome{buffered, queueDepth, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			writeError(w, out.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"buffered_seconds": out.buffered,
			"queue_depth":      out.queueDepth,
		})
	case <-time.After(session.AudioChunkSoftDeadline):
		writeError(w, apperr.New(apperr.STTBackendFailure, "audio_chunk push exceeded the soft deadline", nil))
	}
}

type stopSessionRequest struct {
	SessionID string `json:"session_id"`
}

// StopSessionHandler serves POST /stop_session.
func (h *Handlers) StopSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "malformed request body", nil))
		return
	}
	if req.SessionID == "" {
		writeError(w, apperr.New(apperr.InvalidRequest, "session_id is required", nil))
		return
	}

	result, alreadyStopped, err := h.registry.Terminate(req.SessionID, h.stopDrainTTL)
	if err != nil {
		writeError(w, err)
		return
	}

	status := "ok"
	if alreadyStopped {
		status = "already_stopped"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"summary_path":   nullableString(result.SummaryPath),
		"data_path":      nullableString(result.DataPath),
		"csv_path":       nullableString(result.CSVPath),
		"session_status": string(result.SessionStatus),
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError renders any error as the unified envelope from spec §6.
// Non-apperr errors (should not normally reach here — Recover handles
// panics) collapse to INTERNAL_ERROR.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.New(apperr.InternalError, "internal error", nil)
	}
	writeJSON(w, ae.HTTPStatus(), map[string]any{
		"status":     "error",
		"error_code": string(ae.Code),
		"message":    ae.Message,
		"details":    ae.Details,
	})
}

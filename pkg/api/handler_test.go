package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meetingengine/pkg/logging"
	"meetingengine/pkg/session"
)

func stubOllamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{
				"response": `{"contacts":[],"companies":[],"deals":[]}`,
				"done":     true,
			})
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "stub"}}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testHandlers(t *testing.T, authToken string) *Handlers {
	t.Helper()
	ollama := stubOllamaServer(t)
	return handlersWithOllama(t, authToken, ollama.URL, 5*time.Second, SessionDefaults{ChunkDurationSecs: 60, MaxQueueDepth: 64})
}

func handlersWithOllama(t *testing.T, authToken, ollamaURL string, stopDrainTTL time.Duration, defaults SessionDefaults) *Handlers {
	t.Helper()
	reg, err := session.NewRegistry(session.Config{
		MaxConcurrentSessions: 1,
		MaxConcurrentLLMCalls: 2,
		OllamaBaseURL:         ollamaURL,
		HistoryDir:            t.TempDir(),
		ProdMode:              false,
	}, logging.New(logging.LevelError))
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return NewHandlers(reg, authToken, stopDrainTTL, defaults, logging.New(logging.LevelError))
}

// stubSlowOllamaServer never answers /api/generate, so a MAP call
// against it stays in flight until the test tears it down.
func stubSlowOllamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			<-block
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "stub"}}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	// t.Cleanup runs last-added-first: register Close first so unblock
	// fires before it and the blocked handler goroutine can exit.
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })
	return srv
}

func startSessionBody(t *testing.T, sessionID, outputDir, csvPath string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"model":       "echo",
		"sample_rate": 16000,
		"user_settings": map[string]any{
			"chunk_summary_prompt":    "{text}",
			"final_summary_prompt":    "{summaries_text}",
			"data_extraction_prompt":  "{summaries_text}",
			"llm_model_name":          "stub",
			"output_dir":              outputDir,
			"csv_export_path":         csvPath,
			"append_csv":              true,
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal start_session body: %v", err)
	}
	return body
}

func doJSON(router http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Engine-Token", token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler_ReturnsOK(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)

	rec := doJSON(router, "GET", "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v, want ok", resp["status"])
	}
}

func TestStartSession_HappyPath(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()

	body := startSessionBody(t, "11111111-1111-1111-1111-111111111111", dir, dir+"/meetings.csv")
	rec := doJSON(router, "POST", "/start_session", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStartSession_MissingFieldRejected(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)

	body, _ := json.Marshal(map[string]any{"model": "echo"})
	rec := doJSON(router, "POST", "/start_session", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	assertErrorCode(t, rec, "INVALID_REQUEST")
}

func TestStartSession_ConcurrencyLimitReturnsConflict(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()

	first := startSessionBody(t, "22222222-2222-2222-2222-222222222222", dir, dir+"/meetings.csv")
	if rec := doJSON(router, "POST", "/start_session", first, ""); rec.Code != http.StatusOK {
		t.Fatalf("first start_session failed: %d %s", rec.Code, rec.Body.String())
	}

	second := startSessionBody(t, "33333333-3333-3333-3333-333333333333", dir, dir+"/meetings2.csv")
	rec := doJSON(router, "POST", "/start_session", second, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	assertErrorCode(t, rec, "SESSION_ALREADY_ACTIVE")
}

func TestAudioChunk_UnknownSessionReturnsNotFound(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)

	body, _ := json.Marshal(map[string]any{
		"session_id":  "44444444-4444-4444-4444-444444444444",
		"timestamp":   0.0,
		"pcm_b64":     "AAAA",
		"sample_rate": 16000,
	})
	rec := doJSON(router, "POST", "/audio_chunk", body, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	assertErrorCode(t, rec, "SESSION_NOT_FOUND")
}

func TestAudioChunk_HappyPathReturnsCounters(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()
	sessionID := "55555555-5555-5555-5555-555555555555"

	startBody := startSessionBody(t, sessionID, dir, dir+"/meetings.csv")
	if rec := doJSON(router, "POST", "/start_session", startBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("start_session failed: %d %s", rec.Code, rec.Body.String())
	}

	chunkBody, _ := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"timestamp":   0.0,
		"pcm_b64":     encodeSilence(t, 1.0, 16000),
		"sample_rate": 16000,
	})
	rec := doJSON(router, "POST", "/audio_chunk", chunkBody, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, ok := resp["buffered_seconds"]; !ok {
		t.Error("expected buffered_seconds in response")
	}
	if _, ok := resp["queue_depth"]; !ok {
		t.Error("expected queue_depth in response")
	}
}

func TestAudioChunk_EmptyPCMReturnsInvalidAudioFormat(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()
	sessionID := "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"

	startBody := startSessionBody(t, sessionID, dir, dir+"/meetings.csv")
	if rec := doJSON(router, "POST", "/start_session", startBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("start_session failed: %d %s", rec.Code, rec.Body.String())
	}

	chunkBody, _ := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"timestamp":   0.0,
		"pcm_b64":     "",
		"sample_rate": 16000,
	})
	rec := doJSON(router, "POST", "/audio_chunk", chunkBody, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	assertErrorCode(t, rec, "INVALID_AUDIO_FORMAT")
}

func TestStopSession_UnknownSessionReturnsNotFound(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)

	body, _ := json.Marshal(map[string]any{"session_id": "66666666-6666-6666-6666-666666666666"})
	rec := doJSON(router, "POST", "/stop_session", body, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStopSession_IdempotentReturnsAlreadyStopped(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()
	sessionID := "77777777-7777-7777-7777-777777777777"

	startBody := startSessionBody(t, sessionID, dir, dir+"/meetings.csv")
	doJSON(router, "POST", "/start_session", startBody, "")

	stopBody, _ := json.Marshal(map[string]any{"session_id": sessionID})
	first := doJSON(router, "POST", "/stop_session", stopBody, "")
	if first.Code != http.StatusOK {
		t.Fatalf("first stop status = %d, body = %s", first.Code, first.Body.String())
	}
	var firstResp map[string]any
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	if firstResp["status"] != "ok" {
		t.Errorf("first stop status field = %v, want ok", firstResp["status"])
	}

	second := doJSON(router, "POST", "/stop_session", stopBody, "")
	if second.Code != http.StatusOK {
		t.Fatalf("second stop status = %d, body = %s", second.Code, second.Body.String())
	}
	var secondResp map[string]any
	json.Unmarshal(second.Body.Bytes(), &secondResp)
	if secondResp["status"] != "already_stopped" {
		t.Errorf("second stop status field = %v, want already_stopped", secondResp["status"])
	}
}

func TestStopSession_MapStallReturnsInternalServerError(t *testing.T) {
	ollama := stubSlowOllamaServer(t)
	h := handlersWithOllama(t, "", ollama.URL, 10*time.Millisecond, SessionDefaults{ChunkDurationSecs: 0.001, MaxQueueDepth: 64})
	router := NewRouter(h)
	dir := t.TempDir()
	sessionID := "cccccccc-cccc-cccc-cccc-cccccccccccc"

	startBody := startSessionBody(t, sessionID, dir, dir+"/meetings.csv")
	if rec := doJSON(router, "POST", "/start_session", startBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("start_session failed: %d %s", rec.Code, rec.Body.String())
	}

	chunkBody, _ := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"timestamp":   0.0,
		"pcm_b64":     encodeSilence(t, 3.0, 16000),
		"sample_rate": 16000,
	})
	if rec := doJSON(router, "POST", "/audio_chunk", chunkBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("audio_chunk failed: %d %s", rec.Code, rec.Body.String())
	}

	stopBody, _ := json.Marshal(map[string]any{"session_id": sessionID})
	rec := doJSON(router, "POST", "/stop_session", stopBody, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body = %s", rec.Code, rec.Body.String())
	}
	assertErrorCode(t, rec, "MAP_STALL")
}

func TestStopSession_OutputWriteFailureReturnsInternalServerError(t *testing.T) {
	h := testHandlers(t, "")
	router := NewRouter(h)
	dir := t.TempDir()
	sessionID := "dddddddd-dddd-dddd-dddd-dddddddddddd"

	notADir := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(notADir, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to prepare blocking file: %v", err)
	}
	csvPath := filepath.Join(notADir, "meetings.csv")

	startBody := startSessionBody(t, sessionID, dir, csvPath)
	if rec := doJSON(router, "POST", "/start_session", startBody, ""); rec.Code != http.StatusOK {
		t.Fatalf("start_session failed: %d %s", rec.Code, rec.Body.String())
	}

	stopBody, _ := json.Marshal(map[string]any{"session_id": sessionID})
	rec := doJSON(router, "POST", "/stop_session", stopBody, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body = %s", rec.Code, rec.Body.String())
	}
	assertErrorCode(t, rec, "OUTPUT_WRITE_FAILURE")
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	h := testHandlers(t, "secret-token")
	router := NewRouter(h)
	dir := t.TempDir()

	body := startSessionBody(t, "88888888-8888-8888-8888-888888888888", dir, dir+"/meetings.csv")
	rec := doJSON(router, "POST", "/start_session", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	assertErrorCode(t, rec, "UNAUTHORIZED")
}

func TestAuth_AllowsHealthWithoutToken(t *testing.T) {
	h := testHandlers(t, "secret-token")
	router := NewRouter(h)

	rec := doJSON(router, "GET", "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	h := testHandlers(t, "secret-token")
	router := NewRouter(h)
	dir := t.TempDir()

	body := startSessionBody(t, "99999999-9999-9999-9999-999999999999", dir, dir+"/meetings.csv")
	rec := doJSON(router, "POST", "/start_session", body, "secret-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp["status"] != "error" {
		t.Errorf("status field = %v, want error", resp["status"])
	}
	if resp["error_code"] != want {
		t.Errorf("error_code = %v, want %s", resp["error_code"], want)
	}
}

func encodeSilence(t *testing.T, seconds float64, rate int) string {
	t.Helper()
	n := int(seconds * float64(rate))
	buf := make([]byte, n*4)
	return base64.StdEncoding.EncodeToString(buf)
}

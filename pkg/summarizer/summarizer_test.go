package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meetingengine/pkg/models"
)

func testConfig() Config {
	return Config{
		Model:                "qwen3:4b-instruct",
		ChunkSummaryPrompt:   "Summarize:\n{text}",
		FinalSummaryPrompt:   "Combine:\n{summaries_text}",
		DataExtractionPrompt: "Extract from:\n{summaries_text}",
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestMap_ReturnsGeneratedText(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "  a short chunk summary  ", Done: true})
	})

	s := New(srv.URL, testConfig(), nil)
	got := s.Map(context.Background(), "hello world, let's talk about the roadmap")
	if got.Text != "a short chunk summary" {
		t.Errorf("Map text = %q, want trimmed summary", got.Text)
	}
}

func TestMap_EmptyTextShortCircuits(t *testing.T) {
	s := New("http://unreachable.invalid:1", testConfig(), nil)
	got := s.Map(context.Background(), "   ")
	if got.Text != "" {
		t.Errorf("expected empty summary for empty chunk, got %q", got.Text)
	}
}

func TestMap_FallsBackToPlaceholderAfterRetryFails(t *testing.T) {
	s := New("http://127.0.0.1:1", testConfig(), nil)
	got := s.Map(context.Background(), "some real content here")
	if got.Text != unavailablePlaceholder {
		t.Errorf("Map text = %q, want placeholder %q", got.Text, unavailablePlaceholder)
	}
}

func TestReduce_CombinesSummaries(t *testing.T) {
	var capturedPrompt string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		capturedPrompt = req.Prompt
		json.NewEncoder(w).Encode(generateResponse{Response: "final combined summary", Done: true})
	})

	s := New(srv.URL, testConfig(), nil)
	summaries := []models.ChunkSummary{{ChunkIndex: 0, Text: "topic A"}, {ChunkIndex: 1, Text: "topic B"}}
	got, err := s.Reduce(context.Background(), summaries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "final combined summary" {
		t.Errorf("Reduce result = %q", got)
	}
	if !strings.Contains(capturedPrompt, "topic A") || !strings.Contains(capturedPrompt, "topic B") {
		t.Errorf("prompt missing chunk summaries: %q", capturedPrompt)
	}
}

func TestReduce_EmptyInputErrors(t *testing.T) {
	s := New("http://127.0.0.1:1", testConfig(), nil)
	if _, err := s.Reduce(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty summaries")
	}
}

func TestExtract_ParsesSchemaConstrainedJSON(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Format) == 0 {
			t.Fatal("expected format field to carry the JSON schema")
		}
		payload := `{"contacts":[{"name":"Jane Doe","role":"CIO"}],"companies":[],"deals":[]}`
		json.NewEncoder(w).Encode(generateResponse{Response: payload, Done: true})
	})

	s := New(srv.URL, testConfig(), nil)
	data := s.Extract(context.Background(), []models.ChunkSummary{{Text: "met with Jane Doe, CIO"}})
	if len(data.Contacts) != 1 || data.Contacts[0].Name == nil || *data.Contacts[0].Name != "Jane Doe" {
		t.Fatalf("unexpected extraction result: %+v", data)
	}
	if data.Companies == nil || data.Deals == nil {
		t.Fatal("expected non-nil empty arrays")
	}
}

func TestExtract_FallsBackToEmptyOnMalformedJSON(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "not json at all", Done: true})
	})

	s := New(srv.URL, testConfig(), nil)
	data := s.Extract(context.Background(), []models.ChunkSummary{{Text: "some summary"}})
	want := models.EmptyMeetingData()
	if len(data.Contacts) != len(want.Contacts) || len(data.Companies) != len(want.Companies) || len(data.Deals) != len(want.Deals) {
		t.Fatalf("expected empty MeetingData fallback, got %+v", data)
	}
}

func TestExtract_NoSummariesReturnsEmpty(t *testing.T) {
	s := New("http://127.0.0.1:1", testConfig(), nil)
	data := s.Extract(context.Background(), nil)
	want := models.EmptyMeetingData()
	if len(data.Contacts) != len(want.Contacts) {
		t.Fatalf("expected empty MeetingData, got %+v", data)
	}
}

func TestCheckAvailable_ModelNotPulled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/api/tags":
			json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
				Name string `json:"name"`
			}{{Name: "llama3.2:latest"}}})
		}
	})

	s := New(srv.URL, testConfig(), nil)
	err := s.CheckAvailable(context.Background())
	if err == nil {
		t.Fatal("expected LLM_UNAVAILABLE for missing model")
	}
}

func TestCheckAvailable_ModelPresent(t *testing.T) {
	cfg := testConfig()
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/api/tags":
			json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
				Name string `json:"name"`
			}{{Name: cfg.Model}}})
		}
	})

	s := New(srv.URL, cfg, nil)
	if err := s.CheckAvailable(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHasModel_ToleratesTagSuffix(t *testing.T) {
	if !hasModel([]string{"qwen3:4b-instruct"}, "qwen3:4b-instruct") {
		t.Error("expected exact match to be found")
	}
	if !hasModel([]string{"llama3.2:latest"}, "llama3.2") {
		t.Error("expected base-name match ignoring :tag to be found")
	}
	if hasModel([]string{"mistral:latest"}, "llama3.2") {
		t.Error("expected no match for unrelated model")
	}
}

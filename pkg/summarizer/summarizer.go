// Package summarizer implements C4: a map-reduce wrapper around a
// local Ollama runtime. It never sees raw audio, and it does not
// retain chunk text after Map returns (spec §4.4).
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/models"
)

const (
	chunkSummaryMaxTokens = 300
	finalSummaryMaxTokens = 1200
	extractMaxTokens      = 2000

	unavailablePlaceholder = "[summary unavailable]"
)

// meetingDataSchema is the JSON schema handed to Ollama's format field
// to constrain extraction output to the MeetingData shape (spec §4.4).
var meetingDataSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "contacts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": ["string", "null"]},
          "role": {"type": ["string", "null"]},
          "location": {"type": ["string", "null"]},
          "is_decision_maker": {"type": ["boolean", "null"]},
          "tenure_duration": {"type": ["string", "null"]}
        }
      }
    },
    "companies": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": ["string", "null"]},
          "aum": {"type": ["string", "null"]},
          "icp_classification": {"type": ["integer", "null"]},
          "location": {"type": ["string", "null"]},
          "is_client": {"type": ["boolean", "null"]},
          "competitor_products": {"type": "array", "items": {"type": "string"}},
          "strategies_of_interest": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "deals": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "ticket_size": {"type": ["string", "null"]},
          "products_of_interest": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  },
  "required": ["contacts", "companies", "deals"]
}`)

// Config carries the per-session prompt templates and model name.
type Config struct {
	Model                string
	ChunkSummaryPrompt   string
	FinalSummaryPrompt   string
	DataExtractionPrompt string
}

// Summarizer wraps a local Ollama runtime with the MAP/REDUCE/extract
// operations. Not safe for concurrent Map calls against the same
// instance; Session serializes access.
type Summarizer struct {
	client *ollamaClient
	cfg    Config
	logger *logging.Logger
}

// New builds a Summarizer talking to Ollama at baseURL.
func New(baseURL string, cfg Config, logger *logging.Logger) *Summarizer {
	return &Summarizer{
		client: newOllamaClient(baseURL, 120*time.Second),
		cfg:    cfg,
		logger: logger,
	}
}

// CheckAvailable verifies Ollama is reachable and cfg.Model is pulled.
// Returns LLM_UNAVAILABLE with a pull hint otherwise, per spec §4.4.
func (s *Summarizer) CheckAvailable(ctx context.Context) error {
	if err := s.client.ping(ctx); err != nil {
		return apperr.Hint(apperr.LLMUnavailable,
			"could not reach the Ollama runtime: "+err.Error(),
			fmt.Sprintf("start Ollama and run: ollama pull %s", s.cfg.Model))
	}

	models, err := s.client.listModels(ctx)
	if err != nil {
		return apperr.Hint(apperr.LLMUnavailable,
			"could not list Ollama models: "+err.Error(),
			fmt.Sprintf("start Ollama and run: ollama pull %s", s.cfg.Model))
	}
	if !hasModel(models, s.cfg.Model) {
		return apperr.Hint(apperr.LLMUnavailable,
			fmt.Sprintf("model %q is not pulled", s.cfg.Model),
			fmt.Sprintf("run: ollama pull %s", s.cfg.Model))
	}
	return nil
}

// AvailableModels lists models currently pulled in Ollama, for /health.
func (s *Summarizer) AvailableModels(ctx context.Context) ([]string, error) {
	return s.client.listModels(ctx)
}

// Map summarizes one chunk of transcript text. A transient failure is
// retried once; persistent failure yields a fixed placeholder so
// Reduce can still proceed (spec §4.4).
func (s *Summarizer) Map(ctx context.Context, chunkText string) models.ChunkSummary {
	if strings.TrimSpace(chunkText) == "" {
		return models.ChunkSummary{Text: ""}
	}

	prompt := strings.ReplaceAll(s.cfg.ChunkSummaryPrompt, "{text}", chunkText)

	text, err := s.client.generate(ctx, generateRequest{
		Model:  s.cfg.Model,
		Prompt: prompt,
		Options: map[string]any{
			"num_predict": chunkSummaryMaxTokens,
			"temperature": 0.7,
		},
	})
	if err != nil {
		text, err = s.client.generate(ctx, generateRequest{
			Model:  s.cfg.Model,
			Prompt: prompt,
			Options: map[string]any{
				"num_predict": chunkSummaryMaxTokens,
				"temperature": 0.7,
			},
		})
	}
	if err != nil {
		s.warn("MAP call failed twice, using placeholder", map[string]any{"error": err.Error()})
		text = unavailablePlaceholder
	}
	return models.ChunkSummary{Text: strings.TrimSpace(text)}
}

// Reduce combines chunk summaries into one final summary. Only ever
// sees the outputs of Map, never raw transcript text.
func (s *Summarizer) Reduce(ctx context.Context, summaries []models.ChunkSummary) (string, error) {
	if len(summaries) == 0 {
		return "", fmt.Errorf("reduce called with no chunk summaries")
	}

	var b strings.Builder
	for i, cs := range summaries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, cs.Text)
	}

	prompt := strings.ReplaceAll(s.cfg.FinalSummaryPrompt, "{summaries_text}", b.String())

	text, err := s.client.generate(ctx, generateRequest{
		Model:  s.cfg.Model,
		Prompt: prompt,
		Options: map[string]any{
			"num_predict": finalSummaryMaxTokens,
			"temperature": 0.5,
		},
	})
	if err != nil {
		return "", apperr.New(apperr.LLMUnavailable, "final summary generation failed: "+err.Error(), nil)
	}
	return strings.TrimSpace(text), nil
}

// Extract requests schema-constrained JSON for MeetingData. On parse
// failure it retries once; a second failure logs an EXTRACTION_FALLBACK
// warning and yields an empty MeetingData.
func (s *Summarizer) Extract(ctx context.Context, summaries []models.ChunkSummary) models.MeetingData {
	if len(summaries) == 0 {
		return models.EmptyMeetingData()
	}

	var b strings.Builder
	for i, cs := range summaries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Segment %d] %s", i+1, cs.Text)
	}

	prompt := strings.ReplaceAll(s.cfg.DataExtractionPrompt, "{summaries_text}", b.String())

	data, ok := s.tryExtract(ctx, prompt)
	if ok {
		return data
	}
	data, ok = s.tryExtract(ctx, prompt)
	if ok {
		return data
	}

	s.warn("extraction fell back to empty MeetingData", map[string]any{"code": string(apperr.ExtractionFallback)})
	return models.EmptyMeetingData()
}

func (s *Summarizer) tryExtract(ctx context.Context, prompt string) (models.MeetingData, bool) {
	raw, err := s.client.generate(ctx, generateRequest{
		Model:  s.cfg.Model,
		Prompt: prompt,
		Format: meetingDataSchema,
		Options: map[string]any{
			"num_predict": extractMaxTokens,
			"temperature": 0.0,
		},
	})
	if err != nil {
		return models.MeetingData{}, false
	}

	var data models.MeetingData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return models.MeetingData{}, false
	}
	if data.Contacts == nil {
		data.Contacts = []models.Contact{}
	}
	if data.Companies == nil {
		data.Companies = []models.Company{}
	}
	if data.Deals == nil {
		data.Deals = []models.Deal{}
	}
	return data, true
}

func (s *Summarizer) warn(msg string, fields logging.Fields) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}

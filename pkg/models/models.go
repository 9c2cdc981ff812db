// Package models holds the data types shared across the session engine:
// transcript segments and chunks, session configuration, and the
// structured meeting data produced by extraction.
package models

import "time"

// SessionStatus is the closed set of states a Session can occupy.
type SessionStatus string

const (
	StatusStarting            SessionStatus = "starting"
	StatusActive              SessionStatus = "active"
	StatusStopping            SessionStatus = "stopping"
	StatusCompleted           SessionStatus = "completed"
	StatusInsufficientContent SessionStatus = "insufficient_content"
	StatusFailed              SessionStatus = "failed"
)

// UserSettings carries the per-session knobs supplied by the capture
// client on /start_session.
type UserSettings struct {
	ChunkSummaryPrompt   string `json:"chunk_summary_prompt"`
	FinalSummaryPrompt   string `json:"final_summary_prompt"`
	DataExtractionPrompt string `json:"data_extraction_prompt,omitempty"`
	LLMModelName         string `json:"llm_model_name"`
	OutputDir            string `json:"output_dir"`
	CSVExportPath        string `json:"csv_export_path"`
	AppendCSV            bool   `json:"append_csv"`
}

// SessionConfig is the immutable-after-start configuration for a Session.
type SessionConfig struct {
	SessionID          string
	STTBackend         string // "whisper" | "parakeet" | "echo" (dev only)
	STTModelName       string
	CaptureSampleRate  int
	LLMModelName       string
	ChunkSummaryPrompt string
	FinalSummaryPrompt string
	DataExtractPrompt  string
	OutputDir          string
	CSVPath            string
	AppendCSV          bool
	ChunkDurationSecs  float64
	MaxQueueDepth      int
	StopDrainTimeout   time.Duration
	CompanionNaming    bool
}

// TranscriptSegment is a contiguous transcribed utterance emitted by the
// STT backend. Immutable once created.
type TranscriptSegment struct {
	Text         string
	StartS       float64
	EndS         float64
	ArrivalIndex int64
}

// TranscriptChunk is an ordered, sealed group of segments whose span
// reaches at least the configured chunk duration (or is forced at stop).
type TranscriptChunk struct {
	Index    int
	Segments []TranscriptSegment
	Text     string
}

// ChunkSummary is MAP output for one chunk, ordered by source chunk index.
type ChunkSummary struct {
	ChunkIndex int
	Text       string
}

// Contact is a person mentioned in the meeting.
type Contact struct {
	Name            *string `json:"name"`
	Role            *string `json:"role"`
	Location        *string `json:"location"`
	IsDecisionMaker *bool   `json:"is_decision_maker"`
	TenureDuration  *string `json:"tenure_duration"`
}

// Company is an organization mentioned in the meeting.
type Company struct {
	Name                 *string  `json:"name"`
	AUM                  *string  `json:"aum"`
	ICPClassification    *int     `json:"icp_classification"`
	Location             *string  `json:"location"`
	IsClient             *bool    `json:"is_client"`
	CompetitorProducts   []string `json:"competitor_products"`
	StrategiesOfInterest []string `json:"strategies_of_interest"`
}

// Deal is a possible investment opportunity mentioned in the meeting.
type Deal struct {
	TicketSize         *string  `json:"ticket_size"`
	ProductsOfInterest []string `json:"products_of_interest"`
}

// MeetingData is the structured extraction output for a session.
type MeetingData struct {
	Contacts  []Contact `json:"contacts"`
	Companies []Company `json:"companies"`
	Deals     []Deal    `json:"deals"`
}

// EmptyMeetingData returns a MeetingData with empty (non-nil) arrays,
// matching the wire contract that arrays are always present.
func EmptyMeetingData() MeetingData {
	return MeetingData{
		Contacts:  []Contact{},
		Companies: []Company{},
		Deals:     []Deal{},
	}
}

// StopResult is the outcome of a completed or already-terminal stop
// request, cached for idempotent replay.
type StopResult struct {
	SummaryPath   string
	DataPath      string
	CSVPath       string
	SessionStatus SessionStatus
}

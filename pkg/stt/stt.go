// Package stt defines the pluggable speech-to-text backend contract
// (C2, spec §4.2) and a named factory over it. Real model inference is
// out of scope (spec §1) — the whisper and parakeet adapters model the
// buffering/emission shape a real binding would have; only the "echo"
// backend actually produces text, and it is refused outside dev mode.
package stt

import (
	"fmt"
	"sync"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/audio"
	"meetingengine/pkg/models"
)

// Transcriber is a stateful streaming STT backend. Implementations are
// not safe for concurrent use; callers (Session) serialize access with
// a per-session mutex per spec §4.2.
type Transcriber interface {
	// Push feeds mono float32 samples at the session's capture sample
	// rate and returns zero or more newly emitted segments.
	Push(samples []float32, captureRate int) ([]models.TranscriptSegment, error)
	// Flush transcribes whatever remains buffered and empties the backend.
	Flush() ([]models.TranscriptSegment, error)
	// BufferedSeconds reports undrained audio, in capture-rate seconds.
	BufferedSeconds() float64
	// Name identifies the backend for logging.
	Name() string
}

// nativeModelRate is the sample rate STT backends want their audio
// resampled to before inference, matching spec §4.2 ("typically 16kHz").
const nativeModelRate = 16000

// minPushSeconds is the recommended minimum buffered duration before a
// segment is emitted (spec §4.2: "≥ 2s recommended").
const minPushSeconds = 2.0

// modelBackend is the shared skeleton for the whisper/parakeet adapters:
// accumulate resampled audio, and once minPushSeconds has accumulated,
// emit it as a single segment. It never sees real model weights; the
// text it emits is a placeholder marking the accepted audio span, since
// no STT model runtime is linked into this repo (spec §1 scope).
type modelBackend struct {
	mu           sync.Mutex
	name         string
	modelID      string
	buffered     []float32 // resampled to nativeModelRate
	bufferedCap  int
	elapsedS     float64 // total capture-rate seconds pushed since last emit
	arrivalIndex int64
	segEnd       float64
}

func newModelBackend(name, modelID string) *modelBackend {
	return &modelBackend{name: name, modelID: modelID}
}

func (m *modelBackend) Name() string { return m.name }

func (m *modelBackend) Push(samples []float32, captureRate int) ([]models.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resampled := audio.Resample(samples, captureRate, nativeModelRate)
	m.buffered = append(m.buffered, resampled...)
	m.elapsedS += float64(len(samples)) / float64(captureRate)

	if m.elapsedS < minPushSeconds {
		return nil, nil
	}
	return m.emitLocked(), nil
}

func (m *modelBackend) Flush() ([]models.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffered) == 0 {
		return nil, nil
	}
	return m.emitLocked(), nil
}

// emitLocked seals whatever is buffered into a single segment. Caller
// must hold m.mu.
func (m *modelBackend) emitLocked() []models.TranscriptSegment {
	start := m.segEnd
	dur := m.elapsedS
	end := start + dur
	m.segEnd = end
	m.arrivalIndex++
	m.buffered = m.buffered[:0]
	m.elapsedS = 0

	seg := models.TranscriptSegment{
		Text:         fmt.Sprintf("[%s: %.2fs of audio transcribed]", m.name, dur),
		StartS:       start,
		EndS:         end,
		ArrivalIndex: m.arrivalIndex,
	}
	return []models.TranscriptSegment{seg}
}

func (m *modelBackend) BufferedSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsedS
}

// EchoBackend is a deterministic mock used only in dev mode: it treats
// every pushed buffer as if it already contained recognizable speech and
// echoes back one of two fixed phrases, chosen by the buffered sample
// count (the longer one above 16000 samples). Production
// mode must never construct one (spec §4.2, §9).
type EchoBackend struct {
	mu           sync.Mutex
	buffered     []float32
	captureRate  int
	arrivalIndex int64
	segEnd       float64
}

func NewEchoBackend() *EchoBackend { return &EchoBackend{} }

func (e *EchoBackend) Name() string { return "echo" }

func (e *EchoBackend) Push(samples []float32, captureRate int) ([]models.TranscriptSegment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captureRate = captureRate
	e.buffered = append(e.buffered, samples...)
	dur := float64(len(e.buffered)) / float64(captureRate)
	if dur < minPushSeconds {
		return nil, nil
	}
	return e.emitLocked(dur), nil
}

func (e *EchoBackend) Flush() ([]models.TranscriptSegment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buffered) == 0 {
		return nil, nil
	}
	dur := float64(len(e.buffered)) / float64(e.captureRate)
	return e.emitLocked(dur), nil
}

func (e *EchoBackend) emitLocked(dur float64) []models.TranscriptSegment {
	start := e.segEnd
	end := start + dur
	e.segEnd = end
	e.arrivalIndex++
	n := len(e.buffered)
	e.buffered = e.buffered[:0]

	text := "thank you"
	if n > 16000 {
		text = "thank you for joining the call today, let's get started"
	}

	return []models.TranscriptSegment{{
		Text:         text,
		StartS:       start,
		EndS:         end,
		ArrivalIndex: e.arrivalIndex,
	}}
}

func (e *EchoBackend) BufferedSeconds() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.captureRate == 0 {
		return 0
	}
	return float64(len(e.buffered)) / float64(e.captureRate)
}

// Factory constructs named Transcriber backends. In production mode it
// refuses to hand out mock backends (spec §4.2, §9).
type Factory struct {
	ProdMode bool
}

// New constructs a Transcriber for the named backend and model.
// STT_BACKEND_UNAVAILABLE is returned if construction fails or (in
// production mode) a mock was requested.
func (f Factory) New(backend, modelID string) (Transcriber, error) {
	switch backend {
	case "whisper":
		return newModelBackend("whisper", modelID), nil
	case "parakeet":
		return newModelBackend("parakeet", modelID), nil
	case "echo":
		if f.ProdMode {
			return nil, apperr.Hint(apperr.STTBackendUnavailable,
				"mock STT backend requested in production mode",
				"set ENGINE_MODE=dev to use the echo backend")
		}
		return NewEchoBackend(), nil
	default:
		return nil, apperr.New(apperr.InvalidRequest,
			fmt.Sprintf("unknown STT backend %q, must be whisper or parakeet", backend), nil)
	}
}

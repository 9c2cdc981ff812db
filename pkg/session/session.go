// Package session implements C5 (the per-recording state machine and
// MAP worker) and C6 (the process-wide registry).
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/audio"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/models"
	"meetingengine/pkg/output"
	"meetingengine/pkg/stt"
	"meetingengine/pkg/summarizer"
	"meetingengine/pkg/transcript"
)

const insufficientContentSummary = "No usable call audio was captured from the target app. Please check your capture configuration."

// singleWordFillers are the one-word entries of the filler set; "thank
// you" is matched as a two-word phrase separately since "thank" alone
// is not a recognized filler token.
var singleWordFillers = map[string]bool{
	"thanks": true, "you": true, "uh": true, "um": true,
}

// AudioChunkSoftDeadline is the default per-request deadline the HTTP
// layer applies around push_chunk (spec §5): if it fires, the request
// fails STT_BACKEND_FAILURE but the session stays active.
const AudioChunkSoftDeadline = 5 * time.Second

// chunkQueueCapacity bounds the internal channel; the real backpressure
// signal is Session.queueDepth against cfg.MaxQueueDepth, computed
// before this channel would ever fill.
const chunkQueueCapacity = 4096

// Session owns one recording lifecycle: C1 (via package-level calls) →
// C2 → C3 → C4, tracked status, and counters.
type Session struct {
	cfg    models.SessionConfig
	logger *logging.Logger

	sttMu sync.Mutex // serializes access to stt; not reentrant
	stt   stt.Transcriber

	buffer *transcript.Buffer
	sum    *summarizer.Summarizer
	llmSem chan struct{}

	chunkQueue chan *models.TranscriptChunk
	workerWG   sync.WaitGroup

	mu                sync.Mutex
	status            models.SessionStatus
	totalAudioSeconds float64
	totalSegments     int64
	chunkCount        int
	chunkSummaries    []models.ChunkSummary
	chunksAwaitingMap int64

	stopOnce  sync.Once
	result    *models.StopResult
	resultErr error
}

// New constructs a Session in the "starting" state. The caller (C6)
// is responsible for transitioning it to "active" once construction
// of C2/C4 succeeds and the MAP worker is running — mirrored here by
// New itself doing that work and returning an already-active Session,
// or an error if STT/LLM construction fails.
func New(cfg models.SessionConfig, sttFactory stt.Factory, sum *summarizer.Summarizer, llmSem chan struct{}, logger *logging.Logger) (*Session, error) {
	backend, err := sttFactory.New(cfg.STTBackend, cfg.STTModelName)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger,
		stt:        backend,
		buffer:     transcript.New(cfg.ChunkDurationSecs),
		sum:        sum,
		llmSem:     llmSem,
		chunkQueue: make(chan *models.TranscriptChunk, chunkQueueCapacity),
		status:     models.StatusStarting,
	}

	s.workerWG.Add(1)
	go s.mapWorker()

	s.mu.Lock()
	s.status = models.StatusActive
	s.mu.Unlock()

	logger.Info("session started", logging.Fields{
		"session_id": cfg.SessionID, "stt_backend": cfg.STTBackend, "llm_model": cfg.LLMModelName,
	})
	return s, nil
}

// Status returns the current status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BufferedSeconds reports the STT backend's current unprocessed-audio
// buffer, for status polling (e.g. the session_status_ws stream).
func (s *Session) BufferedSeconds() float64 {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	return s.stt.BufferedSeconds()
}

// QueueDepth reports the current queue_depth counter (spec §3), for
// status polling outside the push_chunk response path.
func (s *Session) QueueDepth() int {
	return s.queueDepth()
}

// mapWorker is the single dedicated MAP worker for this session. It
// exits once chunkQueue is closed and drained, never running two MAP
// calls concurrently.
func (s *Session) mapWorker() {
	defer s.workerWG.Done()
	ctx := context.Background()

	for chunk := range s.chunkQueue {
		var cs models.ChunkSummary
		if s.llmSem != nil {
			s.llmSem <- struct{}{}
			cs = s.sum.Map(ctx, chunk.Text)
			<-s.llmSem
		} else {
			cs = s.sum.Map(ctx, chunk.Text)
		}
		cs.ChunkIndex = chunk.Index

		s.mu.Lock()
		s.chunkSummaries = append(s.chunkSummaries, cs)
		s.mu.Unlock()
		atomic.AddInt64(&s.chunksAwaitingMap, -1)
	}
}

// queueDepth is "pending segments not yet folded into a chunk" plus
// "chunks not yet MAPped" (spec §3).
func (s *Session) queueDepth() int {
	return s.buffer.PendingCount() + int(atomic.LoadInt64(&s.chunksAwaitingMap))
}

// PushChunk decodes, transcribes, and buffers one audio chunk, per the
// push_chunk sequence in spec §4.5.
func (s *Session) PushChunk(pcmB64 string, sampleRate int) (bufferedSeconds float64, queueDepth int, err error) {
	status := s.Status()
	switch status {
	case models.StatusStarting:
		return 0, 0, apperr.New(apperr.SessionNotReady, "session is still starting", nil)
	case models.StatusActive:
		// proceed
	default:
		return 0, 0, apperr.New(apperr.SessionNotFound, "session is not accepting audio", nil)
	}

	samples, duration, err := audio.Decode(pcmB64, sampleRate)
	if err != nil {
		return 0, 0, err
	}

	segments, err := s.pushSTT(samples, sampleRate)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	s.totalAudioSeconds += duration
	s.totalSegments += int64(len(segments))
	s.mu.Unlock()

	for _, seg := range segments {
		s.enqueueSegment(seg)
	}

	buffered := s.stt.BufferedSeconds()
	qd := s.queueDepth()

	if qd > s.cfg.MaxQueueDepth {
		return buffered, qd, apperr.New(apperr.EngineOverloaded,
			fmt.Sprintf("queue_depth %d exceeds max_queue_depth %d", qd, s.cfg.MaxQueueDepth), nil)
	}
	return buffered, qd, nil
}

// pushSTT calls the backend under the per-session serialization mutex.
// The Transcriber contract (spec §4.2) has no cancellation hook, so
// the soft deadline from spec §5 is enforced by the HTTP handler's
// timer around PushChunk, not by aborting an in-flight backend call
// here.
func (s *Session) pushSTT(samples []float32, sampleRate int) ([]models.TranscriptSegment, error) {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()

	segs, err := s.stt.Push(samples, sampleRate)
	if err != nil {
		return nil, apperr.New(apperr.STTBackendFailure, "STT push failed: "+err.Error(), nil)
	}
	return segs, nil
}

// enqueueSegment folds a new segment into the buffer, dispatching any
// newly sealed chunk to the MAP worker.
func (s *Session) enqueueSegment(seg models.TranscriptSegment) {
	chunk := s.buffer.Add(seg)
	if chunk == nil {
		return
	}
	s.mu.Lock()
	s.chunkCount++
	s.mu.Unlock()
	atomic.AddInt64(&s.chunksAwaitingMap, 1)
	s.chunkQueue <- chunk
}

// Stop runs the stop sequence exactly once; concurrent and repeated
// calls all observe the same result and error. A non-nil error (e.g.
// MAP_STALL, LLM_UNAVAILABLE, OUTPUT_WRITE_FAILURE) means the caller
// must surface it as the HTTP error response rather than the ok body,
// per spec §5/§6 — the returned *models.StopResult may still carry
// whatever artifact paths were written before the failure.
func (s *Session) Stop(stopDrainTimeout time.Duration) (*models.StopResult, error) {
	s.stopOnce.Do(func() {
		s.result, s.resultErr = s.doStop(stopDrainTimeout)
	})
	return s.result, s.resultErr
}

func (s *Session) doStop(stopDrainTimeout time.Duration) (*models.StopResult, error) {
	s.mu.Lock()
	s.status = models.StatusStopping
	s.mu.Unlock()

	s.sttMu.Lock()
	flushed, err := s.stt.Flush()
	s.sttMu.Unlock()
	if err != nil {
		s.logger.Warn("STT flush failed at stop", logging.Fields{"session_id": s.cfg.SessionID, "error": err.Error()})
	}
	for _, seg := range flushed {
		s.enqueueSegment(seg)
	}

	if chunk := s.buffer.ForceFinalize(); chunk != nil {
		s.mu.Lock()
		s.chunkCount++
		s.mu.Unlock()
		atomic.AddInt64(&s.chunksAwaitingMap, 1)
		s.chunkQueue <- chunk
	}
	close(s.chunkQueue)

	drained := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(stopDrainTimeout):
		s.mu.Lock()
		s.status = models.StatusFailed
		s.mu.Unlock()
		s.logger.Error("MAP drain timed out", logging.Fields{"session_id": s.cfg.SessionID, "code": string(apperr.MapStall)})
		err := apperr.New(apperr.MapStall, "MAP worker did not drain before stop_drain_timeout elapsed", nil)
		return &models.StopResult{SessionStatus: models.StatusFailed}, err
	}

	fullText := s.buffer.FullText()
	s.mu.Lock()
	summaries := append([]models.ChunkSummary(nil), s.chunkSummaries...)
	s.mu.Unlock()

	if isLowContent(fullText, summaries) {
		s.mu.Lock()
		s.status = models.StatusInsufficientContent
		s.mu.Unlock()
		return s.persist(models.StatusInsufficientContent, insufficientContentSummary, models.EmptyMeetingData())
	}

	ctx := context.Background()
	finalSummary, err := s.reduce(ctx, summaries)
	if err != nil {
		s.mu.Lock()
		s.status = models.StatusFailed
		s.mu.Unlock()
		s.logger.Error("reduce failed", logging.Fields{"session_id": s.cfg.SessionID, "error": err.Error()})
		return &models.StopResult{SessionStatus: models.StatusFailed}, err
	}
	data := s.extract(ctx, summaries)

	s.mu.Lock()
	s.status = models.StatusCompleted
	s.chunkSummaries = nil
	s.mu.Unlock()

	return s.persist(models.StatusCompleted, finalSummary, data)
}

// Abort runs a shutdown-time stop: it marks the session failed and
// writes whatever chunk summaries the MAP worker had already produced,
// without waiting on the drain or invoking REDUCE/extraction (spec
// §4.10: "best-effort artifact write of any completed MAP summaries").
// Like Stop, it is idempotent and shares the same stopOnce — whichever
// of Stop or Abort runs first wins, and the other observes its result.
func (s *Session) Abort() *models.StopResult {
	s.stopOnce.Do(func() {
		s.result, s.resultErr = s.doAbort()
	})
	return s.result
}

func (s *Session) doAbort() (*models.StopResult, error) {
	s.mu.Lock()
	s.status = models.StatusFailed
	summaries := append([]models.ChunkSummary(nil), s.chunkSummaries...)
	s.mu.Unlock()

	var summaryText string
	if len(summaries) == 0 {
		summaryText = "Session aborted before any content was summarized."
	} else {
		parts := make([]string, len(summaries))
		for i, cs := range summaries {
			parts[i] = cs.Text
		}
		summaryText = strings.Join(parts, "\n\n")
	}
	return s.persist(models.StatusFailed, summaryText, models.EmptyMeetingData())
}

func (s *Session) reduce(ctx context.Context, summaries []models.ChunkSummary) (string, error) {
	if s.llmSem != nil {
		s.llmSem <- struct{}{}
		defer func() { <-s.llmSem }()
	}
	return s.sum.Reduce(ctx, summaries)
}

func (s *Session) extract(ctx context.Context, summaries []models.ChunkSummary) models.MeetingData {
	if s.llmSem != nil {
		s.llmSem <- struct{}{}
		defer func() { <-s.llmSem }()
	}
	return s.sum.Extract(ctx, summaries)
}

// persist writes the summary/data/CSV artifacts and returns the
// resulting StopResult. On failure it still reports whatever paths
// output.Write managed to produce before the failing step, per spec
// §6's "artifact paths already written are reported regardless", and
// attaches those same paths onto the returned error's Details so the
// HTTP layer can surface them alongside the 500 OUTPUT_WRITE_FAILURE.
func (s *Session) persist(status models.SessionStatus, summaryText string, data models.MeetingData) (*models.StopResult, error) {
	res, err := output.Write(s.cfg.OutputDir, s.cfg.CSVPath, summaryText, data, time.Now(), s.cfg.CompanionNaming)
	if err != nil {
		s.logger.Error("output write failed", logging.Fields{"session_id": s.cfg.SessionID, "error": err.Error()})
		if ae, ok := apperr.As(err); ok {
			if res.SummaryPath != "" {
				ae.Details["summary_path"] = res.SummaryPath
			}
			if res.DataPath != "" {
				ae.Details["data_path"] = res.DataPath
			}
			if res.CSVPath != "" {
				ae.Details["csv_path"] = res.CSVPath
			}
		}
		return &models.StopResult{
			SummaryPath:   res.SummaryPath,
			DataPath:      res.DataPath,
			CSVPath:       res.CSVPath,
			SessionStatus: models.StatusFailed,
		}, err
	}
	s.logger.Info("session stopped", logging.Fields{
		"session_id": s.cfg.SessionID, "status": string(status),
		"total_audio_seconds": s.totalAudioSeconds, "chunk_count": s.chunkCount,
	})
	return &models.StopResult{
		SummaryPath:   res.SummaryPath,
		DataPath:      res.DataPath,
		CSVPath:       res.CSVPath,
		SessionStatus: status,
	}, nil
}

// isLowContent implements the low-content guard from spec §4.5 step 5.
func isLowContent(fullText string, summaries []models.ChunkSummary) bool {
	if len(summaries) == 0 {
		return true
	}

	words := strings.Fields(fullText)
	if len(words) >= 30 {
		return false
	}
	if len(words) == 0 {
		return true
	}

	cleaned := make([]string, len(words))
	for i, w := range words {
		cleaned[i] = strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
	}

	fillerCount := 0
	for i := 0; i < len(cleaned); i++ {
		if cleaned[i] == "thank" && i+1 < len(cleaned) && cleaned[i+1] == "you" {
			fillerCount += 2
			i++
			continue
		}
		if singleWordFillers[cleaned[i]] {
			fillerCount++
		}
	}
	return float64(fillerCount)/float64(len(words)) >= 0.8
}

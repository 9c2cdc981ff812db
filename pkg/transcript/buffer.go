// Package transcript implements C3: an append-only, ordered segment
// store that seals fixed-duration chunks for MAP as segments arrive.
package transcript

import (
	"strings"
	"sync"

	"meetingengine/pkg/models"
)

// DefaultChunkDurationSecs is the default span a chunk must cover
// before it is sealed, per spec §4.3. Sessions may override it.
const DefaultChunkDurationSecs = 60.0

// Buffer accumulates transcript segments and seals them into chunks
// once the in-progress span reaches chunkDurationSecs. It is safe for
// concurrent use, though callers only ever have one producer (the
// session's STT push path); sealed chunks are returned to that caller,
// which hands them to the MAP worker.
type Buffer struct {
	mu                 sync.Mutex
	chunkDurationSecs  float64
	inProgress         []models.TranscriptSegment
	inProgressStart    float64
	haveStart          bool
	nextChunkIndex     int
	allSegments        []models.TranscriptSegment
}

// New builds a Buffer with the given chunk duration. A non-positive
// duration falls back to DefaultChunkDurationSecs.
func New(chunkDurationSecs float64) *Buffer {
	if chunkDurationSecs <= 0 {
		chunkDurationSecs = DefaultChunkDurationSecs
	}
	return &Buffer{chunkDurationSecs: chunkDurationSecs}
}

// Add appends a segment to the buffer. If the in-progress span now
// covers at least chunkDurationSecs, it returns a sealed chunk; the
// in-progress list is reset and the chunk queue index advances.
func (b *Buffer) Add(seg models.TranscriptSegment) *models.TranscriptChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSegments = append(b.allSegments, seg)
	if !b.haveStart {
		b.inProgressStart = seg.StartS
		b.haveStart = true
	}
	b.inProgress = append(b.inProgress, seg)

	elapsed := seg.EndS - b.inProgressStart
	if elapsed < b.chunkDurationSecs {
		return nil
	}
	return b.sealLocked()
}

// ForceFinalize seals whatever is currently in progress, even if it
// falls short of chunkDurationSecs. Returns nil if there is nothing
// pending.
func (b *Buffer) ForceFinalize() *models.TranscriptChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inProgress) == 0 {
		return nil
	}
	return b.sealLocked()
}

// sealLocked must be called with b.mu held.
func (b *Buffer) sealLocked() *models.TranscriptChunk {
	segs := b.inProgress
	b.inProgress = nil
	b.haveStart = false

	chunk := &models.TranscriptChunk{
		Index:    b.nextChunkIndex,
		Segments: segs,
		Text:     joinSegments(segs),
	}
	b.nextChunkIndex++
	return chunk
}

// PendingCount reports how many segments are in the current
// in-progress (not yet sealed) window.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inProgress)
}

// FullText concatenates every segment seen so far, in arrival order.
// Used only for the low-content guard at stop time (spec §4.5 step 5)
// — never persisted or logged.
func (b *Buffer) FullText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return joinSegments(b.allSegments)
}

func joinSegments(segs []models.TranscriptSegment) string {
	if len(segs) == 0 {
		return ""
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

package transcript

import (
	"testing"

	"meetingengine/pkg/models"
)

func seg(text string, start, end float64, idx int64) models.TranscriptSegment {
	return models.TranscriptSegment{Text: text, StartS: start, EndS: end, ArrivalIndex: idx}
}

func TestBuffer_SealsOnDuration(t *testing.T) {
	b := New(60)

	if c := b.Add(seg("hello", 0, 30, 1)); c != nil {
		t.Fatalf("expected no chunk yet, got %+v", c)
	}
	c := b.Add(seg("world", 30, 61, 2))
	if c == nil {
		t.Fatal("expected a sealed chunk once span reaches chunk_duration_seconds")
	}
	if c.Index != 0 {
		t.Errorf("chunk index = %d, want 0", c.Index)
	}
	if c.Text != "hello world" {
		t.Errorf("chunk text = %q, want %q", c.Text, "hello world")
	}
	if len(c.Segments) != 2 {
		t.Errorf("chunk has %d segments, want 2", len(c.Segments))
	}
}

func TestBuffer_ResetsAfterSeal(t *testing.T) {
	b := New(10)
	b.Add(seg("a", 0, 11, 1))

	if c := b.Add(seg("b", 11, 15, 2)); c != nil {
		t.Fatalf("expected fresh in-progress window after seal, got %+v", c)
	}
}

func TestBuffer_ForceFinalize_Empty(t *testing.T) {
	b := New(60)
	if c := b.ForceFinalize(); c != nil {
		t.Fatalf("expected nil for empty buffer, got %+v", c)
	}
}

func TestBuffer_ForceFinalize_Partial(t *testing.T) {
	b := New(60)
	b.Add(seg("partial", 0, 5, 1))

	c := b.ForceFinalize()
	if c == nil {
		t.Fatal("expected a sealed chunk from partial content")
	}
	if c.Text != "partial" {
		t.Errorf("chunk text = %q, want %q", c.Text, "partial")
	}

	if c2 := b.ForceFinalize(); c2 != nil {
		t.Fatalf("expected nil on second finalize with nothing pending, got %+v", c2)
	}
}

func TestBuffer_ChunkIndexIncrements(t *testing.T) {
	b := New(1)
	c1 := b.Add(seg("one", 0, 2, 1))
	c2 := b.Add(seg("two", 2, 4, 2))
	if c1 == nil || c2 == nil {
		t.Fatal("expected both adds to seal chunks")
	}
	if c1.Index != 0 || c2.Index != 1 {
		t.Errorf("indices = %d, %d, want 0, 1", c1.Index, c2.Index)
	}
}

func TestBuffer_FullText(t *testing.T) {
	b := New(60)
	b.Add(seg("thank you", 0, 2, 1))
	b.Add(seg("for joining", 2, 4, 2))

	got := b.FullText()
	want := "thank you for joining"
	if got != want {
		t.Errorf("FullText() = %q, want %q", got, want)
	}
}

func TestBuffer_PendingCount(t *testing.T) {
	b := New(60)
	if b.PendingCount() != 0 {
		t.Fatalf("expected 0 pending on empty buffer")
	}
	b.Add(seg("a", 0, 5, 1))
	b.Add(seg("b", 5, 10, 2))
	if b.PendingCount() != 2 {
		t.Errorf("PendingCount() = %d, want 2", b.PendingCount())
	}
	b.ForceFinalize()
	if b.PendingCount() != 0 {
		t.Errorf("expected 0 pending after finalize, got %d", b.PendingCount())
	}
}

func TestBuffer_DefaultDuration(t *testing.T) {
	b := New(0)
	if b.chunkDurationSecs != DefaultChunkDurationSecs {
		t.Errorf("chunkDurationSecs = %f, want default %f", b.chunkDurationSecs, DefaultChunkDurationSecs)
	}
}

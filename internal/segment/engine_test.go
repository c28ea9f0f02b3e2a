package segment

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/scribekit/scribed/internal/config"
)

const testSampleRate = 16000

func testEngine(t *testing.T, mutate func(*config.DaemonConfig)) *Engine {
	t.Helper()
	d := config.DefaultDaemon()
	if mutate != nil {
		mutate(&d)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewEngine(d, testSampleRate, logger)
}

func silentFrames(n int) []int16 {
	return make([]int16, n*testSampleRate/10)
}

// toneFrames produces n frames of a 440 Hz tone well above any sane
// silence threshold.
func toneFrames(n int) []int16 {
	samples := make([]int16, n*testSampleRate/10)
	for i := range samples {
		samples[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/testSampleRate))
	}
	return samples
}

func feed(e *Engine, blocks ...[]int16) {
	for _, b := range blocks {
		e.Ingest(b)
	}
	e.CloseInput()
}

func collect(t *testing.T, e *Engine) []*Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var chunks []*Chunk
	for {
		chunk, err := e.NextChunk(ctx)
		if err != nil {
			if !errors.Is(err, ErrStreamEnded) {
				t.Fatalf("NextChunk: %v", err)
			}
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

func TestSilenceOnlyProducesNothing(t *testing.T) {
	e := testEngine(t, nil)
	feed(e, silentFrames(30))

	if chunks := collect(t, e); len(chunks) != 0 {
		t.Fatalf("got %d chunks from pure silence", len(chunks))
	}
	if s := e.Stats(); s.TotalChunks != 0 {
		t.Fatalf("stats counted %d chunks for pure silence", s.TotalChunks)
	}
}

func TestSilenceTimeoutEndsChunk(t *testing.T) {
	e := testEngine(t, nil)
	// 2s speech, then enough silence to cross the 0.5s timeout, then more
	// silence that is dropped outside speech.
	feed(e, toneFrames(20), silentFrames(10))

	chunks := collect(t, e)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Reason != ReasonSilenceTimeout {
		t.Fatalf("reason = %q, want %q", c.Reason, ReasonSilenceTimeout)
	}
	// 20 speech frames plus the 5 trailing silent frames that closed the
	// chunk; the remaining silence never enters the accumulator.
	want := 25 * testSampleRate / 10
	if c.SampleCount != want {
		t.Fatalf("SampleCount = %d, want %d", c.SampleCount, want)
	}
	if c.Duration != float64(want)/testSampleRate {
		t.Fatalf("Duration = %v", c.Duration)
	}
}

func TestInterUtterancePausesAreKept(t *testing.T) {
	e := testEngine(t, nil)
	// A 0.3s pause is below the 0.5s timeout: both bursts and the pause
	// land in one chunk.
	feed(e, toneFrames(10), silentFrames(3), toneFrames(10), silentFrames(10))

	chunks := collect(t, e)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	want := (10 + 3 + 10 + 5) * testSampleRate / 10
	if chunks[0].SampleCount != want {
		t.Fatalf("SampleCount = %d, want %d", chunks[0].SampleCount, want)
	}
}

func TestMaxDurationEndsChunk(t *testing.T) {
	e := testEngine(t, func(d *config.DaemonConfig) {
		d.VADMaxDuration = 1.0
	})
	// 2.5s of continuous speech against a 1s cap: two max-duration chunks
	// and one final flush at stream end.
	feed(e, toneFrames(25))

	chunks := collect(t, e)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i := 0; i < 2; i++ {
		if chunks[i].Reason != ReasonMaxDuration {
			t.Fatalf("chunk %d reason = %q, want %q", i, chunks[i].Reason, ReasonMaxDuration)
		}
		if chunks[i].SampleCount != testSampleRate {
			t.Fatalf("chunk %d SampleCount = %d, want %d", i, chunks[i].SampleCount, testSampleRate)
		}
	}
	if chunks[2].Reason != ReasonStreamEnded {
		t.Fatalf("final reason = %q, want %q", chunks[2].Reason, ReasonStreamEnded)
	}
}

func TestStreamEndFlushesPendingSpeech(t *testing.T) {
	e := testEngine(t, nil)
	feed(e, toneFrames(10))

	chunks := collect(t, e)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Reason != ReasonStreamEnded {
		t.Fatalf("reason = %q, want %q", chunks[0].Reason, ReasonStreamEnded)
	}
}

func TestFinalizeGateDropsQuietAccumulator(t *testing.T) {
	e := testEngine(t, func(d *config.DaemonConfig) {
		d.SilenceThreshold = 0.01
		d.VADSilenceDuration = 10 // never fires
	})
	marginal := make([]int16, testSampleRate/10)
	for i := range marginal {
		marginal[i] = int16(600 * math.Sin(2*math.Pi*440*float64(i)/testSampleRate))
	}
	// One frame barely over threshold, then 4s of in-speech silence: the
	// whole-buffer RMS at stream end falls below the gate and the chunk is
	// rejected even though its first frame started speech.
	feed(e, marginal, silentFrames(40))

	if chunks := collect(t, e); len(chunks) != 0 {
		t.Fatalf("got %d chunks, want 0", len(chunks))
	}
	s := e.Stats()
	if s.TotalChunks != 1 || s.ChunksSkippedSilence != 1 {
		t.Fatalf("stats = %+v, want one skipped chunk", s)
	}
}

func TestThresholdIsStrict(t *testing.T) {
	e := testEngine(t, func(d *config.DaemonConfig) {
		d.SilenceThreshold = 1.0
	})
	if e.hasAudio(toneFrames(1)) {
		t.Fatal("threshold 1.0 must classify everything as silence")
	}

	e = testEngine(t, func(d *config.DaemonConfig) {
		d.SilenceThreshold = 0
	})
	if e.hasAudio(silentFrames(1)) {
		t.Fatal("all-zero samples must be silent even at threshold 0")
	}
	if !e.hasAudio(toneFrames(1)) {
		t.Fatal("tone must pass at threshold 0")
	}
}

func TestFixedWindowMode(t *testing.T) {
	e := testEngine(t, func(d *config.DaemonConfig) {
		d.VAD = false
		d.ChunkDuration = 1.0
		d.OverlapDuration = 0.25
	})
	feed(e, toneFrames(30))

	chunks := collect(t, e)
	// 3s of audio, 1s windows advancing 0.75s: windows at 0, 0.75 and 1.5.
	// The carried-over tail never fills a fourth window.
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Reason != ReasonWindow {
			t.Fatalf("chunk %d reason = %q", i, c.Reason)
		}
		if c.SampleCount != testSampleRate {
			t.Fatalf("chunk %d SampleCount = %d, want %d", i, c.SampleCount, testSampleRate)
		}
	}
}

func TestFixedWindowSkipsSilentWindows(t *testing.T) {
	e := testEngine(t, func(d *config.DaemonConfig) {
		d.VAD = false
		d.ChunkDuration = 1.0
		d.OverlapDuration = 0
	})
	feed(e, silentFrames(10), toneFrames(10), silentFrames(10))

	chunks := collect(t, e)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	s := e.Stats()
	if s.TotalChunks != 3 || s.ChunksSkippedSilence != 2 || s.ChunksWithAudio != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNextChunkHonorsContext(t *testing.T) {
	e := testEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := e.NextChunk(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NextChunk did not observe cancellation")
	}
}

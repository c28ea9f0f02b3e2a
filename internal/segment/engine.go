package segment

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribekit/scribed/internal/config"
)

// ErrStreamEnded is returned by NextChunk once the input stream has
// closed and no buffered speech remains.
var ErrStreamEnded = errors.New("audio stream ended")

// CompletionReason records why a chunk boundary was drawn.
type CompletionReason string

const (
	ReasonSilenceTimeout CompletionReason = "silence"
	ReasonMaxDuration    CompletionReason = "max_duration"
	ReasonStreamEnded    CompletionReason = "stream_ended"
	ReasonWindow         CompletionReason = "window"
)

// Chunk is a finalized, bounded sample buffer ready for recognition.
type Chunk struct {
	Samples     []int16
	Reason      CompletionReason
	SampleCount int
	Duration    float64
}

// Stats mirrors the pipeline's running counters.
type Stats struct {
	TotalChunks          uint64
	ChunksWithAudio      uint64
	ChunksSkippedSilence uint64
	BySilence            uint64
	ByMaxDuration        uint64
}

const ingestSlack = 256 // blocks; sole consumer drains continuously

// Engine converts a continuous sample stream into utterance-sized chunks.
// All segmentation state is owned by the single goroutine calling
// NextChunk; producers hand samples off through Ingest.
type Engine struct {
	sampleRate       int
	frameSize        int
	vad              bool
	silenceThreshold float64
	chunkSamples     int
	overlapSamples   int
	vadSilenceSecs   float64
	vadMaxSamples    int
	debug            bool
	log              *slog.Logger

	in     chan []int16
	buffer []int16

	inSpeech           bool
	speech             []int16
	consecutiveSilence int

	stats       Stats
	emitCounter metric.Int64Counter
	skipCounter metric.Int64Counter
}

// NewEngine builds an engine from the session's daemon config. Frame size
// is fixed at construction: 100ms of samples.
func NewEngine(d config.DaemonConfig, sampleRate int, log *slog.Logger) *Engine {
	e := &Engine{
		sampleRate:       sampleRate,
		frameSize:        sampleRate / 10,
		vad:              d.VAD,
		silenceThreshold: d.SilenceThreshold,
		chunkSamples:     int(float64(sampleRate) * d.ChunkDuration),
		overlapSamples:   int(float64(sampleRate) * d.OverlapDuration),
		vadSilenceSecs:   d.VADSilenceDuration,
		vadMaxSamples:    int(float64(sampleRate) * d.VADMaxDuration),
		debug:            d.Debug,
		log:              log.With(slog.String("component", "segment-engine")),
		in:               make(chan []int16, ingestSlack),
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	meter := otel.Meter("github.com/scribekit/scribed/segment")
	var err error
	e.emitCounter, err = meter.Int64Counter("scribed.chunks.emitted",
		metric.WithDescription("Chunks emitted to the recognizer"))
	if err != nil {
		e.log.Warn("failed to create chunk counter", slog.String("error", err.Error()))
	}
	e.skipCounter, err = meter.Int64Counter("scribed.chunks.skipped",
		metric.WithDescription("Chunks rejected by the silence gate"))
	if err != nil {
		e.log.Warn("failed to create skip counter", slog.String("error", err.Error()))
	}
}

// Ingest appends a block of samples to the running buffer. Never blocks
// under normal operation: the queue carries enough slack for the sole
// consumer to keep up.
func (e *Engine) Ingest(block []int16) {
	e.in <- block
}

// CloseInput marks the end of the sample stream.
func (e *Engine) CloseInput() {
	close(e.in)
}

// Stats returns a copy of the running counters. Only meaningful between
// NextChunk calls (single-consumer discipline).
func (e *Engine) Stats() Stats {
	return e.stats
}

// NextChunk blocks until a chunk boundary is reached, the stream ends or
// ctx is cancelled.
func (e *Engine) NextChunk(ctx context.Context) (*Chunk, error) {
	if e.vad {
		return e.nextVADChunk(ctx)
	}
	return e.nextFixedChunk(ctx)
}

func (e *Engine) nextVADChunk(ctx context.Context) (*Chunk, error) {
	for {
		for len(e.buffer) >= e.frameSize {
			frame := e.buffer[:e.frameSize]
			e.buffer = e.buffer[e.frameSize:]
			if chunk := e.processFrame(frame); chunk != nil {
				return chunk, nil
			}
		}

		select {
		case block, ok := <-e.in:
			if !ok {
				if chunk := e.finalize(ReasonStreamEnded); chunk != nil {
					return chunk, nil
				}
				return nil, ErrStreamEnded
			}
			e.buffer = append(e.buffer, block...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// processFrame advances the VAD state machine by one 100ms frame and
// returns a chunk when a boundary is crossed.
func (e *Engine) processFrame(frame []int16) *Chunk {
	if e.hasAudio(frame) {
		if !e.inSpeech {
			e.debugLog("speech started")
			e.inSpeech = true
		}
		e.speech = append(e.speech, frame...)
		e.consecutiveSilence = 0
	} else if e.inSpeech {
		// Keep silent frames inside an utterance: natural pauses belong
		// to the chunk. Silent frames outside speech are dropped above.
		e.consecutiveSilence++
		silenceDuration := float64(e.consecutiveSilence*e.frameSize) / float64(e.sampleRate)
		e.speech = append(e.speech, frame...)
		if silenceDuration >= e.vadSilenceSecs {
			e.debugLog("silence threshold exceeded, ending chunk")
			if chunk := e.finalize(ReasonSilenceTimeout); chunk != nil {
				return chunk
			}
		}
	}

	if len(e.speech) >= e.vadMaxSamples {
		e.debugLog("maximum duration reached, ending chunk")
		if chunk := e.finalize(ReasonMaxDuration); chunk != nil {
			return chunk
		}
	}
	return nil
}

// finalize closes out the speech accumulator. The whole accumulated
// buffer must pass the RMS gate, otherwise the chunk is dropped. State is
// reset either way.
func (e *Engine) finalize(reason CompletionReason) *Chunk {
	if len(e.speech) == 0 {
		return nil
	}
	samples := e.speech
	e.speech = nil
	e.inSpeech = false
	e.consecutiveSilence = 0

	e.stats.TotalChunks++
	if !e.hasAudio(samples) {
		e.stats.ChunksSkippedSilence++
		e.countSkip()
		e.debugLog("chunk skipped, insufficient audio")
		return nil
	}

	e.stats.ChunksWithAudio++
	switch reason {
	case ReasonSilenceTimeout:
		e.stats.BySilence++
	case ReasonMaxDuration:
		e.stats.ByMaxDuration++
	}
	e.countEmit(reason)

	return &Chunk{
		Samples:     samples,
		Reason:      reason,
		SampleCount: len(samples),
		Duration:    float64(len(samples)) / float64(e.sampleRate),
	}
}

// nextFixedChunk implements the sliding-window mode: fixed-size windows
// with overlap carry-over, each gated by the same RMS test.
func (e *Engine) nextFixedChunk(ctx context.Context) (*Chunk, error) {
	for {
		for len(e.buffer) >= e.chunkSamples {
			window := make([]int16, e.chunkSamples)
			copy(window, e.buffer[:e.chunkSamples])
			if e.overlapSamples > 0 {
				e.buffer = e.buffer[e.chunkSamples-e.overlapSamples:]
			} else {
				e.buffer = e.buffer[e.chunkSamples:]
			}

			e.stats.TotalChunks++
			if !e.hasAudio(window) {
				e.stats.ChunksSkippedSilence++
				e.countSkip()
				e.debugLog("window skipped, silence")
				continue
			}
			e.stats.ChunksWithAudio++
			e.countEmit(ReasonWindow)
			return &Chunk{
				Samples:     window,
				Reason:      ReasonWindow,
				SampleCount: len(window),
				Duration:    float64(len(window)) / float64(e.sampleRate),
			}, nil
		}

		select {
		case block, ok := <-e.in:
			if !ok {
				return nil, ErrStreamEnded
			}
			e.buffer = append(e.buffer, block...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hasAudio reports whether the buffer's normalized RMS exceeds the
// silence threshold. Strictly greater: a buffer exactly at threshold is
// silence.
func (e *Engine) hasAudio(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return rms/32768.0 > e.silenceThreshold
}

func (e *Engine) countEmit(reason CompletionReason) {
	if e.emitCounter != nil {
		e.emitCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

func (e *Engine) countSkip() {
	if e.skipCounter != nil {
		e.skipCounter.Add(context.Background(), 1)
	}
}

func (e *Engine) debugLog(msg string) {
	if e.debug {
		e.log.Debug(msg)
	}
}

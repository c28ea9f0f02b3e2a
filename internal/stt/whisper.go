// Native recognizer backed by the whisper.cpp CGO bindings. libwhisper.a
// and whisper.h must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/scribekit/scribed/internal/config"
)

type whisperRecognizer struct {
	model whisperlib.Model
	name  string
	mu    sync.Mutex
}

// NewWhisper loads a ggml model file named after the model ("ggml-base.bin")
// from cfg.ModelDir. The model stays resident until Close.
func NewWhisper(cfg config.RecognizerConfig, model string) (Recognizer, error) {
	path := filepath.Join(cfg.ModelDir, "ggml-"+model+".bin")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file %s: %w", path, err)
	}
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	return &whisperRecognizer{model: m, name: model}, nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []int16, sampleRate int, language string) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// whisper contexts are not thread-safe; serialize inference.
	r.mu.Lock()
	defer r.mu.Unlock()

	wctx, err := r.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return nil, fmt.Errorf("set language %q: %w", language, err)
		}
	}

	pcm := make([]float32, len(samples))
	for i, s := range samples {
		pcm[i] = float32(s) / 32768.0
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("process audio: %w", err)
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Text: text, Start: seg.Start, End: seg.End})
	}
	return segments, nil
}

func (r *whisperRecognizer) ModelName() string { return r.name }

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		err := r.model.Close()
		r.model = nil
		return err
	}
	return nil
}

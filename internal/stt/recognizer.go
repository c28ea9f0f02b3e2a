package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scribekit/scribed/internal/config"
)

// ErrModelLoad indicates the recognizer backend failed to initialize.
var ErrModelLoad = errors.New("model load failed")

// Segment is one recognized span of text within a chunk.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Recognizer abstracts speech-to-text backends. Transcribe is
// synchronous and may take seconds for large chunks.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int, language string) ([]Segment, error)
	ModelName() string
	Close() error
}

// Load constructs the recognizer selected by cfg.Mode with the given
// model. Failures wrap ErrModelLoad.
func Load(cfg config.RecognizerConfig, model string) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(model), nil
	case "exec":
		r, err := NewExec(cfg, model)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return r, nil
	case "whisper":
		r, err := NewWhisper(cfg, model)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown recognizer mode %q", ErrModelLoad, cfg.Mode)
	}
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/scribekit/scribed/internal/config"
)

// execRecognizer shells out to an external transcriber. The chunk is
// handed over as a temporary WAV file; the command must print JSON to
// stdout: either {"text": ...} or {"segments": [{"text": ...}, ...]}.
type execRecognizer struct {
	cmd   []string
	cfg   config.RecognizerConfig
	model string
	mu    sync.Mutex
}

type execSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExec builds an exec-backed recognizer from the configured command.
func NewExec(cfg config.RecognizerConfig, model string) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, model: model}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []int16, sampleRate int, language string) ([]Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribed_chunk_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := WriteWAV(file, samples, sampleRate, 1); err != nil {
		return nil, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", r.model)
	if r.cfg.ModelDir != "" {
		args = append(args, "--model-dir", r.cfg.ModelDir)
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode recognizer response: %w", err)
	}

	if len(resp.Segments) == 0 && resp.Text != "" {
		return []Segment{{Text: resp.Text}}, nil
	}
	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Text:  s.Text,
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
		})
	}
	return segments, nil
}

func (r *execRecognizer) ModelName() string { return r.model }

func (r *execRecognizer) Close() error { return nil }

// WriteWAV encodes 16-bit PCM samples to w.
func WriteWAV(file *os.File, samples []int16, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

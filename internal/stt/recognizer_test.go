package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scribekit/scribed/internal/config"
)

func TestLoadUnknownMode(t *testing.T) {
	_, err := Load(config.RecognizerConfig{Mode: "telepathy"}, "base")
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestLoadMock(t *testing.T) {
	r, err := Load(config.RecognizerConfig{Mode: "mock"}, "base")
	if err != nil {
		t.Fatalf("load mock: %v", err)
	}
	defer r.Close()

	if r.ModelName() != "base" {
		t.Fatalf("model = %q, want base", r.ModelName())
	}
	segments, err := r.Transcribe(context.Background(), make([]int16, 1600), 16000, "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(segments) != 1 || !strings.Contains(segments[0].Text, "base") {
		t.Fatalf("unexpected segments: %v", segments)
	}
}

func TestLoadExecRequiresCommand(t *testing.T) {
	_, err := Load(config.RecognizerConfig{Mode: "exec"}, "base")
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestLoadWhisperMissingModelFile(t *testing.T) {
	cfg := config.RecognizerConfig{Mode: "whisper", ModelDir: t.TempDir()}
	if _, err := Load(cfg, "base"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.wav")
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(f, samples, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read wav: %v", readErr)
	}
	if len(raw) < 44+len(samples)*2 {
		t.Fatalf("wav file too short: %d bytes", len(raw))
	}
	if string(raw[:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatalf("not a wav file: % x", raw[:12])
	}
}

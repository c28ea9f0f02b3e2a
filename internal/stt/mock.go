package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	model string
}

// NewMock returns a recognizer producing deterministic placeholder text.
func NewMock(model string) Recognizer {
	return &mockRecognizer{model: model}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []int16, _ int, _ string) ([]Segment, error) {
	return []Segment{
		{Text: fmt.Sprintf("[%s transcript samples=%d]", m.model, len(samples))},
	}, nil
}

func (m *mockRecognizer) ModelName() string { return m.model }

func (m *mockRecognizer) Close() error { return nil }

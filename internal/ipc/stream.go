package ipc

import (
	"context"
	"fmt"
	"time"
)

const streamPollInterval = 100 * time.Millisecond

// StreamingClient drives a live transcription session: it starts a
// recording, dispatches transcription events to a callback and stops the
// recording when the context is cancelled or a terminal message arrives.
type StreamingClient struct {
	client *Client
}

// NewStreamingClient wraps a streaming session around the given endpoint.
func NewStreamingClient(path string) *StreamingClient {
	return &StreamingClient{client: NewClient(path)}
}

// Connect dials the daemon.
func (s *StreamingClient) Connect(timeout time.Duration) error {
	return s.client.Connect(timeout)
}

// Disconnect closes the underlying connection.
func (s *StreamingClient) Disconnect() {
	s.client.Disconnect()
}

// Client exposes the underlying command client.
func (s *StreamingClient) Client() *Client {
	return s.client
}

// Stream issues start_recording and loops over inbound events until the
// context is cancelled or the session terminates. onText receives every
// transcription; onError receives recoverable error events.
func (s *StreamingClient) Stream(ctx context.Context, onText func(string), onError func(string)) error {
	resp, err := s.client.SendCommand("start_recording", nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("failed to start recording: %s", resp.Message())
	}

	stopped := false
	defer func() {
		if !stopped {
			_, _ = s.client.SendCommand("stop_recording", nil)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			resp, err := s.client.SendCommand("stop_recording", nil)
			if err != nil {
				return err
			}
			stopped = true
			if !resp.OK() {
				return fmt.Errorf("failed to stop recording: %s", resp.Message())
			}
			return ctx.Err()
		default:
		}

		msg, err := s.client.ReceiveMessage(streamPollInterval)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case EventTranscription:
			if text := msg.Text(); text != "" && onText != nil {
				onText(text)
			}
		case EventError:
			if onError != nil {
				onError(msg.ErrMessage())
			}
		case EventRecordingStopped:
			stopped = true
			return nil
		}
	}
}

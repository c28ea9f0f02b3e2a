package ipc

import (
	"errors"
	"fmt"
	"time"
)

// Event types broadcast by the daemon.
const (
	EventTranscription    = "transcription"
	EventRecordingStopped = "recording_stopped"
	EventError            = "error"
)

var (
	// ErrNotConnected indicates a command was issued without an active connection.
	ErrNotConnected = errors.New("not connected to daemon")
	// ErrConnectTimeout indicates the endpoint never became reachable in time.
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrCommunication indicates a transport failure mid-exchange.
	ErrCommunication = errors.New("communication error")
	// ErrEndpointInUse indicates another live server owns the socket path.
	ErrEndpointInUse = errors.New("endpoint already in use")
)

// Request is a decoded command message: a "command" key plus keyword
// arguments.
type Request map[string]any

// Command returns the command name, or "" when the key is missing.
func (r Request) Command() string {
	name, _ := r["command"].(string)
	return name
}

// Response is the reply to a single Request. Every response carries a
// "status" key of either "success" or "error".
type Response map[string]any

// Success builds a success response with a human-readable message.
func Success(message string) Response {
	return Response{"status": "success", "message": message}
}

// Errorf builds an error response.
func Errorf(format string, args ...any) Response {
	return Response{"status": "error", "message": fmt.Sprintf(format, args...)}
}

// OK reports whether the response status is "success".
func (r Response) OK() bool {
	status, _ := r["status"].(string)
	return status == "success"
}

// Message returns the response message, if any.
func (r Response) Message() string {
	msg, _ := r["message"].(string)
	return msg
}

// Message is any inbound record on a client connection. Events carry a
// "type" key; everything else is treated as a Response.
type Message map[string]any

// Type returns the event type, or "" for responses.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// IsEvent reports whether the message is an unsolicited event.
func (m Message) IsEvent() bool {
	return m.Type() != ""
}

// Text returns the "text" field of a transcription event.
func (m Message) Text() string {
	t, _ := m["text"].(string)
	return t
}

// ErrMessage returns the "message" field of an error event or response.
func (m Message) ErrMessage() string {
	t, _ := m["message"].(string)
	return t
}

// TranscriptionEvent is broadcast for every non-empty recognized segment.
type TranscriptionEvent struct {
	Type              string  `json:"type"`
	Text              string  `json:"text"`
	TranscriptionTime float64 `json:"transcription_time"`
}

// NewTranscriptionEvent builds a transcription event from recognized text
// and the elapsed recognition time.
func NewTranscriptionEvent(text string, elapsed time.Duration) TranscriptionEvent {
	return TranscriptionEvent{
		Type:              EventTranscription,
		Text:              text,
		TranscriptionTime: elapsed.Seconds(),
	}
}

// RecordingStoppedEvent is broadcast when a recording session ends.
type RecordingStoppedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewRecordingStoppedEvent builds the terminal event for a session.
func NewRecordingStoppedEvent(message string) RecordingStoppedEvent {
	return RecordingStoppedEvent{Type: EventRecordingStopped, Message: message}
}

// ErrorEvent is broadcast for recoverable per-chunk failures.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

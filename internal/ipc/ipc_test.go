package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scribed.sock")
	srv := NewServer(path, testLogger())
	srv.RegisterHandler("echo", func(req Request) Response {
		resp := Success("ok")
		if v, ok := req["value"]; ok {
			resp["value"] = v
		}
		return resp
	})
	srv.RegisterHandler("fail", func(Request) Response {
		return Errorf("deliberate failure")
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, path
}

func connect(t *testing.T, path string) *Client {
	t.Helper()
	c := NewClient(path)
	if err := c.Connect(2 * time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestCommandRoundTrip(t *testing.T) {
	_, path := startTestServer(t)
	c := connect(t, path)

	resp, err := c.SendCommand("echo", map[string]any{"value": "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected success, got %v", resp)
	}
	if got, _ := resp["value"].(string); got != "hello" {
		t.Fatalf("value = %q, want hello", got)
	}
}

func TestErrorResponse(t *testing.T) {
	_, path := startTestServer(t)
	c := connect(t, path)

	resp, err := c.SendCommand("fail", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.OK() {
		t.Fatal("expected error response")
	}
	if resp.Message() != "deliberate failure" {
		t.Fatalf("message = %q", resp.Message())
	}
}

func TestMissingCommand(t *testing.T) {
	_, path := startTestServer(t)
	c := connect(t, path)

	resp, err := c.SendCommand("", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.OK() || resp.Message() != "Missing command" {
		t.Fatalf("got %v, want Missing command error", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, path := startTestServer(t)
	c := connect(t, path)

	resp, err := c.SendCommand("frobnicate", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.OK() || resp.Message() != "Unknown command: frobnicate" {
		t.Fatalf("got %v, want Unknown command error", resp)
	}
}

func TestMalformedJSONRecovery(t *testing.T) {
	_, path := startTestServer(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	dec := json.NewDecoder(conn)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.OK() || resp.Message() != "Invalid JSON" {
		t.Fatalf("got %v, want Invalid JSON error", resp)
	}

	// The connection survives: a valid command afterwards still works.
	if _, err := conn.Write([]byte(`{"command":"echo"}` + "\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	resp = nil
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read echo response: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected success after resync, got %v", resp)
	}
}

func TestBroadcast(t *testing.T) {
	srv, path := startTestServer(t)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = connect(t, path)
	}
	// A disconnected client must not block delivery to the others.
	dropped := connect(t, path)
	dropped.Disconnect()
	time.Sleep(50 * time.Millisecond)

	srv.Broadcast(NewTranscriptionEvent("hello world", 150*time.Millisecond))

	for i, c := range clients {
		msg, err := c.ReceiveMessage(2 * time.Second)
		if err != nil {
			t.Fatalf("client %d receive: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("client %d got no event", i)
		}
		if msg.Type() != EventTranscription {
			t.Fatalf("client %d type = %q", i, msg.Type())
		}
		if msg.Text() != "hello world" {
			t.Fatalf("client %d text = %q", i, msg.Text())
		}
		if secs, ok := msg["transcription_time"].(float64); !ok || secs <= 0 {
			t.Fatalf("client %d transcription_time = %v", i, msg["transcription_time"])
		}
	}
}

func TestEventsInterleavedWithResponses(t *testing.T) {
	srv, path := startTestServer(t)
	c := connect(t, path)

	srv.Broadcast(NewErrorEvent("first"))
	srv.Broadcast(NewRecordingStoppedEvent("second"))
	time.Sleep(50 * time.Millisecond)

	// The pending events must not be mistaken for the command response.
	resp, err := c.SendCommand("echo", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected success, got %v", resp)
	}

	msg, err := c.ReceiveMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil || msg.Type() != EventError {
		t.Fatalf("first event = %v, want error event", msg)
	}
	msg, err = c.ReceiveMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil || msg.Type() != EventRecordingStopped {
		t.Fatalf("second event = %v, want recording_stopped", msg)
	}
}

func TestReceiveMessageTimeout(t *testing.T) {
	_, path := startTestServer(t)
	c := connect(t, path)

	start := time.Now()
	msg, err := c.ReceiveMessage(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != nil {
		t.Fatalf("unexpected message: %v", msg)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("returned after %v, expected to wait out the timeout", elapsed)
	}
}

func TestConnectTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sock")
	c := NewClient(path)

	start := time.Now()
	err := c.Connect(500 * time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("err = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("connect gave up after %v", elapsed)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	if _, err := c.SendCommand("echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestEndpointInUse(t *testing.T) {
	_, path := startTestServer(t)

	second := NewServer(path, testLogger())
	err := second.Start()
	if !errors.Is(err, ErrEndpointInUse) {
		if err == nil {
			second.Stop()
		}
		t.Fatalf("err = %v, want ErrEndpointInUse", err)
	}
}

func TestStaleSocketReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribed.sock")

	first := NewServer(path, testLogger())
	if err := first.Start(); err != nil {
		t.Fatalf("start first: %v", err)
	}
	first.Stop()

	// Simulate an unclean exit that left the socket file behind.
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	second := NewServer(path, testLogger())
	if err := second.Start(); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	second.Stop()
}

func TestClientCount(t *testing.T) {
	srv, path := startTestServer(t)

	if n := srv.ClientCount(); n != 0 {
		t.Fatalf("initial client count = %d", n)
	}
	clients := make([]*Client, 2)
	for i := range clients {
		clients[i] = connect(t, path)
	}
	waitFor(t, func() bool { return srv.ClientCount() == 2 })

	clients[0].Disconnect()
	// The server notices the close once its read loop fails.
	waitFor(t, func() bool { return srv.ClientCount() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStreamReceivesUntilStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribed.sock")
	srv := NewServer(path, testLogger())
	srv.RegisterHandler("start_recording", func(Request) Response {
		go func() {
			time.Sleep(50 * time.Millisecond)
			srv.Broadcast(NewTranscriptionEvent("alpha", 10*time.Millisecond))
			srv.Broadcast(NewTranscriptionEvent("beta", 10*time.Millisecond))
			srv.Broadcast(NewRecordingStoppedEvent("done"))
		}()
		return Success("Recording started")
	})
	srv.RegisterHandler("stop_recording", func(Request) Response {
		return Success("Recording stopped")
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)

	sc := NewStreamingClient(path)
	if err := sc.Connect(2 * time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sc.Disconnect()

	var texts []string
	err := sc.Stream(t.Context(), func(text string) {
		texts = append(texts, text)
	}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if fmt.Sprint(texts) != "[alpha beta]" {
		t.Fatalf("texts = %v", texts)
	}
}

package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	writeTimeout  = 5 * time.Second
	probeTimeout  = 250 * time.Millisecond
	stopJoinLimit = 2 * time.Second
)

// Handler processes one command message and returns exactly one response.
type Handler func(Request) Response

// Server accepts client connections on a Unix socket, dispatches commands
// to registered handlers and broadcasts unsolicited events.
type Server struct {
	path     string
	log      *slog.Logger
	handlers map[string]Handler

	lis     net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
	enc  *json.Encoder
}

// send serializes writes so responses and broadcasts never interleave.
func (c *serverConn) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.enc.Encode(v)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// NewServer builds a server bound to the given socket path.
func NewServer(path string, log *slog.Logger) *Server {
	return &Server{
		path:     path,
		log:      log.With(slog.String("component", "ipc-server")),
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
	}
}

// RegisterHandler associates a command name with a handler. All handlers
// must be registered before Start.
func (s *Server) RegisterHandler(command string, h Handler) {
	s.handlers[command] = h
}

// Start binds the socket and begins accepting connections. A stale socket
// file left by a crashed instance is removed; a socket with a live server
// behind it is an error.
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
	}
	if err := s.clearStale(); err != nil {
		return err
	}

	lis, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.log.Warn("failed to set socket permissions", slog.String("error", err.Error()))
	}

	s.lis = lis
	s.running.Store(true)
	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", slog.String("path", s.path))
	return nil
}

// clearStale removes a leftover socket file, but only after confirming no
// live server answers on it.
func (s *Server) clearStale() error {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	conn, err := net.DialTimeout("unix", s.path, probeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrEndpointInUse, s.path)
	}
	s.log.Info("removing stale socket", slog.String("path", s.path))
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		sc := &serverConn{conn: conn, enc: json.NewEncoder(conn)}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(sc)
	}
}

func (s *Server) handleConn(sc *serverConn) {
	defer s.wg.Done()
	defer s.dropConn(sc)

	dec := json.NewDecoder(sc.conn)
	for s.running.Load() {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				if sendErr := sc.send(Errorf("Invalid JSON")); sendErr != nil {
					return
				}
				// Drop whatever garbage the decoder buffered and resync.
				_, _ = io.Copy(io.Discard, dec.Buffered())
				dec = json.NewDecoder(sc.conn)
				continue
			}
			return
		}

		resp := s.dispatch(req)
		if err := sc.send(resp); err != nil {
			s.log.Warn("failed to write response", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	command := req.Command()
	if command == "" {
		return Errorf("Missing command")
	}
	handler, ok := s.handlers[command]
	if !ok {
		return Errorf("Unknown command: %s", command)
	}
	return handler(req)
}

func (s *Server) dropConn(sc *serverConn) {
	sc.conn.Close()
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

// Broadcast delivers an event to every connected client. Delivery is
// best-effort: a client whose send fails is closed and forgotten.
func (s *Server) Broadcast(event any) {
	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		targets = append(targets, sc)
	}
	s.mu.Unlock()

	for _, sc := range targets {
		if err := sc.send(event); err != nil {
			s.dropConn(sc)
		}
	}
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and all connections, removes the socket file
// and waits (bounded) for handler goroutines to exit.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.lis != nil {
		s.lis.Close()
	}

	s.mu.Lock()
	for sc := range s.conns {
		sc.conn.Close()
	}
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove socket", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinLimit):
		s.log.Warn("timed out waiting for connection handlers")
	}
	s.log.Info("ipc server stopped")
}

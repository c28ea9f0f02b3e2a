package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribekit/scribed/internal/config"
	"github.com/scribekit/scribed/internal/ipc"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.SocketPath = filepath.Join(dir, "scribed.sock")
	cfg.PIDFile = filepath.Join(dir, "scribed.pid")
	return NewManager(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)), "/nonexistent/scribed")
}

// fakeDaemon answers get_status and tears itself down on shutdown, enough
// to exercise the manager's IPC paths without a real child process.
func fakeDaemon(t *testing.T, socketPath string) {
	t.Helper()
	srv := ipc.NewServer(socketPath, slog.Default())
	srv.RegisterHandler("get_status", func(ipc.Request) ipc.Response {
		return ipc.Response{"status": "success", "recording": false}
	})
	srv.RegisterHandler("shutdown", func(ipc.Request) ipc.Response {
		go func() {
			time.Sleep(100 * time.Millisecond)
			srv.Stop()
		}()
		return ipc.Success("Shutting down")
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start fake daemon: %v", err)
	}
	t.Cleanup(srv.Stop)
}

func TestIsRunningWithoutDaemon(t *testing.T) {
	m := testManager(t)
	if m.IsRunning() {
		t.Fatal("IsRunning should be false with no socket present")
	}
}

func TestIsRunningIgnoresStaleSocket(t *testing.T) {
	m := testManager(t)
	f, err := os.Create(m.cfg.SocketPath)
	if err != nil {
		t.Fatalf("create stale socket file: %v", err)
	}
	f.Close()
	if m.IsRunning() {
		t.Fatal("a socket file with no listener should not count as running")
	}
}

func TestIsRunningWithDaemon(t *testing.T) {
	m := testManager(t)
	fakeDaemon(t, m.cfg.SocketPath)
	if !m.IsRunning() {
		t.Fatal("IsRunning should be true with a live daemon")
	}
}

func TestStopNotRunning(t *testing.T) {
	m := testManager(t)
	if err := m.Stop(context.Background(), false); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop on idle manager = %v, want ErrNotRunning", err)
	}
}

func TestStopGraceful(t *testing.T) {
	m := testManager(t)
	fakeDaemon(t, m.cfg.SocketPath)

	if err := m.Stop(context.Background(), false); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	if m.IsRunning() {
		t.Fatal("daemon still answering after graceful stop")
	}
	if _, err := os.Stat(m.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("pid file not cleaned up: %v", err)
	}
}

func TestStatusNotRunning(t *testing.T) {
	m := testManager(t)
	if _, err := m.Status(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status on idle manager = %v, want ErrNotRunning", err)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	m := testManager(t)
	if err := m.writePID(12345); err != nil {
		t.Fatalf("writePID: %v", err)
	}
	info, err := os.Stat(m.cfg.PIDFile)
	if err != nil {
		t.Fatalf("stat pid file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("pid file mode = %o, want 600", perm)
	}
	pid, err := m.readPID()
	if err != nil {
		t.Fatalf("readPID: %v", err)
	}
	if pid != 12345 {
		t.Fatalf("pid = %d, want 12345", pid)
	}
}

func TestReadPIDMalformed(t *testing.T) {
	m := testManager(t)
	if err := os.WriteFile(m.cfg.PIDFile, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, err := m.readPID(); err == nil {
		t.Fatal("readPID should reject a malformed pid file")
	}
}

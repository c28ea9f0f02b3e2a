package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/scribekit/scribed/internal/config"
	"github.com/scribekit/scribed/internal/ipc"
)

const (
	startPollLimit    = 15 * time.Second
	gracefulStopLimit = 5 * time.Second
	termStopLimit     = 5 * time.Second
	pollInterval      = 200 * time.Millisecond
)

// ErrNotRunning reports a stop or status request against a daemon that
// is not up.
var ErrNotRunning = errors.New("service is not running")

// Manager starts, stops, and queries the background daemon process.
type Manager struct {
	cfg    config.Config
	log    *slog.Logger
	binary string
	args   []string
}

// NewManager builds a lifecycle manager. binary is the daemon executable
// to spawn; args are passed through on start.
func NewManager(cfg config.Config, logger *slog.Logger, binary string, args ...string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "lifecycle")),
		binary: binary,
		args:   args,
	}
}

// IsRunning reports whether a live daemon answers on the socket. A
// leftover socket file with nothing behind it does not count.
func (m *Manager) IsRunning() bool {
	client := ipc.NewClient(m.cfg.SocketPath)
	if !client.IsServiceRunning() {
		return false
	}
	if err := client.Connect(time.Second); err != nil {
		return false
	}
	defer client.Disconnect()
	resp, err := client.SendCommand("get_status", nil)
	return err == nil && resp.OK()
}

// Start spawns the daemon detached from the current session and waits
// for it to come up. Starting an already running daemon is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.IsRunning() {
		m.log.Info("daemon already running", slog.String("socket", m.cfg.SocketPath))
		return nil
	}

	cmd := exec.Command(m.binary, m.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin = devnull
		cmd.Stdout = devnull
		cmd.Stderr = devnull
		defer devnull.Close()
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := m.writePID(pid); err != nil {
		m.log.Warn("failed to write pid file", slog.String("error", err.Error()))
	}
	_ = cmd.Process.Release()
	m.log.Info("daemon spawned", slog.Int("pid", pid))

	deadline := time.Now().Add(startPollLimit)
	for time.Now().Before(deadline) {
		if m.IsRunning() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("daemon did not come up within %s", startPollLimit)
}

// Stop shuts the daemon down. The graceful path asks it to exit over
// IPC; if that stalls, or force is set, it escalates to SIGTERM and
// finally SIGKILL. Stale socket and pid files are cleaned up either way.
func (m *Manager) Stop(ctx context.Context, force bool) error {
	running := m.IsRunning()
	pid, pidErr := m.readPID()
	if !running && pidErr != nil {
		m.cleanup()
		return ErrNotRunning
	}

	if running && !force {
		if m.stopGracefully(ctx) {
			m.cleanup()
			return nil
		}
		m.log.Warn("graceful shutdown timed out, escalating")
	}

	if pidErr == nil {
		if err := m.signalAndWait(ctx, pid); err != nil {
			return err
		}
	}
	m.cleanup()
	return nil
}

// Restart stops any running daemon and starts a fresh one.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx, false); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return m.Start(ctx)
}

// Status returns the daemon's get_status response.
func (m *Manager) Status() (ipc.Response, error) {
	client := ipc.NewClient(m.cfg.SocketPath)
	if err := client.Connect(time.Second); err != nil {
		return nil, ErrNotRunning
	}
	defer client.Disconnect()
	return client.SendCommand("get_status", nil)
}

// Configure forwards runtime settings to a running daemon.
func (m *Manager) Configure(args map[string]any) (ipc.Response, error) {
	client := ipc.NewClient(m.cfg.SocketPath)
	if err := client.Connect(time.Second); err != nil {
		return nil, ErrNotRunning
	}
	defer client.Disconnect()
	return client.SendCommand("configure", args)
}

// stopGracefully sends the shutdown command and waits for the socket to
// go quiet. Returns false if the daemon is still answering afterwards.
func (m *Manager) stopGracefully(ctx context.Context) bool {
	client := ipc.NewClient(m.cfg.SocketPath)
	if err := client.Connect(time.Second); err != nil {
		return !m.IsRunning()
	}
	_, err := client.SendCommand("shutdown", nil)
	client.Disconnect()
	if err != nil {
		// The daemon may exit before the response makes it back.
		m.log.Debug("shutdown command did not complete", slog.String("error", err.Error()))
	}

	deadline := time.Now().Add(gracefulStopLimit)
	for time.Now().Before(deadline) {
		if !m.IsRunning() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return false
}

// signalAndWait terminates the process by pid: SIGTERM first, SIGKILL
// if it does not exit in time.
func (m *Manager) signalAndWait(ctx context.Context, pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}
	m.log.Info("sent SIGTERM", slog.Int("pid", pid))

	deadline := time.Now().Add(termStopLimit)
	for time.Now().Before(deadline) {
		if !processAlive(proc) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	m.log.Warn("process ignored SIGTERM, killing", slog.Int("pid", pid))
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func processAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) writePID(pid int) error {
	return os.WriteFile(m.cfg.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func (m *Manager) readPID() (int, error) {
	raw, err := os.ReadFile(m.cfg.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", m.cfg.PIDFile, err)
	}
	return pid, nil
}

// cleanup removes the pid file and a socket nobody is listening on.
func (m *Manager) cleanup() {
	_ = os.Remove(m.cfg.PIDFile)
	if !m.IsRunning() {
		_ = os.Remove(m.cfg.SocketPath)
	}
}

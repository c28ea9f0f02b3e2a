package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/scribekit/scribed/internal/config"
)

const (
	wavHeaderSize = 44
	stopWaitLimit = 2 * time.Second
)

// FFmpegSource captures microphone audio by piping s16le WAV from an
// ffmpeg subprocess. The capture backend (alsa, pulse, avfoundation,
// dshow) is resolved at start time from the host platform.
type FFmpegSource struct {
	cfg config.AudioConfig
	log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	blocks  chan []int16
	quit    chan struct{}
	stopped bool
	err     error
}

// NewFFmpegSource builds a capture source for the given audio settings.
func NewFFmpegSource(cfg config.AudioConfig, log *slog.Logger) *FFmpegSource {
	return &FFmpegSource{
		cfg: cfg,
		log: log.With(slog.String("component", "audio-source")),
	}
}

// inputArgs returns the platform-specific ffmpeg input arguments.
func inputArgs(device string) []string {
	if device == "" {
		device = "default"
	}
	switch runtime.GOOS {
	case "linux":
		if _, err := exec.LookPath("arecord"); err == nil {
			return []string{"-f", "alsa", "-i", device}
		}
		return []string{"-f", "pulse", "-i", device}
	case "darwin":
		return []string{"-f", "avfoundation", "-i", ":0"}
	case "windows":
		return []string{"-f", "dshow", "-i", "audio=" + device}
	default:
		return []string{"-f", "pulse", "-i", device}
	}
}

// captureCommand assembles the full capture command line. A configured
// capture_command overrides the built-in ffmpeg invocation entirely.
func (s *FFmpegSource) captureCommand() ([]string, error) {
	if s.cfg.CaptureCommand != "" {
		args, err := shellwords.NewParser().Parse(s.cfg.CaptureCommand)
		if err != nil {
			return nil, fmt.Errorf("parse capture command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("capture command is empty")
		}
		return args, nil
	}
	args := []string{"ffmpeg", "-y"}
	args = append(args, inputArgs(s.cfg.Device)...)
	args = append(args,
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", s.cfg.SampleRate),
		"-ac", fmt.Sprintf("%d", s.cfg.Channels),
		"-f", "wav",
		"pipe:1",
	)
	return args, nil
}

func (s *FFmpegSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("capture already started")
	}

	args, err := s.captureCommand()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("capture stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	// Generous slack so a briefly stalled consumer never loses stream data.
	s.blocks = make(chan []int16, 64)
	s.quit = make(chan struct{})
	s.stopped = false
	s.err = nil

	s.log.Info("capture started", slog.Int("pid", cmd.Process.Pid))
	go s.readLoop(stdout)
	return nil
}

// readLoop skips the WAV header then streams 100ms sample blocks.
func (s *FFmpegSource) readLoop(stdout io.Reader) {
	defer close(s.blocks)

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(stdout, header); err != nil {
		s.fail(fmt.Errorf("read wav header: %w", err))
		return
	}

	blockBytes := s.cfg.SampleRate * s.cfg.Channels * 2 / 10
	buf := make([]byte, blockBytes)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			select {
			case s.blocks <- samples:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.fail(fmt.Errorf("read capture stream: %w", err))
				return
			}
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.fail(errors.New("capture process exited unexpectedly"))
			}
			return
		}
	}
}

func (s *FFmpegSource) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.stopped {
		s.err = err
	}
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.log.Warn("capture failed", slog.String("error", err.Error()))
	}
}

func (s *FFmpegSource) Blocks() <-chan []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks
}

// Stop asks ffmpeg to quit, waits briefly, then kills it. Never blocks
// beyond the bounded wait even if the process is unresponsive.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	if s.cmd == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cmd := s.cmd
	stdin := s.stdin
	close(s.quit)
	s.mu.Unlock()

	if stdin != nil {
		_, _ = stdin.Write([]byte("q\n"))
		_ = stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(stopWaitLimit):
		s.log.Warn("capture process did not exit, killing")
		_ = cmd.Process.Kill()
		<-done
	}

	s.log.Info("capture stopped")
	return nil
}

func (s *FFmpegSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

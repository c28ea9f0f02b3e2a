package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribekit/scribed/internal/audio"
	"github.com/scribekit/scribed/internal/config"
	"github.com/scribekit/scribed/internal/history"
	"github.com/scribekit/scribed/internal/ipc"
	"github.com/scribekit/scribed/internal/segment"
	"github.com/scribekit/scribed/internal/stt"
)

const (
	sessionJoinLimit = 2 * time.Second
	shutdownGrace    = 200 * time.Millisecond
)

// RecognizerFactory builds a recognizer for a model name. Swappable in
// tests.
type RecognizerFactory func(cfg config.RecognizerConfig, model string) (stt.Recognizer, error)

// SourceFactory builds the audio capture source for a session.
type SourceFactory func() audio.Source

// Options configures a Daemon.
type Options struct {
	Config            config.Config
	Logger            *slog.Logger
	Recognizer        stt.Recognizer
	RecognizerFactory RecognizerFactory
	SourceFactory     SourceFactory
	History           *history.Store
}

// Daemon is the service core: it owns the loaded recognizer, at most one
// recording session, and the IPC command surface.
type Daemon struct {
	cfg    config.Config
	log    *slog.Logger
	server *ipc.Server

	newRecognizer RecognizerFactory
	newSource     SourceFactory
	history       *history.Store

	// mu serializes command dispatch and guards all mutable service state.
	mu        sync.Mutex
	dcfg      config.DaemonConfig
	recording bool
	session   *session

	// recMu guards the recognizer against reload racing an in-flight
	// transcription.
	recMu      sync.RWMutex
	recognizer stt.Recognizer

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	transcribeHist metric.Float64Histogram
	clientsGauge   metric.Int64ObservableGauge
}

type session struct {
	id       string
	language string
	source   audio.Source
	engine   *segment.Engine
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a daemon. opts.Recognizer must already be loaded; initial
// model load failures are fatal to startup and belong to the caller.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.RecognizerFactory
	if factory == nil {
		factory = stt.Load
	}
	sourceFactory := opts.SourceFactory
	cfg := opts.Config
	if sourceFactory == nil {
		sourceFactory = func() audio.Source {
			return audio.NewFFmpegSource(cfg.Audio, logger)
		}
	}

	d := &Daemon{
		cfg:           cfg,
		log:           logger.With(slog.String("component", "daemon")),
		server:        ipc.NewServer(cfg.SocketPath, logger),
		newRecognizer: factory,
		newSource:     sourceFactory,
		history:       opts.History,
		dcfg:          cfg.Daemon,
		recognizer:    opts.Recognizer,
		shutdownCh:    make(chan struct{}),
	}

	d.server.RegisterHandler("configure", d.handleConfigure)
	d.server.RegisterHandler("start_recording", d.handleStartRecording)
	d.server.RegisterHandler("stop_recording", d.handleStopRecording)
	d.server.RegisterHandler("get_status", d.handleGetStatus)
	d.server.RegisterHandler("shutdown", d.handleShutdown)

	d.initMetrics()
	return d
}

func (d *Daemon) initMetrics() {
	meter := otel.Meter("github.com/scribekit/scribed/daemon")
	var err error
	d.transcribeHist, err = meter.Float64Histogram("scribed.transcription.duration",
		metric.WithDescription("Per-chunk recognition latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		d.log.Warn("failed to create transcription histogram", slog.String("error", err.Error()))
	}
	d.clientsGauge, err = meter.Int64ObservableGauge("scribed.clients.connected",
		metric.WithDescription("Connected IPC clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.server.ClientCount()))
			return nil
		}))
	if err != nil {
		d.log.Warn("failed to create clients gauge", slog.String("error", err.Error()))
	}
}

// Server exposes the IPC server, mainly for readiness probes.
func (d *Daemon) Server() *ipc.Server {
	return d.server
}

// Run starts the IPC server and blocks until ctx is cancelled or a
// shutdown command arrives, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.runCtx = ctx
	d.runCancel = cancel
	defer cancel()

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	d.log.Info("daemon ready", slog.String("socket", d.cfg.SocketPath), slog.String("model", d.dcfg.Model))

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
		// Give the shutdown response a moment to reach the caller.
		time.Sleep(shutdownGrace)
	}

	d.log.Info("daemon stopping")

	d.mu.Lock()
	if d.recording {
		d.stopSessionLocked("Recording stopped")
	}
	d.mu.Unlock()

	d.server.Stop()

	d.recMu.Lock()
	if d.recognizer != nil {
		_ = d.recognizer.Close()
	}
	d.recMu.Unlock()

	d.log.Info("daemon stopped")
	return nil
}

// ---- command handlers ------------------------------------------------------

// configurePatch is the set of keys the configure command may merge.
// Pointers distinguish "absent" from zero values.
type configurePatch struct {
	Model              *string  `json:"model"`
	Language           *string  `json:"language"`
	ChunkDuration      *float64 `json:"chunk_duration"`
	OverlapDuration    *float64 `json:"overlap_duration"`
	SilenceThreshold   *float64 `json:"silence_threshold"`
	VADSilenceDuration *float64 `json:"vad_silence_duration"`
	VADMaxDuration     *float64 `json:"vad_max_duration"`
	VAD                *bool    `json:"vad"`
	Debug              *bool    `json:"debug"`
}

func (d *Daemon) handleConfigure(req ipc.Request) ipc.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := json.Marshal(map[string]any(req))
	if err != nil {
		return ipc.Errorf("invalid configure payload: %v", err)
	}
	var patch configurePatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return ipc.Errorf("invalid configure payload: %v", err)
	}

	merged := d.dcfg
	if patch.Model != nil {
		merged.Model = *patch.Model
	}
	if patch.Language != nil {
		merged.Language = *patch.Language
	}
	if patch.ChunkDuration != nil {
		merged.ChunkDuration = *patch.ChunkDuration
	}
	if patch.OverlapDuration != nil {
		merged.OverlapDuration = *patch.OverlapDuration
	}
	if patch.SilenceThreshold != nil {
		merged.SilenceThreshold = *patch.SilenceThreshold
	}
	if patch.VADSilenceDuration != nil {
		merged.VADSilenceDuration = *patch.VADSilenceDuration
	}
	if patch.VADMaxDuration != nil {
		merged.VADMaxDuration = *patch.VADMaxDuration
	}
	if patch.VAD != nil {
		merged.VAD = *patch.VAD
	}
	if patch.Debug != nil {
		merged.Debug = *patch.Debug
	}

	if err := config.ValidateDaemon(merged); err != nil {
		return ipc.Errorf("%v", err)
	}

	if merged.Model != d.dcfg.Model {
		if err := d.reloadRecognizer(merged.Model); err != nil {
			// The previous model stays loaded; config is untouched.
			return ipc.Errorf("%v", err)
		}
	}

	d.dcfg = merged
	return ipc.Success("Configuration updated")
}

// reloadRecognizer swaps the model. It waits for any in-flight
// transcription to finish rather than interrupting it.
func (d *Daemon) reloadRecognizer(model string) error {
	d.log.Info("loading model", slog.String("model", model))
	start := time.Now()
	next, err := d.newRecognizer(d.cfg.Recognizer, model)
	if err != nil {
		d.log.Error("model load failed", slog.String("model", model), slog.String("error", err.Error()))
		return err
	}

	d.recMu.Lock()
	old := d.recognizer
	d.recognizer = next
	d.recMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	d.log.Info("model loaded",
		slog.String("model", model),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (d *Daemon) handleStartRecording(_ ipc.Request) ipc.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recording {
		return ipc.Errorf("Already recording")
	}
	if err := d.startSessionLocked(); err != nil {
		return ipc.Errorf("failed to start recording: %v", err)
	}
	return ipc.Success("Recording started")
}

func (d *Daemon) handleStopRecording(_ ipc.Request) ipc.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.recording {
		return ipc.Errorf("Not recording")
	}
	d.stopSessionLocked("Recording stopped")
	return ipc.Success("Recording stopped")
}

func (d *Daemon) handleGetStatus(_ ipc.Request) ipc.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfgMap := map[string]any{}
	if raw, err := json.Marshal(d.dcfg); err == nil {
		_ = json.Unmarshal(raw, &cfgMap)
	}
	return ipc.Response{
		"status":    "success",
		"recording": d.recording,
		"model":     d.dcfg.Model,
		"config":    cfgMap,
	}
}

func (d *Daemon) handleShutdown(_ ipc.Request) ipc.Response {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
	return ipc.Success("Shutting down")
}

// ---- recording session -----------------------------------------------------

func (d *Daemon) startSessionLocked() error {
	ctx, cancel := context.WithCancel(d.runCtx)

	source := d.newSource()
	if err := source.Start(ctx); err != nil {
		cancel()
		return err
	}

	engine := segment.NewEngine(d.dcfg, d.cfg.Audio.SampleRate, d.log)
	// Language is fixed for the life of the session; a configure that
	// changes it applies from the next start_recording.
	s := &session{
		id:       uuid.NewString(),
		language: d.dcfg.Language,
		source:   source,
		engine:   engine,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if d.history != nil {
		if err := d.history.BeginSession(ctx, s.id, d.dcfg.Model, d.dcfg.Language); err != nil {
			d.log.Warn("failed to record session start", slog.String("error", err.Error()))
		}
	}

	// Pump captured blocks into the engine; the engine input closes when
	// capture ends.
	go func() {
		for block := range source.Blocks() {
			engine.Ingest(block)
		}
		engine.CloseInput()
	}()

	go d.transcriptionLoop(ctx, s)
	go d.watchSession(s)

	d.session = s
	d.recording = true
	d.log.Info("recording started", slog.String("session", s.id))
	return nil
}

// stopSessionLocked tears the current session down. Callers hold d.mu.
func (d *Daemon) stopSessionLocked(message string) {
	s := d.session
	d.session = nil
	d.recording = false
	if s == nil {
		return
	}

	s.cancel()
	if err := s.source.Stop(); err != nil {
		d.log.Warn("failed to stop capture", slog.String("error", err.Error()))
	}

	select {
	case <-s.done:
	case <-time.After(sessionJoinLimit):
		d.log.Warn("timed out waiting for transcription loop")
	}

	d.server.Broadcast(ipc.NewRecordingStoppedEvent(message))
	d.log.Info("recording stopped", slog.String("session", s.id))
}

// watchSession handles a session that ends on its own (capture failure or
// stream end) rather than via stop_recording.
func (d *Daemon) watchSession(s *session) {
	<-s.done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != s {
		// Already stopped by command or shutdown.
		return
	}
	d.session = nil
	d.recording = false

	s.cancel()
	if err := s.source.Stop(); err != nil {
		d.log.Warn("failed to stop capture", slog.String("error", err.Error()))
	}
	d.server.Broadcast(ipc.NewRecordingStoppedEvent("Recording stopped"))
	d.log.Info("recording session ended", slog.String("session", s.id))
}

// transcriptionLoop consumes chunks and feeds them to the recognizer.
// Per-chunk failures are reported and skipped; they never end the session.
func (d *Daemon) transcriptionLoop(ctx context.Context, s *session) {
	defer close(s.done)
	d.log.Info("transcription loop started", slog.String("session", s.id))

	for {
		chunk, err := s.engine.NextChunk(ctx)
		if err != nil {
			if errors.Is(err, segment.ErrStreamEnded) {
				if capErr := s.source.Err(); capErr != nil {
					d.log.Error("capture failed", slog.String("error", capErr.Error()))
					d.server.Broadcast(ipc.NewErrorEvent(fmt.Sprintf("Capture error: %v", capErr)))
				}
			}
			d.log.Info("transcription loop exiting", slog.String("session", s.id))
			return
		}

		// The read lock spans the call so a model reload cannot swap
		// the recognizer mid-recognition.
		start := time.Now()
		d.recMu.RLock()
		segments, err := d.recognizer.Transcribe(ctx, chunk.Samples, d.cfg.Audio.SampleRate, s.language)
		d.recMu.RUnlock()
		elapsed := time.Since(start)
		chunk.Samples = nil

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("transcription failed", slog.String("error", err.Error()))
			d.server.Broadcast(ipc.NewErrorEvent(fmt.Sprintf("Transcription error: %v", err)))
			continue
		}

		if d.transcribeHist != nil {
			d.transcribeHist.Record(ctx, elapsed.Seconds())
		}

		for _, seg := range segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			d.server.Broadcast(ipc.NewTranscriptionEvent(text, elapsed))
			if d.history != nil {
				if err := d.history.Append(context.Background(), s.id, text, elapsed); err != nil {
					d.log.Warn("failed to record transcript", slog.String("error", err.Error()))
				}
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scribekit/scribed/internal/config"
	"github.com/scribekit/scribed/internal/history"
	"github.com/scribekit/scribed/internal/ipc"
	"github.com/scribekit/scribed/internal/lifecycle"
)

var version = "0.1.0-dev"

const usage = `Usage: scribe [flags] [action]

Actions:
  (none)      Dictate: stream transcribed speech to stdout
  start       Start the background daemon
  stop        Stop the background daemon gracefully
  force-stop  Stop the background daemon without waiting
  restart     Restart the background daemon
  status      Show daemon status
  shutdown    Ask a running daemon to exit (no process management)
  history     Print stored transcripts
  version     Print version and exit

Flags:
`

func main() {
	var (
		configPath string
		socketPath string
		newlines   bool
		debug      bool
		limit      int
		sessionID  string
	)

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&socketPath, "socket-path", "", "Unix socket path (overrides config)")
	flag.BoolVar(&newlines, "newlines", false, "Print each transcription on its own line")
	flag.BoolVar(&debug, "debug", false, "Verbose logging to stderr")
	flag.IntVar(&limit, "limit", 20, "Number of history entries to print")
	flag.StringVar(&sessionID, "session", "", "Restrict history to one session")
	daemonFlags(flag.CommandLine)
	flag.Parse()

	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	mgr := lifecycle.NewManager(cfg, logger, daemonBinary(), daemonArgs(configPath, cfg)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	action := flag.Arg(0)
	switch action {
	case "", "dictate":
		err = dictate(ctx, cfg, mgr, configureArgs(flag.CommandLine), newlines)
	case "start":
		err = mgr.Start(ctx)
		if err == nil {
			fmt.Println("Daemon started")
		}
	case "stop":
		err = stopDaemon(ctx, mgr, false)
	case "force-stop":
		err = stopDaemon(ctx, mgr, true)
	case "restart":
		err = mgr.Restart(ctx)
		if err == nil {
			fmt.Println("Daemon restarted")
		}
	case "status":
		err = printStatus(mgr)
	case "shutdown":
		err = requestShutdown(cfg)
	case "history":
		err = printHistory(ctx, cfg, sessionID, limit)
	case "version":
		fmt.Println(version)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// daemonBinary locates scribed: next to this executable first, then on
// PATH.
func daemonBinary() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "scribed")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath("scribed"); err == nil {
		return path
	}
	return "scribed"
}

func daemonArgs(configPath string, cfg config.Config) []string {
	var args []string
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	args = append(args, "-socket-path", cfg.SocketPath)
	return args
}

// daemonFlags registers the per-session settings that map onto the
// daemon's configure command.
func daemonFlags(fs *flag.FlagSet) {
	fs.String("model", "", "Speech model to use for this session")
	fs.String("language", "", "Spoken language hint, e.g. en")
	fs.Float64("chunk-duration", 0, "Seconds per window in fixed-chunk mode")
	fs.Float64("overlap-duration", 0, "Seconds carried over between fixed windows")
	fs.Float64("silence-threshold", 0, "Normalized RMS at or below which a frame is silence")
	fs.Float64("vad-silence-duration", 0, "Seconds of silence that end an utterance")
	fs.Float64("vad-max-duration", 0, "Maximum seconds per utterance")
	fs.Bool("vad", true, "Segment with voice activity detection")
}

var configureKeys = map[string]string{
	"model":                "model",
	"language":             "language",
	"chunk-duration":       "chunk_duration",
	"overlap-duration":     "overlap_duration",
	"silence-threshold":    "silence_threshold",
	"vad-silence-duration": "vad_silence_duration",
	"vad-max-duration":     "vad_max_duration",
	"vad":                  "vad",
}

// configureArgs collects only the settings the caller set explicitly, so
// unset flags never clobber the daemon's current config.
func configureArgs(fs *flag.FlagSet) map[string]any {
	args := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		key, ok := configureKeys[f.Name]
		if !ok {
			return
		}
		if getter, ok := f.Value.(flag.Getter); ok {
			args[key] = getter.Get()
		}
	})
	return args
}

// dictate is the default action: make sure the daemon is up, apply any
// per-session settings, then stream transcriptions to stdout until
// interrupted.
func dictate(ctx context.Context, cfg config.Config, mgr *lifecycle.Manager, args map[string]any, newlines bool) error {
	if !mgr.IsRunning() {
		fmt.Fprintln(os.Stderr, "Starting daemon...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
	}

	if len(args) > 0 {
		resp, err := mgr.Configure(args)
		if err != nil {
			return fmt.Errorf("configure daemon: %w", err)
		}
		if !resp.OK() {
			return fmt.Errorf("configure daemon: %s", resp.Message())
		}
	}

	stream := ipc.NewStreamingClient(cfg.SocketPath)
	if err := stream.Connect(5 * time.Second); err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer stream.Disconnect()

	fmt.Fprintln(os.Stderr, "Listening. Press Ctrl-C to stop.")

	first := true
	err := stream.Stream(ctx,
		func(text string) {
			if newlines {
				fmt.Println(text)
				return
			}
			if !first {
				fmt.Print(" ")
			}
			fmt.Print(text)
			first = false
		},
		func(message string) {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", message)
		})
	if !newlines && !first {
		fmt.Println()
	}
	return err
}

func stopDaemon(ctx context.Context, mgr *lifecycle.Manager, force bool) error {
	err := mgr.Stop(ctx, force)
	if errors.Is(err, lifecycle.ErrNotRunning) {
		fmt.Println("Daemon is not running")
		return nil
	}
	if err == nil {
		fmt.Println("Daemon stopped")
	}
	return err
}

func printStatus(mgr *lifecycle.Manager) error {
	resp, err := mgr.Status()
	if errors.Is(err, lifecycle.ErrNotRunning) {
		fmt.Println("Daemon: not running")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("Daemon: running")
	if rec, ok := resp["recording"].(bool); ok {
		fmt.Printf("Recording: %v\n", rec)
	}
	if model, ok := resp["model"].(string); ok {
		fmt.Printf("Model: %s\n", model)
	}
	if cfgMap, ok := resp["config"].(map[string]any); ok {
		if lang, _ := cfgMap["language"].(string); lang != "" {
			fmt.Printf("Language: %s\n", lang)
		}
		if vad, ok := cfgMap["vad"].(bool); ok {
			mode := "fixed chunks"
			if vad {
				mode = "voice activity detection"
			}
			fmt.Printf("Segmentation: %s\n", mode)
		}
	}
	return nil
}

// requestShutdown sends the shutdown command without pid-file escalation.
func requestShutdown(cfg config.Config) error {
	client := ipc.NewClient(cfg.SocketPath)
	if err := client.Connect(time.Second); err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}
	defer client.Disconnect()
	resp, err := client.SendCommand("shutdown", nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("shutdown: %s", resp.Message())
	}
	fmt.Println("Shutdown requested")
	return nil
}

func printHistory(ctx context.Context, cfg config.Config, sessionID string, limit int) error {
	store, err := history.OpenReadOnly(ctx, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	entries, err := store.List(ctx, sessionID, limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No transcripts recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  [%s]  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			shortID(e.SessionID),
			e.Text)
	}
	return nil
}

func shortID(id string) string {
	if i := strings.Index(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownModels lists the recognizer model names the daemon accepts.
var KnownModels = []string{"tiny", "base", "small", "medium", "large", "turbo"}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	MetricsBind  string `yaml:"metrics_bind"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type AudioConfig struct {
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	CaptureCommand string `yaml:"capture_command"`
	Device         string `yaml:"device"`
}

type RecognizerConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, whisper
	Command  string `yaml:"command"`
	ModelDir string `yaml:"model_dir"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DaemonConfig is the runtime-mutable subset merged by the configure
// command. JSON tags define the wire shape returned by get_status.
type DaemonConfig struct {
	Model              string  `yaml:"model" json:"model"`
	Language           string  `yaml:"language" json:"language"`
	ChunkDuration      float64 `yaml:"chunk_duration" json:"chunk_duration"`
	OverlapDuration    float64 `yaml:"overlap_duration" json:"overlap_duration"`
	SilenceThreshold   float64 `yaml:"silence_threshold" json:"silence_threshold"`
	VADSilenceDuration float64 `yaml:"vad_silence_duration" json:"vad_silence_duration"`
	VADMaxDuration     float64 `yaml:"vad_max_duration" json:"vad_max_duration"`
	VAD                bool    `yaml:"vad" json:"vad"`
	Debug              bool    `yaml:"debug" json:"debug"`
}

type Config struct {
	SocketPath string           `yaml:"socket_path"`
	PIDFile    string           `yaml:"pid_file"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Audio      AudioConfig      `yaml:"audio"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	History    HistoryConfig    `yaml:"history"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// DefaultSocketPath returns the well-known endpoint in the shared temp dir.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "scribed.sock")
}

// DefaultPIDFile returns the default daemon pid file location.
func DefaultPIDFile() string {
	return filepath.Join(os.TempDir(), "scribed.pid")
}

func DefaultDaemon() DaemonConfig {
	return DaemonConfig{
		Model:              "base",
		Language:           "",
		ChunkDuration:      5.0,
		OverlapDuration:    1.0,
		SilenceThreshold:   0.01,
		VADSilenceDuration: 0.5,
		VADMaxDuration:     30.0,
		VAD:                true,
		Debug:              false,
	}
}

func Default() Config {
	return Config{
		SocketPath: DefaultSocketPath(),
		PIDFile:    DefaultPIDFile(),
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			MetricsBind:  "",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Recognizer: RecognizerConfig{
			Mode: "mock",
		},
		History: HistoryConfig{
			Path:          filepath.Join(os.TempDir(), "scribed-history.db"),
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEntries:    10000,
		},
		Daemon: DefaultDaemon(),
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.SocketPath, "SCRIBE_SOCKET_PATH")
	overrideString(&cfg.PIDFile, "SCRIBE_PID_FILE")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.MetricsBind, "SCRIBE_TELEMETRY_METRICS_BIND")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideString(&cfg.Audio.CaptureCommand, "SCRIBE_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.Device, "SCRIBE_AUDIO_DEVICE")
	overrideString(&cfg.Recognizer.Mode, "SCRIBE_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "SCRIBE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelDir, "SCRIBE_RECOGNIZER_MODEL_DIR")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SCRIBE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SCRIBE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "SCRIBE_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "SCRIBE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Daemon.Model, "SCRIBE_MODEL")
	overrideString(&cfg.Daemon.Language, "SCRIBE_LANGUAGE")
	overrideFloat(&cfg.Daemon.ChunkDuration, "SCRIBE_CHUNK_DURATION")
	overrideFloat(&cfg.Daemon.OverlapDuration, "SCRIBE_OVERLAP_DURATION")
	overrideFloat(&cfg.Daemon.SilenceThreshold, "SCRIBE_SILENCE_THRESHOLD")
	overrideFloat(&cfg.Daemon.VADSilenceDuration, "SCRIBE_VAD_SILENCE_DURATION")
	overrideFloat(&cfg.Daemon.VADMaxDuration, "SCRIBE_VAD_MAX_DURATION")
	overrideBool(&cfg.Daemon.VAD, "SCRIBE_VAD")
	overrideBool(&cfg.Daemon.Debug, "SCRIBE_DEBUG")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// ValidModel reports whether name is one of the known recognizer models.
func ValidModel(name string) bool {
	for _, m := range KnownModels {
		if m == name {
			return true
		}
	}
	return false
}

// Validate checks the full config tree.
func Validate(cfg Config) error {
	if cfg.SocketPath == "" {
		return errors.New("socket_path must not be empty")
	}
	if cfg.PIDFile == "" {
		return errors.New("pid_file must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("recognizer.mode must be one of mock|exec|whisper")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.Mode == "whisper" && cfg.Recognizer.ModelDir == "" {
		return errors.New("recognizer.model_dir must be set when mode=whisper")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return ValidateDaemon(cfg.Daemon)
}

// ValidateDaemon checks the runtime-mutable subset; also applied after
// every configure merge.
func ValidateDaemon(d DaemonConfig) error {
	if !ValidModel(d.Model) {
		return fmt.Errorf("unknown model %q (want one of %s)", d.Model, strings.Join(KnownModels, "|"))
	}
	if d.ChunkDuration <= 0 {
		return errors.New("chunk_duration must be positive")
	}
	if d.OverlapDuration < 0 || d.OverlapDuration >= d.ChunkDuration {
		return errors.New("overlap_duration must be >= 0 and less than chunk_duration")
	}
	if d.SilenceThreshold < 0 || d.SilenceThreshold > 1 {
		return errors.New("silence_threshold must be within [0, 1]")
	}
	if d.VADSilenceDuration <= 0 {
		return errors.New("vad_silence_duration must be positive")
	}
	if d.VADMaxDuration <= 0 {
		return errors.New("vad_max_duration must be positive")
	}
	return nil
}

package main

import (
	"flag"
	"testing"
)

func newDaemonFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("scribe", flag.ContinueOnError)
	daemonFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return fs
}

func TestConfigureArgsOnlySetFlags(t *testing.T) {
	fs := newDaemonFlagSet(t, "-model", "tiny", "-silence-threshold", "0.02", "-vad=false")

	args := configureArgs(fs)
	if len(args) != 3 {
		t.Fatalf("args = %v, want exactly the 3 set flags", args)
	}
	if args["model"] != "tiny" {
		t.Errorf("model = %v, want tiny", args["model"])
	}
	if args["silence_threshold"] != 0.02 {
		t.Errorf("silence_threshold = %v, want 0.02", args["silence_threshold"])
	}
	if args["vad"] != false {
		t.Errorf("vad = %v, want false", args["vad"])
	}
	if _, ok := args["chunk_duration"]; ok {
		t.Error("chunk_duration forwarded without being set")
	}
}

func TestConfigureArgsCoverAllSettings(t *testing.T) {
	fs := newDaemonFlagSet(t,
		"-model", "base",
		"-language", "en",
		"-chunk-duration", "3",
		"-overlap-duration", "0.5",
		"-silence-threshold", "0.05",
		"-vad-silence-duration", "1",
		"-vad-max-duration", "15",
		"-vad=true",
	)

	args := configureArgs(fs)
	want := []string{
		"model", "language", "chunk_duration", "overlap_duration",
		"silence_threshold", "vad_silence_duration", "vad_max_duration", "vad",
	}
	for _, key := range want {
		if _, ok := args[key]; !ok {
			t.Errorf("missing %s in %v", key, args)
		}
	}
	if args["chunk_duration"] != 3.0 {
		t.Errorf("chunk_duration = %v, want 3", args["chunk_duration"])
	}
	if args["vad_max_duration"] != 15.0 {
		t.Errorf("vad_max_duration = %v, want 15", args["vad_max_duration"])
	}
}

func TestConfigureArgsEmptyWhenNothingSet(t *testing.T) {
	fs := newDaemonFlagSet(t)
	if args := configureArgs(fs); len(args) != 0 {
		t.Fatalf("args = %v, want empty", args)
	}
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aecd/internal/config"
	"aecd/internal/store"
)

// cliConfigWithDB returns a default config whose store lives in a temp dir.
func cliConfigWithDB(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "aecd.db")
	return cfg
}

func TestRunCLIVersion(t *testing.T) {
	var out bytes.Buffer
	handled, err := RunCLI([]string{"version"}, config.Default(), &out)
	if !handled || err != nil {
		t.Fatalf("RunCLI(version) = %v, %v", handled, err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("output %q missing version", out.String())
	}
}

func TestRunCLIUnknownAndEmpty(t *testing.T) {
	for _, args := range [][]string{nil, {"nonexistent-cmd"}} {
		handled, err := RunCLI(args, config.Default(), &bytes.Buffer{})
		if handled || err != nil {
			t.Errorf("RunCLI(%v) = %v, %v; want false, nil", args, handled, err)
		}
	}
}

func TestRunCLIConfigRoundTrips(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.FilterLength = 256
	var out bytes.Buffer
	if _, err := RunCLI([]string{"config"}, cfg, &out); err != nil {
		t.Fatalf("RunCLI(config): %v", err)
	}
	got, err := config.LoadFromReader(&out)
	if err != nil {
		t.Fatalf("printed config does not load: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestRunCLISessions(t *testing.T) {
	cfg := cliConfigWithDB(t)

	var out bytes.Buffer
	if _, err := RunCLI([]string{"sessions"}, cfg, &out); err != nil {
		t.Fatalf("RunCLI(sessions): %v", err)
	}
	if !strings.Contains(out.String(), "No sessions") {
		t.Errorf("empty output = %q", out.String())
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, _ := st.BeginSession(ctx, store.Session{Mode: "cancel", Variant: "nlms", FilterLength: 1024, FrameSize: 1024})
	st.EndSession(ctx, id, store.SessionStats{Frames: 42, ERLE: 12.5})
	st.Close()

	out.Reset()
	if _, err := RunCLI([]string{"sessions", "5"}, cfg, &out); err != nil {
		t.Fatalf("RunCLI(sessions 5): %v", err)
	}
	for _, want := range []string{"cancel/nlms", "frames=42", "erle=12.5dB"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q missing %q", out.String(), want)
		}
	}

	if _, err := RunCLI([]string{"sessions", "zero"}, cfg, &out); err == nil {
		t.Error("expected error for bad limit")
	}
}

func TestRunCLIRecordings(t *testing.T) {
	cfg := cliConfigWithDB(t)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.AddRecording(context.Background(), store.Recording{
		Path:      "recordings/aec_1.ogg",
		StartedAt: time.Now(),
		Duration:  5 * time.Second,
		SizeBytes: 999,
	})
	st.Close()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if _, err := RunCLI([]string{"recordings"}, cfg, &out); err != nil {
		t.Fatalf("RunCLI(recordings): %v", err)
	}
	if !strings.Contains(out.String(), "aec_1.ogg") || !strings.Contains(out.String(), "999 bytes") {
		t.Errorf("output = %q", out.String())
	}
}

func TestFlagOverrides(t *testing.T) {
	cfg := flagOverrides{
		addr:        ":9999",
		db:          "x.db",
		debug:       true,
		passthrough: true,
		tone:        440,
		record:      true,
	}.apply(config.Default())

	if cfg.Server.ListenAddr != ":9999" || cfg.Store.Path != "x.db" {
		t.Errorf("addr/db not applied: %+v", cfg.Server)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %s", cfg.Server.LogLevel)
	}
	if !cfg.Pipeline.Passthrough() || cfg.Audio.ToneHz != 440 || !cfg.Recording.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	// Zero overrides leave the file settings alone.
	base := config.Default()
	if got := (flagOverrides{}).apply(base); got != base {
		t.Error("empty overrides changed the config")
	}
}

func TestPlaybackSource(t *testing.T) {
	cfg := config.Default()
	if _, err := playbackSource(cfg); err != nil {
		t.Fatalf("silence source: %v", err)
	}
	cfg.Audio.ToneHz = 1000
	src, err := playbackSource(cfg)
	if err != nil {
		t.Fatalf("tone source: %v", err)
	}
	buf := make([]float32, 64)
	src.Fill(buf)
	if buf[1] == 0 {
		t.Error("tone source produced silence")
	}
	cfg.Audio.Playback = filepath.Join(t.TempDir(), "missing.wav")
	if _, err := playbackSource(cfg); err == nil {
		t.Error("expected error for missing playback file")
	}
}

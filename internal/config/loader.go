package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path on top of Default and validates
// the result. Files ending in .json are decoded as JSON, anything else as
// YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if isJSON(path) {
		cfg, err = decodeJSON(data)
	} else {
		cfg, err = LoadFromReader(bytes.NewReader(data))
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of Default and validates the
// result. Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeJSON(data []byte) (Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode json: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed. The format
// follows the file extension as in Load.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg Config) error {
	var errs []error

	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, err)
	}

	a := cfg.Audio
	if a.Volume < 0 || a.Volume > 1 {
		errs = append(errs, fmt.Errorf("audio.volume %.2f is out of range [0, 1]", a.Volume))
	}
	if a.ToneHz < 0 {
		errs = append(errs, fmt.Errorf("audio.tone_hz must be >= 0, got %v", a.ToneHz))
	}
	if sr := cfg.Pipeline.SampleRate; sr > 0 && a.ToneHz >= float64(sr)/2 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %v is at or above the Nyquist frequency %d", a.ToneHz, sr/2))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if r := cfg.Recording; r.Enabled {
		if r.Dir == "" {
			errs = append(errs, errors.New("recording.dir is required when recording is enabled"))
		}
		if r.ChunkSeconds <= 0 {
			errs = append(errs, fmt.Errorf("recording.chunk_seconds must be > 0, got %d", r.ChunkSeconds))
		}
		if r.Bitrate < 6000 || r.Bitrate > 510000 {
			errs = append(errs, fmt.Errorf("recording.bitrate %d is out of range [6000, 510000]", r.Bitrate))
		}
		switch cfg.Pipeline.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			errs = append(errs, fmt.Errorf("recording requires an Opus sample rate (8000, 12000, 16000, 24000, 48000), got %d", cfg.Pipeline.SampleRate))
		}
	}

	return errors.Join(errs...)
}

// Validate checks the pipeline settings.
func (p Pipeline) Validate() error {
	var errs []error

	if p.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.frame_size must be > 0, got %d", p.FrameSize))
	}
	if p.FilterLength <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.filter_length must be > 0, got %d", p.FilterLength))
	}
	if !(p.LearningRate > 0) {
		errs = append(errs, fmt.Errorf("pipeline.learning_rate must be > 0, got %v", p.LearningRate))
	}
	switch p.Variant {
	case VariantLMS:
		if p.LearningRate*float64(p.FilterLength) >= 2 {
			slog.Warn("pipeline.learning_rate may diverge for full-scale references; learning_rate * filter_length should stay below 2 or use variant nlms",
				"learning_rate", p.LearningRate, "filter_length", p.FilterLength)
		}
	case VariantNLMS:
		if p.LearningRate >= 2 {
			errs = append(errs, fmt.Errorf("pipeline.learning_rate must be < 2 for nlms, got %v", p.LearningRate))
		}
	default:
		errs = append(errs, fmt.Errorf("pipeline.variant %q is invalid; valid values: lms, nlms", p.Variant))
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate must be > 0, got %d", p.SampleRate))
	}
	if p.Channels != 1 {
		errs = append(errs, fmt.Errorf("pipeline.channels must be 1, got %d", p.Channels))
	}
	if p.AlignmentOffset < 0 {
		errs = append(errs, fmt.Errorf("pipeline.alignment_offset must be >= 0, got %d", p.AlignmentOffset))
	}
	if p.HistoryFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_frames must be >= 0, got %d", p.HistoryFrames))
	}
	for _, f := range []struct {
		name string
		n    int
	}{
		{"capture_queue", p.CaptureQueue},
		{"reference_queue", p.ReferenceQueue},
		{"output_queue", p.OutputQueue},
		{"queue_wait_ms", p.QueueWaitMS},
		{"capture_timeout_ms", p.CaptureTimeoutMS},
		{"reference_timeout_ms", p.ReferenceTimeoutMS},
	} {
		if f.n <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be > 0, got %d", f.name, f.n))
		}
	}
	switch p.OutputPolicy {
	case PolicyBlock, PolicyDropOldest:
	default:
		errs = append(errs, fmt.Errorf("pipeline.output_policy %q is invalid; valid values: block, drop-oldest", p.OutputPolicy))
	}
	switch p.Mode {
	case ModeCancel, ModePassthrough:
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: cancel, passthrough", p.Mode))
	}
	if dt := p.DoubleTalk; dt.Enabled {
		if !(dt.Threshold > 0) {
			errs = append(errs, fmt.Errorf("pipeline.double_talk.threshold must be > 0, got %v", dt.Threshold))
		}
		if dt.HangoverSamples < 0 {
			errs = append(errs, fmt.Errorf("pipeline.double_talk.hangover_samples must be >= 0, got %d", dt.HangoverSamples))
		}
	}
	if g := p.ResidualGate; g.Enabled {
		if !(g.Threshold > 0 && g.Threshold < 1) {
			errs = append(errs, fmt.Errorf("pipeline.residual_gate.threshold must be in (0, 1), got %v", g.Threshold))
		}
		if g.HoldFrames < 0 {
			errs = append(errs, fmt.Errorf("pipeline.residual_gate.hold_frames must be >= 0, got %d", g.HoldFrames))
		}
	}

	return errors.Join(errs...)
}

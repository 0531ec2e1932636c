// Package config holds the echo canceller's settings. Settings are read from
// a YAML file (or JSON when the file name ends in .json); anything the file
// omits keeps its default.
package config

import (
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Filter variants.
const (
	VariantLMS  = "lms"
	VariantNLMS = "nlms"
)

// Output queue policies.
const (
	// PolicyBlock makes the processing loop wait for the consumer.
	PolicyBlock = "block"
	// PolicyDropOldest evicts the oldest queued output frame.
	PolicyDropOldest = "drop-oldest"
)

// Pipeline modes.
const (
	// ModeCancel runs the adaptive filter.
	ModeCancel = "cancel"
	// ModePassthrough forwards captured frames unchanged.
	ModePassthrough = "passthrough"
)

// Config is the complete application configuration.
type Config struct {
	Pipeline  Pipeline  `yaml:"pipeline" json:"pipeline"`
	Audio     Audio     `yaml:"audio" json:"audio"`
	Server    Server    `yaml:"server" json:"server"`
	Recording Recording `yaml:"recording" json:"recording"`
	Store     Store     `yaml:"store" json:"store"`
}

// Pipeline configures frame sizes, the adaptive filter and the queues
// between stages. It is fixed once handed to the scheduler.
type Pipeline struct {
	// FrameSize is the number of samples per frame.
	FrameSize int `yaml:"frame_size" json:"frame_size"`

	// FilterLength is the number of filter taps. Longer filters model
	// longer echo tails.
	FilterLength int `yaml:"filter_length" json:"filter_length"`

	// LearningRate is the adaptation step. With the lms variant the filter
	// is stable only while LearningRate * referenceEnergy < 2, where
	// referenceEnergy is the sum of squares over FilterLength reference
	// samples. With nlms it must lie in (0, 2).
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// Variant is "lms" or "nlms".
	Variant string `yaml:"variant" json:"variant"`

	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels must be 1; the echo path is modelled as mono.
	Channels int `yaml:"channels" json:"channels"`

	// AlignmentOffset is the fixed delay, in samples, between a reference
	// sample being played and its echo being captured.
	AlignmentOffset int `yaml:"alignment_offset" json:"alignment_offset"`

	// HistoryFrames is extra reference history kept beyond
	// AlignmentOffset+FrameSize.
	HistoryFrames int `yaml:"history_frames" json:"history_frames"`

	CaptureQueue   int `yaml:"capture_queue" json:"capture_queue"`
	ReferenceQueue int `yaml:"reference_queue" json:"reference_queue"`
	OutputQueue    int `yaml:"output_queue" json:"output_queue"`

	// QueueWaitMS bounds every single wait on a queue.
	QueueWaitMS int `yaml:"queue_wait_ms" json:"queue_wait_ms"`

	// CaptureTimeoutMS is how long the processing loop waits for a capture
	// frame before reporting a capture timeout.
	CaptureTimeoutMS int `yaml:"capture_timeout_ms" json:"capture_timeout_ms"`

	// ReferenceTimeoutMS is how long a capture frame waits for its reference
	// before the missing part is replaced with silence.
	ReferenceTimeoutMS int `yaml:"reference_timeout_ms" json:"reference_timeout_ms"`

	// OutputPolicy is "block" or "drop-oldest".
	OutputPolicy string `yaml:"output_policy" json:"output_policy"`

	// Mode is "cancel" or "passthrough".
	Mode string `yaml:"mode" json:"mode"`

	DoubleTalk DoubleTalk `yaml:"double_talk" json:"double_talk"`

	// ResidualGate silences cancelled frames whose residual stays below a
	// level, after a hold period.
	ResidualGate ResidualGate `yaml:"residual_gate" json:"residual_gate"`
}

// DoubleTalk configures the Geigel double-talk detector.
type DoubleTalk struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	Threshold       float64 `yaml:"threshold" json:"threshold"`
	HangoverSamples int     `yaml:"hangover_samples" json:"hangover_samples"`
}

// ResidualGate configures the post-filter gate on the canceller output.
type ResidualGate struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Threshold  float64 `yaml:"threshold" json:"threshold"` // frame RMS
	HoldFrames int     `yaml:"hold_frames" json:"hold_frames"`
}

// Audio selects devices and the playback source.
type Audio struct {
	// Device IDs index the PortAudio device list; -1 selects the default.
	InputDeviceID  int `yaml:"input_device_id" json:"input_device_id"`
	OutputDeviceID int `yaml:"output_device_id" json:"output_device_id"`

	// Volume scales the playback signal in [0, 1].
	Volume float64 `yaml:"volume" json:"volume"`

	// Playback is a WAV or raw s16le file looped through the speaker. Empty
	// plays ToneHz, or silence when ToneHz is 0.
	Playback string  `yaml:"playback" json:"playback"`
	ToneHz   float64 `yaml:"tone_hz" json:"tone_hz"`

	// Meter prints the output level bar to the terminal.
	Meter bool `yaml:"meter" json:"meter"`
}

// Server configures the HTTP surface and logging.
type Server struct {
	ListenAddr string   `yaml:"listen_addr" json:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level" json:"log_level"`
}

// Recording configures the Ogg/Opus recorder.
type Recording struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Dir          string `yaml:"dir" json:"dir"`
	ChunkSeconds int    `yaml:"chunk_seconds" json:"chunk_seconds"`
	Bitrate      int    `yaml:"bitrate" json:"bitrate"`
}

// Store configures the SQLite session index.
type Store struct {
	// Path is the database file; empty disables persistence.
	Path string `yaml:"path" json:"path"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Pipeline: DefaultPipeline(),
		Audio: Audio{
			InputDeviceID:  -1,
			OutputDeviceID: -1,
			Volume:         1.0,
			Meter:          true,
		},
		Server: Server{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Recording: Recording{
			Dir:          "recordings",
			ChunkSeconds: 5,
			Bitrate:      32000,
		},
		Store: Store{
			Path: "aecd.db",
		},
	}
}

// DefaultPipeline returns the default pipeline settings.
func DefaultPipeline() Pipeline {
	return Pipeline{
		FrameSize:          1024,
		FilterLength:       1024,
		LearningRate:       0.1,
		Variant:            VariantNLMS,
		SampleRate:         48000,
		Channels:           1,
		HistoryFrames:      8,
		CaptureQueue:       4,
		ReferenceQueue:     4,
		OutputQueue:        4,
		QueueWaitMS:        50,
		CaptureTimeoutMS:   500,
		ReferenceTimeoutMS: 20,
		OutputPolicy:       PolicyBlock,
		Mode:               ModeCancel,
		DoubleTalk: DoubleTalk{
			Threshold:       0.5,
			HangoverSamples: 2400,
		},
		ResidualGate: ResidualGate{
			Threshold:  0.01,
			HoldFrames: 10,
		},
	}
}

// FrameDuration returns the wall-clock length of one frame.
func (p Pipeline) FrameDuration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.FrameSize) * time.Second / time.Duration(p.SampleRate)
}

// QueueWait returns QueueWaitMS as a duration.
func (p Pipeline) QueueWait() time.Duration { return ms(p.QueueWaitMS) }

// CaptureTimeout returns CaptureTimeoutMS as a duration.
func (p Pipeline) CaptureTimeout() time.Duration { return ms(p.CaptureTimeoutMS) }

// ReferenceTimeout returns ReferenceTimeoutMS as a duration.
func (p Pipeline) ReferenceTimeout() time.Duration { return ms(p.ReferenceTimeoutMS) }

// Passthrough reports whether the filter is bypassed.
func (p Pipeline) Passthrough() bool { return p.Mode == ModePassthrough }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"aecd/internal/config"
	"aecd/internal/device"
	"aecd/internal/httpapi"
	"aecd/internal/observe"
	"aecd/internal/pipeline"
	"aecd/internal/playback"
	"aecd/internal/recording"
	"aecd/internal/sink"
	"aecd/internal/store"
	"aecd/internal/viz"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const meterInterval = 100 * time.Millisecond

// errPipelineStopped ends the run group when the pipeline stops on its own.
var errPipelineStopped = errors.New("pipeline stopped")

// flagOverrides holds command-line values that take precedence over the
// config file. Zero values leave the file setting alone.
type flagOverrides struct {
	addr        string
	db          string
	debug       bool
	passthrough bool
	tone        float64
	playback    string
	record      bool
}

func (o flagOverrides) apply(cfg config.Config) config.Config {
	if o.addr != "" {
		cfg.Server.ListenAddr = o.addr
	}
	if o.db != "" {
		cfg.Store.Path = o.db
	}
	if o.debug {
		cfg.Server.LogLevel = config.LogDebug
	}
	if o.passthrough {
		cfg.Pipeline.Mode = config.ModePassthrough
	}
	if o.tone > 0 {
		cfg.Audio.ToneHz = o.tone
	}
	if o.playback != "" {
		cfg.Audio.Playback = o.playback
	}
	if o.record {
		cfg.Recording.Enabled = true
	}
	return cfg
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "YAML or JSON config file")
	var o flagOverrides
	flag.StringVar(&o.addr, "addr", "", "HTTP listen address (overrides config)")
	flag.StringVar(&o.db, "db", "", "SQLite database path (overrides config)")
	flag.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&o.passthrough, "passthrough", false, "Forward the microphone without echo cancellation")
	flag.Float64Var(&o.tone, "tone", 0, "Play a sine tone of this frequency (Hz) as the far-end signal")
	flag.StringVar(&o.playback, "playback", "", "Loop a WAV or raw s16le file as the far-end signal")
	flag.BoolVar(&o.record, "record", false, "Record the processed signal to Ogg/Opus files")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg = o.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.Server.LogLevel)})))

	if handled, err := RunCLI(flag.Args(), cfg, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	} else if len(flag.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting aecd", "version", Version, "addr", cfg.Server.ListenAddr,
		"mode", cfg.Pipeline.Mode, "variant", cfg.Pipeline.Variant)
	if err := run(ctx, cfg); err != nil {
		slog.Error("aecd stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("aecd stopped")
}

// run wires the pipeline, device adapter, sinks and HTTP surface and blocks
// until ctx is cancelled or the pipeline fails.
func run(ctx context.Context, cfg config.Config) error {
	if err := device.Init(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer device.Terminate()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("init metrics provider: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutCtx); err != nil {
			slog.Warn("metrics provider shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close sqlite store", "err", err)
		}
	}()

	src, err := playbackSource(cfg)
	if err != nil {
		return err
	}

	sched, err := pipeline.New(cfg.Pipeline, pipeline.Options{Metrics: metrics})
	if err != nil {
		return err
	}
	duplex := device.NewDuplex(device.Config{
		InputDeviceID:  cfg.Audio.InputDeviceID,
		OutputDeviceID: cfg.Audio.OutputDeviceID,
		SampleRate:     cfg.Pipeline.SampleRate,
		FrameSize:      cfg.Pipeline.FrameSize,
		Volume:         cfg.Audio.Volume,
	}, sched, src)
	duplex.OnError = sched.Fail
	if err := sched.AddResource(duplex); err != nil {
		return err
	}

	sessionID, err := st.BeginSession(ctx, store.Session{
		Mode:         cfg.Pipeline.Mode,
		Variant:      cfg.Pipeline.Variant,
		FilterLength: cfg.Pipeline.FilterLength,
		FrameSize:    cfg.Pipeline.FrameSize,
		SampleRate:   cfg.Pipeline.SampleRate,
	})
	if err != nil {
		return err
	}

	hub := viz.NewHub(viz.DefaultQueueSize, metrics)
	fanout := sink.NewFanout(hub)
	if cfg.Audio.Meter {
		fanout.Add(sink.NewMeter(os.Stdout, meterInterval))
	}
	if cfg.Recording.Enabled {
		rec, err := recording.New(recording.Config{
			Dir:          cfg.Recording.Dir,
			SampleRate:   cfg.Pipeline.SampleRate,
			ChunkSeconds: cfg.Recording.ChunkSeconds,
			Bitrate:      cfg.Recording.Bitrate,
			SessionID:    sessionID,
		}, st, metrics)
		if err != nil {
			return err
		}
		fanout.Add(rec)
	}

	api := httpapi.New(httpapi.Options{
		Stats:      sched,
		Recordings: st,
		Hub:        hub,
		Metrics:    metrics,
	})

	if err := sched.Start(); err != nil {
		fanout.Close()
		endSession(st, sessionID, sched.Stats())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(gctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		return fanout.Run(gctx, sched)
	})
	g.Go(func() error {
		RunStatsLog(gctx, sched, statsInterval)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return sched.Stop()
		case <-sched.Done():
			if err := sched.Err(); err != nil {
				return err
			}
			return errPipelineStopped
		}
	})

	err = g.Wait()
	if stopErr := sched.Stop(); stopErr != nil {
		slog.Warn("stop pipeline", "err", stopErr)
	}
	endSession(st, sessionID, sched.Stats())
	if errors.Is(err, errPipelineStopped) {
		return nil
	}
	return err
}

func playbackSource(cfg config.Config) (playback.Source, error) {
	switch {
	case cfg.Audio.Playback != "":
		return playback.Open(cfg.Audio.Playback, cfg.Pipeline.SampleRate)
	case cfg.Audio.ToneHz > 0:
		return playback.NewTone(cfg.Audio.ToneHz, playback.DefaultAmplitude, cfg.Pipeline.SampleRate)
	default:
		return playback.Silence{}, nil
	}
}

func endSession(st *store.Store, id int64, stats pipeline.Stats) {
	var degradations uint64
	for _, n := range stats.Degradations {
		degradations += n
	}
	err := st.EndSession(context.Background(), id, store.SessionStats{
		Frames:        stats.Outputs,
		Instabilities: stats.Instabilities,
		Degradations:  degradations,
		ERLE:          stats.ERLE,
	})
	if err != nil {
		slog.Warn("record session end", "session", id, "err", err)
	}
}

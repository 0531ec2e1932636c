package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"aecd/internal/config"
	"aecd/internal/device"
	"aecd/internal/store"
)

// RunCLI handles subcommand execution. It reports whether args named a
// subcommand and the error that subcommand returned.
func RunCLI(args []string, cfg config.Config, w io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(w, "aecd %s\n", Version)
		return true, nil
	case "config":
		return true, cliConfig(cfg, w)
	case "devices":
		return true, cliDevices(w)
	case "sessions":
		return true, cliSessions(args[1:], cfg, w)
	case "recordings":
		return true, cliRecordings(args[1:], cfg, w)
	default:
		return false, nil
	}
}

func cliConfig(cfg config.Config, w io.Writer) error {
	out, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func cliDevices(w io.Writer) error {
	if err := device.Init(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer device.Terminate()

	inputs, err := device.ListInputs()
	if err != nil {
		return err
	}
	outputs, err := device.ListOutputs()
	if err != nil {
		return err
	}
	printDevices(w, "Input devices", inputs)
	printDevices(w, "Output devices", outputs)
	return nil
}

func printDevices(w io.Writer, title string, devs []device.Device) {
	fmt.Fprintf(w, "%s:\n", title)
	if len(devs) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, d := range devs {
		fmt.Fprintf(w, "  [%d] %s\n", d.ID, d.Name)
	}
}

// parseLimit reads an optional positional row limit.
func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return 20, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", args[0])
	}
	return n, nil
}

func cliSessions(args []string, cfg config.Config, w io.Writer) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.Sessions(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	for _, s := range sessions {
		ended := "running"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "  [%d] %s %s/%s L=%d N=%d frames=%d erle=%.1fdB degradations=%d (%s)\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Mode, s.Variant,
			s.FilterLength, s.FrameSize, s.Frames, s.ERLE, s.Degradations, ended)
	}
	return nil
}

func cliRecordings(args []string, cfg config.Config, w io.Writer) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.Recordings(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No recordings found.")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(w, "  [%d] %s %s %d bytes (session %d)\n",
			r.ID, r.Path, r.Duration, r.SizeBytes, r.SessionID)
	}
	return nil
}

package main

import (
	"context"
	"log"
	"time"

	"aecd/internal/pipeline"
)

const statsInterval = 10 * time.Second

type statsSource interface {
	Stats() pipeline.Stats
}

// RunStatsLog logs pipeline throughput and filter quality every interval
// until ctx is canceled. Idle intervals are skipped.
func RunStatsLog(ctx context.Context, src statsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := src.Stats()
			frames := st.Outputs - last
			last = st.Outputs
			if frames == 0 {
				continue
			}
			var degradations uint64
			for _, n := range st.Degradations {
				degradations += n
			}
			log.Printf("[stats] mode=%s frames=%d (%.1f/s) erle=%.1fdB frozen=%d dropped=%d degradations=%d",
				st.Mode, frames, float64(frames)/interval.Seconds(), st.ERLE,
				st.FrozenSamples, st.DroppedOutputs, degradations)
		}
	}
}

// Package metrics periodically logs relay counters.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"driftchat/internal/relay"
)

// Source supplies a snapshot of the relay counters.
type Source interface {
	Stats() relay.Stats
}

// Run logs stats every interval until ctx is canceled. Quiet intervals
// with no connections and no traffic are skipped.
func Run(ctx context.Context, src Source, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev relay.Stats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := src.Stats()
			if d, ok := delta(prev, cur); ok {
				slog.Info("relay stats",
					"connections", cur.Connections,
					"voice_participants", cur.VoiceParticipants,
					"calls", d.Calls,
					"failures", d.Failures,
					"signals_relayed", d.SignalsRelayed,
					"signals_dropped", d.SignalsDropped,
					"calls_per_sec", float64(d.Calls)/interval.Seconds(),
				)
			}
			prev = cur
		}
	}
}

// delta returns the counter increase since prev and whether anything is
// worth reporting.
func delta(prev, cur relay.Stats) (relay.Stats, bool) {
	d := relay.Stats{
		Connections:       cur.Connections,
		VoiceParticipants: cur.VoiceParticipants,
		Calls:             cur.Calls - prev.Calls,
		Failures:          cur.Failures - prev.Failures,
		SignalsRelayed:    cur.SignalsRelayed - prev.SignalsRelayed,
		SignalsDropped:    cur.SignalsDropped - prev.SignalsDropped,
	}
	active := d.Connections > 0 || d.Calls > 0 || d.SignalsRelayed > 0 || d.SignalsDropped > 0
	return d, active
}

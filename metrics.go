package main

import (
	"context"
	"log"
	"time"

	"meetserver/internal/registry"
	"meetserver/internal/relay"
	"meetserver/internal/transfer"
)

// RunMetrics logs registry/relay/transfer counters every interval until
// ctx is cancelled, mirroring the teacher's metrics.go (which logged
// room.Stats() the same way). Intervals with no participants and no open
// transfers are skipped without a log line.
func RunMetrics(ctx context.Context, reg *registry.Registry, rel *relay.Relay, coordinator *transfer.Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytesIn uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			meetings := reg.MeetingCount()
			participants := reg.ParticipantCount()
			transfers := coordinator.SessionCount()
			if participants == 0 && transfers == 0 {
				continue
			}
			snap := rel.Stats.Snapshot()
			delta := snap.BytesIn - lastBytesIn
			lastBytesIn = snap.BytesIn
			log.Printf("[metrics] meetings=%d participants=%d transfers=%d relay_datagrams=%d relay_bytes=%d (%.1f KB/s)",
				meetings, participants, transfers,
				snap.DatagramsIn, snap.BytesIn,
				float64(delta)/interval.Seconds()/1024)
		}
	}
}

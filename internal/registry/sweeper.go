// internal/registry/sweeper.go
package registry

import (
	"context"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically pings every connection and removes the ones whose
// peer stopped acknowledging. It never blocks on a peer: pings go through the
// non-blocking Send and removal closes transports in the background.
type Sweeper struct {
	Registry          *Registry
	Interval          time.Duration
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	// OnTick runs after every sweep; the server uses it to close idle sessions.
	OnTick func(ctx context.Context)
	Logger *logrus.Logger
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes stale connections and pings the ones due for a heartbeat.
// It returns the number of connections removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	stale := s.Registry.SweepStale(s.Timeout)
	removed := 0
	for _, id := range stale {
		if s.Registry.Remove(id, ReasonHeartbeat) {
			removed++
		}
	}
	if removed > 0 {
		s.Logger.WithField("removed", removed).Info("Swept stale connections")
	}

	now := s.Registry.now()
	ping, err := models.Encode(models.EventPing, models.PingPayload{Timestamp: now.UnixMilli()})
	if err != nil {
		s.Logger.WithError(err).Error("Failed to encode heartbeat")
		return removed
	}
	for _, conn := range s.Registry.All() {
		if sent, _ := conn.Heartbeats(); now.Sub(sent) < s.HeartbeatInterval {
			continue
		}
		if err := conn.Send(ping); err != nil {
			conn.logger.WithError(err).Debug("Heartbeat not queued")
			continue
		}
		s.Registry.RecordHeartbeatSent(conn.ID)
	}

	if s.OnTick != nil {
		s.OnTick(ctx)
	}
	return removed
}

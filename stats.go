package picopad

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SinkStats tracks what the sink server has absorbed. Safe for concurrent use.
type SinkStats struct {
	HTTPDummies    atomic.Int64
	TunnelDummies  atomic.Int64
	BytesDrained   atomic.Int64
	Refused        atomic.Int64 // tunnel streams with a non-sink target
	ActiveSessions atomic.Int64
	TotalSessions  atomic.Int64
	startedAt      time.Time
}

// SinkSnapshot is a point-in-time copy of SinkStats.
type SinkSnapshot struct {
	HTTPDummies    int64     `json:"http_dummies"`
	TunnelDummies  int64     `json:"tunnel_dummies"`
	BytesDrained   int64     `json:"bytes_drained"`
	Refused        int64     `json:"refused"`
	ActiveSessions int64     `json:"active_sessions"`
	TotalSessions  int64     `json:"total_sessions"`
	StartedAt      time.Time `json:"started_at"`
}

func NewSinkStats() *SinkStats {
	return &SinkStats{startedAt: time.Now()}
}

// Snapshot returns a copy of the current stats.
func (s *SinkStats) Snapshot() SinkSnapshot {
	return SinkSnapshot{
		HTTPDummies:    s.HTTPDummies.Load(),
		TunnelDummies:  s.TunnelDummies.Load(),
		BytesDrained:   s.BytesDrained.Load(),
		Refused:        s.Refused.Load(),
		ActiveSessions: s.ActiveSessions.Load(),
		TotalSessions:  s.TotalSessions.Load(),
		StartedAt:      s.startedAt,
	}
}

// LogStats writes one summary line.
func (s *SinkStats) LogStats(log *zap.Logger) {
	snap := s.Snapshot()
	orDefault(log).Info("sink stats",
		zap.Duration("uptime", time.Since(snap.StartedAt).Round(time.Second)),
		zap.Int64("http_dummies", snap.HTTPDummies),
		zap.Int64("tunnel_dummies", snap.TunnelDummies),
		zap.String("drained", humanBytes(snap.BytesDrained)),
		zap.Int64("refused", snap.Refused),
		zap.Int64("sessions", snap.ActiveSessions),
		zap.Int64("total_sessions", snap.TotalSessions))
}

// RunLogger logs stats every interval until ctx is done.
func (s *SinkStats) RunLogger(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.LogStats(log)
			return
		case <-tick.C:
			s.LogStats(log)
		}
	}
}

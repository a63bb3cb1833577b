package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PingHealthChecker wraps any HealthPinger as a periodic component checker.
type PingHealthChecker struct {
	name         string
	pinger       HealthPinger
	log          zerolog.Logger
	probeTimeout time.Duration
	healthy      atomic.Int32
}

func NewPingHealthChecker(name string, pinger HealthPinger, log zerolog.Logger, probeTimeout time.Duration) *PingHealthChecker {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &PingHealthChecker{
		name:         name,
		pinger:       pinger,
		log:          log.With().Str("component", name+"-health").Logger(),
		probeTimeout: probeTimeout,
	}
}

func (hc *PingHealthChecker) Name() string { return hc.name }

func (hc *PingHealthChecker) IsHealthy() bool { return hc.healthy.Load() == 1 }

// Start probes immediately, then on every interval tick until ctx ends.
func (hc *PingHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.runProbe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.runProbe(ctx)
		}
	}
}

func (hc *PingHealthChecker) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.probeTimeout)
	defer cancel()

	if err := hc.pinger.HealthPing(probeCtx); err != nil {
		if hc.healthy.Swap(0) == 1 {
			hc.log.Warn().Err(err).Msg("component became unhealthy")
		}
		return
	}
	if hc.healthy.Swap(1) == 0 {
		hc.log.Info().Msg("component became healthy")
	}
}

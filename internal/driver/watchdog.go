package driver

import (
	"context"
	"time"

	"github.com/banshee-data/posebridge/internal/timeutil"
)

// DefaultWatchdogInterval is how often the watchdog reports liveness.
const DefaultWatchdogInterval = 5 * time.Second

// Watchdog tells the runtime the driver is alive until stopped.
type Watchdog struct {
	Runtime  Runtime
	Clock    timeutil.Clock
	Interval time.Duration
}

// Run reports once immediately and then every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	clock := w.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}

	w.Runtime.Heartbeat()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Runtime.Heartbeat()
		}
	}
}

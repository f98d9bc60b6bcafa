package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/metrics"
)

// WatchdogConfig bounds the call duration. A zero MaxDuration means the
// call never expires.
type WatchdogConfig struct {
	MaxDuration time.Duration
	// Grace is how long to keep forwarding after the goodbye is sent so the
	// caller hears it before the loops stop.
	Grace time.Duration
	// LogInterval spaces the remaining-time diagnostics. Diagnostic only.
	LogInterval time.Duration
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Grace <= 0 {
		c.Grace = 3 * time.Second
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 5 * time.Minute
	}
	return c
}

// Watchdog is a two-state machine, active then expired. Both relay loops
// consult it before processing each event; the first check past the ceiling
// runs the goodbye callback and holds for the grace interval.
type Watchdog struct {
	cfg   WatchdogConfig
	start time.Time
	log   *slog.Logger
	obs   metrics.Observer

	now   func() time.Time
	sleep func(time.Duration)

	mu      sync.Mutex
	expired bool
	nextLog time.Duration
}

func NewWatchdog(start time.Time, cfg WatchdogConfig, log *slog.Logger, obs metrics.Observer) *Watchdog {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Watchdog{
		cfg:     cfg,
		start:   start,
		log:     log,
		obs:     obs,
		now:     time.Now,
		sleep:   time.Sleep,
		nextLog: cfg.LogInterval,
	}
}

// Check reports whether the call has exceeded its ceiling. onExpire runs
// exactly once, on the first expired check; when it reports that a goodbye
// was delivered, Check holds for the grace interval so the caller hears it.
func (w *Watchdog) Check(onExpire func() bool) bool {
	if w.cfg.MaxDuration <= 0 {
		return false
	}
	elapsed := w.now().Sub(w.start)

	w.mu.Lock()
	if w.expired {
		w.mu.Unlock()
		return true
	}
	if elapsed < w.cfg.MaxDuration {
		if elapsed >= w.nextLog {
			w.nextLog += w.cfg.LogInterval
			remaining := w.cfg.MaxDuration - elapsed
			w.mu.Unlock()
			w.log.Info("call_time_remaining", "remaining", remaining.Round(time.Second).String())
			w.obs.RecordEvent(metrics.MetricsEvent{
				Name:  "watchdog_remaining",
				Time:  w.now(),
				Value: remaining.Seconds(),
			})
			return false
		}
		w.mu.Unlock()
		return false
	}
	w.expired = true
	w.mu.Unlock()

	w.log.Info("call_duration_limit_reached", "max_duration", w.cfg.MaxDuration.String())
	w.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "watchdog_expired",
		Time:  w.now(),
		Value: elapsed.Seconds(),
	})
	if onExpire != nil && onExpire() {
		w.sleep(w.cfg.Grace)
	}
	return true
}

// Expired reports the current state without side effects.
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

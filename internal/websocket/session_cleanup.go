package websocket

import (
	"time"

	"go.uber.org/zap"
)

const defaultReapInterval = 30 * time.Second

// CallReaper ends calls that run longer than the configured maximum
type CallReaper struct {
	hub         *Hub
	maxDuration time.Duration
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	now         func() time.Time
}

// NewCallReaper creates a new call reaper. A zero maxDuration disables it.
func NewCallReaper(hub *Hub, maxDuration time.Duration, logger *zap.Logger) *CallReaper {
	interval := defaultReapInterval
	if maxDuration > 0 && maxDuration/4 < interval {
		interval = maxDuration / 4
	}
	return &CallReaper{
		hub:         hub,
		maxDuration: maxDuration,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Start begins the background reaping loop
func (r *CallReaper) Start() {
	if r.maxDuration <= 0 {
		r.logger.Info("Call reaper disabled")
		return
	}
	go r.reapLoop()
	r.logger.Info("Call reaper started", zap.Duration("maxCallDuration", r.maxDuration))
}

// Stop gracefully stops the reaper
func (r *CallReaper) Stop() {
	close(r.stopChan)
	r.logger.Info("Call reaper stopped")
}

func (r *CallReaper) reapLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.runReap()
		}
	}
}

func (r *CallReaper) runReap() int {
	cancelled := r.hub.cancelOlderThan(r.now().Add(-r.maxDuration))
	if cancelled > 0 {
		r.logger.Info("Ended overlong calls", zap.Int("count", cancelled))
	}
	return cancelled
}

package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairscope/internal/model"
)

const sendTimeout = 10 * time.Second

// HealthAlerter turns collector health transitions into alerts. Only
// changes between ok and degraded are reported; the initial starting
// state is silent.
type HealthAlerter struct {
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	last     model.Health
	pending  []Alert
	draining bool
	wg       sync.WaitGroup
}

// NewHealthAlerter creates an alerter. A nil notifier disables it.
func NewHealthAlerter(n Notifier, logger *slog.Logger) *HealthAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthAlerter{notifier: n, logger: logger, last: model.HealthStarting}
}

// Observe records the current health and, on a reportable transition,
// queues an alert for background delivery. Alerts are delivered one at a
// time in the order they were observed. It reports whether an alert was
// queued.
func (a *HealthAlerter) Observe(h model.Health, detail string) bool {
	if a == nil || a.notifier == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.last
	a.last = h

	var alert Alert
	switch {
	case h == model.HealthDegraded && prev != model.HealthDegraded:
		alert = Alert{Level: AlertWarning, Title: "collector degraded", Message: detail}
	case h == model.HealthOK && prev == model.HealthDegraded:
		alert = Alert{Level: AlertInfo, Title: "collector recovered", Message: detail}
	default:
		return false
	}
	if alert.Message == "" {
		alert.Message = fmt.Sprintf("health changed from %s to %s", prev, h)
	}

	a.pending = append(a.pending, alert)
	if !a.draining {
		a.draining = true
		a.wg.Add(1)
		go a.drain()
	}
	return true
}

// drain delivers queued alerts until the queue is empty.
func (a *HealthAlerter) drain() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.draining = false
			a.mu.Unlock()
			return
		}
		alert := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()

		a.send(alert)
	}
}

func (a *HealthAlerter) send(alert Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := a.notifier.Send(ctx, alert); err != nil {
		a.logger.Warn("alert delivery failed", slog.String("title", alert.Title), slog.String("error", err.Error()))
	}
}

// Wait blocks until in-flight alerts are delivered.
func (a *HealthAlerter) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}

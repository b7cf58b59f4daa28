package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
	"github.com/rewired-gh/govpower/internal/notify"
)

// Start launches the event workers and the periodic refresh loop. It returns
// immediately; call Shutdown to stop them.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.every(ctx, e.config.SnapshotInterval, func(ctx context.Context) {
		e.handleCycleResult(e.RunCycle(ctx))
	})
	if e.Sweeper != nil {
		e.every(ctx, e.config.SweepInterval, func(context.Context) {
			if n := e.Sweeper.Sweep(); n > 0 {
				logger.Debug("Swept %d expired cache entries", n)
			}
		})
	}
	if e.Poller != nil && e.Head != nil {
		e.every(ctx, e.config.BlockPollInterval, e.pollBlock)
	}

	logger.Info("Engine started (workers: %d, snapshot interval: %v)", e.config.Workers, e.config.SnapshotInterval)
}

// every runs fn on a ticker until ctx is done. A non-positive interval disables it.
func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger.Debug("Event worker %d started", id)
	defer logger.Debug("Event worker %d stopped", id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			if err := e.HandleEvent(ctx, ev); err != nil {
				logger.Warn("Failed to apply %s event for %s: %v", ev.Type, ev.Address.Hex(), err)
			}
		}
	}
}

func (e *Engine) pollBlock(ctx context.Context) {
	ref, err := e.Poller.LatestBlock(ctx)
	if err != nil {
		logger.Warn("Failed to poll latest block: %v", err)
		return
	}
	if e.Head.Observe(ref) {
		logger.Debug("Chain head advanced to block %d", ref.Number)
	}
}

// Shutdown stops the refresh loop and workers and waits for them to exit.
// Queued events that were not yet picked up are discarded.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	logger.Info("Engine stopped (%d queued events discarded)", len(e.events))
}

// RunCycle builds a scheduled snapshot, analyses it and sends an alert when
// the throttle allows.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()
	snap, err := e.CreateSnapshot(ctx, "scheduled")
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	m, err := e.GetConcentrationMetrics(ctx, snap.ID)
	if err != nil {
		return fmt.Errorf("failed to analyse snapshot %s: %w", snap.ID, err)
	}

	e.mu.Lock()
	e.lastMetrics = &m
	e.mu.Unlock()

	logger.Info("Refresh cycle: %d holders, risk=%s nakamoto=%d gini=%.3f hhi=%.4f (%v)",
		m.HolderCount, m.Risk, m.Nakamoto, m.Gini, m.HHI, time.Since(start))

	e.maybeAlert(snap, m)
	return nil
}

func (e *Engine) maybeAlert(snap *models.Snapshot, m models.ConcentrationMetrics) {
	if e.Notifier == nil || e.Throttle == nil {
		return
	}
	if !e.Throttle.ShouldSend(m.Risk) {
		logger.Debug("Alert for risk %s suppressed", m.Risk)
		return
	}
	alert := notify.ConcentrationAlert{
		Metrics:      m,
		Previous:     e.Throttle.LastLevel(),
		BlockNumber:  snap.BlockNumber,
		SnapshotTime: snap.Timestamp,
		TopHolders:   snap.TopHolders,
	}
	if err := e.Notifier.SendConcentration(alert); err != nil {
		logger.Error("Failed to send concentration alert: %v", err)
		return
	}
	e.Throttle.RecordSent(m.Risk)
	if e.Observer != nil {
		e.Observer.AlertSent()
	}
	logger.Info("Sent %s concentration alert for snapshot %s", m.Risk, snap.ID)
}

// handleCycleResult notifies on the first failure of a streak and on recovery.
func (e *Engine) handleCycleResult(err error) {
	e.mu.Lock()
	failures := e.consecutiveFailures
	if err != nil {
		e.consecutiveFailures++
	} else {
		e.consecutiveFailures = 0
	}
	e.mu.Unlock()

	if err != nil {
		logger.Error("Refresh cycle failed: %v", err)
		if failures == 0 && e.Notifier != nil {
			if sendErr := e.Notifier.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if failures > 0 && e.Notifier != nil {
		if sendErr := e.Notifier.SendRecovery(failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
}

// Package engine is the process-wide context object tying the record store,
// snapshot builder and analytics together behind one set of operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/govpower/internal/analytics"
	"github.com/rewired-gh/govpower/internal/forecast"
	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/memo"
	"github.com/rewired-gh/govpower/internal/models"
	"github.com/rewired-gh/govpower/internal/notify"
	"github.com/rewired-gh/govpower/internal/segment"
	"github.com/rewired-gh/govpower/internal/snapshot"
	"github.com/rewired-gh/govpower/internal/tracker"
)

// Notifier delivers alerts and refresh-cycle health notices.
type Notifier interface {
	SendConcentration(alert notify.ConcentrationAlert) error
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep() int
}

// BlockPoller fetches the chain head when no stream is feeding it.
type BlockPoller interface {
	LatestBlock(ctx context.Context) (models.BlockRef, error)
}

// BlockObserver records a polled head. Implemented by chain.BlockTracker.
type BlockObserver interface {
	Observe(ref models.BlockRef) bool
}

// Observer receives analytics results. Implemented by the metrics collector.
type Observer interface {
	ConcentrationComputed(m models.ConcentrationMetrics)
	AlertSent()
}

type Config struct {
	AnalyticsTTL      time.Duration
	PredictionTTL     time.Duration
	DefaultHorizon    int
	AutoTrack         bool
	Workers           int
	QueueSize         int
	SnapshotInterval  time.Duration
	SweepInterval     time.Duration
	BlockPollInterval time.Duration
	Analytics         analytics.Config
}

func DefaultConfig() Config {
	return Config{
		AnalyticsTTL:      10 * time.Minute,
		PredictionTTL:     15 * time.Minute,
		DefaultHorizon:    30,
		Workers:           4,
		QueueSize:         1024,
		SnapshotInterval:  15 * time.Minute,
		SweepInterval:     5 * time.Minute,
		BlockPollInterval: 0,
		Analytics:         analytics.DefaultConfig(),
	}
}

// Deps are the collaborators an Engine is built from. Sweeper, Poller,
// Notifier, Throttle and Observer are optional.
type Deps struct {
	Store     *tracker.Store
	Snapshots *snapshot.Builder
	Segments  *segment.Engine
	Predictor *forecast.Predictor
	Cache     *memo.Group
	Blocks    tracker.BlockSource
	Sweeper   Sweeper
	Poller    BlockPoller
	Head      BlockObserver
	Notifier  Notifier
	Throttle  *notify.Throttle
	Observer  Observer
}

// Engine exposes every tracking and analytics operation. Construct one per
// process with New and stop it with Shutdown.
type Engine struct {
	Deps
	config Config

	events chan models.ChangeEvent

	mu                  sync.Mutex
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	running             bool
	consecutiveFailures int
	lastMetrics         *models.ConcentrationMetrics
}

func New(deps Deps, config Config) *Engine {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.DefaultHorizon < 1 {
		config.DefaultHorizon = DefaultConfig().DefaultHorizon
	}
	e := &Engine{
		Deps:   deps,
		config: config,
		events: make(chan models.ChangeEvent, config.QueueSize),
	}
	deps.Store.SetChangeHook(e.refreshPredictions)
	deps.Snapshots.SetCreateHook(e.onSnapshot)
	return e
}

func (e *Engine) StartTracking(ctx context.Context, addr common.Address) error {
	return e.Store.StartTracking(ctx, addr)
}

func (e *Engine) StopTracking(addr common.Address) {
	e.Store.StopTracking(addr)
}

func (e *Engine) GetCurrentPower(ctx context.Context, addr common.Address) (*big.Int, error) {
	return e.Store.GetCurrentPower(ctx, addr)
}

func (e *Engine) GetHistory(addr common.Address, from, to time.Time) []models.PowerHistoryPoint {
	return e.Store.GetHistory(addr, from, to)
}

func (e *Engine) RecordChange(ctx context.Context, addr common.Address, changeType models.ChangeType, amount *big.Int, txHash string) error {
	return e.Store.RecordChange(ctx, addr, changeType, amount, txHash)
}

func (e *Engine) CreateSnapshot(ctx context.Context, description string) (*models.Snapshot, error) {
	return e.Snapshots.Create(ctx, description)
}

// resolveSnapshot returns the snapshot with id, or the latest (building one
// if none exists) when id is empty.
func (e *Engine) resolveSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	if id == "" {
		return e.Snapshots.LatestOrCreate(ctx)
	}
	return e.Snapshots.Get(id)
}

// GetConcentrationMetrics analyses the snapshot with id, or the latest when id is empty.
func (e *Engine) GetConcentrationMetrics(ctx context.Context, id string) (models.ConcentrationMetrics, error) {
	snap, err := e.resolveSnapshot(ctx, id)
	if err != nil {
		return models.ConcentrationMetrics{}, err
	}
	m, err := memo.Do(ctx, e.Cache, memo.SnapshotScope, "concentration:"+snap.ID, e.config.AnalyticsTTL,
		func(context.Context) (models.ConcentrationMetrics, error) {
			return analytics.Analyze(snap, e.config.Analytics)
		})
	if err != nil {
		logger.Error("Concentration analysis failed for snapshot %s: %v", snap.ID, err)
		return models.ConcentrationMetrics{}, err
	}
	if e.Observer != nil {
		e.Observer.ConcentrationComputed(m)
	}
	return m, nil
}

// GetSegments partitions the snapshot with id, or the latest when id is empty.
func (e *Engine) GetSegments(ctx context.Context, id string) ([]models.Segment, error) {
	snap, err := e.resolveSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return memo.Do(ctx, e.Cache, memo.SnapshotScope, "segments:"+snap.ID, e.config.AnalyticsTTL,
		func(ctx context.Context) ([]models.Segment, error) {
			return e.Segments.Segment(ctx, snap)
		})
}

// Predict forecasts addr's effective power for each of the next horizonDays days.
// Addresses with too little history yield an empty slice.
func (e *Engine) Predict(ctx context.Context, addr common.Address, horizonDays int) ([]models.PowerPrediction, error) {
	if !e.Store.IsTracked(addr) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	key := "predict:" + addr.Hex() + ":" + strconv.Itoa(horizonDays)
	return memo.Do(ctx, e.Cache, memo.AddressScope(addr), key, e.config.PredictionTTL,
		func(ctx context.Context) ([]models.PowerPrediction, error) {
			rec, err := e.Store.Get(addr)
			if err != nil {
				return nil, err
			}
			preds := e.Predictor.Predict(ctx, rec, horizonDays, e.Blocks.CurrentBlock().Time)
			if err := e.Store.SetPredictions(addr, preds); err != nil {
				return nil, err
			}
			return preds, nil
		})
}

// refreshPredictions runs after every applied change, once the address's
// caches have been invalidated.
func (e *Engine) refreshPredictions(addr common.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.Predict(ctx, addr, e.config.DefaultHorizon); err != nil && !errors.Is(err, models.ErrNotTracked) {
		logger.Warn("Failed to refresh predictions for %s: %v", addr.Hex(), err)
	}
}

func (e *Engine) onSnapshot(snap *models.Snapshot) {
	n := e.Cache.InvalidateScope(memo.SnapshotScope)
	logger.Debug("Snapshot %s invalidated %d snapshot-scoped cache entries", snap.ID, n)
}

// HandleEvent applies one external change event. Unknown addresses are
// tracked first when auto-tracking is enabled and ignored otherwise.
func (e *Engine) HandleEvent(ctx context.Context, ev models.ChangeEvent) error {
	if !e.Store.IsTracked(ev.Address) {
		if !e.config.AutoTrack {
			logger.Debug("Ignoring %s event for untracked %s", ev.Type, ev.Address.Hex())
			return nil
		}
		err := e.Store.StartTracking(ctx, ev.Address)
		if err != nil && !errors.Is(err, models.ErrAlreadyTracked) {
			return err
		}
		if err == nil {
			// the initial balance read already reflects this event
			return nil
		}
	}
	return e.Store.RecordChange(ctx, ev.Address, ev.Type, ev.Amount, ev.TxHash)
}

// Events is the queue drained by the worker pool once the engine is started.
func (e *Engine) Events() chan<- models.ChangeEvent {
	return e.events
}

// Submit enqueues ev without blocking. It reports false when the queue is full.
func (e *Engine) Submit(ev models.ChangeEvent) bool {
	select {
	case e.events <- ev:
		return true
	default:
		logger.Warn("Event queue full, dropping %s event for %s", ev.Type, ev.Address.Hex())
		return false
	}
}

// Status renders a short plain-text summary.
func (e *Engine) Status() string {
	head := e.Blocks.CurrentBlock()
	s := fmt.Sprintf("Tracking %d addresses at block %d", e.Store.Len(), head.Number)
	e.mu.Lock()
	last := e.lastMetrics
	e.mu.Unlock()
	if last != nil {
		s += fmt.Sprintf("\nRisk %s: nakamoto=%d gini=%.3f hhi=%.4f top1=%.2f%%",
			last.Risk, last.Nakamoto, last.Gini, last.HHI, last.CR1)
	}
	return s
}

// Package snapshot builds and retains point-in-time views of the tracked population.
package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
)

// HoldingSource yields a consistent copy of every tracked record's power fields.
type HoldingSource interface {
	Holdings() []models.Holding
}

type BlockSource interface {
	CurrentBlock() models.BlockRef
}

// Observer is told how long each successful build took.
type Observer interface {
	SnapshotBuilt(d time.Duration, holders int)
}

type Config struct {
	MaxRetained int
	TopHolders  int
}

func DefaultConfig() Config {
	return Config{
		MaxRetained: 100,
		TopHolders:  10,
	}
}

// Builder creates snapshots and keeps the most recent ones.
type Builder struct {
	source   HoldingSource
	blocks   BlockSource
	observer Observer
	config   Config
	flight   singleflight.Group
	onCreate func(*models.Snapshot)

	mu       sync.RWMutex
	retained []*models.Snapshot
}

// New creates a builder. observer may be nil.
func New(source HoldingSource, blocks BlockSource, observer Observer, config Config) *Builder {
	if config.MaxRetained < 1 {
		config.MaxRetained = DefaultConfig().MaxRetained
	}
	if config.TopHolders < 1 {
		config.TopHolders = DefaultConfig().TopHolders
	}
	return &Builder{
		source:   source,
		blocks:   blocks,
		observer: observer,
		config:   config,
	}
}

// SetCreateHook registers fn to run after each snapshot is retained.
// It must be set before the builder is shared between goroutines.
func (b *Builder) SetCreateHook(fn func(*models.Snapshot)) {
	b.onCreate = fn
}

// Create builds a snapshot of every tracked record. Concurrent calls share a
// single build; the description of the call that started it wins.
// Returned snapshots are shared and must not be modified.
func (b *Builder) Create(ctx context.Context, description string) (*models.Snapshot, error) {
	ch := b.flight.DoChan("current", func() (interface{}, error) {
		return b.build(description)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.Debug("Snapshot request coalesced into an in-flight build")
		}
		return res.Val.(*models.Snapshot), nil
	}
}

func (b *Builder) build(description string) (*models.Snapshot, error) {
	start := time.Now()
	holdings := b.source.Holdings()
	block := b.blocks.CurrentBlock()

	snap, err := assemble(holdings, block, description, b.config.TopHolders)
	if err != nil {
		logger.Error("Discarding snapshot at block %d: %v", block.Number, err)
		return nil, err
	}
	snap.ID = uuid.NewString()

	b.mu.Lock()
	b.retained = append(b.retained, snap)
	if over := len(b.retained) - b.config.MaxRetained; over > 0 {
		clear(b.retained[:over])
		b.retained = b.retained[over:]
	}
	b.mu.Unlock()

	elapsed := time.Since(start)
	if b.observer != nil {
		b.observer.SnapshotBuilt(elapsed, len(snap.Holders))
	}
	logger.Info("Created snapshot %s at block %d: %d holders, total power %s (%v)",
		snap.ID, snap.BlockNumber, len(snap.Holders), snap.TotalVotingPower, elapsed)

	if b.onCreate != nil {
		b.onCreate(snap)
	}
	return snap, nil
}

// assemble ranks holdings and computes the summary metrics. It runs without any
// record locks held.
func assemble(holdings []models.Holding, block models.BlockRef, description string, topN int) (*models.Snapshot, error) {
	total := new(big.Int)
	ownTotal := new(big.Int)
	deleg := models.DelegationMetrics{TotalDelegated: new(big.Int), TotalReceived: new(big.Int)}

	for _, h := range holdings {
		if h.Effective == nil || h.Effective.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative effective power %v for %s", models.ErrInconsistentSnapshot, h.Effective, h.Address.Hex())
		}
		bal := models.Balance{Power: h.Power, Delegated: h.Delegated, Received: h.Received}
		if err := bal.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrInconsistentSnapshot, h.Address.Hex(), err)
		}
		if bal.Effective().Cmp(h.Effective) != 0 {
			return nil, fmt.Errorf("%w: effective power mismatch for %s", models.ErrInconsistentSnapshot, h.Address.Hex())
		}

		total.Add(total, h.Effective)
		ownTotal.Add(ownTotal, h.Power)
		deleg.TotalDelegated.Add(deleg.TotalDelegated, h.Delegated)
		deleg.TotalReceived.Add(deleg.TotalReceived, h.Received)
		if h.Delegated.Sign() > 0 {
			deleg.Delegators++
		}
		if h.Received.Sign() > 0 {
			deleg.Delegates++
		}
	}
	deleg.DelegationRate = models.Ratio(deleg.TotalDelegated, ownTotal)

	sorted := make([]models.Holding, len(holdings))
	copy(sorted, holdings)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Effective.Cmp(sorted[j].Effective); c != 0 {
			return c > 0
		}
		return sorted[i].Address.Cmp(sorted[j].Address) < 0
	})

	entries := make([]models.HolderEntry, len(sorted))
	active := 0
	for i, h := range sorted {
		entries[i] = models.HolderEntry{
			Address:    h.Address,
			Power:      h.Effective,
			Rank:       i + 1,
			Percentage: models.SharePercent(h.Effective, total),
		}
		if h.Effective.Sign() > 0 {
			active++
		}
	}

	top := entries
	if len(top) > topN {
		top = top[:topN]
	}

	snap := &models.Snapshot{
		Description:      description,
		Timestamp:        block.Time,
		BlockNumber:      block.Number,
		TotalVotingPower: total,
		Holders:          entries,
		TopHolders:       top,
		Distribution:     distribution(entries, total, active),
		Delegation:       deleg,
	}
	return snap, nil
}

func distribution(entries []models.HolderEntry, total *big.Int, active int) models.DistributionMetrics {
	d := models.DistributionMetrics{HolderCount: len(entries), ActiveHolders: active}
	n := len(entries)
	if n == 0 {
		return d
	}
	d.ParticipationRate = float64(active) / float64(n)
	d.MeanPower = decimal.NewFromBigInt(total, 0).Div(decimal.NewFromInt(int64(n))).InexactFloat64()

	// entries are descending, so the median is symmetric around the middle
	mid := n / 2
	if n%2 == 1 {
		d.MedianPower = decimal.NewFromBigInt(entries[mid].Power, 0).InexactFloat64()
	} else {
		sum := new(big.Int).Add(entries[mid-1].Power, entries[mid].Power)
		d.MedianPower = decimal.NewFromBigInt(sum, 0).Div(decimal.NewFromInt(2)).InexactFloat64()
	}
	return d
}

// Latest returns the most recent retained snapshot.
func (b *Builder) Latest() (*models.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.retained) == 0 {
		return nil, false
	}
	return b.retained[len(b.retained)-1], true
}

// LatestOrCreate returns the latest snapshot, building one if none is retained.
func (b *Builder) LatestOrCreate(ctx context.Context) (*models.Snapshot, error) {
	if snap, ok := b.Latest(); ok {
		return snap, nil
	}
	return b.Create(ctx, "on demand")
}

// Get returns a retained snapshot by ID.
func (b *Builder) Get(id string) (*models.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.retained) - 1; i >= 0; i-- {
		if b.retained[i].ID == id {
			return b.retained[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrSnapshotNotFound, id)
}

// List returns retained snapshots, oldest first.
func (b *Builder) List() []*models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Snapshot, len(b.retained))
	copy(out, b.retained)
	return out
}

// Package tracker owns the per-address voting power records and their history.
package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/memo"
	"github.com/rewired-gh/govpower/internal/models"
)

// BalanceReader reads current on-chain balance and delegation data.
type BalanceReader interface {
	ReadBalance(ctx context.Context, addr common.Address) (models.Balance, error)
}

// BlockSource returns the latest known block. Numbers never decrease.
type BlockSource interface {
	CurrentBlock() models.BlockRef
}

// Observer is notified of store activity. Implemented by the metrics collector.
type Observer interface {
	ChangeRecorded(changeType string)
	UpstreamError(op string)
	TrackedAddresses(n int)
}

type Config struct {
	MaxHistory  int
	Shards      int
	ReadTimeout time.Duration
	PowerTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:  1000,
		Shards:      32,
		ReadTimeout: 5 * time.Second,
		PowerTTL:    5 * time.Minute,
	}
}

// entry guards one record. writeMu serialises writers across the upstream
// read; mu guards the record itself and is only held briefly.
type entry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	record  *models.VotingPowerRecord
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[common.Address]*entry
}

// Store is the in-memory registry of tracked addresses.
type Store struct {
	config   Config
	shards   []*shard
	reader   BalanceReader
	blocks   BlockSource
	cache    *memo.Group
	observer Observer
	onChange func(addr common.Address)
}

// New creates a store. observer may be nil.
func New(reader BalanceReader, blocks BlockSource, cache *memo.Group, observer Observer, config Config) *Store {
	if config.Shards < 1 {
		config.Shards = 1
	}
	if config.MaxHistory < 1 {
		config.MaxHistory = DefaultConfig().MaxHistory
	}
	s := &Store{
		config:   config,
		shards:   make([]*shard, config.Shards),
		reader:   reader,
		blocks:   blocks,
		cache:    cache,
		observer: observer,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[common.Address]*entry)}
	}
	return s
}

// SetChangeHook registers fn to run after every applied change.
// It must be set before the store is shared between goroutines.
func (s *Store) SetChangeHook(fn func(addr common.Address)) {
	s.onChange = fn
}

func (s *Store) shardFor(addr common.Address) *shard {
	return s.shards[binary.BigEndian.Uint32(addr[common.AddressLength-4:])%uint32(len(s.shards))]
}

func (s *Store) lookup(addr common.Address) *entry {
	sh := s.shardFor(addr)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[addr]
}

func powerKey(addr common.Address) string {
	return "power:" + addr.Hex()
}

// StartTracking registers addr, seeding its record from the upstream balance.
func (s *Store) StartTracking(ctx context.Context, addr common.Address) error {
	if s.lookup(addr) != nil {
		return fmt.Errorf("%w: %s", models.ErrAlreadyTracked, addr.Hex())
	}

	bal, err := s.readBalance(ctx, addr)
	if err != nil {
		s.upstreamError("start_tracking")
		return fmt.Errorf("failed to read initial balance for %s: %w", addr.Hex(), err)
	}

	block := s.blocks.CurrentBlock()
	rec := &models.VotingPowerRecord{
		Address:      addr,
		TrackedSince: block.Time,
		LastUpdated:  block.Time,
	}
	rec.ApplyBalance(bal)
	rec.History = []models.PowerHistoryPoint{{
		Timestamp:    block.Time,
		BlockNumber:  block.Number,
		Power:        new(big.Int).Set(rec.EffectivePower),
		ChangeType:   models.ChangeAcquire,
		ChangeAmount: new(big.Int),
		Source:       "initialization",
	}}

	// a change or stop landing after the insert supersedes the seed value
	seed := new(big.Int).Set(rec.EffectivePower)
	epoch := s.cache.Epoch()
	sh := s.shardFor(addr)
	sh.mu.Lock()
	if _, exists := sh.entries[addr]; exists {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrAlreadyTracked, addr.Hex())
	}
	sh.entries[addr] = &entry{record: rec}
	sh.mu.Unlock()

	s.cache.StoreIfCurrent(memo.AddressScope(addr), powerKey(addr), seed, s.config.PowerTTL, epoch)
	s.reportTracked()
	logger.Info("Started tracking %s (effective power %s)", addr.Hex(), rec.EffectivePower)
	return nil
}

// StopTracking removes addr and every cache entry derived from it. Untracked addresses are a no-op.
func (s *Store) StopTracking(addr common.Address) {
	sh := s.shardFor(addr)
	sh.mu.Lock()
	e, ok := sh.entries[addr]
	delete(sh.entries, addr)
	sh.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		logger.Info("Stopped tracking %s", addr.Hex())
	}
	purged := s.cache.InvalidateScope(memo.AddressScope(addr))
	logger.Debug("Purged %d cache entries for %s", purged, addr.Hex())
	s.reportTracked()
}

// GetCurrentPower returns the effective power of addr, from cache when fresh.
// Upstream failures fall back to the last known record value. Only tracked
// addresses are cached, and a read that overlaps a RecordChange or
// StopTracking for addr is returned but not cached.
func (s *Store) GetCurrentPower(ctx context.Context, addr common.Address) (*big.Int, error) {
	scope := memo.AddressScope(addr)
	var cached big.Int
	if s.cache.Lookup(scope, powerKey(addr), &cached) {
		return &cached, nil
	}

	epoch := s.cache.Epoch()
	bal, err := s.readBalance(ctx, addr)
	if err != nil {
		s.upstreamError("get_current_power")
		if e := s.lookup(addr); e != nil {
			e.mu.RLock()
			last := new(big.Int).Set(e.record.EffectivePower)
			e.mu.RUnlock()
			logger.Warn("Using last known power for %s after upstream failure: %v", addr.Hex(), err)
			return last, nil
		}
		return nil, fmt.Errorf("%w: %s (%v)", models.ErrNotTracked, addr.Hex(), err)
	}

	power := bal.Effective()
	if s.lookup(addr) != nil {
		s.cache.StoreIfCurrent(scope, powerKey(addr), power, s.config.PowerTTL, epoch)
	}
	return power, nil
}

// RecordChange re-reads addr's balance and appends a history point. Transient
// upstream failures are logged and absorbed, leaving the record unchanged.
func (s *Store) RecordChange(ctx context.Context, addr common.Address, changeType models.ChangeType, amount *big.Int, txHash string) error {
	if !changeType.Valid() {
		return fmt.Errorf("invalid change type %q", changeType)
	}
	e := s.lookup(addr)
	if e == nil {
		return fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	if amount == nil {
		amount = new(big.Int)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	bal, err := s.readBalance(ctx, addr)
	if err != nil {
		s.upstreamError("record_change")
		logger.Warn("Keeping last known state for %s, %s change not applied: %v", addr.Hex(), changeType, err)
		return nil
	}

	block := s.blocks.CurrentBlock()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	rec := e.record
	ts := block.Time
	if n := len(rec.History); n > 0 && ts.Before(rec.History[n-1].Timestamp) {
		ts = rec.History[n-1].Timestamp
	}
	rec.ApplyBalance(bal)
	rec.History = append(rec.History, models.PowerHistoryPoint{
		Timestamp:    ts,
		BlockNumber:  block.Number,
		Power:        new(big.Int).Set(rec.EffectivePower),
		ChangeType:   changeType,
		ChangeAmount: new(big.Int).Set(amount),
		Source:       "change_event",
		TxHash:       txHash,
	})
	rec.History = truncateHistory(rec.History, s.config.MaxHistory)
	rec.LastUpdated = ts
	effective := new(big.Int).Set(rec.EffectivePower)
	verr := rec.Validate()

	// StopTracking marks removed under e.mu before purging, so this write
	// either lands before the purge or is never made.
	scope := memo.AddressScope(addr)
	s.cache.InvalidateScope(scope)
	s.cache.Store(scope, powerKey(addr), effective, s.config.PowerTTL)
	e.mu.Unlock()

	if verr != nil {
		logger.Error("Record for %s violates invariants after %s: %v", addr.Hex(), changeType, verr)
	}

	if s.observer != nil {
		s.observer.ChangeRecorded(string(changeType))
	}
	logger.Debug("Recorded %s for %s: effective power %s", changeType, addr.Hex(), effective)

	if s.onChange != nil {
		s.onChange(addr)
	}
	return nil
}

// truncateHistory keeps the newest max points, reusing the backing array.
func truncateHistory(h []models.PowerHistoryPoint, max int) []models.PowerHistoryPoint {
	if len(h) <= max {
		return h
	}
	drop := len(h) - max
	copy(h, h[drop:])
	clear(h[max:])
	return h[:max]
}

// GetHistory returns points with from <= timestamp <= to. Untracked addresses yield an empty slice.
func (s *Store) GetHistory(addr common.Address, from, to time.Time) []models.PowerHistoryPoint {
	e := s.lookup(addr)
	if e == nil || to.Before(from) {
		return []models.PowerHistoryPoint{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	h := e.record.History
	start := sort.Search(len(h), func(i int) bool { return !h[i].Timestamp.Before(from) })
	out := []models.PowerHistoryPoint{}
	for i := start; i < len(h) && !h[i].Timestamp.After(to); i++ {
		out = append(out, h[i])
	}
	return out
}

// Get returns a deep copy of addr's record.
func (s *Store) Get(addr common.Address) (*models.VotingPowerRecord, error) {
	e := s.lookup(addr)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Clone(), nil
}

// SetPredictions replaces addr's latest forecast.
func (s *Store) SetPredictions(addr common.Address, preds []models.PowerPrediction) error {
	e := s.lookup(addr)
	if e == nil {
		return fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", models.ErrNotTracked, addr.Hex())
	}
	e.record.Predictions = preds
	return nil
}

// IsTracked reports whether addr has a record.
func (s *Store) IsTracked(addr common.Address) bool {
	return s.lookup(addr) != nil
}

// Addresses returns every tracked address in ascending byte order.
func (s *Store) Addresses() []common.Address {
	var out []common.Address
	for _, sh := range s.shards {
		sh.mu.RLock()
		for a := range sh.entries {
			out = append(out, a)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Len returns the number of tracked addresses.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Holdings copies every record's power fields. Each record is read-locked
// only while its own fields are copied.
func (s *Store) Holdings() []models.Holding {
	var entries []*entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
	}

	out := make([]models.Holding, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.removed {
			r := e.record
			out = append(out, models.Holding{
				Address:   r.Address,
				Power:     new(big.Int).Set(r.CurrentPower),
				Delegated: new(big.Int).Set(r.DelegatedPower),
				Received:  new(big.Int).Set(r.ReceivedDelegations),
				Effective: new(big.Int).Set(r.EffectivePower),
			})
		}
		e.mu.RUnlock()
	}
	return out
}

func (s *Store) readBalance(ctx context.Context, addr common.Address) (models.Balance, error) {
	if s.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ReadTimeout)
		defer cancel()
	}
	bal, err := s.reader.ReadBalance(ctx, addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrUpstreamTimeout) {
			return models.Balance{}, fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
		}
		return models.Balance{}, err
	}
	if err := bal.Validate(); err != nil {
		return models.Balance{}, fmt.Errorf("%w: %v", models.ErrUpstreamRead, err)
	}
	return bal, nil
}

func (s *Store) upstreamError(op string) {
	if s.observer != nil {
		s.observer.UpstreamError(op)
	}
}

func (s *Store) reportTracked() {
	if s.observer != nil {
		s.observer.TrackedAddresses(s.Len())
	}
}

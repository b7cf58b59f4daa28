package snapshot

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/govpower/internal/models"
)

type staticSource struct {
	holdings []models.Holding
	calls    atomic.Int32
	gate     chan struct{}
	entered  chan struct{}
}

func (s *staticSource) Holdings() []models.Holding {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	return s.holdings
}

type fixedBlock struct{ ref models.BlockRef }

func (f fixedBlock) CurrentBlock() models.BlockRef { return f.ref }

func holding(addrByte byte, power, delegated, received int64) models.Holding {
	p, d, r := big.NewInt(power), big.NewInt(delegated), big.NewInt(received)
	return models.Holding{
		Address:   common.BytesToAddress([]byte{addrByte}),
		Power:     p,
		Delegated: d,
		Received:  r,
		Effective: models.Balance{Power: p, Delegated: d, Received: r}.Effective(),
	}
}

func newTestBuilder(src *staticSource, cfg Config) *Builder {
	return New(src, fixedBlock{models.BlockRef{Number: 7, Time: time.Unix(1_700_000_000, 0).UTC()}}, nil, cfg)
}

func TestCreate_RanksAndSums(t *testing.T) {
	src := &staticSource{holdings: []models.Holding{
		holding(0x0a, 100, 0, 0),
		holding(0x0c, 800, 0, 0),
		holding(0x0b, 100, 0, 0),
	}}
	b := newTestBuilder(src, DefaultConfig())

	snap, err := b.Create(context.Background(), "scenario")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.TotalVotingPower.Int64() != 1000 {
		t.Errorf("total = %s, want 1000", snap.TotalVotingPower)
	}
	if snap.ID == "" || snap.BlockNumber != 7 || snap.Description != "scenario" {
		t.Errorf("unexpected header %q/%d/%q", snap.ID, snap.BlockNumber, snap.Description)
	}

	wantOrder := []byte{0x0c, 0x0a, 0x0b}
	for i, w := range wantOrder {
		h := snap.Holders[i]
		if h.Address != common.BytesToAddress([]byte{w}) || h.Rank != i+1 {
			t.Errorf("holder %d = %s rank %d, want %x rank %d", i, h.Address.Hex(), h.Rank, w, i+1)
		}
	}
	if snap.Holders[0].Percentage != 80 {
		t.Errorf("top percentage = %v, want 80", snap.Holders[0].Percentage)
	}

	d := snap.Distribution
	if d.HolderCount != 3 || d.ActiveHolders != 3 || d.ParticipationRate != 1 {
		t.Errorf("distribution = %+v", d)
	}
	if d.MedianPower != 100 || math.Abs(d.MeanPower-333.333333) > 1e-3 {
		t.Errorf("median=%v mean=%v", d.MedianPower, d.MeanPower)
	}
}

func TestCreate_PercentagesSumTo100(t *testing.T) {
	var hs []models.Holding
	for i := 1; i <= 37; i++ {
		hs = append(hs, holding(byte(i), int64(i*i*13+7), 0, 0))
	}
	b := newTestBuilder(&staticSource{holdings: hs}, DefaultConfig())

	snap, err := b.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var sum float64
	for _, h := range snap.Holders {
		sum += h.Percentage
	}
	if math.Abs(sum-100) > 1e-3 {
		t.Errorf("sum of percentages = %v, want ~100", sum)
	}
	if len(snap.TopHolders) != 10 {
		t.Errorf("top holders = %d, want 10", len(snap.TopHolders))
	}
}

func TestCreate_Empty(t *testing.T) {
	b := newTestBuilder(&staticSource{}, DefaultConfig())

	snap, err := b.Create(context.Background(), "empty")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.TotalVotingPower.Sign() != 0 || len(snap.Holders) != 0 {
		t.Errorf("total=%s holders=%d, want empty", snap.TotalVotingPower, len(snap.Holders))
	}
	if snap.Distribution.ParticipationRate != 0 {
		t.Errorf("participation = %v, want 0", snap.Distribution.ParticipationRate)
	}
}

func TestCreate_Delegation(t *testing.T) {
	b := newTestBuilder(&staticSource{holdings: []models.Holding{
		holding(1, 1000, 400, 0),
		holding(2, 200, 0, 400),
		holding(3, 0, 0, 0),
	}}, DefaultConfig())

	snap, err := b.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dm := snap.Delegation
	if dm.TotalDelegated.Int64() != 400 || dm.TotalReceived.Int64() != 400 {
		t.Errorf("delegated=%s received=%s", dm.TotalDelegated, dm.TotalReceived)
	}
	if dm.Delegators != 1 || dm.Delegates != 1 {
		t.Errorf("delegators=%d delegates=%d", dm.Delegators, dm.Delegates)
	}
	if math.Abs(dm.DelegationRate-1.0/3.0) > 1e-9 {
		t.Errorf("delegation rate = %v, want 1/3", dm.DelegationRate)
	}
	if snap.Distribution.ActiveHolders != 2 {
		t.Errorf("active = %d, want 2", snap.Distribution.ActiveHolders)
	}
}

func TestCreate_InconsistentIsDiscarded(t *testing.T) {
	bad := holding(1, 10, 0, 0)
	bad.Effective = big.NewInt(-5)
	b := newTestBuilder(&staticSource{holdings: []models.Holding{bad}}, DefaultConfig())

	_, err := b.Create(context.Background(), "")
	if !errors.Is(err, models.ErrInconsistentSnapshot) {
		t.Fatalf("Create error = %v, want ErrInconsistentSnapshot", err)
	}
	if _, ok := b.Latest(); ok {
		t.Error("inconsistent snapshot was retained")
	}
}

func TestCreate_RetentionCap(t *testing.T) {
	b := newTestBuilder(&staticSource{holdings: []models.Holding{holding(1, 1, 0, 0)}}, Config{MaxRetained: 3, TopHolders: 5})

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := b.Create(context.Background(), "")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	list := b.List()
	if len(list) != 3 {
		t.Fatalf("retained %d, want 3", len(list))
	}
	if list[0].ID != ids[2] || list[2].ID != ids[4] {
		t.Errorf("retained wrong snapshots")
	}
	if _, err := b.Get(ids[0]); !errors.Is(err, models.ErrSnapshotNotFound) {
		t.Errorf("Get evicted error = %v, want ErrSnapshotNotFound", err)
	}
	if got, err := b.Get(ids[3]); err != nil || got.ID != ids[3] {
		t.Errorf("Get(%s) = %v, %v", ids[3], got, err)
	}
}

func TestCreate_CoalescesConcurrentRequests(t *testing.T) {
	src := &staticSource{
		holdings: []models.Holding{holding(1, 5, 0, 0)},
		gate:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	b := newTestBuilder(src, DefaultConfig())
	var hooks atomic.Int32
	b.SetCreateHook(func(*models.Snapshot) { hooks.Add(1) })

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := b.Create(context.Background(), "")
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids[i] = snap.ID
		}(i)
	}

	<-src.entered
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("Holdings called %d times, want 1", n)
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got snapshot %s, want %s", i, ids[i], ids[0])
		}
	}
	if hooks.Load() != 1 {
		t.Errorf("create hook ran %d times, want 1", hooks.Load())
	}
}

func TestLatestOrCreate(t *testing.T) {
	src := &staticSource{holdings: []models.Holding{holding(1, 5, 0, 0)}}
	b := newTestBuilder(src, DefaultConfig())

	first, err := b.LatestOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LatestOrCreate: %v", err)
	}
	second, err := b.LatestOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LatestOrCreate: %v", err)
	}
	if first.ID != second.ID || src.calls.Load() != 1 {
		t.Errorf("expected reuse of the retained snapshot")
	}
}

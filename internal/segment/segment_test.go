package segment

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewired-gh/govpower/internal/models"
)

type fakeParticipation struct {
	mu      sync.Mutex
	seen    map[int]bool
	failFor int
}

func (f *fakeParticipation) Participation(ctx context.Context, addrs []common.Address) (models.BehaviorProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[int]bool)
	}
	f.seen[len(addrs)] = true
	if len(addrs) == f.failFor {
		return models.BehaviorProfile{}, errors.New("indexer unavailable")
	}
	return models.BehaviorProfile{DelegationRate: 0.5, VotingFrequency: float64(len(addrs)) / 10, Consistency: 1}, nil
}

func mustBreakpoints(t *testing.T, defs []Definition) []Breakpoint {
	t.Helper()
	bps, err := ParseBreakpoints(defs)
	if err != nil {
		t.Fatalf("ParseBreakpoints: %v", err)
	}
	return bps
}

func testSnapshot(powers ...int64) *models.Snapshot {
	total := new(big.Int)
	s := &models.Snapshot{ID: "s"}
	for i, p := range powers {
		s.Holders = append(s.Holders, models.HolderEntry{
			Address: common.BigToAddress(big.NewInt(int64(i + 1))),
			Power:   big.NewInt(p),
			Rank:    i + 1,
		})
		total.Add(total, big.NewInt(p))
	}
	s.TotalVotingPower = total
	return s
}

var testDefs = []Definition{
	{Name: "large", Min: "1000"},
	{Name: "small", Min: "0"},
	{Name: "medium", Min: "1e2"},
}

func TestParseBreakpoints(t *testing.T) {
	tests := []struct {
		name    string
		defs    []Definition
		wantErr bool
	}{
		{"defaults", DefaultDefinitions(), false},
		{"unordered input", testDefs, false},
		{"empty", nil, true},
		{"no zero bucket", []Definition{{Name: "a", Min: "10"}}, true},
		{"negative", []Definition{{Name: "a", Min: "0"}, {Name: "b", Min: "-5"}}, true},
		{"fractional", []Definition{{Name: "a", Min: "0"}, {Name: "b", Min: "1.5"}}, true},
		{"not a number", []Definition{{Name: "a", Min: "0"}, {Name: "b", Min: "lots"}}, true},
		{"duplicate name", []Definition{{Name: "a", Min: "0"}, {Name: "a", Min: "5"}}, true},
		{"duplicate minimum", []Definition{{Name: "a", Min: "0"}, {Name: "b", Min: "5"}, {Name: "c", Min: "5e0"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBreakpoints(tt.defs)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseBreakpoints() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	bps := mustBreakpoints(t, DefaultDefinitions())
	want, _ := new(big.Int).SetString("100000000000000000000", 10)
	if bps[1].Min.Cmp(want) != 0 {
		t.Errorf("small minimum = %s, want 1e20", bps[1].Min)
	}
}

func TestSegment_Buckets(t *testing.T) {
	src := &fakeParticipation{}
	e := New(mustBreakpoints(t, testDefs), src, 0)

	segs, err := e.Segment(context.Background(), testSnapshot(5, 99, 100, 999, 1000, 50000))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}

	want := []struct {
		name  string
		count int
		total int64
	}{
		{"small", 2, 104},
		{"medium", 2, 1099},
		{"large", 2, 51000},
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments, want %d", len(segs), len(want))
	}
	var pct float64
	for i, w := range want {
		s := segs[i]
		if s.Name != w.name || s.HolderCount != w.count || s.TotalPower.Int64() != w.total {
			t.Errorf("segment %d = %s/%d/%s, want %s/%d/%d", i, s.Name, s.HolderCount, s.TotalPower, w.name, w.count, w.total)
		}
		if s.Profile.DataIncomplete || s.Profile.DelegationRate != 0.5 {
			t.Errorf("segment %s profile = %+v", s.Name, s.Profile)
		}
		pct += s.Percentage
	}
	if math.Abs(pct-100) > 1e-3 {
		t.Errorf("segment percentages sum to %v", pct)
	}
	if segs[2].MaxPower != nil {
		t.Errorf("top segment should be unbounded, got %s", segs[2].MaxPower)
	}
	if segs[0].MaxPower.Int64() != 100 {
		t.Errorf("small max = %s, want 100", segs[0].MaxPower)
	}
}

func TestSegment_MissingSourceMarksIncomplete(t *testing.T) {
	e := New(mustBreakpoints(t, testDefs), nil, 0)

	segs, err := e.Segment(context.Background(), testSnapshot(1, 2000))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for _, s := range segs {
		if s.HolderCount > 0 && !s.Profile.DataIncomplete {
			t.Errorf("segment %s should be marked incomplete", s.Name)
		}
		if s.Profile.VotingFrequency != 0 || s.Profile.Consistency != 0 {
			t.Errorf("segment %s profile should be zero, got %+v", s.Name, s.Profile)
		}
	}
}

func TestSegment_SourceErrorDoesNotFailSegmentation(t *testing.T) {
	src := &fakeParticipation{failFor: 3}
	e := New(mustBreakpoints(t, testDefs), src, 0)

	segs, err := e.Segment(context.Background(), testSnapshot(1, 2, 3, 500))
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if !segs[0].Profile.DataIncomplete {
		t.Error("failing bucket should be marked incomplete")
	}
	if segs[1].Profile.DataIncomplete || segs[1].HolderCount != 1 {
		t.Errorf("medium bucket = %+v", segs[1])
	}
	if segs[2].HolderCount != 0 || segs[2].Profile.DataIncomplete {
		t.Errorf("empty bucket = %+v", segs[2])
	}
}

func TestSegment_EmptySnapshot(t *testing.T) {
	e := New(mustBreakpoints(t, testDefs), &fakeParticipation{}, 0)

	segs, err := e.Segment(context.Background(), &models.Snapshot{TotalVotingPower: new(big.Int)})
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for _, s := range segs {
		if s.HolderCount != 0 || s.Percentage != 0 || s.TotalPower.Sign() != 0 {
			t.Errorf("segment %s not empty: %+v", s.Name, s)
		}
	}
}

// Package segment partitions a snapshot's holders into power-range buckets.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
)

// ParticipationSource reports how a group of holders takes part in governance.
type ParticipationSource interface {
	Participation(ctx context.Context, addrs []common.Address) (models.BehaviorProfile, error)
}

// Definition is a bucket as written in configuration. Min is a decimal
// integer string and may use exponent notation ("1e21").
type Definition struct {
	Name string `mapstructure:"name"`
	Min  string `mapstructure:"min"`
}

// Breakpoint is the parsed lower bound of a bucket.
type Breakpoint struct {
	Name string
	Min  *big.Int
}

// DefaultDefinitions use 18-decimal token base units.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "micro", Min: "0"},
		{Name: "small", Min: "1e20"},
		{Name: "medium", Min: "1e22"},
		{Name: "large", Min: "1e24"},
		{Name: "whale", Min: "1e26"},
	}
}

// ParseBreakpoints validates defs and returns them ordered by minimum. The
// lowest bucket must start at zero so every holder falls into some bucket.
func ParseBreakpoints(defs []Definition) ([]Breakpoint, error) {
	if len(defs) == 0 {
		return nil, errors.New("at least one segment is required")
	}
	out := make([]Breakpoint, 0, len(defs))
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("segment name is required")
		}
		if names[d.Name] {
			return nil, fmt.Errorf("duplicate segment %q", d.Name)
		}
		names[d.Name] = true

		v, err := decimal.NewFromString(d.Min)
		if err != nil {
			return nil, fmt.Errorf("segment %q: invalid minimum %q: %w", d.Name, d.Min, err)
		}
		if v.IsNegative() || !v.Equal(v.Truncate(0)) {
			return nil, fmt.Errorf("segment %q: minimum must be a non-negative integer", d.Name)
		}
		out = append(out, Breakpoint{Name: d.Name, Min: v.BigInt()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Min.Cmp(out[j].Min) < 0 })
	if out[0].Min.Sign() != 0 {
		return nil, fmt.Errorf("lowest segment %q must start at 0", out[0].Name)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Min.Cmp(out[i-1].Min) == 0 {
			return nil, fmt.Errorf("segments %q and %q share a minimum", out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}

// Engine assigns holders to buckets and attaches behaviour profiles.
type Engine struct {
	breakpoints []Breakpoint
	source      ParticipationSource
	timeout     time.Duration
}

// New creates an engine. source may be nil, in which case every profile is
// marked incomplete.
func New(breakpoints []Breakpoint, source ParticipationSource, timeout time.Duration) *Engine {
	return &Engine{breakpoints: breakpoints, source: source, timeout: timeout}
}

// Segment returns one entry per breakpoint, in ascending order of minimum.
// Profile lookups that fail leave a zero profile flagged DataIncomplete.
func (e *Engine) Segment(ctx context.Context, snap *models.Snapshot) ([]models.Segment, error) {
	segs := make([]models.Segment, len(e.breakpoints))
	members := make([][]common.Address, len(e.breakpoints))
	for i, bp := range e.breakpoints {
		segs[i] = models.Segment{Name: bp.Name, MinPower: bp.Min, TotalPower: new(big.Int)}
		if i+1 < len(e.breakpoints) {
			segs[i].MaxPower = e.breakpoints[i+1].Min
		}
	}

	for _, h := range snap.Holders {
		if h.Power == nil || h.Power.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative power for %s", models.ErrInconsistentSnapshot, h.Address.Hex())
		}
		i := e.bucketOf(h.Power)
		segs[i].HolderCount++
		segs[i].TotalPower.Add(segs[i].TotalPower, h.Power)
		members[i] = append(members[i], h.Address)
	}
	for i := range segs {
		segs[i].Percentage = models.SharePercent(segs[i].TotalPower, snap.TotalVotingPower)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range segs {
		if len(members[i]) == 0 {
			continue
		}
		i := i
		g.Go(func() error {
			segs[i].Profile = e.profile(gctx, segs[i].Name, members[i])
			return nil
		})
	}
	_ = g.Wait()
	return segs, nil
}

// bucketOf returns the index of the last breakpoint whose minimum is <= power.
func (e *Engine) bucketOf(power *big.Int) int {
	i := sort.Search(len(e.breakpoints), func(i int) bool {
		return e.breakpoints[i].Min.Cmp(power) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (e *Engine) profile(ctx context.Context, name string, addrs []common.Address) models.BehaviorProfile {
	if e.source == nil {
		return models.BehaviorProfile{DataIncomplete: true}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	p, err := e.source.Participation(ctx, addrs)
	if err != nil {
		logger.Warn("Participation data unavailable for segment %s: %v", name, err)
		return models.BehaviorProfile{DataIncomplete: true}
	}
	return p
}

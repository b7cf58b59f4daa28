// Package analytics computes inequality and concentration statistics over snapshots.
// Every function here is a pure function of its snapshot argument.
package analytics

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/rewired-gh/govpower/internal/models"
)

// RiskThresholds grade a population's concentration. A level applies when
// any of its conditions holds; the worst applicable level wins.
type RiskThresholds struct {
	CriticalNakamoto int
	CriticalCR1      float64
	HighNakamoto     int
	HighGini         float64
	MediumGini       float64
	MediumCR10       float64
}

type Config struct {
	LorenzPoints int
	Risk         RiskThresholds
}

func DefaultConfig() Config {
	return Config{
		LorenzPoints: 101,
		Risk: RiskThresholds{
			CriticalNakamoto: 1,
			CriticalCR1:      50,
			HighNakamoto:     3,
			HighGini:         0.8,
			MediumGini:       0.6,
			MediumCR10:       70,
		},
	}
}

// Analyze derives the concentration metrics of snap. It fails with
// ErrInconsistentSnapshot when the holder powers do not add up to the total.
//
// A snapshot whose total power is zero, whether it has no holders or only
// zero-power holders, yields zeroed metrics: Nakamoto 0, an empty Lorenz
// curve and RiskLow. HolderCount still reports every holder, so callers can
// tell "no one holds power" apart from "no one is tracked".
func Analyze(snap *models.Snapshot, config Config) (models.ConcentrationMetrics, error) {
	m := models.ConcentrationMetrics{
		SnapshotID:  snap.ID,
		HolderCount: len(snap.Holders),
		LorenzCurve: []models.LorenzPoint{},
		Risk:        models.RiskLow,
	}

	powers, err := sortedPowers(snap)
	if err != nil {
		return m, err
	}
	total := snap.TotalVotingPower
	if len(powers) == 0 || total.Sign() == 0 {
		return m, nil
	}

	curve := Lorenz(powers, total)
	m.Gini = GiniFromLorenz(curve)
	m.LorenzCurve = SampleLorenz(curve, config.LorenzPoints)
	m.HHI = HHI(powers, total)
	m.Nakamoto = Nakamoto(powers, total)
	m.Entropy = Entropy(powers, total)
	if active := activeCount(powers); active > 1 {
		m.NormalizedEntropy = m.Entropy / math.Log2(float64(active))
	}
	m.CR1 = ConcentrationRatio(powers, total, 1)
	m.CR5 = ConcentrationRatio(powers, total, 5)
	m.CR10 = ConcentrationRatio(powers, total, 10)
	m.EffectiveHolders = EffectiveHolders(m.HHI, len(powers))
	m.Risk = Grade(m, config.Risk)
	return m, nil
}

// sortedPowers returns holder powers ascending and checks them against the total.
func sortedPowers(snap *models.Snapshot) ([]*big.Int, error) {
	if snap.TotalVotingPower == nil || snap.TotalVotingPower.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid total voting power", models.ErrInconsistentSnapshot)
	}
	powers := make([]*big.Int, len(snap.Holders))
	sum := new(big.Int)
	for i, h := range snap.Holders {
		if h.Power == nil || h.Power.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative power for %s", models.ErrInconsistentSnapshot, h.Address.Hex())
		}
		powers[i] = h.Power
		sum.Add(sum, h.Power)
	}
	if sum.Cmp(snap.TotalVotingPower) != 0 {
		return nil, fmt.Errorf("%w: holder powers sum to %s, total is %s", models.ErrInconsistentSnapshot, sum, snap.TotalVotingPower)
	}
	sort.Slice(powers, func(i, j int) bool { return powers[i].Cmp(powers[j]) < 0 })
	return powers, nil
}

// Lorenz returns the full Lorenz curve for ascending powers, starting at the origin.
// Cumulative sums are exact; only the final ratio is converted to float.
func Lorenz(ascending []*big.Int, total *big.Int) []models.LorenzPoint {
	n := len(ascending)
	curve := make([]models.LorenzPoint, 0, n+1)
	curve = append(curve, models.LorenzPoint{})
	cum := new(big.Int)
	for i, p := range ascending {
		cum.Add(cum, p)
		curve = append(curve, models.LorenzPoint{
			Population: 100 * float64(i+1) / float64(n),
			Power:      100 * models.Ratio(cum, total),
		})
	}
	return curve
}

// GiniFromLorenz returns 1 - 2·(area under the curve), using trapezoids.
func GiniFromLorenz(curve []models.LorenzPoint) float64 {
	var area float64
	for i := 1; i < len(curve); i++ {
		dx := (curve[i].Population - curve[i-1].Population) / 100
		area += dx * (curve[i].Power + curve[i-1].Power) / 200
	}
	return clamp01(1 - 2*area)
}

// SampleLorenz thins curve to at most max points, keeping both endpoints.
func SampleLorenz(curve []models.LorenzPoint, max int) []models.LorenzPoint {
	if max < 2 || len(curve) <= max {
		out := make([]models.LorenzPoint, len(curve))
		copy(out, curve)
		return out
	}
	out := make([]models.LorenzPoint, max)
	last := len(curve) - 1
	for i := 0; i < max; i++ {
		out[i] = curve[i*last/(max-1)]
	}
	return out
}

func shares(powers []*big.Int, total *big.Int) []float64 {
	s := make([]float64, len(powers))
	for i, p := range powers {
		s[i] = models.Ratio(p, total)
	}
	return s
}

// HHI is the sum of squared shares.
func HHI(powers []*big.Int, total *big.Int) float64 {
	if total.Sign() == 0 {
		return 0
	}
	var h float64
	for _, s := range shares(powers, total) {
		h += s * s
	}
	return math.Min(h, 1)
}

// Nakamoto is the smallest number of the largest holders whose combined
// power reaches half of total. Powers may be in any order.
func Nakamoto(powers []*big.Int, total *big.Int) int {
	if total.Sign() == 0 {
		return 0
	}
	desc := make([]*big.Int, len(powers))
	copy(desc, powers)
	sort.Slice(desc, func(i, j int) bool { return desc[i].Cmp(desc[j]) > 0 })

	cum := new(big.Int)
	doubled := new(big.Int)
	for i, p := range desc {
		cum.Add(cum, p)
		if doubled.Lsh(cum, 1).Cmp(total) >= 0 {
			return i + 1
		}
	}
	return len(desc)
}

// Entropy is the Shannon entropy of the share distribution, in bits.
func Entropy(powers []*big.Int, total *big.Int) float64 {
	if total.Sign() == 0 {
		return 0
	}
	var e float64
	for _, s := range shares(powers, total) {
		if s > 0 {
			e -= s * math.Log2(s)
		}
	}
	return math.Max(e, 0)
}

// ConcentrationRatio is the percentage of total held by the k largest holders.
func ConcentrationRatio(powers []*big.Int, total *big.Int, k int) float64 {
	desc := make([]*big.Int, len(powers))
	copy(desc, powers)
	sort.Slice(desc, func(i, j int) bool { return desc[i].Cmp(desc[j]) > 0 })
	if k > len(desc) {
		k = len(desc)
	}
	top := new(big.Int)
	for _, p := range desc[:k] {
		top.Add(top, p)
	}
	return models.SharePercent(top, total)
}

// EffectiveHolders is 1/HHI, never more than the actual holder count.
func EffectiveHolders(hhi float64, holders int) float64 {
	if hhi <= 0 {
		return 0
	}
	return math.Min(1/hhi, float64(holders))
}

// Grade maps metrics to a risk level.
func Grade(m models.ConcentrationMetrics, t RiskThresholds) models.RiskLevel {
	if m.HolderCount == 0 || m.Nakamoto == 0 {
		return models.RiskLow
	}
	switch {
	case m.Nakamoto <= t.CriticalNakamoto || m.CR1 >= t.CriticalCR1:
		return models.RiskCritical
	case m.Nakamoto <= t.HighNakamoto || m.Gini >= t.HighGini:
		return models.RiskHigh
	case m.Gini >= t.MediumGini || m.CR10 >= t.MediumCR10:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func activeCount(powers []*big.Int) int {
	n := 0
	for _, p := range powers {
		if p.Sign() > 0 {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

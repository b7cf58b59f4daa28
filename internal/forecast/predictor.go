// Package forecast projects an address's voting power from its history.
package forecast

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/govpower/internal/logger"
	"github.com/rewired-gh/govpower/internal/models"
)

// SignalSource supplies optional external inputs for a forecast.
type SignalSource interface {
	Signals(ctx context.Context, addr common.Address) (models.ExternalSignals, error)
}

const (
	FactorHistoricalTrend   = "historical_trend"
	FactorDelegationPattern = "delegation_pattern"
	FactorMarketSignal      = "market_signal"
	FactorProposalActivity  = "proposal_activity"

	weightTrend      = 0.4
	weightDelegation = 0.3
	weightMarket     = 0.2
	weightProposal   = 0.1

	// MaxHorizonDays bounds a single prediction run.
	MaxHorizonDays = 365

	day = 24 * time.Hour
)

type Config struct {
	MinHistory      int
	WindowDays      int
	ConfidenceFloor float64
	SignalTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinHistory:      10,
		WindowDays:      30,
		ConfidenceFloor: 0.1,
		SignalTimeout:   2 * time.Second,
	}
}

// Model is the fitted trend of one history.
type Model struct {
	Trend      float64 // mean daily relative change
	Volatility float64 // standard deviation of daily relative changes
	Samples    int
}

type Predictor struct {
	config  Config
	signals SignalSource
}

// New creates a predictor. signals may be nil.
func New(config Config, signals SignalSource) *Predictor {
	if config.MinHistory < 2 {
		config.MinHistory = 2
	}
	if config.WindowDays < 1 {
		config.WindowDays = DefaultConfig().WindowDays
	}
	if config.ConfidenceFloor < 0 || config.ConfidenceFloor > 1 {
		config.ConfidenceFloor = DefaultConfig().ConfidenceFloor
	}
	return &Predictor{config: config, signals: signals}
}

// Sufficient reports whether rec has enough history to be modeled.
func (p *Predictor) Sufficient(rec *models.VotingPowerRecord) bool {
	return len(rec.History) >= p.config.MinHistory
}

// Predict returns one prediction per day up to horizonDays, starting at now.
// Records with too little history yield an empty slice.
func (p *Predictor) Predict(ctx context.Context, rec *models.VotingPowerRecord, horizonDays int, now time.Time) []models.PowerPrediction {
	out := []models.PowerPrediction{}
	if horizonDays < 1 || !p.Sufficient(rec) {
		return out
	}
	if horizonDays > MaxHorizonDays {
		horizonDays = MaxHorizonDays
	}

	model := Fit(rec.History, p.config.WindowDays)
	factors := p.factors(ctx, rec, model)
	current := decimal.NewFromBigInt(rec.EffectivePower, 0)
	floor := p.config.ConfidenceFloor
	damp := 1 / (1 + model.Volatility)

	for d := 1; d <= horizonDays; d++ {
		growth := math.Pow(1+model.Trend, float64(d))
		predicted := current.Mul(decimal.NewFromFloat(growth)).Floor().BigInt()
		if predicted.Sign() < 0 {
			predicted.SetInt64(0)
		}

		base := 1 - (1-floor)*float64(d)/float64(horizonDays)
		out = append(out, models.PowerPrediction{
			Timestamp:      now.Add(time.Duration(d) * day),
			DaysAhead:      d,
			PredictedPower: predicted,
			Confidence:     math.Max(floor, floor+(base-floor)*damp),
			Factors:        factors,
		})
	}

	logger.Debug("Predicted %d days for %s: trend=%.5f volatility=%.5f samples=%d",
		horizonDays, rec.Address.Hex(), model.Trend, model.Volatility, model.Samples)
	return out
}

type dailyClose struct {
	day   time.Time
	power *big.Int
}

// dailyCloses keeps the last point of each UTC day, within windowDays of the newest day.
func dailyCloses(history []models.PowerHistoryPoint, windowDays int) []dailyClose {
	var closes []dailyClose
	for _, pt := range history {
		d := pt.Timestamp.UTC().Truncate(day)
		if n := len(closes); n > 0 && closes[n-1].day.Equal(d) {
			closes[n-1].power = pt.Power
			continue
		}
		closes = append(closes, dailyClose{day: d, power: pt.Power})
	}
	if len(closes) == 0 {
		return nil
	}

	cutoff := closes[len(closes)-1].day.Add(-time.Duration(windowDays) * day)
	start := 0
	for start < len(closes) && closes[start].day.Before(cutoff) {
		start++
	}
	return closes[start:]
}

// Fit estimates the daily trend and volatility of history. Gaps between
// closes are spread geometrically over the missing days.
func Fit(history []models.PowerHistoryPoint, windowDays int) Model {
	closes := dailyCloses(history, windowDays)
	var w welford
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev.power.Sign() == 0 {
			continue
		}
		gap := cur.day.Sub(prev.day).Hours() / 24
		ratio := models.Ratio(cur.power, prev.power)
		w.Add(math.Pow(ratio, 1/gap) - 1)
	}
	return Model{
		Trend:      clamp(w.Mean(), -1, 1),
		Volatility: w.StdDev(),
		Samples:    w.count,
	}
}

func (p *Predictor) factors(ctx context.Context, rec *models.VotingPowerRecord, model Model) []models.PredictionFactor {
	factors := []models.PredictionFactor{
		{Name: FactorHistoricalTrend, Weight: weightTrend, Impact: model.Trend, Available: model.Samples > 0},
		{Name: FactorDelegationPattern, Weight: weightDelegation, Impact: delegationImpact(rec), Available: true},
		{Name: FactorMarketSignal, Weight: weightMarket},
		{Name: FactorProposalActivity, Weight: weightProposal},
	}

	signals := p.fetchSignals(ctx, rec.Address)
	if signals.Market != nil {
		factors[2].Impact = clamp(*signals.Market, -1, 1)
		factors[2].Available = true
	}
	if signals.ProposalActivity != nil {
		factors[3].Impact = clamp(*signals.ProposalActivity, -1, 1)
		factors[3].Available = true
	}
	return factors
}

func (p *Predictor) fetchSignals(ctx context.Context, addr common.Address) models.ExternalSignals {
	if p.signals == nil {
		return models.ExternalSignals{}
	}
	if p.config.SignalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.SignalTimeout)
		defer cancel()
	}
	s, err := p.signals.Signals(ctx, addr)
	if err != nil {
		logger.Debug("External signals unavailable for %s: %v", addr.Hex(), err)
		return models.ExternalSignals{}
	}
	return s
}

// delegationImpact is net delegation inflow relative to the holder's gross power.
func delegationImpact(rec *models.VotingPowerRecord) float64 {
	gross := new(big.Int).Add(rec.CurrentPower, rec.ReceivedDelegations)
	if gross.Sign() == 0 {
		return 0
	}
	net := new(big.Int).Sub(rec.ReceivedDelegations, rec.DelegatedPower)
	f, _ := new(big.Rat).SetFrac(net, gross).Float64()
	return clamp(f, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

package models

import (
	"math/big"
	"time"
)

// RiskLevel grades how concentrated voting power is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; higher is worse.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// LorenzPoint is one point of the Lorenz curve, both axes in percent.
type LorenzPoint struct {
	Population float64 `json:"population"`
	Power      float64 `json:"power"`
}

// ConcentrationMetrics are derived purely from one snapshot.
type ConcentrationMetrics struct {
	SnapshotID        string        `json:"snapshot_id"`
	HolderCount       int           `json:"holder_count"`
	Gini              float64       `json:"gini"`
	HHI               float64       `json:"hhi"`
	Nakamoto          int           `json:"nakamoto"`
	Entropy           float64       `json:"entropy"`
	NormalizedEntropy float64       `json:"normalized_entropy"`
	CR1               float64       `json:"cr1"`
	CR5               float64       `json:"cr5"`
	CR10              float64       `json:"cr10"`
	EffectiveHolders  float64       `json:"effective_holders"`
	LorenzCurve       []LorenzPoint `json:"lorenz_curve"`
	Risk              RiskLevel     `json:"risk"`
}

// BehaviorProfile describes how a group of holders participates in governance.
// DataIncomplete distinguishes "not available" from a computed zero.
type BehaviorProfile struct {
	DelegationRate  float64 `json:"delegation_rate"`
	VotingFrequency float64 `json:"voting_frequency"`
	Consistency     float64 `json:"consistency"`
	DataIncomplete  bool    `json:"data_incomplete"`
}

// Segment is one power-range bucket of holders.
type Segment struct {
	Name        string          `json:"name"`
	MinPower    *big.Int        `json:"min_power"`
	MaxPower    *big.Int        `json:"max_power,omitempty"` // nil means unbounded
	HolderCount int             `json:"holder_count"`
	TotalPower  *big.Int        `json:"total_power"`
	Percentage  float64         `json:"percentage"`
	Profile     BehaviorProfile `json:"profile"`
}

// PredictionFactor is one weighted contributor to a forecast.
type PredictionFactor struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Impact    float64 `json:"impact"`
	Available bool    `json:"available"`
}

// PowerPrediction is one forecast point for an address.
type PowerPrediction struct {
	Timestamp      time.Time          `json:"timestamp"`
	DaysAhead      int                `json:"days_ahead"`
	PredictedPower *big.Int           `json:"predicted_power"`
	Confidence     float64            `json:"confidence"`
	Factors        []PredictionFactor `json:"factors"`
}

// ExternalSignals are optional forecast inputs from outside the engine.
// A nil field means the signal is unavailable.
type ExternalSignals struct {
	Market           *float64 `json:"market,omitempty"`
	ProposalActivity *float64 `json:"proposal_activity,omitempty"`
}

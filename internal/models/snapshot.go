package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// HolderEntry is one ranked holder inside a snapshot.
type HolderEntry struct {
	Address    common.Address `json:"address"`
	Power      *big.Int       `json:"power"`
	Rank       int            `json:"rank"`
	Percentage float64        `json:"percentage"`
}

// DistributionMetrics summarises the holder population of a snapshot.
type DistributionMetrics struct {
	HolderCount       int     `json:"holder_count"`
	ActiveHolders     int     `json:"active_holders"`
	ParticipationRate float64 `json:"participation_rate"`
	MeanPower         float64 `json:"mean_power"`
	MedianPower       float64 `json:"median_power"`
}

// DelegationMetrics summarises one-hop delegation across the population.
type DelegationMetrics struct {
	TotalDelegated *big.Int `json:"total_delegated"`
	TotalReceived  *big.Int `json:"total_received"`
	Delegators     int      `json:"delegators"`
	Delegates      int      `json:"delegates"`
	DelegationRate float64  `json:"delegation_rate"`
}

// Snapshot is an immutable point-in-time view of every tracked holder.
// Holders is ordered by rank (power descending, address ascending on ties).
type Snapshot struct {
	ID               string              `json:"id"`
	Description      string              `json:"description"`
	Timestamp        time.Time           `json:"timestamp"`
	BlockNumber      uint64              `json:"block_number"`
	TotalVotingPower *big.Int            `json:"total_voting_power"`
	Holders          []HolderEntry       `json:"holders"`
	TopHolders       []HolderEntry       `json:"top_holders"`
	Distribution     DistributionMetrics `json:"distribution"`
	Delegation       DelegationMetrics   `json:"delegation"`
}

// Holding is a copy of one record's power fields taken for a snapshot.
type Holding struct {
	Address   common.Address
	Power     *big.Int
	Delegated *big.Int
	Received  *big.Int
	Effective *big.Int
}

var hundred = decimal.NewFromInt(100)

// SharePercent returns part/total in percent, rounded to 6 decimal places.
// A zero total yields 0.
func SharePercent(part, total *big.Int) float64 {
	if total == nil || total.Sign() == 0 || part == nil {
		return 0
	}
	p := decimal.NewFromBigInt(part, 0).Mul(hundred).Div(decimal.NewFromBigInt(total, 0))
	return p.Round(6).InexactFloat64()
}

// Ratio returns part/total as a float in [0,1] when part <= total. A zero total yields 0.
func Ratio(part, total *big.Int) float64 {
	if total == nil || total.Sign() == 0 || part == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(part, total).Float64()
	return f
}

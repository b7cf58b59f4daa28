// Package models defines the core domain entities: voting power records,
// history points, snapshots and the analytics derived from them.
package models

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChangeType classifies a voting power change event.
type ChangeType string

const (
	ChangeAcquire     ChangeType = "acquire"
	ChangeDelegate    ChangeType = "delegate"
	ChangeUndelegate  ChangeType = "undelegate"
	ChangeTransferIn  ChangeType = "transfer_in"
	ChangeTransferOut ChangeType = "transfer_out"
)

// Valid reports whether c is one of the known change types.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeAcquire, ChangeDelegate, ChangeUndelegate, ChangeTransferIn, ChangeTransferOut:
		return true
	}
	return false
}

// ParseChangeType converts a wire string to a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	c := ChangeType(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown change type %q", s)
	}
	return c, nil
}

// PowerHistoryPoint is one entry of an address's power history. Immutable once created.
type PowerHistoryPoint struct {
	Timestamp    time.Time  `json:"timestamp"`
	BlockNumber  uint64     `json:"block_number"`
	Power        *big.Int   `json:"power"`
	ChangeType   ChangeType `json:"change_type"`
	ChangeAmount *big.Int   `json:"change_amount"`
	Source       string     `json:"source"`
	TxHash       string     `json:"tx_hash,omitempty"`
}

// Balance is the upstream view of an address's token and delegation state.
type Balance struct {
	Power     *big.Int `json:"power"`
	Delegated *big.Int `json:"delegated"`
	Received  *big.Int `json:"received"`
}

// Validate checks that the balance can back a voting power record.
func (b Balance) Validate() error {
	if b.Power == nil || b.Delegated == nil || b.Received == nil {
		return errors.New("balance fields must not be nil")
	}
	if b.Power.Sign() < 0 || b.Delegated.Sign() < 0 || b.Received.Sign() < 0 {
		return errors.New("balance fields must not be negative")
	}
	if b.Delegated.Cmp(b.Power) > 0 {
		return errors.New("delegated power must not exceed current power")
	}
	return nil
}

// Effective returns power + received - delegated.
func (b Balance) Effective() *big.Int {
	e := new(big.Int).Add(b.Power, b.Received)
	return e.Sub(e, b.Delegated)
}

// BlockRef identifies a block by number and time.
type BlockRef struct {
	Number uint64    `json:"number"`
	Time   time.Time `json:"time"`
}

// VotingPowerRecord tracks one address. Owned exclusively by the tracker.
type VotingPowerRecord struct {
	Address             common.Address      `json:"address"`
	CurrentPower        *big.Int            `json:"current_power"`
	DelegatedPower      *big.Int            `json:"delegated_power"`
	ReceivedDelegations *big.Int            `json:"received_delegations"`
	EffectivePower      *big.Int            `json:"effective_power"`
	History             []PowerHistoryPoint `json:"history"`
	Predictions         []PowerPrediction   `json:"predictions,omitempty"`
	TrackedSince        time.Time           `json:"tracked_since"`
	LastUpdated         time.Time           `json:"last_updated"`
}

// ApplyBalance replaces the power fields with b and recomputes effective power.
func (r *VotingPowerRecord) ApplyBalance(b Balance) {
	r.CurrentPower = new(big.Int).Set(b.Power)
	r.DelegatedPower = new(big.Int).Set(b.Delegated)
	r.ReceivedDelegations = new(big.Int).Set(b.Received)
	r.EffectivePower = b.Effective()
}

// Balance returns the record's power fields as a Balance.
func (r *VotingPowerRecord) Balance() Balance {
	return Balance{Power: r.CurrentPower, Delegated: r.DelegatedPower, Received: r.ReceivedDelegations}
}

// Validate checks the effective power invariant and history ordering.
func (r *VotingPowerRecord) Validate() error {
	if r.Address == (common.Address{}) {
		return errors.New("address must not be zero")
	}
	if r.CurrentPower == nil || r.DelegatedPower == nil || r.ReceivedDelegations == nil || r.EffectivePower == nil {
		return errors.New("power fields must not be nil")
	}
	if r.DelegatedPower.Cmp(r.CurrentPower) > 0 {
		return errors.New("delegated power must not exceed current power")
	}
	if r.Balance().Effective().Cmp(r.EffectivePower) != 0 {
		return errors.New("effective power must equal current + received - delegated")
	}
	if r.EffectivePower.Sign() < 0 {
		return errors.New("effective power must not be negative")
	}
	for i := 1; i < len(r.History); i++ {
		if r.History[i].Timestamp.Before(r.History[i-1].Timestamp) {
			return errors.New("history must be ascending by timestamp")
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (r *VotingPowerRecord) Clone() *VotingPowerRecord {
	c := *r
	c.CurrentPower = cloneInt(r.CurrentPower)
	c.DelegatedPower = cloneInt(r.DelegatedPower)
	c.ReceivedDelegations = cloneInt(r.ReceivedDelegations)
	c.EffectivePower = cloneInt(r.EffectivePower)
	c.History = ClonePoints(r.History)
	if r.Predictions != nil {
		c.Predictions = make([]PowerPrediction, len(r.Predictions))
		copy(c.Predictions, r.Predictions)
	}
	return &c
}

// ClonePoints copies a history slice. Points share their big.Int values,
// which are never mutated after creation.
func ClonePoints(points []PowerHistoryPoint) []PowerHistoryPoint {
	out := make([]PowerHistoryPoint, len(points))
	copy(out, points)
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ChangeEvent is an external notification that an address's power changed.
type ChangeEvent struct {
	Address common.Address `json:"address"`
	Type    ChangeType     `json:"change_type"`
	Amount  *big.Int       `json:"amount"`
	TxHash  string         `json:"tx_hash,omitempty"`
}

package notify

import (
	"sync"
	"time"

	"github.com/rewired-gh/govpower/internal/models"
)

type sentRecord struct {
	level  models.RiskLevel
	sentAt time.Time
}

// Throttle suppresses repeated alerts. Within the cooldown only an
// escalation of the risk level is let through.
type Throttle struct {
	mu       sync.Mutex
	minRisk  models.RiskLevel
	cooldown time.Duration
	last     *sentRecord
	now      func() time.Time
}

func NewThrottle(minRisk models.RiskLevel, cooldown time.Duration) *Throttle {
	return &Throttle{minRisk: minRisk, cooldown: cooldown, now: time.Now}
}

// ShouldSend reports whether an alert at level may be sent now.
func (t *Throttle) ShouldSend(level models.RiskLevel) bool {
	if level.Rank() < t.minRisk.Rank() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return true
	}
	if t.now().Sub(t.last.sentAt) < t.cooldown && level.Rank() <= t.last.level.Rank() {
		return false
	}
	return true
}

// RecordSent marks an alert at level as delivered.
func (t *Throttle) RecordSent(level models.RiskLevel) {
	t.mu.Lock()
	t.last = &sentRecord{level: level, sentAt: t.now()}
	t.mu.Unlock()
}

// LastLevel returns the level of the last delivered alert, or "" if none.
func (t *Throttle) LastLevel() models.RiskLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return ""
	}
	return t.last.level
}

package chain

import (
	"sync"
	"time"

	"github.com/rewired-gh/govpower/internal/models"
)

// BlockTracker holds the latest observed head. It never moves backwards.
type BlockTracker struct {
	mu   sync.RWMutex
	head models.BlockRef
	now  func() time.Time
}

// NewBlockTracker creates a tracker with no observed head.
func NewBlockTracker() *BlockTracker {
	return &BlockTracker{now: time.Now}
}

// Observe records ref if it is newer than the current head and reports whether it was applied.
func (b *BlockTracker) Observe(ref models.BlockRef) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref.Number <= b.head.Number && !b.head.Time.IsZero() {
		return false
	}
	if ref.Time.Before(b.head.Time) {
		ref.Time = b.head.Time
	}
	b.head = ref
	return true
}

// CurrentBlock returns the latest head. Before any head is observed the
// number is zero and the time is the wall clock.
func (b *BlockTracker) CurrentBlock() models.BlockRef {
	b.mu.RLock()
	head := b.head
	b.mu.RUnlock()
	if head.Time.IsZero() {
		head.Time = b.now().UTC()
	}
	return head
}

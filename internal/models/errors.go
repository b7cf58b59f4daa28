package models

import "errors"

var (
	// ErrAlreadyTracked is returned when tracking is started twice for one address.
	ErrAlreadyTracked = errors.New("address already tracked")

	// ErrNotTracked is returned for operations on an address with no record
	// and no upstream data.
	ErrNotTracked = errors.New("address not tracked")

	// ErrUpstreamTimeout indicates the balance read did not complete in time.
	ErrUpstreamTimeout = errors.New("upstream read timed out")

	// ErrUpstreamRead indicates the balance read failed.
	ErrUpstreamRead = errors.New("upstream read failed")

	// ErrAccountNotFound is returned by the upstream when it knows nothing
	// about an address.
	ErrAccountNotFound = errors.New("account not found upstream")

	// ErrInconsistentSnapshot marks an invariant violation found while
	// building a snapshot. The snapshot is discarded.
	ErrInconsistentSnapshot = errors.New("inconsistent snapshot")

	// ErrSnapshotNotFound is returned when a snapshot ID is not retained.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

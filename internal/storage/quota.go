package storage

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DriftTolerance is the number of bytes the cached usage counter may diverge
// from real usage before an interactive read triggers reconciliation.
const DriftTolerance = 1024

// QuotaState is the persisted per-owner quota record. UsedBytes is a cached
// counter maintained by incremental deltas; it may drift under concurrent
// operations and partial failures, and is overwritten from real usage on
// every reconcile. LimitBytes of 0 means "use the engine default".
type QuotaState struct {
	LimitBytes int64     `json:"limit_bytes,omitempty"`
	UsedBytes  int64     `json:"used_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QuotaUsage is the resolved view of an owner's quota returned to callers.
type QuotaUsage struct {
	LimitBytes int64 `json:"limit_bytes"` // 0 = unlimited
	UsedBytes  int64 `json:"used_bytes"`
}

// Accountant keeps the per-owner "bytes used" counter consistent with the
// bytes actually owned on disk. It offers two access modes: a fast cached
// counter for display, and authoritative recomputation from live object
// records. Admission control always uses the authoritative value; the cache
// is never the source of truth for letting bytes in.
type Accountant struct {
	eng *Engine
}

// readState reads the owner's quota record, defaulting to a zero state
// (caller must hold lock).
func (a *Accountant) readState(owner string) *QuotaState {
	var state QuotaState
	if err := readRecord(a.eng.fs, a.eng.quotaStatePath(owner), &state, ErrObjectNotFound); err != nil {
		return &QuotaState{}
	}
	return &state
}

// writeState persists the owner's quota record (caller must hold lock).
func (a *Accountant) writeState(owner string, state *QuotaState) error {
	state.UpdatedAt = time.Now().UTC()
	return writeRecord(a.eng.fs, a.eng.quotaStatePath(owner), state)
}

// limitFor resolves the effective byte ceiling for a state. 0 = unlimited.
func (a *Accountant) limitFor(state *QuotaState) int64 {
	if state.LimitBytes > 0 {
		return state.LimitBytes
	}
	return a.eng.opts.DefaultQuotaBytes
}

// realUsageLocked sums the sizes of the owner's non-trashed objects
// (caller must hold lock).
func (a *Accountant) realUsageLocked(owner string) (int64, error) {
	objects, err := a.eng.listObjects(owner)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	var total int64
	for _, obj := range objects {
		if !obj.IsTrashed() {
			total += obj.Size
		}
	}
	return total, nil
}

// RealUsage returns the authoritative bytes-used value for an owner,
// aggregated over live object records. Always correct, more expensive than
// the cache.
func (a *Accountant) RealUsage(owner string) (int64, error) {
	a.eng.mu.RLock()
	defer a.eng.mu.RUnlock()
	return a.realUsageLocked(owner)
}

// reconcileLocked recomputes real usage and overwrites the cached counter
// (caller must hold write lock).
func (a *Accountant) reconcileLocked(owner string) (int64, error) {
	real, err := a.realUsageLocked(owner)
	if err != nil {
		return 0, err
	}

	state := a.readState(owner)
	drift := state.UsedBytes - real
	if drift != 0 {
		log.Debug().Str("owner", owner).Int64("cached", state.UsedBytes).Int64("real", real).Msg("quota counter drift corrected")
		observeQuotaDrift(drift)
	}
	state.UsedBytes = real
	if err := a.writeState(owner, state); err != nil {
		return 0, fmt.Errorf("persist quota state: %w", err)
	}
	observeReconcile()
	return real, nil
}

// Reconcile recomputes an owner's usage from source of truth, overwrites the
// cached counter, and returns the authoritative value.
func (a *Accountant) Reconcile(owner string) (int64, error) {
	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()
	return a.reconcileLocked(owner)
}

// applyDeltaLocked adjusts the cached counter, floored at zero. Any failure
// persisting the delta falls back to a full reconcile so the counter is never
// left stale after an error (caller must hold write lock).
func (a *Accountant) applyDeltaLocked(owner string, delta int64) (int64, error) {
	state := a.readState(owner)
	state.UsedBytes += delta
	if state.UsedBytes < 0 {
		state.UsedBytes = 0
	}
	if err := a.writeState(owner, state); err != nil {
		log.Warn().Err(err).Str("owner", owner).Int64("delta", delta).Msg("quota delta write failed, reconciling")
		return a.reconcileLocked(owner)
	}
	return state.UsedBytes, nil
}

// ApplyDelta adds signed bytes to the cached counter (positive for additions,
// negative for removals) and returns the new cached value.
func (a *Accountant) ApplyDelta(owner string, delta int64) (int64, error) {
	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()
	return a.applyDeltaLocked(owner, delta)
}

// checkCapacityLocked verifies an owner can take on additional bytes. The
// check reads real usage, not the cache — drift must never let an upload past
// quota (caller must hold lock).
func (a *Accountant) checkCapacityLocked(owner string, additional int64) error {
	state := a.readState(owner)
	limit := a.limitFor(state)
	if limit > 0 {
		real, err := a.realUsageLocked(owner)
		if err != nil {
			return err
		}
		if real+additional > limit {
			return ErrQuotaExceeded
		}
	}

	// The backing volume is a second ceiling independent of the logical
	// quota. Fail open when stats are unavailable.
	if headroom := a.eng.opts.MinVolumeHeadroom; headroom > 0 {
		if _, _, available, err := GetVolumeStats(a.eng.root); err == nil {
			if available < additional+headroom {
				return fmt.Errorf("volume headroom exhausted: %w", ErrQuotaExceeded)
			}
		}
	}
	return nil
}

// CheckCapacity denies when real usage plus the additional bytes would exceed
// the owner's limit, or when the backing volume lacks headroom.
func (a *Accountant) CheckCapacity(owner string, additional int64) error {
	a.eng.mu.RLock()
	defer a.eng.mu.RUnlock()
	return a.checkCapacityLocked(owner, additional)
}

// Usage returns the owner's resolved quota view for display. Every call pays
// the authoritative record scan to measure drift against the cached counter;
// within DriftTolerance the cached figure is reported unchanged so the
// displayed number stays stable across in-flight deltas, beyond it the cache
// is reconciled back to the scan.
func (a *Accountant) Usage(owner string) (QuotaUsage, error) {
	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()

	state := a.readState(owner)
	real, err := a.realUsageLocked(owner)
	if err != nil {
		return QuotaUsage{}, err
	}

	used := state.UsedBytes
	drift := used - real
	if drift > DriftTolerance || drift < -DriftTolerance {
		used, err = a.reconcileLocked(owner)
		if err != nil {
			return QuotaUsage{}, err
		}
	}
	return QuotaUsage{LimitBytes: a.limitFor(state), UsedBytes: used}, nil
}

// SetLimit stores a per-owner quota override. A limit of 0 reverts the owner
// to the engine default.
func (a *Accountant) SetLimit(owner string, limit int64) error {
	if err := validateIdentifier(owner); err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}
	if limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}

	a.eng.mu.Lock()
	defer a.eng.mu.Unlock()

	state := a.readState(owner)
	state.LimitBytes = limit
	return a.writeState(owner, state)
}

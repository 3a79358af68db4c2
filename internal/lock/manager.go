// Package lock is a thin wrapper over domain.Store's lease primitives
// (§4.3): it adds nothing stateful of its own, since the concurrency
// invariant ("at most one worker holds the lock of a given item at a given
// instant") is enforced at the store level, never by clock comparison in
// application code (§4.3, §9).
package lock

import (
	"context"
	"time"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// Manager acquires and releases leases, and extends a lease while a worker
// is actively executing a stage.
type Manager struct {
	store        domain.Store
	lease        time.Duration
	leaseSeconds int
}

// New builds a Manager with the given default lease duration.
func New(store domain.Store, lease time.Duration) *Manager {
	return &Manager{store: store, lease: lease, leaseSeconds: int(lease.Seconds())}
}

// Acquire attempts to take the lock for workerID, succeeding iff the
// current lock is null or expired.
func (m *Manager) Acquire(ctx context.Context, workItemID, workerID string) (domain.WorkItem, error) {
	return m.store.AcquireLockIfFree(ctx, domain.LockRequest{
		WorkItemID:   workItemID,
		WorkerID:     workerID,
		LeaseSeconds: m.leaseSeconds,
	})
}

// Release gives up the lock iff workerID is still its holder.
func (m *Manager) Release(ctx context.Context, workItemID, workerID string) error {
	return m.store.ReleaseLock(ctx, workItemID, workerID)
}

// Extend pushes lock_expires_at forward for the current holder — the
// periodic renewal a worker performs while actively executing a long
// stage. This is deliberately a separate store primitive from
// AcquireLockIfFree: that method's null-or-expired predicate would reject
// a worker trying to extend its own still-valid lease, since the row
// already shows a live lock_holder.
func (m *Manager) Extend(ctx context.Context, workItemID, workerID string) (domain.WorkItem, error) {
	return m.store.ExtendLock(ctx, workItemID, workerID, m.leaseSeconds)
}

// LeaseDuration returns the configured lease length, so a caller driving a
// long stage can pick a renewal interval safely under it.
func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

// Reclaimable returns RUNNING items whose lease has expired, eligible for
// reclamation by any worker (§5 "Lock reclamation").
func (m *Manager) Reclaimable(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	return m.store.ReclaimableLocks(ctx, limit)
}

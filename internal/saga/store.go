package saga

import "context"

// Store persists saga snapshots so state survives a process restart.
// The coordinator writes through on every transition and treats the
// store as advisory: persistence failures are logged, never fatal to
// the saga itself. A nil store keeps execution state in memory only.
//
// Implementations live under saga/store.
type Store interface {
	// Save upserts the snapshot keyed by its SagaID.
	Save(ctx context.Context, status Status) error

	// Load returns the snapshot for sagaID, or errz.ErrNotFound.
	Load(ctx context.Context, sagaID string) (Status, error)

	// ListActive returns every snapshot not yet in a terminal state.
	ListActive(ctx context.Context) ([]Status, error)
}

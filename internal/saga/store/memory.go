// Package store provides saga.Store implementations: an in-memory map
// for tests and non-critical use, and a SQLite file for state that has
// to survive a restart.
package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/saga"
)

// Memory keeps saga snapshots in a map. Contents are lost on crash,
// which the saga contract explicitly allows for non-critical sagas.
type Memory struct {
	mu    sync.RWMutex
	sagas map[string]saga.Status
}

var _ saga.Store = (*Memory)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sagas: make(map[string]saga.Status)}
}

// Save upserts the snapshot keyed by its SagaID.
func (m *Memory) Save(_ context.Context, status saga.Status) error {
	if status.SagaID == "" {
		return fmt.Errorf("%w: snapshot has no saga id", errz.ErrConfiguration)
	}
	status.Steps = slices.Clone(status.Steps)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagas[status.SagaID] = status
	return nil
}

// Load returns the snapshot for sagaID.
func (m *Memory) Load(_ context.Context, sagaID string) (saga.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.sagas[sagaID]
	if !ok {
		return saga.Status{}, fmt.Errorf("%w: saga %q", errz.ErrNotFound, sagaID)
	}
	status.Steps = slices.Clone(status.Steps)
	return status, nil
}

// ListActive returns every non-terminal snapshot, oldest first.
func (m *Memory) ListActive(_ context.Context) ([]saga.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []saga.Status
	for _, status := range m.sagas {
		if saga.TerminalState(status.State) {
			continue
		}
		status.Steps = slices.Clone(status.Steps)
		active = append(active, status)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].SagaID < active[j].SagaID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Package offlinebatch manages the lifecycle of per-device batches
// that group events captured while Cloud is unreachable.
package offlinebatch

import (
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// Store is the durable mirror batches are written through to.
type Store interface {
	InsertBatch(b domain.OfflineBatch) error
	UpdateBatch(b domain.OfflineBatch) error
	GetBatch(batchID string) (*domain.OfflineBatch, error)
	OpenBatchForDevice(deviceID string) (*domain.OfflineBatch, error)
	PendingBatches() ([]domain.OfflineBatch, error)
}

// Config bounds how large a single batch may grow before rollover.
type Config struct {
	MaxEventsPerBatch int
}

// Manager owns the set of open and closed offline batches. One open
// batch slot per device; state transitions are guarded by a single
// mutex, matching the registry's one-mutex-per-component simplification.
type Manager struct {
	cfg   Config
	store Store
	newID func() string

	mu   sync.Mutex
	open map[string]*domain.OfflineBatch // deviceID -> open batch
}

// New creates a Manager. newID generates batch ids (the daemon passes
// uuid.NewString, the same generator it gives the event processor).
func New(cfg Config, store Store, newID func() string) *Manager {
	return &Manager{cfg: cfg, store: store, newID: newID, open: make(map[string]*domain.OfflineBatch)}
}

// Load rehydrates open batches from the durable store at startup, so a
// restart mid-offline-window does not orphan an in-progress batch.
func (m *Manager) Load(deviceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range deviceIDs {
		b, err := m.store.OpenBatchForDevice(id)
		if err != nil {
			return err
		}
		if b != nil {
			m.open[id] = b
		}
	}
	return nil
}

// OpenBatch creates a new batch for deviceID if none is open, returning
// the existing one otherwise (idempotent: safe to call on every
// offline event until a batch exists).
func (m *Manager) OpenBatch(deviceID string) (domain.OfflineBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(deviceID)
}

func (m *Manager) openLocked(deviceID string) (domain.OfflineBatch, error) {
	if b, ok := m.open[deviceID]; ok {
		return *b, nil
	}
	b := &domain.OfflineBatch{
		BatchID:              m.newID(),
		DeviceID:             deviceID,
		StartedAt:            time.Now(),
		ReconciliationStatus: domain.ReconciliationPending,
	}
	if err := m.store.InsertBatch(*b); err != nil {
		return domain.OfflineBatch{}, err
	}
	m.open[deviceID] = b
	metrics.OfflineBatchesOpened.Inc()
	metrics.OfflineBatchesOpen.Set(float64(len(m.open)))
	return *b, nil
}

// AddEvent records one more event against the device's open batch,
// rolling over to a successor batch transparently if the current one
// has reached MaxEventsPerBatch.
func (m *Manager) AddEvent(deviceID string, weightGrams int) (domain.OfflineBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.open[deviceID]
	if !ok {
		if _, err := m.openLocked(deviceID); err != nil {
			return domain.OfflineBatch{}, err
		}
		b = m.open[deviceID]
	}

	b.EventCount++
	b.TotalWeightGrams += int64(weightGrams)
	if err := m.store.UpdateBatch(*b); err != nil {
		return domain.OfflineBatch{}, err
	}

	if m.cfg.MaxEventsPerBatch > 0 && b.EventCount >= m.cfg.MaxEventsPerBatch {
		b.EndedAt = time.Now()
		if err := m.store.UpdateBatch(*b); err != nil {
			return domain.OfflineBatch{}, err
		}
		closed := *b
		delete(m.open, deviceID)
		metrics.OfflineBatchesOpen.Set(float64(len(m.open)))

		// Open the successor now so the device has somewhere to land on
		// its next event, but the triggering event itself belongs to
		// closed — that's the batch whose counters it just incremented.
		if _, err := m.openLocked(deviceID); err != nil {
			return domain.OfflineBatch{}, err
		}
		return closed, nil
	}

	return *b, nil
}

// EndBatch closes deviceID's open batch, if any, leaving it "pending"
// for Cloud reconciliation.
func (m *Manager) EndBatch(deviceID string) (*domain.OfflineBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.open[deviceID]
	if !ok {
		return nil, nil
	}
	b.EndedAt = time.Now()
	if err := m.store.UpdateBatch(*b); err != nil {
		return nil, err
	}
	delete(m.open, deviceID)
	metrics.OfflineBatchesOpen.Set(float64(len(m.open)))
	closed := *b
	return &closed, nil
}

// EndAll closes every currently open batch; the daemon calls it on an
// offline→online transition (SPEC_FULL.md §5.G).
func (m *Manager) EndAll() ([]domain.OfflineBatch, error) {
	m.mu.Lock()
	deviceIDs := make([]string, 0, len(m.open))
	for id := range m.open {
		deviceIDs = append(deviceIDs, id)
	}
	m.mu.Unlock()

	closed := make([]domain.OfflineBatch, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		b, err := m.EndBatch(id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			closed = append(closed, *b)
		}
	}
	return closed, nil
}

// IsOpen reports whether deviceID currently has an open batch.
func (m *Manager) IsOpen(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[deviceID]
	return ok
}

// OpenCount reports how many devices currently have an open batch, for
// the admin status surface.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// MarkSyncing, MarkSynced and MarkFailed mirror the Cloud's batch
// reconciliation progression onto the local record.
func (m *Manager) MarkSyncing(batchID string) error { return m.setStatus(batchID, domain.ReconciliationInProgress, "") }
func (m *Manager) MarkSynced(batchID string) error  { return m.setStatus(batchID, domain.ReconciliationReconciled, "") }
func (m *Manager) MarkFailed(batchID, reason string) error {
	return m.setStatus(batchID, domain.ReconciliationFailed, reason)
}

func (m *Manager) setStatus(batchID string, status domain.ReconciliationStatus, note string) error {
	b, err := m.store.GetBatch(batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return domain.ErrBatchNotFound
	}
	b.ReconciliationStatus = status
	if status == domain.ReconciliationReconciled {
		b.ReconciledAt = time.Now()
	}
	if note != "" {
		b.Notes = note
	}
	return m.store.UpdateBatch(*b)
}

// PendingBatches returns closed batches still awaiting reconciliation.
func (m *Manager) PendingBatches() ([]domain.OfflineBatch, error) {
	return m.store.PendingBatches()
}

// Package events implements the event processor: it turns parsed scale
// event frames into persisted WeighingEvent records and drives their
// sync-state machine.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// Store persists events.
type Store interface {
	InsertEvent(e domain.WeighingEvent) error
	UpdateEvent(e domain.WeighingEvent) error
	GetEvent(id string) (*domain.WeighingEvent, error)
	PendingEvents(limit int) ([]domain.WeighingEvent, error)
}

// DeviceRegistry is the subset needed to stamp events with session and
// counters.
type DeviceRegistry interface {
	Get(deviceID string) (domain.Device, bool)
	RecordEvent(deviceID string, at time.Time)
}

// OnlineChecker reports the Cloud REST client's current reachability.
type OnlineChecker interface {
	IsOnline() bool
}

// BatchOpener opens/extends the offline batch for a device; returns the
// batch the event should be attributed to.
type BatchOpener interface {
	OpenBatch(deviceID string) (domain.OfflineBatch, error)
	AddEvent(deviceID string, weightGrams int) (domain.OfflineBatch, error)
}

// Processor implements component F. Captured events are appended
// through a single writer path; per-event sync-state updates are
// serialized per id via the per-event mutex map.
type Processor struct {
	store          Store
	registry       DeviceRegistry
	online         OnlineChecker
	batches        BatchOpener
	newID          func() string
	maxSyncAttempts int

	subsMu sync.Mutex
	subs   []func(domain.WeighingEvent)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Processor. maxSyncAttempts bounds how many times a
// failed event is moved back to pending by MarkPendingRetry before it
// is left failed permanently (REDESIGN FLAGS: a single poisoned
// record cannot block progress).
func New(store Store, registry DeviceRegistry, online OnlineChecker, batches BatchOpener, newID func() string, maxSyncAttempts int) *Processor {
	return &Processor{
		store:           store,
		registry:        registry,
		online:          online,
		batches:         batches,
		newID:           newID,
		maxSyncAttempts: maxSyncAttempts,
		locks:           make(map[string]*sync.Mutex),
	}
}

// OnCaptured subscribes to event:captured, fired after an event is
// durably persisted.
func (p *Processor) OnCaptured(fn func(domain.WeighingEvent)) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subs = append(p.subs, fn)
}

// ScaleEvent is the decoded payload handed off by the TCP connection
// task (component B) after classifying a wire frame.
type ScaleEvent struct {
	PLUCode        string
	ProductName    string
	WeightGrams    int
	Barcode        string
	ScaleTimestamp time.Time
	RawData        string
}

// Capture implements the capture sequence (SPEC_FULL.md §5.F): generate an id,
// resolve offline/online framing, stamp the session id, persist with
// syncStatus=pending, bump counters, then publish event:captured.
func (p *Processor) Capture(deviceID, sourceIP string, se ScaleEvent) (domain.WeighingEvent, error) {
	e := domain.WeighingEvent{
		ID:             p.newID(),
		DeviceID:       deviceID,
		PLUCode:        se.PLUCode,
		ProductName:    se.ProductName,
		WeightGrams:    se.WeightGrams,
		Barcode:        se.Barcode,
		ScaleTimestamp: se.ScaleTimestamp,
		ReceivedAt:     time.Now(),
		SourceIP:       sourceIP,
		RawData:        se.RawData,
		SyncStatus:     domain.SyncPending,
	}

	if !p.online.IsOnline() {
		batch, err := p.batches.AddEvent(deviceID, se.WeightGrams)
		if err != nil {
			return domain.WeighingEvent{}, err
		}
		e.OfflineMode = true
		e.OfflineBatchID = batch.BatchID
	}

	if d, ok := p.registry.Get(deviceID); ok {
		e.CloudSessionID = d.ActiveCloudSessionID
	}

	if err := p.store.InsertEvent(e); err != nil {
		return domain.WeighingEvent{}, err
	}

	p.registry.RecordEvent(deviceID, e.ReceivedAt)
	metrics.EventsCaptured.WithLabelValues(boolLabel(e.OfflineMode)).Inc()

	p.publish(e)
	return e, nil
}

// MarkStreaming transitions an event from pending to streaming, just
// before a send attempt is made.
func (p *Processor) MarkStreaming(id string) error {
	return p.transition(id, func(e *domain.WeighingEvent) error {
		if e.SyncStatus != domain.SyncPending {
			return nil
		}
		e.SyncStatus = domain.SyncStreaming
		e.SyncAttempts++
		return nil
	})
}

// MarkSynced transitions an event to its terminal synced state.
func (p *Processor) MarkSynced(id, cloudID string) error {
	return p.transition(id, func(e *domain.WeighingEvent) error {
		e.SyncStatus = domain.SyncSynced
		e.CloudID = cloudID
		e.SyncedAt = time.Now()
		metrics.EventsSynced.Inc()
		return nil
	})
}

// MarkFailed transitions an event to failed, recording reason.
// MarkPendingRetry can move it back to pending; the sync service does
// not call it, so a failed event stays failed.
func (p *Processor) MarkFailed(id, reason string) error {
	return p.transition(id, func(e *domain.WeighingEvent) error {
		e.SyncStatus = domain.SyncFailed
		e.LastSyncError = reason
		metrics.EventsFailed.WithLabelValues(reason).Inc()
		return nil
	})
}

// MarkPendingRetry moves a failed event back to pending, where
// PendingEvents returns it again, unless it has already exhausted
// maxSyncAttempts — at that point it stays failed permanently. Only
// tests call it; the sync service never does.
func (p *Processor) MarkPendingRetry(id string) error {
	return p.transition(id, func(e *domain.WeighingEvent) error {
		if e.SyncStatus != domain.SyncFailed {
			return nil
		}
		if p.maxSyncAttempts > 0 && e.SyncAttempts >= p.maxSyncAttempts {
			return nil
		}
		e.SyncStatus = domain.SyncPending
		return nil
	})
}

// PendingEvents returns up to limit pending events, oldest first, for
// the sync service's streaming and retry loops.
func (p *Processor) PendingEvents(limit int) ([]domain.WeighingEvent, error) {
	return p.store.PendingEvents(limit)
}

func (p *Processor) transition(id string, mutate func(e *domain.WeighingEvent) error) error {
	lock := p.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e, err := p.store.GetEvent(id)
	if err != nil {
		return err
	}
	if e == nil {
		return domain.ErrEventNotFound
	}
	if e.SyncStatus == domain.SyncSynced {
		return nil // terminal; never reverts
	}
	if err := mutate(e); err != nil {
		return err
	}
	return p.store.UpdateEvent(*e)
}

func (p *Processor) lockFor(id string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

func (p *Processor) publish(e domain.WeighingEvent) {
	p.subsMu.Lock()
	subs := make([]func(domain.WeighingEvent), len(p.subs))
	copy(subs, p.subs)
	p.subsMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] subscriber panic: %v", r)
				}
			}()
			fn(e)
		}()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

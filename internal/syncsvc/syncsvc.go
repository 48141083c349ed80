// Package syncsvc drives pending events and closed offline batches to
// Cloud: immediate streaming while online, backlog catch-up on
// reconnect, and a periodic retry sweep.
package syncsvc

import (
	"context"
	"log"
	"time"

	"github.com/carnitrack/edge/internal/cloudclient"
	"github.com/carnitrack/edge/internal/domain"
)

// EventProcessor is the subset of the event processor the sync service
// drives through the sync-state machine.
type EventProcessor interface {
	PendingEvents(limit int) ([]domain.WeighingEvent, error)
	MarkStreaming(id string) error
	MarkSynced(id, cloudID string) error
	MarkFailed(id, reason string) error
	OnCaptured(fn func(domain.WeighingEvent))
}

// BatchManager is the subset needed to flush closed offline batches.
type BatchManager interface {
	PendingBatches() ([]domain.OfflineBatch, error)
	MarkSynced(batchID string) error
}

// CloudSender is the outbound surface the sync service needs from the
// Cloud REST client.
type CloudSender interface {
	IsOnline() bool
	OnConnectionChange(fn func(domain.CloudConnEvent))
	SendEvent(ctx context.Context, p cloudclient.EventPayload) (cloudclient.SingleEventResponse, error)
	SendEventsBatch(ctx context.Context, events []cloudclient.EventPayload) (cloudclient.BatchEventsResponse, error)
	NotifyOfflineBatchEnd(ctx context.Context, p cloudclient.OfflineBatchEndPayload) error
}

// Config controls batch size and retry cadence.
type Config struct {
	BatchSize        int
	BacklogSyncDelay time.Duration
	RetryInterval    time.Duration
}

// Service is the Cloud sync service (component I).
type Service struct {
	cfg       Config
	events    EventProcessor
	batches   BatchManager
	cloud     CloudSender
	toPayload func(domain.WeighingEvent) cloudclient.EventPayload
}

// New creates a Service. toPayload converts a persisted event into the
// wire payload shape; it is injected so syncsvc stays decoupled from
// device-registry lookups (e.g. globalDeviceId resolution).
func New(cfg Config, events EventProcessor, batches BatchManager, cloud CloudSender, toPayload func(domain.WeighingEvent) cloudclient.EventPayload) *Service {
	s := &Service{cfg: cfg, events: events, batches: batches, cloud: cloud, toPayload: toPayload}
	events.OnCaptured(s.onCaptured)
	cloud.OnConnectionChange(s.onConnectionChange)
	return s
}

// onCaptured streams a freshly captured event immediately if online.
// If offline, it does nothing extra — the event stays pending and is
// picked up by the retry loop or the next backlog sync.
func (s *Service) onCaptured(e domain.WeighingEvent) {
	if !s.cloud.IsOnline() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.sendOne(ctx, e); err != nil {
		log.Printf("[syncsvc] immediate send for %s: %v", e.ID, err)
	}
}

func (s *Service) onConnectionChange(evt domain.CloudConnEvent) {
	if evt != domain.CloudConnected {
		return
	}
	go func() {
		time.Sleep(s.cfg.BacklogSyncDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.flushOfflineBatches(ctx)
		s.RunBacklog(ctx)
	}()
}

// Run starts the periodic retry timer; it blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunBacklog(ctx)
		}
	}
}

// RunBacklog drains pending events in batches until none remain or a
// round ends in error (SPEC_FULL.md §5.I). Only pending events are
// sent; events already marked failed are not retried here.
func (s *Service) RunBacklog(ctx context.Context) {
	for {
		pending, err := s.events.PendingEvents(s.cfg.BatchSize)
		if err != nil {
			log.Printf("[syncsvc] list pending events: %v", err)
			return
		}
		if len(pending) == 0 {
			return
		}

		var sendErr error
		if len(pending) == 1 {
			sendErr = s.sendOne(ctx, pending[0])
		} else {
			sendErr = s.sendBatch(ctx, pending)
		}
		if sendErr != nil {
			log.Printf("[syncsvc] backlog round error: %v", sendErr)
			return
		}
	}
}

func (s *Service) sendOne(ctx context.Context, e domain.WeighingEvent) error {
	if err := s.events.MarkStreaming(e.ID); err != nil {
		return err
	}
	resp, err := s.cloud.SendEvent(ctx, s.toPayload(e))
	if err != nil {
		s.events.MarkFailed(e.ID, err.Error())
		return err
	}
	return s.applyOutcome(e.ID, resp.Result, resp.CloudID, resp.Reason)
}

func (s *Service) sendBatch(ctx context.Context, evts []domain.WeighingEvent) error {
	byID := make(map[string]domain.WeighingEvent, len(evts))
	payloads := make([]cloudclient.EventPayload, 0, len(evts))
	for _, e := range evts {
		if err := s.events.MarkStreaming(e.ID); err != nil {
			return err
		}
		byID[e.ID] = e
		payloads = append(payloads, s.toPayload(e))
	}

	resp, err := s.cloud.SendEventsBatch(ctx, payloads)
	if err != nil {
		for id := range byID {
			s.events.MarkFailed(id, err.Error())
		}
		return err
	}

	for _, outcome := range resp.Outcomes {
		if err := s.applyOutcome(outcome.LocalEventID, outcome.Result, outcome.CloudID, outcome.Reason); err != nil {
			log.Printf("[syncsvc] apply outcome for %s: %v", outcome.LocalEventID, err)
		}
	}
	return nil
}

func (s *Service) applyOutcome(eventID, result, cloudID, reason string) error {
	switch result {
	case "accepted", "duplicate":
		// events.MarkSynced owns the edge_events_synced_total increment.
		return s.events.MarkSynced(eventID, cloudID)
	case "failed":
		return s.events.MarkFailed(eventID, reason)
	default:
		return s.events.MarkFailed(eventID, "unrecognized outcome: "+result)
	}
}

// flushOfflineBatches implements the offline-batch flush sequence: for
// every closed, still-pending batch, notify Cloud, then run the
// pending-events loop; if no events remain for that batch, mark it
// synced locally (SPEC_FULL.md §5.I). A batch that still has pending
// events after the loop stays pending for the next flush.
func (s *Service) flushOfflineBatches(ctx context.Context) {
	pending, err := s.batches.PendingBatches()
	if err != nil {
		log.Printf("[syncsvc] list pending batches: %v", err)
		return
	}
	for _, b := range pending {
		if err := s.cloud.NotifyOfflineBatchEnd(ctx, cloudclient.OfflineBatchEndPayload{
			BatchID:          b.BatchID,
			DeviceID:         b.DeviceID,
			EventCount:       b.EventCount,
			TotalWeightGrams: b.TotalWeightGrams,
		}); err != nil {
			log.Printf("[syncsvc] notify offline_batch_end for %s: %v", b.BatchID, err)
			continue
		}
		s.RunBacklog(ctx)
		remaining, err := s.events.PendingEvents(-1)
		if err != nil {
			log.Printf("[syncsvc] list pending events for batch %s: %v", b.BatchID, err)
			continue
		}
		left := false
		for _, e := range remaining {
			left = left || e.OfflineBatchID == b.BatchID
		}
		if left {
			continue
		}
		if err := s.batches.MarkSynced(b.BatchID); err != nil {
			log.Printf("[syncsvc] mark batch %s synced: %v", b.BatchID, err)
		}
	}
}

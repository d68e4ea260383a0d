package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/kafka"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const DefaultPublishTimeout = 10 * time.Second

// Publisher writes events to the sync topic.
type Publisher interface {
	Publish(ctx context.Context, events ...*kafka.Event) error
}

// Emitter is the Kafka-backed Notifier. Publishing happens in the background,
// detached from the caller's cancellation and bounded by a timeout.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

var _ Notifier = (*Emitter)(nil)

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		timeout:   DefaultPublishTimeout,
	}
}

func (e *Emitter) TriggerMemberSync(ctx context.Context, tenantID, memberID string) {
	e.emit(ctx, &kafka.Event{
		EventType:  EventMemberSync,
		TenantID:   tenantID,
		EntityID:   memberID,
		EntityType: string(models.EntityTypeMember),
	})
}

func (e *Emitter) TriggerOrganizationSync(ctx context.Context, tenantID, organizationID string, opts SyncOptions) {
	data, _ := json.Marshal(opts)
	e.emit(ctx, &kafka.Event{
		EventType:  EventOrganizationSync,
		TenantID:   tenantID,
		EntityID:   organizationID,
		EntityType: string(models.EntityTypeOrganization),
		Data:       data,
	})
}

func (e *Emitter) ActionFinished(ctx context.Context, action models.MergeAction) {
	eventType := EventEntityMerged
	if action.State == models.StateUnmerged {
		eventType = EventEntityUnmerged
	}
	data, _ := json.Marshal(action.View())
	e.emit(ctx, &kafka.Event{
		EventType:  eventType,
		TenantID:   action.TenantID,
		EntityID:   action.PrimaryID,
		EntityType: string(action.Type.EntityType()),
		Data:       data,
	})
}

func (e *Emitter) emit(ctx context.Context, event *kafka.Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		pubCtx, span := tracing.StartSpan(pubCtx, "events.Emitter.emit")
		defer span.End()

		if err := e.publisher.Publish(pubCtx, event); err != nil {
			metrics.RecordSyncEvent(event.EntityType, "failed")
			e.logger.WithContext(pubCtx).WithError(err).WithFields(map[string]any{
				"event_type": event.EventType,
				"tenant_id":  event.TenantID,
				"entity_id":  event.EntityID,
			}).Warn("Failed to emit sync event")
			return
		}
		metrics.RecordSyncEvent(event.EntityType, "sent")
	}()
}

// Flush waits for background publishes to finish or ctx to end.
func (e *Emitter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

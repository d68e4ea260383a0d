package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/kafka"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, events ...*kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range events {
		f.events = append(f.events, *event)
	}
	return f.err
}

func TestEmitter_PublishesSyncEvents(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter(pub, ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {}))

	ctx, cancel := context.WithCancel(context.Background())
	e.TriggerMemberSync(ctx, "t1", "m1")
	e.TriggerOrganizationSync(ctx, "t1", "o1", SyncOptions{WithAggs: true})
	e.ActionFinished(ctx, models.MergeAction{TenantID: "t1", Type: models.MergeActionTypeOrg, PrimaryID: "o1", State: models.StateUnmerged})
	cancel()

	require.NoError(t, e.Flush(context.Background()))
	require.Len(t, pub.events, 3)

	byType := map[string]kafka.Event{}
	for _, ev := range pub.events {
		byType[ev.EventType] = ev
	}
	assert.Equal(t, "m1", byType[EventMemberSync].EntityID)
	assert.Equal(t, "member", byType[EventMemberSync].EntityType)

	var opts SyncOptions
	require.NoError(t, json.Unmarshal(byType[EventOrganizationSync].Data, &opts))
	assert.True(t, opts.WithAggs)

	assert.Equal(t, "organization", byType[EventEntityUnmerged].EntityType)
}

func TestEmitter_SwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	e := NewEmitter(pub, ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {}))

	e.TriggerMemberSync(context.Background(), "t1", "m1")
	require.NoError(t, e.Flush(context.Background()))
	assert.Len(t, pub.events, 1)
}

func TestRecorder_Has(t *testing.T) {
	r := &Recorder{}
	r.TriggerMemberSync(context.Background(), "t1", "m1")
	r.ActionFinished(context.Background(), models.MergeAction{PrimaryID: "p", State: models.StateMerged})

	assert.True(t, r.Has(EventMemberSync, "m1"))
	assert.True(t, r.Has(EventEntityMerged, "p"))
	assert.False(t, r.Has(EventOrganizationSync, "m1"))
	assert.Len(t, r.Calls(), 2)
}

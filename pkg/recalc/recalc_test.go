package recalc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store/memstore"
)

const tenant = "tenant-1"

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(days int) time.Time { return base.AddDate(0, 0, days) }

func ptr(t time.Time) *time.Time { return &t }

type fixture struct {
	mem      *memstore.Store
	svc      *Service
	notifier *events.Recorder
	rc       appctx.RequestContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	mem := memstore.New()
	notifier := &events.Recorder{}
	svc := NewService(mem.Repos(), cursor.NewMemoryStateStore(), nil, notifier, Config{PageSize: 2, Concurrency: 4}, logger)
	svc.now = func() time.Time { return at(100) }
	return &fixture{mem: mem, svc: svc, notifier: notifier, rc: appctx.New(tenant, "operator", logger)}
}

func (f *fixture) membership(t *testing.T, id, member, org string, start *time.Time, updated time.Time) {
	t.Helper()
	f.mem.SeedEntity(models.Entity{ID: member, TenantID: tenant, Type: models.EntityTypeMember, CreatedAt: at(-400)})
	require.NoError(t, f.mem.Repos().Memberships.Upsert(context.Background(), models.Membership{
		ID: id, TenantID: tenant, MemberID: member, OrganizationID: org,
		DateStart: start, CreatedAt: at(-400), UpdatedAt: updated,
	}))
}

func (f *fixture) relation(id, member string, ts time.Time) {
	f.mem.SeedRelation(models.ActivityRelation{ActivityID: id, TenantID: tenant, MemberID: member, SegmentID: "seg", Timestamp: ts})
}

func orgOf(t *testing.T, mem *memstore.Store, activityID string) string {
	t.Helper()
	rel, ok := mem.Relation(activityID)
	require.True(t, ok)
	if rel.OrganizationID == nil {
		return ""
	}
	return *rel.OrganizationID
}

func TestService_RecalculateMember_WritesOnlyChangedRowsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.membership(t, "ms-a", "m1", "org-a", ptr(at(-365)), at(-365))
	f.membership(t, "ms-b", "m1", "org-b", ptr(at(10)), at(-365))
	f.relation("act-1", "m1", at(0))
	f.relation("act-2", "m1", at(20))
	f.relation("act-3", "m1", at(-500))

	written, err := f.svc.RecalculateMember(context.Background(), f.rc, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), written)
	assert.Equal(t, "org-a", orgOf(t, f.mem, "act-1"))
	assert.Equal(t, "org-b", orgOf(t, f.mem, "act-2"))
	assert.Equal(t, "", orgOf(t, f.mem, "act-3"))
	assert.True(t, f.notifier.Has(events.EventMemberSync, "m1"))

	writesBefore := f.mem.RelationWrites()
	written, err = f.svc.RecalculateMember(context.Background(), f.rc, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)
	assert.Equal(t, writesBefore, f.mem.RelationWrites())
	assert.Len(t, f.notifier.Calls(), 1)
}

func TestService_RecalculateMember_RequiresMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecalculateMember(context.Background(), f.rc, "")
	require.Error(t, err)
}

func TestService_RecalculateChanged_AdvancesWatermarkOnCleanRun(t *testing.T) {
	f := newFixture(t)
	for _, m := range []string{"m1", "m2", "m3"} {
		f.membership(t, "ms-"+m, m, "org-"+m, ptr(at(-10)), at(50))
		f.relation("act-"+m, m, at(0))
	}
	// changed before the watermark; must not be revisited
	f.membership(t, "ms-old", "m4", "org-m4", ptr(at(-10)), at(-50))
	f.relation("act-m4", "m4", at(0))
	require.NoError(t, f.mem.Repos().Watermarks.Set(context.Background(), ChangedMembersWatermark, at(-1)))

	state, err := f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.Equal(t, int64(3), state.Succeeded)
	assert.Equal(t, "org-m1", orgOf(t, f.mem, "act-m1"))
	assert.Equal(t, "", orgOf(t, f.mem, "act-m4"))

	mark, err := f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.Equal(t, at(100), mark)

	f.svc.now = func() time.Time { return at(101) }
	state, err = f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Processed)
}

func TestService_RecalculateChanged_KeepsWatermarkOnFailure(t *testing.T) {
	f := newFixture(t)
	f.membership(t, "ms-1", "m1", "org-1", ptr(at(-10)), at(50))
	f.relation("act-1", "m1", at(0))

	f.mem.FailOn("relations.RecomputeMemberPage", func() error { return errors.New("relation store unavailable") })
	state, err := f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.Equal(t, int64(1), state.Failed)

	mark, err := f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	f.mem.FailOn("relations.RecomputeMemberPage", nil)
	state, err = f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Succeeded)
	assert.Equal(t, int64(0), state.Failed)
	assert.Equal(t, "org-1", orgOf(t, f.mem, "act-1"))

	mark, err = f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.Equal(t, at(100), mark)
}

func TestService_RecalculateChanged_DryRunLeavesWatermark(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.DryRun = true
	for _, m := range []string{"m1", "m2", "m3"} {
		f.membership(t, "ms-"+m, m, "org-"+m, ptr(at(-10)), at(50))
	}

	state, err := f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Processed)

	mark, err := f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}

func TestService_RecalculateOrganization(t *testing.T) {
	f := newFixture(t)
	for _, m := range []string{"m1", "m2", "m3"} {
		f.membership(t, "ms-"+m, m, "org-x", ptr(at(-10)), at(0))
		f.relation("act-"+m, m, at(0))
	}
	f.membership(t, "ms-other", "m9", "org-y", ptr(at(-10)), at(0))
	f.relation("act-m9", "m9", at(0))

	state, err := f.svc.RecalculateOrganization(context.Background(), f.rc, "org-x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Succeeded)
	for _, m := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, "org-x", orgOf(t, f.mem, "act-"+m))
	}
	assert.Equal(t, "", orgOf(t, f.mem, "act-m9"))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestService_RecalculateMember_RetriesEachPage(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.BatchSize = 2
	f.svc.cfg.Retry = fastRetry()
	f.membership(t, "ms-a", "m1", "org-a", ptr(at(-365)), at(-365))
	for _, id := range []string{"act-1", "act-2", "act-3", "act-4", "act-5"} {
		f.relation(id, "m1", at(0))
	}

	calls := 0
	f.mem.FailOn("relations.RecomputeMemberPage", func() error {
		calls++
		if calls == 2 {
			return errs.Transient(errors.New("connection reset"), "recompute page")
		}
		return nil
	})

	written, err := f.svc.RecalculateMember(context.Background(), f.rc, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), written)
	// three pages of at most two rows plus the one retried attempt
	assert.Equal(t, 4, calls)
	for _, id := range []string{"act-1", "act-2", "act-3", "act-4", "act-5"} {
		assert.Equal(t, "org-a", orgOf(t, f.mem, id))
	}
}

func TestService_RecalculateChanged_SkipsMembersMergedAway(t *testing.T) {
	f := newFixture(t)
	f.membership(t, "ms-1", "m1", "org-1", ptr(at(-10)), at(50))
	f.relation("act-1", "m1", at(0))
	f.membership(t, "ms-2", "m2", "org-2", ptr(at(-10)), at(50))
	f.relation("act-2", "m2", at(0))
	deleted := at(60)
	f.mem.SeedEntity(models.Entity{ID: "m2", TenantID: tenant, Type: models.EntityTypeMember, CreatedAt: at(-400), DeletedAt: &deleted})

	state, err := f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.Equal(t, int64(1), state.Succeeded)
	assert.Equal(t, int64(1), state.Skipped)
	assert.Equal(t, int64(0), state.Failed)
	assert.Equal(t, "org-1", orgOf(t, f.mem, "act-1"))
	assert.Equal(t, "", orgOf(t, f.mem, "act-2"))

	mark, err := f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.Equal(t, at(100), mark)
}

func TestService_RecalculateChanged_AbortsPageWhenMembersCannotBeRead(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Retry = fastRetry()
	f.membership(t, "ms-1", "m1", "org-1", ptr(at(-10)), at(50))
	f.relation("act-1", "m1", at(0))

	f.mem.FailOn("entities.Get", func() error {
		return errs.Transient(errors.New("too many connections"), "get entity")
	})
	state, err := f.svc.RecalculateChanged(context.Background(), f.rc)
	require.ErrorIs(t, err, errs.ErrPageFatal)
	assert.False(t, state.Done)
	assert.Equal(t, int64(0), state.Processed)
	assert.Equal(t, "", orgOf(t, f.mem, "act-1"))

	mark, err := f.mem.Repos().Watermarks.Get(context.Background(), ChangedMembersWatermark)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())

	f.mem.FailOn("entities.Get", nil)
	state, err = f.svc.RecalculateChanged(context.Background(), f.rc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Succeeded)
	assert.Equal(t, "org-1", orgOf(t, f.mem, "act-1"))
}

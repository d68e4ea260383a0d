package merging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/recalc"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store/memstore"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/workflow"
)

const tenant = "tenant-1"

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

func strPtr(s string) *string { return &s }

type fixture struct {
	mem      *memstore.Store
	orch     *Orchestrator
	audit    *AuditService
	registry *workflow.Registry
	runner   *workflow.Runner
	notifier *events.Recorder
	recalc   *recalc.Service
	archive  *memArchive
	rc       appctx.RequestContext
}

// fixtureConfig overrides parts of the default fixture.
type fixtureConfig struct {
	repos  func(store.Store) store.Store
	client workflow.Client
	cfg    Config
}

type memArchive struct {
	mu      sync.Mutex
	backups map[string]models.Backup
}

func (a *memArchive) Put(_ context.Context, tenantID string, b models.Backup) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backups[tenantID+"/"+b.MergeActionID] = b
	return nil
}

func (a *memArchive) Get(_ context.Context, tenantID, actionID string) (*models.Backup, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.backups[tenantID+"/"+actionID]
	if !ok {
		return nil, errs.NotFound("no archived backup for %s", actionID)
	}
	return &b, nil
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, fixtureConfig{})
}

func newFixtureWith(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	mem := memstore.New()
	notifier := &events.Recorder{}
	locker := lock.NewLocal()
	archive := &memArchive{backups: map[string]models.Backup{}}

	repos := mem.Repos()
	if fc.repos != nil {
		repos = fc.repos(repos)
	}
	if fc.cfg.RelationBatchSize == 0 {
		fc.cfg.RelationBatchSize = 2
	}

	rec := recalc.NewService(mem.Repos(), cursor.NewMemoryStateStore(), locker, notifier, recalc.Config{}, logger)
	registry := workflow.NewRegistry()
	runner := workflow.NewRunner(registry, 4, logger)
	var client workflow.Client = runner
	if fc.client != nil {
		client = fc.client
	}
	orch := NewOrchestrator(logger, repos, locker, client, rec, fc.cfg,
		WithNotifier(notifier), WithArchive(archive))
	orch.Register(registry)

	return &fixture{
		mem:      mem,
		orch:     orch,
		audit:    NewAuditService(logger, mem.Repos().MergeActions),
		registry: registry,
		runner:   runner,
		notifier: notifier,
		recalc:   rec,
		archive:  archive,
		rc:       appctx.New(tenant, "operator-1", logger),
	}
}

func (f *fixture) await(t *testing.T, actionID string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.runner.GetHandle(actionID).Result(ctx)
	return err
}

func (f *fixture) action(t *testing.T, id string) *models.MergeAction {
	t.Helper()
	a, err := f.mem.Repos().MergeActions.Get(context.Background(), tenant, id)
	require.NoError(t, err)
	return a
}

// seedMembers builds two members sharing an organization, a colliding
// identity and relations resolved through both memberships and a segment
// affiliation.
func (f *fixture) seedMembers(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	created := day("2019-01-01")
	for _, id := range []string{"m1", "m2"} {
		f.mem.SeedEntity(models.Entity{ID: id, TenantID: tenant, Type: models.EntityTypeMember, DisplayName: id, CreatedAt: created})
	}

	identity := func(id, owner, platform, kind, value string, verified bool) {
		f.mem.SeedIdentity(models.Identity{
			ID: id, TenantID: tenant, EntityID: owner, EntityType: models.EntityTypeMember,
			Platform: platform, Type: kind, Value: value, Verified: verified,
			CreatedAt: created, UpdatedAt: created,
		})
	}
	identity("i1", "m1", "github", "username", "alice", false)
	identity("i2", "m2", "github", "username", "alice", true)
	identity("i3", "m2", "email", "email", "bob@example.com", true)
	identity("i4", "m1", "email", "email", "alice@example.com", true)

	memberships := []models.Membership{
		{ID: "ms1", MemberID: "m1", OrganizationID: "org-a", DateStart: dayPtr("2020-01-01"),
			Override: &models.AffiliationOverride{ID: "ov1", AllowAffiliation: true, IsPrimaryWorkExperience: true, CreatedAt: created, UpdatedAt: created}},
		{ID: "ms2", MemberID: "m2", OrganizationID: "org-a", DateStart: dayPtr("2020-01-01")},
		{ID: "ms3", MemberID: "m2", OrganizationID: "org-b", DateStart: dayPtr("2022-01-01"),
			Override: &models.AffiliationOverride{ID: "ov3", AllowAffiliation: true, IsPrimaryWorkExperience: true, CreatedAt: created, UpdatedAt: created}},
	}
	for _, m := range memberships {
		m.TenantID = tenant
		m.CreatedAt, m.UpdatedAt = created, created
		require.NoError(t, f.mem.Repos().Memberships.Upsert(ctx, m))
	}
	require.NoError(t, f.mem.Repos().SegmentAffiliations.Upsert(ctx, models.SegmentAffiliation{
		ID: "sa1", TenantID: tenant, MemberID: "m2", SegmentID: "S", OrganizationID: strPtr("org-c"),
		DateStart: dayPtr("2023-01-01"), CreatedAt: created, UpdatedAt: created,
	}))

	relation := func(id, member, segment, ts string) {
		f.mem.SeedRelation(models.ActivityRelation{ActivityID: id, TenantID: tenant, MemberID: member, SegmentID: segment, Timestamp: day(ts)})
	}
	relation("act-1", "m1", "S", "2021-01-01")
	relation("act-2", "m2", "S", "2022-06-01")
	relation("act-3", "m2", "S", "2023-06-01")
	relation("act-4", "m2", "T", "2023-06-01")
	relation("act-5", "m2", "T", "2021-06-01")

	for _, id := range []string{"m1", "m2"} {
		_, err := f.recalc.RecalculateMember(ctx, f.rc, id)
		require.NoError(t, err)
	}
}

type relationView struct {
	MemberID       string
	OrganizationID string
}

type graph struct {
	Entities            []models.Entity
	Identities          [][]models.Identity
	Memberships         [][]models.Membership
	SegmentAffiliations [][]models.SegmentAffiliation
	Relations           map[string]relationView
}

func (f *fixture) graph(t *testing.T, t2 models.EntityType, ids ...string) graph {
	t.Helper()
	ctx := context.Background()
	repos := f.mem.Repos()
	g := graph{Relations: map[string]relationView{}}
	for _, id := range ids {
		e, err := repos.Entities.GetAny(ctx, tenant, t2, id)
		require.NoError(t, err)
		g.Entities = append(g.Entities, *e)

		identities, err := repos.Identities.List(ctx, tenant, t2, id)
		require.NoError(t, err)
		g.Identities = append(g.Identities, identities)

		var memberships []models.Membership
		var segments []models.SegmentAffiliation
		if t2 == models.EntityTypeOrganization {
			memberships, err = repos.Memberships.ListByOrganization(ctx, tenant, id)
			require.NoError(t, err)
			segments, err = repos.SegmentAffiliations.ListByOrganization(ctx, tenant, id)
		} else {
			memberships, err = repos.Memberships.ListByMember(ctx, tenant, id)
			require.NoError(t, err)
			segments, err = repos.SegmentAffiliations.ListByMember(ctx, tenant, id)
		}
		require.NoError(t, err)
		g.Memberships = append(g.Memberships, memberships)
		g.SegmentAffiliations = append(g.SegmentAffiliations, segments)
	}
	for _, id := range []string{"act-1", "act-2", "act-3", "act-4", "act-5", "act-6"} {
		rel, ok := f.mem.Relation(id)
		if !ok {
			continue
		}
		view := relationView{MemberID: rel.MemberID}
		if rel.OrganizationID != nil {
			view.OrganizationID = *rel.OrganizationID
		}
		g.Relations[id] = view
	}
	return g
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

func TestOrchestrator_MergeThenUnmerge_RestoresMemberGraph(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	before := f.graph(t, models.EntityTypeMember, "m1", "m2")
	assert.Equal(t, "org-b", orgOf(t, f.mem, "act-2"))
	assert.Equal(t, "org-c", orgOf(t, f.mem, "act-3"))

	action, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, action.State)
	assert.Equal(t, models.StepMergeStarted, action.Step)
	require.NotNil(t, action.UnmergeBackup)
	assert.Equal(t, action.ID, action.UnmergeBackup.MergeActionID)
	assert.Len(t, action.UnmergeBackup.Secondary.Identities, 2)

	require.NoError(t, f.await(t, action.ID))
	merged := f.action(t, action.ID)
	assert.Equal(t, models.StateMerged, merged.State)
	assert.Equal(t, models.StepMergeDone, merged.Step)
	assert.Equal(t, "operator-1", merged.ActionBy)

	_, err = f.mem.Repos().Entities.Get(ctx, tenant, models.EntityTypeMember, "m2")
	require.ErrorIs(t, err, errs.ErrNotFound)

	identities, err := f.mem.Repos().Identities.List(ctx, tenant, models.EntityTypeMember, "m1")
	require.NoError(t, err)
	require.Len(t, identities, 3)
	assert.Equal(t, "i1", identities[0].ID)
	assert.True(t, identities[0].Verified, "colliding verified identity upgrades the primary copy")
	assert.Equal(t, "i3", identities[1].ID)

	memberships, err := f.mem.Repos().Memberships.ListByMember(ctx, tenant, "m1")
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, "ms1", memberships[0].ID)
	assert.Equal(t, "ms3", memberships[1].ID)
	assert.False(t, memberships[1].IsPrimary(), "primary flag cleared when the primary already has one")

	for _, id := range []string{"act-1", "act-2", "act-3", "act-4", "act-5"} {
		rel, _ := f.mem.Relation(id)
		assert.Equal(t, "m1", rel.MemberID)
	}
	assert.Equal(t, []string{"act-2", "act-3", "act-4", "act-5"}, f.mem.Journal(action.ID))
	assert.Equal(t, "org-c", orgOf(t, f.mem, "act-3"))
	assert.Equal(t, "org-a", orgOf(t, f.mem, "act-4"), "primary work experience wins after the merge")
	assert.True(t, f.notifier.Has(events.EventEntityMerged, "m1"))
	_, err = f.archive.Get(ctx, tenant, action.ID)
	require.NoError(t, err)

	unmerge, err := f.orch.UnmergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", merged.UnmergeBackup)
	require.NoError(t, err)
	assert.Equal(t, action.ID, unmerge.ID)
	assert.Equal(t, models.StepUnmergeStarted, unmerge.Step)
	require.NoError(t, f.await(t, action.ID))

	done := f.action(t, action.ID)
	assert.Equal(t, models.StateUnmerged, done.State)
	assert.Equal(t, models.StepUnmergeDone, done.Step)
	assert.Equal(t, before, f.graph(t, models.EntityTypeMember, "m1", "m2"))
	assert.True(t, f.notifier.Has(events.EventEntityUnmerged, "m1"))
}

func TestOrchestrator_UnmergeEntities_BackupUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	_, err := f.orch.UnmergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", nil)
	require.ErrorIs(t, err, errs.ErrBackupUnavailable)

	action, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.NoError(t, err)
	require.NoError(t, f.await(t, action.ID))

	_, err = f.orch.UnmergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", nil)
	require.NoError(t, err)
	require.NoError(t, f.await(t, action.ID))

	_, err = f.orch.UnmergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", &models.Backup{MergeActionID: action.ID})
	require.ErrorIs(t, err, errs.ErrBackupUnavailable)
	assert.Equal(t, 410, errs.StatusCode(err))
}

func TestOrchestrator_StoredBackup_FallsBackToArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	archived := models.Backup{
		Version:       models.BackupVersion,
		Type:          models.MergeActionTypeMember,
		MergeActionID: "action-1",
		Primary:       models.EntitySnapshot{Entity: models.Entity{ID: "m1"}},
		Secondary:     models.EntitySnapshot{Entity: models.Entity{ID: "m2"}},
	}
	require.NoError(t, f.archive.Put(ctx, tenant, archived))

	action := &models.MergeAction{ID: "action-1", TenantID: tenant, Type: models.MergeActionTypeMember, PrimaryID: "m1", SecondaryID: "m2"}
	got, err := f.orch.storedBackup(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, archived, *got)

	action.ID = "action-2"
	_, err = f.orch.storedBackup(ctx, action)
	require.ErrorIs(t, err, errs.ErrBackupUnavailable)
}

func TestOrchestrator_MergeEntities_ConcurrentMergesExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]error, callers)
	actions := make([]*models.MergeAction, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			primary, secondary := "m1", "m2"
			if i%2 == 1 {
				primary, secondary = secondary, primary
			}
			actions[i], results[i] = f.orch.MergeEntities(context.Background(), f.rc, models.EntityTypeMember, primary, secondary)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner *models.MergeAction
	for i, err := range results {
		if err == nil {
			winners++
			winner = actions[i]
			continue
		}
		assert.True(t, errors.Is(err, errs.ErrConcurrentMerge) || errors.Is(err, errs.ErrValidation), "unexpected error: %v", err)
	}
	require.Equal(t, 1, winners)
	require.NoError(t, f.await(t, winner.ID))

	all, err := f.audit.List(context.Background(), f.rc, models.MergeActionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOrchestrator_MergeEntities_Validation(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		t         models.EntityType
		primary   string
		secondary string
	}{
		{name: "same entity", t: models.EntityTypeMember, primary: "m1", secondary: "m1"},
		{name: "missing secondary", t: models.EntityTypeMember, primary: "m1", secondary: "nope"},
		{name: "wrong type", t: models.EntityTypeOrganization, primary: "m1", secondary: "m2"},
		{name: "unknown type", t: models.EntityType("project"), primary: "m1", secondary: "m2"},
		{name: "empty id", t: models.EntityTypeMember, primary: "", secondary: "m2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.MergeEntities(ctx, f.rc, tt.t, tt.primary, tt.secondary)
			require.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	other := appctx.New("tenant-2", "operator-1", nil)
	_, err := f.orch.MergeEntities(ctx, other, models.EntityTypeMember, "m1", "m2")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestOrchestrator_MergeEntities_PendingActions(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	pending := &models.MergeAction{ID: "left-pending", TenantID: tenant, Type: models.MergeActionTypeMember, PrimaryID: "m1", SecondaryID: "m2"}
	require.NoError(t, f.mem.Repos().MergeActions.Create(ctx, pending))

	_, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m2", "m1")
	require.ErrorIs(t, err, errs.ErrConcurrentMerge)

	action, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.NoError(t, err)
	assert.Equal(t, "left-pending", action.ID)
	require.NoError(t, f.await(t, action.ID))
	assert.Equal(t, models.StateMerged, f.action(t, action.ID).State)
}

func TestOrchestrator_MergeEntities_PairLockHeld(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	held, err := f.orch.locker.Acquire(ctx, pairLockKey(tenant, models.MergeActionTypeMember, "m2", "m1"), time.Minute)
	require.NoError(t, err)

	_, err = f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.ErrorIs(t, err, errs.ErrConcurrentMerge)
	assert.Equal(t, 409, errs.StatusCode(err))

	require.NoError(t, held.Release(ctx))
	_, err = f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.NoError(t, err)
}

func TestOrchestrator_ResumeAction_AfterFailedRelationMove(t *testing.T) {
	f := newFixture(t)
	f.seedMembers(t)
	ctx := context.Background()

	f.mem.FailOn("relations.MoveForMerge", func() error { return errors.New("connection reset") })
	action, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.NoError(t, err)
	require.Error(t, f.await(t, action.ID))

	failed := f.action(t, action.ID)
	assert.Equal(t, models.StateError, failed.State)
	assert.Equal(t, models.StepMergeStarted, failed.Step)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "connection reset")

	// the pair stays guarded while the action is unresolved
	_, err = f.orch.MergeEntities(ctx, f.rc, models.EntityTypeMember, "m1", "m2")
	require.Error(t, err)

	f.mem.FailOn("relations.MoveForMerge", nil)
	resumed, err := f.orch.ResumeAction(ctx, f.rc, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, resumed.State)
	require.NoError(t, f.await(t, action.ID))

	done := f.action(t, action.ID)
	assert.Equal(t, models.StateMerged, done.State)
	assert.Nil(t, done.Error)
	for _, id := range []string{"act-2", "act-3", "act-4", "act-5"} {
		rel, _ := f.mem.Relation(id)
		assert.Equal(t, "m1", rel.MemberID)
	}

	again, err := f.orch.ResumeAction(ctx, f.rc, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateMerged, again.State)
}

func TestOrchestrator_MergeThenUnmerge_Organizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := day("2019-01-01")

	for _, id := range []string{"o1", "o2"} {
		f.mem.SeedEntity(models.Entity{ID: id, TenantID: tenant, Type: models.EntityTypeOrganization, DisplayName: id, CreatedAt: created})
	}
	f.mem.SeedEntity(models.Entity{ID: "m1", TenantID: tenant, Type: models.EntityTypeMember, CreatedAt: created})
	f.mem.SeedIdentity(models.Identity{ID: "oi1", TenantID: tenant, EntityID: "o2", EntityType: models.EntityTypeOrganization,
		Platform: "domain", Type: "primary-domain", Value: "example.com", Verified: true, CreatedAt: created, UpdatedAt: created})
	require.NoError(t, f.mem.Repos().Memberships.Upsert(ctx, models.Membership{
		ID: "ms1", TenantID: tenant, MemberID: "m1", OrganizationID: "o2", DateStart: dayPtr("2020-01-01"),
		CreatedAt: created, UpdatedAt: created,
	}))
	f.mem.SeedRelation(models.ActivityRelation{ActivityID: "act-6", TenantID: tenant, MemberID: "m1", SegmentID: "S", Timestamp: day("2021-01-01")})
	_, err := f.recalc.RecalculateMember(ctx, f.rc, "m1")
	require.NoError(t, err)
	require.Equal(t, "o2", orgOf(t, f.mem, "act-6"))

	before := f.graph(t, models.EntityTypeOrganization, "o1", "o2")

	action, err := f.orch.MergeEntities(ctx, f.rc, models.EntityTypeOrganization, "o1", "o2")
	require.NoError(t, err)
	assert.Equal(t, models.MergeActionTypeOrg, action.Type)
	require.NoError(t, f.await(t, action.ID))

	assert.Equal(t, "o1", orgOf(t, f.mem, "act-6"))
	memberships, err := f.mem.Repos().Memberships.ListByOrganization(ctx, tenant, "o1")
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "m1", memberships[0].MemberID)
	assert.True(t, f.notifier.Has(events.EventOrganizationSync, "o1"))

	_, err = f.orch.UnmergeEntities(ctx, f.rc, models.EntityTypeOrganization, "o1", nil)
	require.NoError(t, err)
	require.NoError(t, f.await(t, action.ID))

	assert.Equal(t, models.StateUnmerged, f.action(t, action.ID).State)
	assert.Equal(t, before, f.graph(t, models.EntityTypeOrganization, "o1", "o2"))
}

package repositories_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgConfig    database.Config
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

// postgresConfig uses DB_HOST when set and otherwise starts one postgres
// container for the whole package.
func postgresConfig() (database.Config, error) {
	pgOnce.Do(func() {
		if host := os.Getenv("DB_HOST"); host != "" {
			pgConfig = database.Config{
				Host:     host,
				Port:     envOr("DB_PORT", "5432"),
				User:     envOr("DB_USER_NAME", "user"),
				Password: envOr("DB_PASSWORD", "password"),
				Name:     envOr("DB_NAME", "reconciler"),
				SSLMode:  "disable",
			}
			return
		}

		ctx := context.Background()
		pgContainer, pgErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:15-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "user",
					"POSTGRES_PASSWORD": "password",
					"POSTGRES_DB":       "reconciler",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if pgErr != nil {
			pgErr = fmt.Errorf("start postgres container: %w", pgErr)
			return
		}
		host, err := pgContainer.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := pgContainer.MappedPort(ctx, "5432")
		if err != nil {
			pgErr = err
			return
		}
		pgConfig = database.Config{
			Host: host, Port: port.Port(), User: "user", Password: "password",
			Name: "reconciler", SSLMode: "disable",
		}
	})
	return pgConfig, pgErr
}

// getTestDB connects to postgres and applies the migrations. Tests are
// skipped in short mode and when no database can be started.
func getTestDB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("DB_HOST") == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}
	cfg, err := postgresConfig()
	if err != nil {
		t.Skipf("Skipping integration test, no postgres available: %v", err)
	}
	logger := getTestLogger()
	db, err := database.Open(context.Background(), cfg, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	pool, ok := db.(interface{ SQL() *sql.DB })
	require.True(t, ok)
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(pool.SQL(), cfg.Name))
	return db
}

type env struct {
	db     database.DB
	repos  store.Store
	tenant string
	now    time.Time
}

func newEnv(t *testing.T) env {
	db := getTestDB(t)
	return env{
		db:     db,
		repos:  repositories.NewStore(db, getTestLogger()),
		tenant: uuid.NewString(),
		now:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (e env) id() string { return uuid.NewString() }

func (e env) seedMember(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.repos.Entities.Restore(context.Background(), models.Entity{
		ID: id, TenantID: e.tenant, Type: models.EntityTypeMember, DisplayName: id,
		CreatedAt: e.now, UpdatedAt: e.now,
	}))
}

func (e env) seedRelation(t *testing.T, activityID, memberID string, ts time.Time) {
	t.Helper()
	_, err := e.db.ExecContext(context.Background(),
		`INSERT INTO activity_relations (activity_id, tenant_id, member_id, segment_id, timestamp) VALUES ($1, $2, $3, 'S', $4)`,
		activityID, e.tenant, memberID, ts)
	require.NoError(t, err)
}

func TestIntegrationEntities_SoftDeleteAndRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.id()
	e.seedMember(t, id)

	got, err := e.repos.Entities.Get(ctx, e.tenant, models.EntityTypeMember, id)
	require.NoError(t, err)
	assert.Equal(t, models.EntityTypeMember, got.Type)

	require.NoError(t, e.repos.Entities.SoftDelete(ctx, e.tenant, models.EntityTypeMember, id))
	_, err = e.repos.Entities.Get(ctx, e.tenant, models.EntityTypeMember, id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	deleted, err := e.repos.Entities.GetAny(ctx, e.tenant, models.EntityTypeMember, id)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	deleted.DeletedAt = nil
	require.NoError(t, e.repos.Entities.Restore(ctx, *deleted))
	_, err = e.repos.Entities.Get(ctx, e.tenant, models.EntityTypeMember, id)
	require.NoError(t, err)
}

func TestIntegrationMergeActions_OneInFlightPerPair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a, b := e.id(), e.id()

	first := &models.MergeAction{TenantID: e.tenant, Type: models.MergeActionTypeMember, PrimaryID: a, SecondaryID: b, ActionBy: "op"}
	require.NoError(t, e.repos.MergeActions.Create(ctx, first))

	reversed := &models.MergeAction{TenantID: e.tenant, Type: models.MergeActionTypeMember, PrimaryID: b, SecondaryID: a, ActionBy: "op"}
	require.ErrorIs(t, e.repos.MergeActions.Create(ctx, reversed), errs.ErrConcurrentMerge)

	merged := models.StateMerged
	_, err := e.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
		ID: first.ID, TenantID: e.tenant, State: models.StatePtr(models.StateInProgress), ExpectState: &merged,
	})
	require.ErrorIs(t, err, errs.ErrConcurrentMerge)

	backup := &models.Backup{MergeActionID: first.ID}
	updated, err := e.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
		ID: first.ID, TenantID: e.tenant, State: models.StatePtr(models.StateMerged),
		Step: models.StepPtr(models.StepMergeDone), UnmergeBackup: backup,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateMerged, updated.State)
	require.NotNil(t, updated.UnmergeBackup)
	assert.Equal(t, first.ID, updated.UnmergeBackup.MergeActionID)

	require.NoError(t, e.repos.MergeActions.Create(ctx, reversed))
	latest, err := e.repos.MergeActions.LatestForPair(ctx, e.tenant, models.MergeActionTypeMember, b, a)
	require.NoError(t, err)
	assert.Equal(t, reversed.ID, latest.ID)
}

func TestIntegrationRelations_MoveAndRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	primary, secondary := e.id(), e.id()
	e.seedMember(t, primary)
	e.seedMember(t, secondary)
	for _, act := range []string{"a1", "a2", "a3"} {
		e.seedRelation(t, primary[:8]+act, secondary, e.now)
	}

	action := &models.MergeAction{TenantID: e.tenant, Type: models.MergeActionTypeMember, PrimaryID: primary, SecondaryID: secondary}
	require.NoError(t, e.repos.MergeActions.Create(ctx, action))

	moved, err := e.repos.Relations.MoveForMerge(ctx, e.tenant, action.ID, models.EntityTypeMember, secondary, primary, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	moved, err = e.repos.Relations.MoveForMerge(ctx, e.tenant, action.ID, models.EntityTypeMember, secondary, primary, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	rels, err := e.repos.Relations.ListByMember(ctx, e.tenant, primary)
	require.NoError(t, err)
	assert.Len(t, rels, 3)

	after := ""
	restored := 0
	for {
		last, n, err := e.repos.Relations.RestoreForUnmerge(ctx, e.tenant, action.ID, models.EntityTypeMember, primary, secondary, after, 2)
		require.NoError(t, err)
		restored += n
		if n < 2 {
			break
		}
		after = last
	}
	assert.Equal(t, 3, restored)

	rels, err = e.repos.Relations.ListByMember(ctx, e.tenant, secondary)
	require.NoError(t, err)
	assert.Len(t, rels, 3)
}

func TestIntegrationRelations_RecomputeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	member, org := e.id(), e.id()
	e.seedMember(t, member)
	e.seedRelation(t, member[:8]+"-act", member, e.now)

	start := e.now.AddDate(-1, 0, 0)
	require.NoError(t, e.repos.Memberships.Upsert(ctx, models.Membership{
		ID: e.id(), TenantID: e.tenant, MemberID: member, OrganizationID: org,
		DateStart: &start, CreatedAt: e.now, UpdatedAt: e.now,
	}))

	page, err := e.repos.Relations.RecomputeMemberPage(ctx, e.tenant, member, "", 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Written)
	assert.Equal(t, 1, page.Scanned)
	assert.Equal(t, member[:8]+"-act", page.LastActivityID)

	page, err = e.repos.Relations.RecomputeMemberPage(ctx, e.tenant, member, "", 100)
	require.NoError(t, err)
	assert.Zero(t, page.Written)

	page, err = e.repos.Relations.RecomputeMemberPage(ctx, e.tenant, member, member[:8]+"-act", 100)
	require.NoError(t, err)
	assert.Zero(t, page.Scanned)

	rels, err := e.repos.Relations.ListByMember(ctx, e.tenant, member)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.NotNil(t, rels[0].OrganizationID)
	assert.Equal(t, org, *rels[0].OrganizationID)

	changed, err := e.repos.Memberships.ListChangedMembers(ctx, e.now.Add(-time.Minute), time.Now().UTC().Add(time.Minute), models.MemberChange{}, 1000)
	require.NoError(t, err)
	found := false
	for _, c := range changed {
		found = found || c.MemberID == member
	}
	assert.True(t, found)
}

func TestIntegrationBatchRuns_SaveLoad(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	states := repositories.NewStateStore(db, getTestLogger())
	jobID := "test:" + uuid.NewString()

	empty, err := states.Load(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, cursor.State{}, empty)

	want := cursor.State{Cursor: cursor.Key{ID: "m-9"}, Processed: 10, Succeeded: 9, Failed: 1}
	require.NoError(t, states.Save(ctx, jobID, want))
	got, err := states.Load(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, want.Cursor.ID, got.Cursor.ID)
	assert.Equal(t, want.Failed, got.Failed)
}

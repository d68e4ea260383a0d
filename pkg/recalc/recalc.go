// Package recalc rewrites the organization of activity relations after the
// affiliation inputs of a member changed.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	// ChangedMembersWatermark names the high-water mark of the scheduled job.
	ChangedMembersWatermark = "recalc:changed-members"

	DefaultBatchSize      = 5000
	DefaultMemberLockTTL  = 10 * time.Minute
	DefaultMemberLockWait = 2 * time.Minute
)

// Config tunes recalculation.
type Config struct {
	// BatchSize bounds the relation rows rewritten per statement.
	BatchSize      int
	PageSize       int
	Concurrency    int
	MaxPagesPerRun int
	DryRun         bool
	MemberLockTTL  time.Duration
	MemberLockWait time.Duration
	Retry          retry.Policy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PageSize <= 0 {
		c.PageSize = cursor.DefaultPageSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = cursor.DefaultConcurrency
	}
	if c.MemberLockTTL <= 0 {
		c.MemberLockTTL = DefaultMemberLockTTL
	}
	if c.MemberLockWait <= 0 {
		c.MemberLockWait = DefaultMemberLockWait
	}
	return c
}

// Service recalculates member affiliations one member at a time, or in bulk
// through the resumable cursor.
type Service struct {
	entities    store.EntityRepo
	memberships store.MembershipRepo
	relations   store.ActivityRelationRepo
	watermarks  store.WatermarkRepo
	states      cursor.StateStore
	locker      lock.Locker
	notifier    events.Notifier
	cfg         Config
	logger      ectologger.Logger

	now func() time.Time
}

func NewService(
	repos store.Store,
	states cursor.StateStore,
	locker lock.Locker,
	notifier events.Notifier,
	cfg Config,
	logger ectologger.Logger,
) *Service {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if states == nil {
		states = cursor.NewMemoryStateStore()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		entities:    repos.Entities,
		memberships: repos.Memberships,
		relations:   repos.Relations,
		watermarks:  repos.Watermarks,
		states:      states,
		locker:      locker,
		notifier:    notifier,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) log(ctx context.Context, rc appctx.RequestContext) ectologger.Logger {
	if rc.Logger == nil {
		rc.Logger = s.logger
	}
	return rc.Log(ctx)
}

func memberLockKey(tenantID, memberID string) string {
	return "member:" + tenantID + ":" + memberID
}

// RecalculateMember rewrites the member's relations whose resolved
// organization differs from the stored one and returns the rows written.
// Writes for one member are serialized across callers.
func (s *Service) RecalculateMember(ctx context.Context, rc appctx.RequestContext, memberID string) (int64, error) {
	ctx, span := tracing.StartSpan(rc.Bind(ctx), "recalc.Service.RecalculateMember")
	defer span.End()

	if memberID == "" {
		return 0, errs.Validation("member id is required")
	}

	logger := s.log(ctx, rc).WithField("member_id", memberID)

	var written int64
	err := lock.WithLock(ctx, s.locker, memberLockKey(rc.TenantID, memberID), s.cfg.MemberLockTTL, s.cfg.MemberLockWait, func() error {
		n, err := s.recompute(ctx, logger, rc.TenantID, memberID)
		written = n
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return 0, errs.Transient(err, "member %s is being recalculated elsewhere", memberID)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to recalculate member affiliations")
		return 0, err
	}

	metrics.RecordRelationRows("recalc", written)
	logger.WithField("rows_written", written).Debug("Recalculated member affiliations")

	if written > 0 {
		s.notifier.TriggerMemberSync(ctx, rc.TenantID, memberID)
	}
	return written, nil
}

// recompute walks the member's relations a page at a time; each page is
// retried on its own.
func (s *Service) recompute(ctx context.Context, logger ectologger.Logger, tenantID, memberID string) (int64, error) {
	var written int64
	after := ""
	for {
		page, err := retry.Value(ctx, s.cfg.Retry, logger, "relations.RecomputeMemberPage", func(ctx context.Context) (store.RecomputePage, error) {
			return s.relations.RecomputeMemberPage(ctx, tenantID, memberID, after, s.cfg.BatchSize)
		})
		if err != nil {
			return written, fmt.Errorf("recompute relations after %q: %w", after, err)
		}
		written += page.Written
		if page.Scanned < s.cfg.BatchSize {
			return written, nil
		}
		after = page.LastActivityID
	}
}

// changedMember recalculates one member of the changed set. A member deleted
// or merged away since it changed is stale; a member lookup that still fails
// after its retries means the store is down and aborts the page.
func (s *Service) changedMember(ctx context.Context, rc appctx.RequestContext, logger ectologger.Logger, c models.MemberChange) error {
	_, err := retry.Value(ctx, s.cfg.Retry, logger, "entities.Get", func(ctx context.Context) (*models.Entity, error) {
		return s.entities.Get(ctx, c.TenantID, models.EntityTypeMember, c.MemberID)
	})
	if errors.Is(err, errs.ErrNotFound) {
		return errs.StaleTarget("member %s was deleted or merged away", c.MemberID)
	}
	if errs.IsRetryable(err) {
		return errs.PageFatal(err, "look up member %s", c.MemberID)
	}
	if err != nil {
		return err
	}
	_, err = s.RecalculateMember(ctx, appctx.New(c.TenantID, rc.ActingUserID, rc.Logger), c.MemberID)
	return err
}

// RecalculateChanged revisits every member whose memberships, overrides or
// segment affiliations changed since the watermark. The watermark moves to
// this run's start only when every member succeeded, so a failed member is
// picked up again by the next run.
func (s *Service) RecalculateChanged(ctx context.Context, rc appctx.RequestContext) (cursor.State, error) {
	ctx, span := tracing.StartSpan(ctx, "recalc.Service.RecalculateChanged")
	defer span.End()

	logger := s.log(ctx, rc)

	since, err := s.watermarks.Get(ctx, ChangedMembersWatermark)
	if err != nil {
		return cursor.State{}, fmt.Errorf("load watermark: %w", err)
	}
	until := s.now()

	// The job id is stable per watermark so an interrupted run resumes.
	jobID := "recalc-changed:" + since.UTC().Format(time.RFC3339Nano)
	previous, err := s.states.Load(ctx, jobID)
	if err != nil {
		return cursor.State{}, err
	}
	if previous.Done {
		if err := s.states.Save(ctx, jobID, cursor.State{}); err != nil {
			return cursor.State{}, err
		}
	}

	runner, err := cursor.NewRunner(cursor.Config[models.MemberChange]{
		Name:           "recalc-changed",
		JobID:          jobID,
		PageSize:       s.cfg.PageSize,
		Concurrency:    s.cfg.Concurrency,
		MaxPagesPerRun: s.cfg.MaxPagesPerRun,
		DryRun:         s.cfg.DryRun,
		Fetch: func(ctx context.Context, after cursor.Key, limit int) ([]models.MemberChange, error) {
			return retry.Value(ctx, s.cfg.Retry, logger, "memberships.ListChangedMembers", func(ctx context.Context) ([]models.MemberChange, error) {
				return s.memberships.ListChangedMembers(ctx, since, until,
					models.MemberChange{ChangedAt: after.Timestamp, MemberID: after.ID}, limit)
			})
		},
		KeyOf: func(c models.MemberChange) cursor.Key {
			return cursor.Key{Timestamp: c.ChangedAt, ID: c.MemberID}
		},
		Handle: func(ctx context.Context, c models.MemberChange) error {
			return s.changedMember(ctx, rc, logger, c)
		},
		Fields: func(c models.MemberChange) map[string]any {
			return map[string]any{"tenant_id": c.TenantID, "member_id": c.MemberID}
		},
		Store:  s.states,
		Logger: logger,
	})
	if err != nil {
		return cursor.State{}, err
	}

	state, err := cursor.Drive(ctx, runner)
	if err != nil {
		return state, err
	}

	if s.cfg.DryRun || !state.Done {
		return state, nil
	}
	if state.Failed > 0 {
		logger.WithField("failed", state.Failed).Warnf("Watermark kept at %s after member failures", since)
		return state, nil
	}
	if err := s.watermarks.Set(ctx, ChangedMembersWatermark, until); err != nil {
		return state, fmt.Errorf("advance watermark: %w", err)
	}
	logger.WithFields(map[string]any{
		"since":     since,
		"until":     until,
		"members":   state.Processed,
		"succeeded": state.Succeeded,
	}).Info("Recalculated changed members")
	return state, nil
}

// RecalculateOrganization recalculates every member with a membership in, or
// a segment affiliation to, the organization.
func (s *Service) RecalculateOrganization(ctx context.Context, rc appctx.RequestContext, organizationID string) (cursor.State, error) {
	ctx, span := tracing.StartSpan(ctx, "recalc.Service.RecalculateOrganization")
	defer span.End()

	logger := s.log(ctx, rc).WithField("organization_id", organizationID)

	runner, err := cursor.NewRunner(cursor.Config[string]{
		Name:           "recalc-organization",
		JobID:          "recalc-organization:" + rc.TenantID + ":" + organizationID,
		PageSize:       s.cfg.PageSize,
		Concurrency:    s.cfg.Concurrency,
		MaxPagesPerRun: s.cfg.MaxPagesPerRun,
		Fetch: func(ctx context.Context, after cursor.Key, limit int) ([]string, error) {
			return retry.Value(ctx, s.cfg.Retry, logger, "memberships.ListOrganizationMemberIDs", func(ctx context.Context) ([]string, error) {
				return s.memberships.ListOrganizationMemberIDs(ctx, rc.TenantID, organizationID, after.ID, limit)
			})
		},
		KeyOf: func(memberID string) cursor.Key { return cursor.Key{ID: memberID} },
		Handle: func(ctx context.Context, memberID string) error {
			_, err := s.RecalculateMember(ctx, rc, memberID)
			return err
		},
		Fields: func(memberID string) map[string]any {
			return map[string]any{"tenant_id": rc.TenantID, "member_id": memberID}
		},
		// Callers re-run the whole organization on failure, so progress stays in memory.
		Store:  cursor.NewMemoryStateStore(),
		Logger: logger,
	})
	if err != nil {
		return cursor.State{}, err
	}

	state, err := cursor.Drive(ctx, runner)
	if err != nil {
		return state, err
	}
	if state.Failed > 0 {
		return state, errs.Transient(nil, "%d members of organization %s failed to recalculate", state.Failed, organizationID)
	}
	return state, nil
}

// Package reconciler is the entry point callers use to merge, unmerge and
// recalculate members and organizations.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/affiliation"
	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/merging"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/recalc"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/workflow"
)

// SystemUser acts for scheduled jobs.
const SystemUser = "system"

type Orchestrator interface {
	MergeEntities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) (*models.MergeAction, error)
	UnmergeEntities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID string, backup *models.Backup) (*models.MergeAction, error)
	ResumeAction(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error)
}

type Recalculator interface {
	RecalculateMember(ctx context.Context, rc appctx.RequestContext, memberID string) (int64, error)
	RecalculateChanged(ctx context.Context, rc appctx.RequestContext) (cursor.State, error)
	RecalculateOrganization(ctx context.Context, rc appctx.RequestContext, organizationID string) (cursor.State, error)
}

type Affiliations interface {
	Resolve(ctx context.Context, rc appctx.RequestContext, memberID string, ts time.Time, segmentID string) (affiliation.Resolution, error)
	CurrentOrganization(ctx context.Context, rc appctx.RequestContext, memberID string) (string, bool, error)
}

var (
	_ Orchestrator = (*merging.Orchestrator)(nil)
	_ Recalculator = (*recalc.Service)(nil)
	_ Affiliations = (*affiliation.Resolver)(nil)
)

type Service struct {
	logger       ectologger.Logger
	orch         Orchestrator
	recalc       Recalculator
	affiliations Affiliations
	audit        *merging.AuditService
	workflow     workflow.Client
}

func NewService(logger ectologger.Logger, orch Orchestrator, recalc Recalculator, affiliations Affiliations, audit *merging.AuditService, client workflow.Client) *Service {
	return &Service{logger: logger, orch: orch, recalc: recalc, affiliations: affiliations, audit: audit, workflow: client}
}

func (s *Service) requestContext(tenantID, actionBy string) (appctx.RequestContext, error) {
	if tenantID == "" {
		return appctx.RequestContext{}, errs.Validation("tenant_id is required")
	}
	return appctx.New(tenantID, actionBy, s.logger), nil
}

// MergeEntities folds secondaryID into primaryID on behalf of actionBy. The
// returned action is in progress; AwaitAction blocks until it settles.
func (s *Service) MergeEntities(ctx context.Context, tenantID string, t models.EntityType, primaryID, secondaryID, actionBy string) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Service.MergeEntities")
	defer span.End()

	rc, err := s.requestContext(tenantID, actionBy)
	if err != nil {
		return nil, err
	}
	if actionBy == "" {
		return nil, errs.Validation("action_by is required")
	}
	return s.orch.MergeEntities(ctx, rc, t, primaryID, secondaryID)
}

// UnmergeEntities splits an entity back out of primaryID. A nil backup
// selects the newest completed merge into primaryID.
func (s *Service) UnmergeEntities(ctx context.Context, tenantID string, t models.EntityType, primaryID string, backup *models.Backup, actionBy string) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Service.UnmergeEntities")
	defer span.End()

	rc, err := s.requestContext(tenantID, actionBy)
	if err != nil {
		return nil, err
	}
	return s.orch.UnmergeEntities(ctx, rc, t, primaryID, backup)
}

// ResumeAction re-enters a failed or interrupted action from its last step.
func (s *Service) ResumeAction(ctx context.Context, tenantID, actionID, actionBy string) (*models.MergeAction, error) {
	rc, err := s.requestContext(tenantID, actionBy)
	if err != nil {
		return nil, err
	}
	return s.orch.ResumeAction(ctx, rc, actionID)
}

// AwaitAction waits for the destructive phase of actionID and returns the
// settled action.
func (s *Service) AwaitAction(ctx context.Context, actionID string) (*models.MergeActionView, error) {
	raw, err := s.workflow.GetHandle(actionID).Result(ctx)
	if err != nil {
		return nil, err
	}
	var view models.MergeActionView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", actionID, err)
	}
	return &view, nil
}

// RecalculateAffiliations rewrites the organization of the member's activity
// relations and returns the rows written.
func (s *Service) RecalculateAffiliations(ctx context.Context, tenantID, memberID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Service.RecalculateAffiliations")
	defer span.End()

	rc, err := s.requestContext(tenantID, SystemUser)
	if err != nil {
		return 0, err
	}
	if memberID == "" {
		return 0, errs.Validation("member_id is required")
	}
	return s.recalc.RecalculateMember(ctx, rc, memberID)
}

// ResolveAffiliation returns the organization an activity of memberID at ts
// in segmentID is attributed to, and the rule that decided it.
func (s *Service) ResolveAffiliation(ctx context.Context, tenantID, memberID string, ts time.Time, segmentID string) (affiliation.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Service.ResolveAffiliation")
	defer span.End()

	rc, err := s.requestContext(tenantID, SystemUser)
	if err != nil {
		return affiliation.Resolution{}, err
	}
	if memberID == "" {
		return affiliation.Resolution{}, errs.Validation("member_id is required")
	}
	if ts.IsZero() {
		return affiliation.Resolution{}, errs.Validation("timestamp is required")
	}
	return s.affiliations.Resolve(ctx, rc, memberID, ts, segmentID)
}

// CurrentOrganization returns the organization shown on the member's
// profile; ok is false when no membership qualifies.
func (s *Service) CurrentOrganization(ctx context.Context, tenantID, memberID string) (organizationID string, ok bool, err error) {
	rc, err := s.requestContext(tenantID, SystemUser)
	if err != nil {
		return "", false, err
	}
	if memberID == "" {
		return "", false, errs.Validation("member_id is required")
	}
	return s.affiliations.CurrentOrganization(ctx, rc, memberID)
}

// RecalculateAllChanged recalculates every member, across tenants, whose
// affiliation inputs changed since the last complete run.
func (s *Service) RecalculateAllChanged(ctx context.Context) (cursor.State, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciler.Service.RecalculateAllChanged")
	defer span.End()

	return s.recalc.RecalculateChanged(ctx, appctx.New("", SystemUser, s.logger))
}

func (s *Service) RecalculateOrganization(ctx context.Context, tenantID, organizationID string) (cursor.State, error) {
	rc, err := s.requestContext(tenantID, SystemUser)
	if err != nil {
		return cursor.State{}, err
	}
	if organizationID == "" {
		return cursor.State{}, errs.Validation("organization_id is required")
	}
	return s.recalc.RecalculateOrganization(ctx, rc, organizationID)
}

func (s *Service) GetAction(ctx context.Context, tenantID, actionID string) (*models.MergeActionView, error) {
	rc, err := s.requestContext(tenantID, "")
	if err != nil {
		return nil, err
	}
	return s.audit.Get(ctx, rc, actionID)
}

func (s *Service) ListActions(ctx context.Context, tenantID string, filter models.MergeActionFilter) ([]models.MergeActionView, error) {
	rc, err := s.requestContext(tenantID, "")
	if err != nil {
		return nil, err
	}
	return s.audit.List(ctx, rc, filter)
}

func (s *Service) ListActionsForEntity(ctx context.Context, tenantID, entityID string, limit, offset int) ([]models.MergeActionView, error) {
	rc, err := s.requestContext(tenantID, "")
	if err != nil {
		return nil, err
	}
	return s.audit.ListForEntity(ctx, rc, entityID, limit, offset)
}

func (s *Service) ListActionsByPair(ctx context.Context, tenantID, a, b string) ([]models.MergeActionView, error) {
	rc, err := s.requestContext(tenantID, "")
	if err != nil {
		return nil, err
	}
	return s.audit.ListByPair(ctx, rc, a, b)
}

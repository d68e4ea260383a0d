package merging

import (
	"context"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// AuditService answers read-only questions about merge history.
type AuditService struct {
	logger  ectologger.Logger
	actions store.MergeActionRepo
}

func NewAuditService(logger ectologger.Logger, actions store.MergeActionRepo) *AuditService {
	return &AuditService{logger: logger, actions: actions}
}

func (s *AuditService) Get(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeActionView, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.AuditService.Get")
	defer span.End()

	action, err := s.actions.Get(ctx, rc.TenantID, actionID)
	if err != nil {
		return nil, err
	}
	view := action.View()
	return &view, nil
}

// ListForEntity returns every action in which entityID was primary or secondary.
func (s *AuditService) ListForEntity(ctx context.Context, rc appctx.RequestContext, entityID string, limit, offset int) ([]models.MergeActionView, error) {
	if entityID == "" {
		return nil, errs.Validation("entity id is required")
	}
	return s.List(ctx, rc, models.MergeActionFilter{EntityID: entityID, Limit: limit, Offset: offset})
}

// ListByPair returns the actions between a and b in either direction.
func (s *AuditService) ListByPair(ctx context.Context, rc appctx.RequestContext, a, b string) ([]models.MergeActionView, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.AuditService.ListByPair")
	defer span.End()

	if a == "" || b == "" {
		return nil, errs.Validation("both entity ids are required")
	}
	touching, err := s.actions.List(ctx, models.MergeActionFilter{TenantID: rc.TenantID, EntityID: a})
	if err != nil {
		return nil, err
	}
	pair := models.PairKey(a, b)
	between := ectolinq.Filter(touching, func(action models.MergeAction) bool {
		return models.PairKey(action.PrimaryID, action.SecondaryID) == pair
	})
	return views(between), nil
}

// List pages actions newest first. The tenant always comes from rc.
func (s *AuditService) List(ctx context.Context, rc appctx.RequestContext, filter models.MergeActionFilter) ([]models.MergeActionView, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.AuditService.List")
	defer span.End()

	filter.TenantID = rc.TenantID
	if filter.Limit <= 0 {
		filter.Limit = DefaultAuditLimit
	}
	if filter.Limit > MaxAuditLimit {
		filter.Limit = MaxAuditLimit
	}
	if filter.Offset < 0 {
		return nil, errs.Validation("offset must not be negative")
	}

	actions, err := s.actions.List(ctx, filter)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list merge actions")
		return nil, err
	}
	return views(actions), nil
}

func views(actions []models.MergeAction) []models.MergeActionView {
	if len(actions) == 0 {
		return []models.MergeActionView{}
	}
	return ectolinq.Map(actions, models.MergeAction.View)
}

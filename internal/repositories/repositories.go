// Package repositories assembles the Postgres implementations of the store
// interfaces.
package repositories

import (
	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/activityrelation"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/batchrun"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/entity"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/identity"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/membership"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/mergeaction"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/segmentaffiliation"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories/watermark"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
)

var (
	_ store.EntityRepo             = (*entity.Repository)(nil)
	_ store.IdentityRepo           = (*identity.Repository)(nil)
	_ store.MembershipRepo         = (*membership.Repository)(nil)
	_ store.SegmentAffiliationRepo = (*segmentaffiliation.Repository)(nil)
	_ store.ActivityRelationRepo   = (*activityrelation.Repository)(nil)
	_ store.MergeActionRepo        = (*mergeaction.Repository)(nil)
	_ store.WatermarkRepo          = (*watermark.Repository)(nil)
	_ store.Transactor             = (*database.Transactor)(nil)
	_ cursor.StateStore            = (*batchrun.Repository)(nil)
)

// NewStore wires every repository to db.
func NewStore(db database.DB, logger ectologger.Logger) store.Store {
	memberships := membership.NewRepository(db, logger)
	segments := segmentaffiliation.NewRepository(db, logger)
	return store.Store{
		Entities:            entity.NewRepository(db, logger),
		Identities:          identity.NewRepository(db, logger),
		Memberships:         memberships,
		SegmentAffiliations: segments,
		Relations:           activityrelation.NewRepository(db, memberships, segments, logger),
		MergeActions:        mergeaction.NewRepository(db, logger),
		Watermarks:          watermark.NewRepository(db, logger),
		Tx:                  database.NewTransactor(db, logger),
	}
}

// NewStateStore persists cursor progress in batch_runs.
func NewStateStore(db database.DB, logger ectologger.Logger) cursor.StateStore {
	return batchrun.NewRepository(db, logger)
}

package merging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// MergeEntities validates the pair, captures the backup and starts the
// destructive phase. The returned action is in progress; the caller awaits
// the workflow handle keyed by its id for the outcome.
func (o *Orchestrator) MergeEntities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(rc.Bind(ctx), "merging.Orchestrator.MergeEntities")
	defer span.End()

	actionType := models.MergeActionTypeFor(t)
	logger := o.log(ctx, rc).WithFields(map[string]any{
		"entity_type":  t,
		"primary_id":   primaryID,
		"secondary_id": secondaryID,
	})

	if err := validateArgs(rc, t, primaryID, secondaryID); err != nil {
		metrics.RecordMergeRejected(string(t), "invalid")
		return nil, err
	}

	held, err := o.lockPair(ctx, rc.TenantID, actionType, primaryID, secondaryID)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "locked")
		return nil, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release pair lock")
		}
	}()

	// Entities are read under the lock so a merge finishing meanwhile is seen.
	primary, err := o.getLive(ctx, rc, t, primaryID)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "invalid")
		return nil, err
	}
	secondary, err := o.getLive(ctx, rc, t, secondaryID)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "invalid")
		return nil, err
	}

	if err := o.checkVerifiedIdentities(ctx, rc, t, primary.ID, secondary.ID); err != nil {
		metrics.RecordMergeRejected(string(t), "invalid")
		return nil, err
	}

	action, err := o.pendingAction(ctx, rc, actionType, primaryID, secondaryID)
	if err != nil {
		if errors.Is(err, errs.ErrConcurrentMerge) {
			metrics.RecordMergeRejected(string(t), "in_flight")
		}
		return nil, err
	}
	logger = logger.WithField("action_id", action.ID)

	// Nothing is mutated before the backup is stored with the action.
	backup, err := o.backup(ctx, rc, action.ID, *primary, *secondary)
	if err != nil {
		logger.WithError(err).Error("Failed to capture merge backup, action left pending")
		return nil, err
	}
	pending := models.StatePending
	action, err = o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
		ID:            action.ID,
		TenantID:      rc.TenantID,
		Step:          models.StepPtr(models.StepMergeStarted),
		State:         models.StatePtr(models.StateInProgress),
		UnmergeBackup: backup,
		ClearError:    true,
		ExpectState:   &pending,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to persist merge backup, action left pending")
		return nil, err
	}

	if err := o.start(ctx, rc, WorkflowMerge, action); err != nil {
		return nil, o.revert(ctx, logger, action, models.StatePending, "", fmt.Errorf("start %s: %w", WorkflowMerge, err))
	}

	metrics.RecordMergeAction(string(t), "merge", string(models.StateInProgress))
	logger.Info("Merge started")
	return action, nil
}

func validateArgs(rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) error {
	if !t.Valid() {
		return errs.Validation("unknown entity type %q", t)
	}
	if rc.TenantID == "" {
		return errs.Validation("tenant is required")
	}
	if primaryID == "" || secondaryID == "" {
		return errs.Validation("primary and secondary ids are required")
	}
	if primaryID == secondaryID {
		return errs.Validation("cannot merge %s %s into itself", t, primaryID)
	}
	return nil
}

func (o *Orchestrator) getLive(ctx context.Context, rc appctx.RequestContext, t models.EntityType, id string) (*models.Entity, error) {
	entity, err := o.repos.Entities.Get(ctx, rc.TenantID, t, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Validation("%s %s does not exist or was deleted", t, id)
	}
	return entity, err
}

// pendingAction adopts a pending action for the same ordered pair or creates
// one. Any other in-flight action touching either entity is a conflict.
func (o *Orchestrator) pendingAction(ctx context.Context, rc appctx.RequestContext, t models.MergeActionType, primaryID, secondaryID string) (*models.MergeAction, error) {
	inFlight, err := o.repos.MergeActions.ListInFlight(ctx, rc.TenantID, t, primaryID, secondaryID)
	if err != nil {
		return nil, err
	}
	var adopt *models.MergeAction
	for i := range inFlight {
		a := inFlight[i]
		if a.State == models.StatePending && a.PrimaryID == primaryID && a.SecondaryID == secondaryID {
			adopt = &a
			continue
		}
		return nil, errs.ConcurrentMerge("%s action %s is %s for %s into %s", a.Operation(), a.ID, a.State, a.SecondaryID, a.PrimaryID)
	}
	if adopt != nil {
		return adopt, nil
	}

	// A failed destructive phase must be resumed before the pair is touched again.
	for _, pair := range [][2]string{{primaryID, secondaryID}, {secondaryID, primaryID}} {
		latest, err := o.repos.MergeActions.LatestForPair(ctx, rc.TenantID, t, pair[0], pair[1])
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if latest.State == models.StateError {
			return nil, errs.ConcurrentMerge("%s action %s failed at step %s and must be resumed", latest.Operation(), latest.ID, latest.Step)
		}
	}

	action := &models.MergeAction{
		TenantID:    rc.TenantID,
		Type:        t,
		PrimaryID:   primaryID,
		SecondaryID: secondaryID,
		State:       models.StatePending,
		ActionBy:    rc.ActingUserID,
	}
	if err := o.repos.MergeActions.Create(ctx, action); err != nil {
		return nil, err
	}
	return action, nil
}

// RunMerge is the destructive phase. It is safe to re-run: each step only
// touches rows still owned by the secondary. At most one run per action
// proceeds at a time.
func (o *Orchestrator) RunMerge(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error) {
	ctx = context.WithoutCancel(rc.Bind(ctx))
	ctx, span := tracing.StartSpan(ctx, "merging.Orchestrator.RunMerge")
	defer span.End()

	return o.exclusive(ctx, rc, actionID, o.runMerge)
}

func (o *Orchestrator) runMerge(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error) {
	started := time.Now()
	action, err := o.repos.MergeActions.Get(ctx, rc.TenantID, actionID)
	if err != nil {
		return nil, err
	}
	t := action.Type.EntityType()
	logger := o.log(ctx, rc).WithFields(map[string]any{
		"action_id":    action.ID,
		"entity_type":  t,
		"primary_id":   action.PrimaryID,
		"secondary_id": action.SecondaryID,
	})

	if action.State == models.StateMerged {
		return action, nil
	}
	if action.State != models.StateInProgress || action.Operation() != "merge" {
		return nil, errs.Validation("merge action %s is %s at step %s", action.ID, action.State, action.Step)
	}
	if err := action.UnmergeBackup.Check(action.Type, action.PrimaryID); err != nil {
		return nil, o.fail(ctx, logger, action, err)
	}

	if action.Step == models.StepMergeStarted {
		if err := o.moveRows(ctx, rc, action); err != nil {
			return nil, o.fail(ctx, logger, action, err)
		}
		next, err := o.setStep(ctx, action, models.StepMergeRelationsMoved)
		if err != nil {
			return nil, o.fail(ctx, logger, action, err)
		}
		action = next
	}

	err = o.do(ctx, "entities.SoftDelete", func(ctx context.Context) error {
		return o.repos.Entities.SoftDelete(ctx, rc.TenantID, t, action.SecondaryID)
	})
	if err != nil {
		return nil, o.fail(ctx, logger, action, fmt.Errorf("soft delete %s: %w", action.SecondaryID, err))
	}

	if t == models.EntityTypeMember {
		if _, err := o.recalc.RecalculateMember(ctx, rc, action.PrimaryID); err != nil {
			return nil, o.fail(ctx, logger, action, fmt.Errorf("recalculate %s: %w", action.PrimaryID, err))
		}
	}

	done, err := o.finish(ctx, action, models.StepMergeDone, models.StateMerged)
	if err != nil {
		return nil, o.fail(ctx, logger, action, err)
	}
	action = done

	o.afterMerge(ctx, logger, action)

	metrics.RecordMergeAction(string(t), "merge", string(models.StateMerged))
	metrics.RecordMergeDuration(string(t), "merge", time.Since(started).Seconds())
	logger.Info("Merge completed")
	return action, nil
}

// moveRows re-points every foreign key from the secondary to the primary.
func (o *Orchestrator) moveRows(ctx context.Context, rc appctx.RequestContext, action *models.MergeAction) error {
	t := action.Type.EntityType()
	err := o.do(ctx, "merge.moveRows", func(ctx context.Context) error {
		return o.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := o.moveIdentities(ctx, rc, t, action.PrimaryID, action.SecondaryID); err != nil {
				return err
			}
			if err := o.moveMemberships(ctx, rc, t, action.PrimaryID, action.SecondaryID); err != nil {
				return err
			}
			return o.moveSegmentAffiliations(ctx, rc, t, action.PrimaryID, action.SecondaryID)
		})
	})
	if err != nil {
		return err
	}
	return o.moveRelations(ctx, rc, action)
}

// moveRelations re-points relations in activity_id-ordered batches, each
// batch journaled against the action.
func (o *Orchestrator) moveRelations(ctx context.Context, rc appctx.RequestContext, action *models.MergeAction) error {
	t := action.Type.EntityType()
	for {
		moved, err := retry.Value(ctx, o.cfg.Retry, o.logger, "relations.MoveForMerge", func(ctx context.Context) (int, error) {
			return o.repos.Relations.MoveForMerge(ctx, rc.TenantID, action.ID, t, action.SecondaryID, action.PrimaryID, o.cfg.RelationBatchSize)
		})
		if err != nil {
			return fmt.Errorf("move relations of %s: %w", action.SecondaryID, err)
		}
		metrics.RecordRelationRows("merge", int64(moved))
		if moved < o.cfg.RelationBatchSize {
			return nil
		}
	}
}

// afterMerge archives the backup, mirrors the lineage and notifies sync.
// None of these can undo a completed merge, so failures are only logged.
func (o *Orchestrator) afterMerge(ctx context.Context, logger ectologger.Logger, action *models.MergeAction) {
	if o.archive != nil && action.UnmergeBackup != nil {
		if err := o.archive.Put(ctx, action.TenantID, *action.UnmergeBackup); err != nil {
			logger.WithError(err).Warn("Failed to archive merge backup")
		}
	}
	if o.lineage != nil {
		if err := o.lineage.RecordMerge(ctx, *action); err != nil {
			logger.WithError(err).Warn("Failed to record merge lineage")
		}
	}
	o.notifySync(ctx, action, action.PrimaryID, action.SecondaryID)
}

func (o *Orchestrator) notifySync(ctx context.Context, action *models.MergeAction, ids ...string) {
	for _, id := range ids {
		if action.Type == models.MergeActionTypeOrg {
			o.notifier.TriggerOrganizationSync(ctx, action.TenantID, id, events.SyncOptions{WithAggs: true})
			continue
		}
		o.notifier.TriggerMemberSync(ctx, action.TenantID, id)
	}
	o.notifier.ActionFinished(ctx, *action)
}

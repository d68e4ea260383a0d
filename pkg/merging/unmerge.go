package merging

import (
	"context"
	"errors"
	"fmt"
	"time"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// UnmergeEntities splits a merged pair back apart. backup names the merge
// action to undo; when nil, the newest merge into primaryID is used. The
// stored backup, or its archived copy, is what gets restored.
func (o *Orchestrator) UnmergeEntities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID string, backup *models.Backup) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(rc.Bind(ctx), "merging.Orchestrator.UnmergeEntities")
	defer span.End()

	if !t.Valid() {
		return nil, errs.Validation("unknown entity type %q", t)
	}
	if rc.TenantID == "" || primaryID == "" {
		return nil, errs.Validation("tenant and primary id are required")
	}
	actionType := models.MergeActionTypeFor(t)

	action, err := o.mergedAction(ctx, rc, actionType, primaryID, backup)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "no_backup")
		return nil, err
	}
	logger := o.log(ctx, rc).WithFields(map[string]any{
		"action_id":    action.ID,
		"entity_type":  t,
		"primary_id":   action.PrimaryID,
		"secondary_id": action.SecondaryID,
	})

	stored, err := o.storedBackup(ctx, action)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "no_backup")
		return nil, err
	}

	held, err := o.lockPair(ctx, rc.TenantID, actionType, action.PrimaryID, action.SecondaryID)
	if err != nil {
		metrics.RecordMergeRejected(string(t), "locked")
		return nil, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release pair lock")
		}
	}()

	inFlight, err := o.repos.MergeActions.ListInFlight(ctx, rc.TenantID, actionType, action.PrimaryID, action.SecondaryID)
	if err != nil {
		return nil, err
	}
	if len(inFlight) > 0 {
		metrics.RecordMergeRejected(string(t), "in_flight")
		return nil, errs.ConcurrentMerge("action %s is %s for this pair", inFlight[0].ID, inFlight[0].State)
	}

	merged := models.StateMerged
	action, err = o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
		ID:            action.ID,
		TenantID:      rc.TenantID,
		Step:          models.StepPtr(models.StepUnmergeStarted),
		State:         models.StatePtr(models.StateInProgress),
		UnmergeBackup: stored,
		ClearError:    true,
		ExpectState:   &merged,
	})
	if err != nil {
		return nil, err
	}

	if err := o.start(ctx, rc, WorkflowUnmerge, action); err != nil {
		return nil, o.revert(ctx, logger, action, models.StateMerged, models.StepMergeDone, fmt.Errorf("start %s: %w", WorkflowUnmerge, err))
	}

	metrics.RecordMergeAction(string(t), "unmerge", string(models.StateInProgress))
	logger.Info("Unmerge started")
	return action, nil
}

// mergedAction finds the merge to undo. An action that was already unmerged
// has consumed its backup.
func (o *Orchestrator) mergedAction(ctx context.Context, rc appctx.RequestContext, t models.MergeActionType, primaryID string, backup *models.Backup) (*models.MergeAction, error) {
	var action *models.MergeAction
	if backup != nil && backup.MergeActionID != "" {
		found, err := o.repos.MergeActions.Get(ctx, rc.TenantID, backup.MergeActionID)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.BackupUnavailable("merge action %s not found", backup.MergeActionID)
		}
		if err != nil {
			return nil, err
		}
		action = found
	} else {
		merged, err := o.repos.MergeActions.List(ctx, models.MergeActionFilter{
			TenantID: rc.TenantID,
			Type:     t,
			State:    models.StateMerged,
			EntityID: primaryID,
		})
		if err != nil {
			return nil, err
		}
		for i := range merged {
			if merged[i].PrimaryID == primaryID {
				action = &merged[i]
				break
			}
		}
		if action == nil {
			return nil, errs.BackupUnavailable("no merge into %s %s to undo", t, primaryID)
		}
	}

	if action.Type != t || action.PrimaryID != primaryID {
		return nil, errs.Validation("merge action %s is not a %s merge into %s", action.ID, t, primaryID)
	}
	switch {
	case action.State == models.StateUnmerged:
		return nil, errs.BackupUnavailable("merge action %s was already unmerged", action.ID)
	case action.State.InFlight():
		return nil, errs.ConcurrentMerge("merge action %s is %s", action.ID, action.State)
	case action.State != models.StateMerged:
		return nil, errs.Validation("merge action %s is %s, resume it first", action.ID, action.State)
	}
	return action, nil
}

// storedBackup returns the database copy, falling back to the archive.
func (o *Orchestrator) storedBackup(ctx context.Context, action *models.MergeAction) (*models.Backup, error) {
	b := action.UnmergeBackup
	if b == nil && o.archive != nil {
		archived, err := o.archive.Get(ctx, action.TenantID, action.ID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Transient(err, "read archived backup of %s", action.ID)
		}
		b = archived
	}
	if err := b.Check(action.Type, action.PrimaryID); err != nil {
		return nil, err
	}
	if b.Secondary.Entity.ID != action.SecondaryID {
		return nil, errs.Validation("backup secondary %s does not match %s", b.Secondary.Entity.ID, action.SecondaryID)
	}
	return b, nil
}

// RunUnmerge is the destructive phase of an unmerge. Restores write rows back
// by id and relations move only while still owned by the primary, so a re-run
// converges on the same result. At most one run per action proceeds at a time.
func (o *Orchestrator) RunUnmerge(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error) {
	ctx = context.WithoutCancel(rc.Bind(ctx))
	ctx, span := tracing.StartSpan(ctx, "merging.Orchestrator.RunUnmerge")
	defer span.End()

	return o.exclusive(ctx, rc, actionID, o.runUnmerge)
}

func (o *Orchestrator) runUnmerge(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error) {
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

	if action.State == models.StateUnmerged {
		return action, nil
	}
	if action.State != models.StateInProgress || action.Operation() != "unmerge" {
		return nil, errs.Validation("merge action %s is %s at step %s", action.ID, action.State, action.Step)
	}
	b := action.UnmergeBackup
	if err := b.Check(action.Type, action.PrimaryID); err != nil {
		return nil, o.fail(ctx, logger, action, err)
	}

	if action.Step == models.StepUnmergeStarted {
		err := o.do(ctx, "unmerge.restoreRows", func(ctx context.Context) error {
			return o.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
				if err := o.repos.Entities.Restore(ctx, b.Secondary.Entity); err != nil {
					return fmt.Errorf("restore %s: %w", b.Secondary.Entity.ID, err)
				}
				if err := o.restoreIdentities(ctx, rc, b); err != nil {
					return err
				}
				return o.restoreAffiliationInputs(ctx, rc, b)
			})
		})
		if err != nil {
			return nil, o.fail(ctx, logger, action, err)
		}
		if err := o.restoreRelations(ctx, rc, action); err != nil {
			return nil, o.fail(ctx, logger, action, err)
		}
		next, err := o.setStep(ctx, action, models.StepUnmergeRelationsMoved)
		if err != nil {
			return nil, o.fail(ctx, logger, action, err)
		}
		action = next
	}

	if err := o.recalculatePair(ctx, rc, action); err != nil {
		return nil, o.fail(ctx, logger, action, err)
	}

	done, err := o.finish(ctx, action, models.StepUnmergeDone, models.StateUnmerged)
	if err != nil {
		return nil, o.fail(ctx, logger, action, err)
	}
	action = done

	if o.lineage != nil {
		if err := o.lineage.RemoveMerge(ctx, *action); err != nil {
			logger.WithError(err).Warn("Failed to remove merge lineage")
		}
	}
	o.notifySync(ctx, action, action.PrimaryID, action.SecondaryID)

	metrics.RecordMergeAction(string(t), "unmerge", string(models.StateUnmerged))
	metrics.RecordMergeDuration(string(t), "unmerge", time.Since(started).Seconds())
	logger.Info("Unmerge completed")
	return action, nil
}

// restoreRelations walks the action's journal and hands each relation back
// to the secondary.
func (o *Orchestrator) restoreRelations(ctx context.Context, rc appctx.RequestContext, action *models.MergeAction) error {
	t := action.Type.EntityType()
	after := ""
	for {
		var last string
		var n int
		err := o.do(ctx, "relations.RestoreForUnmerge", func(ctx context.Context) error {
			var err error
			last, n, err = o.repos.Relations.RestoreForUnmerge(ctx, rc.TenantID, action.ID, t,
				action.PrimaryID, action.SecondaryID, after, o.cfg.RelationBatchSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("restore relations after %q: %w", after, err)
		}
		metrics.RecordRelationRows("unmerge", int64(n))
		if n < o.cfg.RelationBatchSize {
			return nil
		}
		after = last
	}
}

func (o *Orchestrator) recalculatePair(ctx context.Context, rc appctx.RequestContext, action *models.MergeAction) error {
	for _, id := range []string{action.PrimaryID, action.SecondaryID} {
		var err error
		if action.Type == models.MergeActionTypeOrg {
			_, err = o.recalc.RecalculateOrganization(ctx, rc, id)
		} else {
			_, err = o.recalc.RecalculateMember(ctx, rc, id)
		}
		if err != nil {
			return fmt.Errorf("recalculate %s: %w", id, err)
		}
	}
	return nil
}

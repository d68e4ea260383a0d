// Package merging combines two members or organizations into one and splits
// them again from the backup captured before the merge.
package merging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/lock"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/workflow"
)

// Workflow names of the destructive phases.
const (
	WorkflowMerge   = "merge-entities"
	WorkflowUnmerge = "unmerge-entities"
)

const (
	DefaultRelationBatchSize = 1000
	DefaultPairLockTTL       = 5 * time.Minute
	DefaultActionLockTTL     = time.Minute
)

// Recalculator rewrites relation organizations after affiliation inputs moved.
type Recalculator interface {
	RecalculateMember(ctx context.Context, rc appctx.RequestContext, memberID string) (int64, error)
	RecalculateOrganization(ctx context.Context, rc appctx.RequestContext, organizationID string) (cursor.State, error)
}

// Archive keeps a second copy of merge backups outside the database.
type Archive interface {
	Put(ctx context.Context, tenantID string, backup models.Backup) error
	// Get returns errs.ErrNotFound when nothing was archived for the action.
	Get(ctx context.Context, tenantID, actionID string) (*models.Backup, error)
}

// Lineage mirrors which entity absorbed which.
type Lineage interface {
	RecordMerge(ctx context.Context, action models.MergeAction) error
	RemoveMerge(ctx context.Context, action models.MergeAction) error
}

// Config tunes the orchestrator.
type Config struct {
	RelationBatchSize int
	PairLockTTL       time.Duration
	// ActionLockTTL bounds how long a crashed destructive phase keeps its
	// action locked; a live one refreshes it every third of the TTL.
	ActionLockTTL time.Duration
	Retry         retry.Policy
}

// Orchestrator runs merges and unmerges. The synchronous phase validates,
// locks the pair and persists the backup; the destructive phase runs as a
// workflow keyed by the merge action id.
type Orchestrator struct {
	logger   ectologger.Logger
	repos    store.Store
	locker   lock.Locker
	workflow workflow.Client
	recalc   Recalculator
	notifier events.Notifier
	archive  Archive
	lineage  Lineage
	cfg      Config

	now func() time.Time
}

// Option sets an optional collaborator.
type Option func(*Orchestrator)

func WithArchive(a Archive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithLineage(l Lineage) Option { return func(o *Orchestrator) { o.lineage = l } }

func WithNotifier(n events.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func NewOrchestrator(
	logger ectologger.Logger,
	repos store.Store,
	locker lock.Locker,
	client workflow.Client,
	recalc Recalculator,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if cfg.RelationBatchSize <= 0 {
		cfg.RelationBatchSize = DefaultRelationBatchSize
	}
	if cfg.PairLockTTL <= 0 {
		cfg.PairLockTTL = DefaultPairLockTTL
	}
	if cfg.ActionLockTTL <= 0 {
		cfg.ActionLockTTL = DefaultActionLockTTL
	}
	o := &Orchestrator{
		logger:   logger,
		repos:    repos,
		locker:   locker,
		workflow: client,
		recalc:   recalc,
		notifier: events.Nop{},
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// actionArgs is the workflow payload of both destructive phases.
type actionArgs struct {
	TenantID     string `json:"tenant_id"`
	ActingUserID string `json:"acting_user_id"`
	ActionID     string `json:"action_id"`
}

// Register binds the destructive phases to their workflow names.
func (o *Orchestrator) Register(reg *workflow.Registry) {
	reg.Register(WorkflowMerge, o.workflowBody(o.RunMerge))
	reg.Register(WorkflowUnmerge, o.workflowBody(o.RunUnmerge))
}

func (o *Orchestrator) workflowBody(run func(context.Context, appctx.RequestContext, string) (*models.MergeAction, error)) workflow.Func {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		args, err := workflow.Decode[actionArgs](raw)
		if err != nil {
			return nil, err
		}
		action, err := run(ctx, appctx.New(args.TenantID, args.ActingUserID, o.logger), args.ActionID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(action.View())
	}
}

func (o *Orchestrator) start(ctx context.Context, rc appctx.RequestContext, name string, action *models.MergeAction) error {
	_, err := o.workflow.Start(ctx, name, workflow.StartOptions{
		ID: action.ID,
		Args: actionArgs{
			TenantID:     rc.TenantID,
			ActingUserID: rc.ActingUserID,
			ActionID:     action.ID,
		},
	})
	if errors.Is(err, workflow.ErrAlreadyStarted) {
		return nil
	}
	return err
}

func (o *Orchestrator) log(ctx context.Context, rc appctx.RequestContext) ectologger.Logger {
	if rc.Logger == nil {
		rc.Logger = o.logger
	}
	return rc.Log(ctx)
}

func pairLockKey(tenantID string, t models.MergeActionType, a, b string) string {
	return "merge:" + tenantID + ":" + string(t) + ":" + models.PairKey(a, b)
}

// lockPair takes the pair lock without waiting; a held lock is a conflict.
func (o *Orchestrator) lockPair(ctx context.Context, tenantID string, t models.MergeActionType, a, b string) (lock.Lock, error) {
	held, err := o.locker.Acquire(ctx, pairLockKey(tenantID, t, a, b), o.cfg.PairLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, errs.ConcurrentMerge("another action is running for %s and %s", a, b)
	}
	if err != nil {
		return nil, errs.Transient(err, "acquire pair lock for %s and %s", a, b)
	}
	return held, nil
}

func actionLockKey(tenantID, actionID string) string {
	return "action:" + tenantID + ":" + actionID
}

// exclusive runs a destructive phase while holding the action lock. A second
// delivery of the same action while the first still runs gets workflow.ErrBusy.
func (o *Orchestrator) exclusive(ctx context.Context, rc appctx.RequestContext, actionID string, run func(context.Context, appctx.RequestContext, string) (*models.MergeAction, error)) (*models.MergeAction, error) {
	held, err := o.locker.Acquire(ctx, actionLockKey(rc.TenantID, actionID), o.cfg.ActionLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: merge action %s", workflow.ErrBusy, actionID)
	}
	if err != nil {
		return nil, errs.Transient(err, "acquire lock of merge action %s", actionID)
	}
	logger := o.log(ctx, rc).WithField("action_id", actionID)
	stop := lock.KeepAlive(ctx, held, o.cfg.ActionLockTTL, func(err error) {
		logger.WithError(err).Error("Lost the merge action lock while running")
	})
	defer func() {
		stop()
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release merge action lock")
		}
	}()
	return run(ctx, rc, actionID)
}

// do retries one store call of a destructive phase.
func (o *Orchestrator) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, o.cfg.Retry, o.logger, operation, fn)
}

// finish moves the action to its terminal step and state.
func (o *Orchestrator) finish(ctx context.Context, action *models.MergeAction, step models.MergeActionStep, state models.MergeActionState) (*models.MergeAction, error) {
	return retry.Value(ctx, o.cfg.Retry, o.logger, "merge_actions.Update", func(ctx context.Context) (*models.MergeAction, error) {
		return o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
			ID:       action.ID,
			TenantID: action.TenantID,
			Step:     &step,
			State:    &state,
		})
	})
}

// revert hands an in-progress action whose destructive phase never started
// back to state and step, so the request can be retried from the top.
func (o *Orchestrator) revert(ctx context.Context, logger ectologger.Logger, action *models.MergeAction, state models.MergeActionState, step models.MergeActionStep, cause error) error {
	inProgress := models.StateInProgress
	_, err := retry.Value(ctx, o.cfg.Retry, o.logger, "merge_actions.Update", func(ctx context.Context) (*models.MergeAction, error) {
		return o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
			ID:          action.ID,
			TenantID:    action.TenantID,
			Step:        &step,
			State:       &state,
			ExpectState: &inProgress,
		})
	})
	if err != nil {
		logger.WithError(err).Error("Failed to revert merge action after start failure")
		return o.fail(ctx, logger, action, cause)
	}
	logger.WithError(cause).Warnf("Could not start %s, action is %s again", action.Operation(), state)
	return errs.Transient(cause, "%s of %s into %s not started", action.Operation(), action.SecondaryID, action.PrimaryID)
}

// fail records err on the action and returns it.
func (o *Orchestrator) fail(ctx context.Context, logger ectologger.Logger, action *models.MergeAction, err error) error {
	msg := err.Error()
	if _, uerr := o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
		ID:       action.ID,
		TenantID: action.TenantID,
		State:    models.StatePtr(models.StateError),
		Error:    &msg,
	}); uerr != nil {
		logger.WithError(uerr).Error("Failed to record merge action error")
	}
	logger.WithError(err).Errorf("%s of %s into %s failed at step %s", action.Operation(), action.SecondaryID, action.PrimaryID, action.Step)
	return err
}

func (o *Orchestrator) setStep(ctx context.Context, action *models.MergeAction, step models.MergeActionStep) (*models.MergeAction, error) {
	return retry.Value(ctx, o.cfg.Retry, o.logger, "merge_actions.Update", func(ctx context.Context) (*models.MergeAction, error) {
		return o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
			ID:       action.ID,
			TenantID: action.TenantID,
			Step:     &step,
		})
	})
}

// ResumeAction re-enters an interrupted or failed action from its recorded
// step. A pending action has not captured its backup yet and is retried from
// the top; finished actions are returned unchanged.
func (o *Orchestrator) ResumeAction(ctx context.Context, rc appctx.RequestContext, actionID string) (*models.MergeAction, error) {
	action, err := o.repos.MergeActions.Get(ctx, rc.TenantID, actionID)
	if err != nil {
		return nil, err
	}

	switch action.State {
	case models.StateMerged, models.StateUnmerged:
		return action, nil
	case models.StatePending:
		return o.MergeEntities(ctx, rc, action.Type.EntityType(), action.PrimaryID, action.SecondaryID)
	}

	if action.State == models.StateError {
		current := action.State
		action, err = o.repos.MergeActions.Update(ctx, models.MergeActionUpdate{
			ID:          action.ID,
			TenantID:    action.TenantID,
			State:       models.StatePtr(models.StateInProgress),
			ClearError:  true,
			ExpectState: &current,
		})
		if err != nil {
			return nil, err
		}
	}

	name := WorkflowMerge
	if action.Operation() == "unmerge" {
		name = WorkflowUnmerge
	}
	o.log(ctx, rc).WithFields(map[string]any{
		"action_id": action.ID,
		"step":      action.Step,
	}).Infof("Resuming %s", name)
	if err := o.start(ctx, rc, name, action); err != nil {
		return nil, err
	}
	return action, nil
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/telemetry"
)

// Orchestrator is the facade the external scheduler drives. Each method is
// a short-lived, stateless invocation: it loads state, advances it, persists
// it, and returns. The scheduler decides when to call Poll again; nothing
// here loops or sleeps between waves.
type Orchestrator struct {
	store     ExecutionStore
	admission *AdmissionController
	executor  *WaveExecutor
	poller    *WavePoller
	configs   *LaunchConfigService
	clock     Clock
	logger    zerolog.Logger
	meter     *telemetry.Metrics
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Store     ExecutionStore
	Admission *AdmissionController
	Executor  *WaveExecutor
	Poller    *WavePoller
	Configs   *LaunchConfigService
	Clock     Clock
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

// New creates the orchestrator facade. A nil Clock gets the wall clock.
func New(d Deps) *Orchestrator {
	clock := d.Clock
	if clock == nil {
		clock = NewClock()
	}
	return &Orchestrator{
		store:     d.Store,
		admission: d.Admission,
		executor:  d.Executor,
		poller:    d.Poller,
		configs:   d.Configs,
		clock:     clock,
		logger:    d.Logger.With().Str("component", "orchestrator").Logger(),
		meter:     d.Metrics,
	}
}

// Begin admits a plan and starts its first wave. When admission finds
// conflicts the execution is not created and the findings are returned with
// a conflict-class error; the caller surfaces them and nothing persists.
func (o *Orchestrator) Begin(ctx context.Context, plan *RecoveryPlan, account *AccountContext) (*Execution, []Conflict, error) {
	if err := plan.Type.Validate(); err != nil {
		return nil, nil, NewValidationError(err.Error())
	}
	if len(plan.Waves) == 0 {
		return nil, nil, NewValidationError(fmt.Sprintf("plan %s has no waves", plan.ID))
	}

	conflicts, err := o.admission.CheckConflicts(ctx, plan, account)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) > 0 {
		return nil, conflicts, NewConflictError(
			fmt.Sprintf("plan %s is not admissible: %d conflicts", plan.ID, len(conflicts)), nil)
	}

	exec := NewExecution(plan, account, o.clock.Now())
	if err := o.store.PutExecution(ctx, exec); err != nil {
		return nil, nil, NewPermanentError("failed to create execution", err).
			WithCode(ErrCodePersistence).WithOperation("Begin")
	}
	o.meter.RecordExecutionStarted(string(exec.Type))
	o.logger.Info().
		Str("execution_id", exec.ID).
		Str("plan_id", plan.ID).
		Int("waves", len(plan.Waves)).
		Msg("Execution created")

	if err := o.executor.StartWave(ctx, exec, 0); err != nil {
		return exec, nil, err
	}
	return exec, nil, nil
}

// Poll advances an execution by one observation cycle.
func (o *Orchestrator) Poll(ctx context.Context, executionID, planID string, opts PollOptions) (*Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID, planID)
	if err != nil {
		return nil, err
	}
	return o.poller.Poll(ctx, exec, opts), nil
}

// Resume restarts a paused execution at the wave it paused before.
func (o *Orchestrator) Resume(ctx context.Context, executionID, planID string) (*Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID, planID)
	if err != nil {
		return nil, err
	}
	if err := o.executor.Resume(ctx, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// Cancel flags an execution for cancellation. The flag is cooperative: the
// current wave finishes its in-flight work and the next Poll finalizes the
// execution as CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, planID string) (*Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID, planID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, NewValidationError(fmt.Sprintf("execution %s is already %s", exec.ID, exec.Status))
	}
	exec.Status = ExecutionStatusCancelling
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return exec, NewPermanentError("failed to flag cancellation", err).
			WithCode(ErrCodePersistence).WithOperation("Cancel")
	}
	o.logger.Info().Str("execution_id", exec.ID).Msg("Execution flagged for cancellation")
	return exec, nil
}

// Status returns the stored execution state.
func (o *Orchestrator) Status(ctx context.Context, executionID, planID string) (*Execution, error) {
	return o.store.GetExecution(ctx, executionID, planID)
}

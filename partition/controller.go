package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Step is one stage of a role transition. Steps run in order: each
// is prepared then committed before the next starts. If a later
// step fails the committed steps are rolled back in reverse order.
type Step interface {
	Name() string
	// Prepare readies the step's components for target without
	// disturbing the current role
	Prepare(ctx context.Context, tc *TransitionContext, target Role) error
	// Commit installs the components for target
	Commit(ctx context.Context, tc *TransitionContext, target Role) error
	// Rollback restores the components of the prior role after a
	// later step failed
	Rollback(ctx context.Context, tc *TransitionContext, prior Role) error
}

// Quiescer is implemented by steps that stop work before the
// partition leaves LEADER. Resume restarts that work when the
// transition fails and the partition stays LEADER.
type Quiescer interface {
	Quiesce(ctx context.Context, tc *TransitionContext) error
	Resume(ctx context.Context, tc *TransitionContext) error
}

// StartupStep opens a resource at bootstrap and closes it at
// shutdown
type StartupStep interface {
	Name() string
	Startup(ctx context.Context, sc *StartupContext) error
	Shutdown(ctx context.Context, sc *StartupContext) error
}

// ControllerConfig configures a controller
type ControllerConfig struct {
	Startup      *StartupContext
	StartupSteps []StartupStep
	Steps        []Step
	// StepTimeout bounds each prepare, commit and rollback
	StepTimeout time.Duration
	// Retries bounds how often a retriable transition failure is
	// retried. Zero runs a transition once.
	Retries int
	// BackOff creates the delay policy between retries
	BackOff func() backoff.BackOff
	Logger  *zap.Logger
	Metrics *metrics.Partition
}

// Controller drives a partition replica through its roles. It is
// not safe for concurrent use: the partition's loop owns it.
type Controller struct {
	startup      *StartupContext
	startupSteps []StartupStep
	steps        []Step
	stepTimeout  time.Duration
	retries      int
	newBackOff   func() backoff.BackOff
	logger       *zap.Logger
	metrics      *metrics.Partition
	machine      *roleMachine
	tc           *TransitionContext
	started      []StartupStep
	applied      []string
	healthy      bool
}

// NewController creates a controller for an INACTIVE partition
func NewController(config ControllerConfig) *Controller {
	controller := &Controller{
		startup:      config.Startup,
		startupSteps: config.StartupSteps,
		steps:        config.Steps,
		stepTimeout:  config.StepTimeout,
		retries:      config.Retries,
		newBackOff:   config.BackOff,
		logger:       log.OrDefault(config.Logger),
		metrics:      config.Metrics,
		machine:      newRoleMachine(),
	}

	if controller.stepTimeout == 0 {
		controller.stepTimeout = 30 * time.Second
	}

	if controller.newBackOff == nil {
		controller.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0

			return b
		}
	}

	return controller
}

// Bootstrap runs the startup steps in order. If one fails the steps
// that already started are shut down in reverse order.
func (controller *Controller) Bootstrap(ctx context.Context) error {
	logger := log.Operation(ctx, controller.logger, "bootstrap")

	for _, step := range controller.startupSteps {
		logger.Debug("starting", zap.String("step", step.Name()))

		err := controller.withTimeout(ctx, func(ctx context.Context) error {
			return step.Startup(ctx, controller.startup)
		})

		if err != nil {
			err = fmt.Errorf("could not start %s: %w", step.Name(), err)

			return multierr.Append(err, controller.shutdown(ctx))
		}

		controller.started = append(controller.started, step)
	}

	controller.tc = controller.startup.CreateTransitionContext()
	controller.healthy = true
	logger.Info("bootstrapped partition")

	return nil
}

func (controller *Controller) shutdown(ctx context.Context) error {
	var err error

	for i := len(controller.started) - 1; i >= 0; i-- {
		step := controller.started[i]

		if stepErr := step.Shutdown(ctx, controller.startup); stepErr != nil {
			err = multierr.Append(err, fmt.Errorf("could not shut down %s: %w", step.Name(), stepErr))
		}
	}

	controller.started = nil

	return err
}

// TransitionContext returns the context role transitions run with
func (controller *Controller) TransitionContext() (*TransitionContext, error) {
	if controller.tc == nil {
		return nil, ErrUninitialized
	}

	return controller.tc, nil
}

// Role returns the current role
func (controller *Controller) Role() Role {
	return controller.machine.current()
}

// Term returns the term of the current role
func (controller *Controller) Term() uint64 {
	if controller.tc == nil {
		return 0
	}

	return controller.tc.Term
}

// Healthy reports whether the partition is bootstrapped and has not
// failed
func (controller *Controller) Healthy() bool {
	return controller.healthy
}

// AppliedSteps returns the names of the steps of the last
// successful transition in the order they ran
func (controller *Controller) AppliedSteps() []string {
	return append([]string(nil), controller.applied...)
}

// TransitionTo moves the partition to role for term. Retriable
// failures leave the partition in its prior role and are retried
// with backoff. Once retries run out the last failure is returned
// and the prior role is kept. Fatal failures drive the partition to
// INACTIVE for good.
func (controller *Controller) TransitionTo(ctx context.Context, role Role, term uint64) error {
	if controller.tc == nil {
		return ErrUninitialized
	}

	logger := log.Operation(ctx, controller.logger, "transition").With(zap.Stringer("from", controller.Role()), zap.Stringer("to", role), zap.Uint64("term", term))

	if role == RoleInactive {
		return controller.deactivate(ctx)
	}

	attempt := 0
	var policy backoff.BackOff = &backoff.StopBackOff{}

	if controller.retries > 0 {
		policy = backoff.WithMaxRetries(controller.newBackOff(), uint64(controller.retries))
	}

	b := backoff.WithContext(policy, ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		err := controller.transition(ctx, role, term)

		if err == nil {
			return nil
		}

		var transitionErr *TransitionError

		if errors.As(err, &transitionErr) {
			controller.metrics.TransitionFailed(transitionErr.Category.String())
		}

		if IsFatal(err) {
			return &backoff.PermanentError{Err: err}
		}

		return err
	}, b, func(err error, next time.Duration) {
		logger.Warn("transition failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
	})

	if err != nil && !IsFatal(err) {
		logger.Warn("transition failed, keeping prior role", zap.Int("attempts", attempt), zap.Error(err))

		return err
	}

	if err != nil {
		logger.Error("transition failed, deactivating partition", zap.Int("attempts", attempt), zap.Error(err))
		controller.healthy = false

		return multierr.Append(err, controller.deactivate(ctx))
	}

	logger.Info("transitioned", zap.Int("attempts", attempt))

	return nil
}

// transition runs the step pipeline once
func (controller *Controller) transition(ctx context.Context, role Role, term uint64) error {
	tc := controller.tc
	from := controller.machine.current()

	if !controller.machine.can(role) {
		return &TransitionError{From: from, To: role, Phase: PhasePrepare, Category: CategoryFatal, Err: ErrIllegalRoleTransition}
	}

	if from == RoleLeader {
		if err := controller.quiesce(ctx); err != nil {
			return &TransitionError{From: from, To: role, Step: "quiesce", Phase: PhasePrepare, Category: categorize(err), Err: err}
		}
	}

	if err := controller.runSteps(ctx, role); err != nil {
		if from == RoleLeader && !IsFatal(err) {
			if resumeErr := controller.resume(ctx); resumeErr != nil {
				return &TransitionError{From: from, To: role, Step: "resume", Phase: PhaseRollback, Category: CategoryFatal, Err: multierr.Append(err, resumeErr)}
			}
		}

		return err
	}

	controller.machine.enter(role)
	tc.Role = role
	tc.Term = term
	controller.applied = controller.applied[:0]

	for _, step := range controller.steps {
		controller.applied = append(controller.applied, step.Name())
	}

	return nil
}

// runSteps prepares and commits every step for role. A failing step
// rolls back the steps committed before it.
func (controller *Controller) runSteps(ctx context.Context, role Role) error {
	tc := controller.tc
	from := controller.machine.current()
	committed := make([]Step, 0, len(controller.steps))

	for _, step := range controller.steps {
		err := controller.withTimeout(ctx, func(ctx context.Context) error {
			return step.Prepare(ctx, tc, role)
		})

		if err != nil {
			return controller.rollback(ctx, committed, &TransitionError{Step: step.Name(), Phase: PhasePrepare, From: from, To: role, Category: categorize(err), Err: err})
		}

		err = controller.withTimeout(ctx, func(ctx context.Context) error {
			return step.Commit(ctx, tc, role)
		})

		if err != nil {
			return controller.rollback(ctx, committed, &TransitionError{Step: step.Name(), Phase: PhaseCommit, From: from, To: role, Category: categorize(err), Err: err})
		}

		committed = append(committed, step)
	}

	return nil
}

func (controller *Controller) quiesce(ctx context.Context) error {
	var err error

	for _, step := range controller.steps {
		if quiescer, ok := step.(Quiescer); ok {
			err = multierr.Append(err, controller.withTimeout(ctx, func(ctx context.Context) error {
				return quiescer.Quiesce(ctx, controller.tc)
			}))
		}
	}

	return err
}

// resume restarts the work quiesce stopped
func (controller *Controller) resume(ctx context.Context) error {
	var err error

	for _, step := range controller.steps {
		if quiescer, ok := step.(Quiescer); ok {
			err = multierr.Append(err, controller.withTimeout(ctx, func(ctx context.Context) error {
				return quiescer.Resume(ctx, controller.tc)
			}))
		}
	}

	return err
}

// rollback restores the prior role of the steps committed during a
// failed transition in reverse order. A failed rollback leaves the
// partition in an unknown state and is fatal.
func (controller *Controller) rollback(ctx context.Context, committed []Step, cause *TransitionError) error {
	logger := log.Operation(ctx, controller.logger, "rollback")
	logger.Warn("transition step failed", zap.String("step", cause.Step), zap.String("phase", string(cause.Phase)), zap.Error(cause.Err))

	for i := len(committed) - 1; i >= 0; i-- {
		step := committed[i]

		err := controller.withTimeout(ctx, func(ctx context.Context) error {
			return step.Rollback(ctx, controller.tc, cause.From)
		})

		if err != nil {
			logger.Error("could not roll back step", zap.String("step", step.Name()), zap.Error(err))

			return &TransitionError{Step: step.Name(), Phase: PhaseRollback, From: cause.From, To: cause.To, Category: CategoryFatal, Err: multierr.Append(cause, err)}
		}
	}

	return cause
}

// deactivate drives every step to INACTIVE. Failures do not stop
// the remaining steps.
func (controller *Controller) deactivate(ctx context.Context) error {
	if controller.machine.closed() {
		return nil
	}

	tc := controller.tc

	if controller.machine.current() == RoleLeader {
		if err := controller.quiesce(ctx); err != nil {
			controller.logger.Warn("could not quiesce partition", zap.Error(err))
		}
	}

	var err error

	for _, step := range controller.steps {
		stepErr := controller.withTimeout(ctx, func(ctx context.Context) error {
			if err := step.Prepare(ctx, tc, RoleInactive); err != nil {
				return err
			}

			return step.Commit(ctx, tc, RoleInactive)
		})

		if stepErr != nil {
			err = multierr.Append(err, fmt.Errorf("could not deactivate %s: %w", step.Name(), stepErr))
		}
	}

	controller.machine.enter(RoleInactive)
	tc.Role = RoleInactive
	controller.applied = nil

	return err
}

// Close deactivates the partition and shuts down what bootstrap
// opened
func (controller *Controller) Close(ctx context.Context) error {
	if controller.tc == nil {
		return nil
	}

	err := controller.deactivate(ctx)

	if controller.startup.Scheduler != nil {
		controller.startup.Scheduler.CancelAll()
	}

	return multierr.Append(err, controller.shutdown(ctx))
}

// withTimeout runs fn under the step timeout. An error after the
// deadline passed is reported as a timeout.
func (controller *Controller) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, controller.stepTimeout)
	defer cancel()

	err := fn(stepCtx)

	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrStepTimeout)
	}

	return err
}

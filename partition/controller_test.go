package partition_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/partition"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// journal records the calls fake steps see
type journal struct {
	calls []string
}

func (j *journal) record(format string, args ...interface{}) {
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

type fakeStep struct {
	name    string
	journal *journal
	// failures fail the matching phase for the matching target role
	// while their count is positive
	failPrepare map[partition.Role]int
	failCommit  map[partition.Role]int
	err         error
	block       bool
}

func (step *fakeStep) Name() string {
	return step.name
}

func (step *fakeStep) fail(failures map[partition.Role]int, role partition.Role) error {
	if failures[role] > 0 {
		failures[role]--

		if step.err != nil {
			return step.err
		}

		return errors.New(step.name + " failed")
	}

	return nil
}

func (step *fakeStep) Prepare(ctx context.Context, tc *partition.TransitionContext, target partition.Role) error {
	step.journal.record("%s prepare %s", step.name, target)

	if step.block {
		<-ctx.Done()

		return ctx.Err()
	}

	return step.fail(step.failPrepare, target)
}

func (step *fakeStep) Commit(ctx context.Context, tc *partition.TransitionContext, target partition.Role) error {
	step.journal.record("%s commit %s", step.name, target)

	return step.fail(step.failCommit, target)
}

func (step *fakeStep) Rollback(ctx context.Context, tc *partition.TransitionContext, prior partition.Role) error {
	step.journal.record("%s rollback %s", step.name, prior)

	return nil
}

// quiescingStep records when the controller stops and restarts
// leader work
type quiescingStep struct {
	*fakeStep
}

func (step quiescingStep) Quiesce(ctx context.Context, tc *partition.TransitionContext) error {
	step.journal.record("%s quiesce", step.name)

	return nil
}

func (step quiescingStep) Resume(ctx context.Context, tc *partition.TransitionContext) error {
	step.journal.record("%s resume", step.name)

	return nil
}

type fakeStartup struct {
	name    string
	journal *journal
	err     error
}

func (step *fakeStartup) Name() string {
	return step.name
}

func (step *fakeStartup) Startup(ctx context.Context, sc *partition.StartupContext) error {
	step.journal.record("%s startup", step.name)

	return step.err
}

func (step *fakeStartup) Shutdown(ctx context.Context, sc *partition.StartupContext) error {
	step.journal.record("%s shutdown", step.name)

	return nil
}

func newSteps(j *journal, names ...string) []*fakeStep {
	steps := make([]*fakeStep, 0, len(names))

	for _, name := range names {
		steps = append(steps, &fakeStep{name: name, journal: j, failPrepare: map[partition.Role]int{}, failCommit: map[partition.Role]int{}})
	}

	return steps
}

func newController(t *testing.T, retries int, steps ...*fakeStep) *partition.Controller {
	transitionSteps := make([]partition.Step, 0, len(steps))

	for _, step := range steps {
		transitionSteps = append(transitionSteps, step)
	}

	return newControllerWithSteps(t, retries, transitionSteps...)
}

func newControllerWithSteps(t *testing.T, retries int, transitionSteps ...partition.Step) *partition.Controller {
	controller := partition.NewController(partition.ControllerConfig{
		Startup:     &partition.StartupContext{Logger: zaptest.NewLogger(t)},
		Steps:       transitionSteps,
		StepTimeout: 50 * time.Millisecond,
		Retries:     retries,
		BackOff:     func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Logger:      zaptest.NewLogger(t),
	})

	require.NoError(t, controller.Bootstrap(context.Background()))

	return controller
}

func TestTransitionRunsStepsInOrder(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a", "b")
	controller := newController(t, 0, steps...)

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleFollower, 1))
	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleLeader, 2))

	expected := []string{
		"a prepare FOLLOWER", "a commit FOLLOWER", "b prepare FOLLOWER", "b commit FOLLOWER",
		"a prepare LEADER", "a commit LEADER", "b prepare LEADER", "b commit LEADER",
	}

	if diff := cmp.Diff(expected, j.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"a", "b"}, controller.AppliedSteps()); diff != "" {
		t.Fatalf("unexpected applied steps (-want +got):\n%s", diff)
	}

	if controller.Role() != partition.RoleLeader || controller.Term() != 2 {
		t.Fatalf("expected LEADER in term 2, got %s in term %d", controller.Role(), controller.Term())
	}
}

func TestFailedCommitRollsBackInReverseOrder(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a", "b", "c")
	controller := newController(t, 0, steps...)

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleFollower, 1))
	j.calls = nil
	steps[2].failCommit[partition.RoleLeader] = 1

	err := controller.TransitionTo(context.Background(), partition.RoleLeader, 2)

	var transitionErr *partition.TransitionError

	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected a transition error, got %#v", err)
	}

	if diff := cmp.Diff("c", transitionErr.Step); diff != "" {
		t.Fatalf("unexpected failed step (-want +got):\n%s", diff)
	}

	expected := []string{
		"a prepare LEADER", "a commit LEADER",
		"b prepare LEADER", "b commit LEADER",
		"c prepare LEADER", "c commit LEADER",
		"b rollback FOLLOWER", "a rollback FOLLOWER",
	}

	if diff := cmp.Diff(expected, j.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}

	if controller.Role() != partition.RoleFollower || controller.Term() != 1 || !controller.Healthy() {
		t.Fatalf("expected a healthy FOLLOWER in term 1, got %s in term %d", controller.Role(), controller.Term())
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, controller.AppliedSteps()); diff != "" {
		t.Fatalf("unexpected applied steps (-want +got):\n%s", diff)
	}
}

func TestNoRetriesRunsTransitionOnce(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a")
	controller := newController(t, 0, steps...)

	steps[0].failPrepare[partition.RoleFollower] = 10

	if err := controller.TransitionTo(context.Background(), partition.RoleFollower, 1); err == nil {
		t.Fatalf("expected err to be non-nil")
	}

	if diff := cmp.Diff(9, steps[0].failPrepare[partition.RoleFollower]); diff != "" {
		t.Fatalf("unexpected remaining failures (-want +got):\n%s", diff)
	}
}

func TestRetriableFailureKeepsPriorRoleAndRetries(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a", "b", "c")
	controller := newController(t, 3, steps...)

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleFollower, 1))
	steps[2].failCommit[partition.RoleLeader] = 1
	j.calls = nil

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleLeader, 2))

	expected := []string{
		"a prepare LEADER", "a commit LEADER",
		"b prepare LEADER", "b commit LEADER",
		"c prepare LEADER", "c commit LEADER",
		"b rollback FOLLOWER", "a rollback FOLLOWER",
		"a prepare LEADER", "a commit LEADER",
		"b prepare LEADER", "b commit LEADER",
		"c prepare LEADER", "c commit LEADER",
	}

	if diff := cmp.Diff(expected, j.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}

	if controller.Role() != partition.RoleLeader || !controller.Healthy() {
		t.Fatalf("expected a healthy LEADER, got %s", controller.Role())
	}
}

func TestExhaustedRetriesKeepPriorRole(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a")
	controller := newController(t, 2, steps...)

	steps[0].failPrepare[partition.RoleFollower] = 10

	err := controller.TransitionTo(context.Background(), partition.RoleFollower, 1)

	if err == nil || partition.IsFatal(err) {
		t.Fatalf("expected a retriable error, got %#v", err)
	}

	prepares := 0

	for _, call := range j.calls {
		if call == "a prepare FOLLOWER" {
			prepares++
		}
	}

	// the first attempt plus two retries
	if diff := cmp.Diff(3, prepares); diff != "" {
		t.Fatalf("unexpected attempts (-want +got):\n%s", diff)
	}

	if controller.Role() != partition.RoleInactive || !controller.Healthy() {
		t.Fatalf("expected a healthy partition in its prior role, got %s", controller.Role())
	}

	steps[0].failPrepare[partition.RoleFollower] = 0

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleFollower, 2))

	if controller.Role() != partition.RoleFollower {
		t.Fatalf("expected a later transition to succeed, got %s", controller.Role())
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a")
	controller := newController(t, 5, steps...)

	steps[0].err = partition.Fatal(errors.New("disk gone"))
	steps[0].failCommit[partition.RoleFollower] = 10

	err := controller.TransitionTo(context.Background(), partition.RoleFollower, 1)

	if !partition.IsFatal(err) {
		t.Fatalf("expected a fatal error, got %#v", err)
	}

	if controller.Role() != partition.RoleInactive || controller.Healthy() {
		t.Fatalf("expected an unhealthy INACTIVE partition, got %s", controller.Role())
	}

	if err := controller.TransitionTo(context.Background(), partition.RoleFollower, 2); !errors.Is(err, partition.ErrIllegalRoleTransition) {
		t.Fatalf("expected a deactivated partition to stay INACTIVE, got %#v", err)
	}

	// one of the ten failures was used up
	if diff := cmp.Diff(9, steps[0].failCommit[partition.RoleFollower]); diff != "" {
		t.Fatalf("unexpected remaining failures (-want +got):\n%s", diff)
	}
}

func TestFailedTransitionFromLeaderResumesProcessing(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a", "b")
	controller := newControllerWithSteps(t, 0, quiescingStep{steps[0]}, steps[1])

	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleFollower, 1))
	require.NoError(t, controller.TransitionTo(context.Background(), partition.RoleLeader, 2))
	j.calls = nil
	steps[1].failCommit[partition.RoleFollower] = 1

	if err := controller.TransitionTo(context.Background(), partition.RoleFollower, 3); err == nil {
		t.Fatalf("expected err to be non-nil")
	}

	expected := []string{
		"a quiesce",
		"a prepare FOLLOWER", "a commit FOLLOWER",
		"b prepare FOLLOWER", "b commit FOLLOWER",
		"a rollback LEADER",
		"a resume",
	}

	if diff := cmp.Diff(expected, j.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}

	if controller.Role() != partition.RoleLeader || controller.Term() != 2 {
		t.Fatalf("expected LEADER in term 2, got %s in term %d", controller.Role(), controller.Term())
	}
}

func TestIllegalTransition(t *testing.T) {
	j := &journal{}
	controller := newController(t, 3, newSteps(j, "a")...)

	err := controller.TransitionTo(context.Background(), partition.RoleLeader, 1)

	if !errors.Is(err, partition.ErrIllegalRoleTransition) {
		t.Fatalf("expected ErrIllegalRoleTransition, got %#v", err)
	}

	for _, call := range j.calls {
		if call == "a prepare LEADER" {
			t.Fatalf("expected no step to run for an illegal transition")
		}
	}
}

func TestStepTimeout(t *testing.T) {
	j := &journal{}
	steps := newSteps(j, "a")
	steps[0].block = true
	controller := newController(t, 0, steps...)

	err := controller.TransitionTo(context.Background(), partition.RoleFollower, 1)

	if !errors.Is(err, partition.ErrStepTimeout) {
		t.Fatalf("expected ErrStepTimeout, got %#v", err)
	}
}

func TestUninitialized(t *testing.T) {
	controller := partition.NewController(partition.ControllerConfig{Startup: &partition.StartupContext{}})

	if _, err := controller.TransitionContext(); !errors.Is(err, partition.ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %#v", err)
	}

	if err := controller.TransitionTo(context.Background(), partition.RoleFollower, 1); !errors.Is(err, partition.ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %#v", err)
	}
}

func TestFailedBootstrapShutsDownInReverse(t *testing.T) {
	j := &journal{}

	controller := partition.NewController(partition.ControllerConfig{
		Startup: &partition.StartupContext{},
		StartupSteps: []partition.StartupStep{
			&fakeStartup{name: "a", journal: j},
			&fakeStartup{name: "b", journal: j},
			&fakeStartup{name: "c", journal: j, err: errors.New("no disk")},
		},
		Logger: zaptest.NewLogger(t),
	})

	if err := controller.Bootstrap(context.Background()); err == nil {
		t.Fatalf("expected err to be non-nil")
	}

	expected := []string{"a startup", "b startup", "c startup", "b shutdown", "a shutdown"}

	if diff := cmp.Diff(expected, j.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}

	if controller.Healthy() {
		t.Fatalf("expected a failed bootstrap to leave the controller unhealthy")
	}
}

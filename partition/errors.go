package partition

import (
	"errors"
	"fmt"

	"github.com/jrife/grouse/storage/snapshot"
)

var (
	// ErrUninitialized is returned when the transition context is
	// requested before the partition was bootstrapped
	ErrUninitialized = errors.New("partition is not bootstrapped")
	// ErrIllegalRoleTransition is returned for a role sequence the
	// partition does not allow, such as INACTIVE to LEADER
	ErrIllegalRoleTransition = errors.New("illegal role transition")
	// ErrStepTimeout is returned when a transition step does not
	// finish in time
	ErrStepTimeout = errors.New("transition step timed out")
	// ErrClosed is returned by a partition that was shut down or
	// failed
	ErrClosed = errors.New("partition is closed")
	// ErrNotLeader is returned for commands sent to a replica that
	// does not lead its partition
	ErrNotLeader = errors.New("replica is not the leader of its partition")
)

// Category tells the controller how to react to a failed transition
type Category int

const (
	// CategoryRetriable failures are rolled back and retried
	CategoryRetriable Category = iota
	// CategoryFatal failures drive the partition to INACTIVE and
	// need an operator
	CategoryFatal
)

func (category Category) String() string {
	if category == CategoryFatal {
		return "fatal"
	}

	return "retriable"
}

// Phase names where in a step a transition failed
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)

// TransitionError describes a failed transition
type TransitionError struct {
	Step     string
	Phase    Phase
	From     Role
	To       Role
	Category Category
	Err      error
}

func (err *TransitionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s failed in %s of step %s: %s", err.Category, err.From, err.To, err.Phase, err.Step, err.Err)
}

func (err *TransitionError) Unwrap() error {
	return err.Err
}

// Fatal marks err as a failure no retry can fix
func Fatal(err error) error {
	return &fatalError{err: err}
}

type fatalError struct {
	err error
}

func (err *fatalError) Error() string {
	return err.err.Error()
}

func (err *fatalError) Unwrap() error {
	return err.err
}

// categorize decides whether a step failure may be retried
func categorize(err error) Category {
	var fatal *fatalError

	switch {
	case errors.As(err, &fatal):
		return CategoryFatal
	case errors.Is(err, snapshot.ErrCorruptedSnapshot):
		return CategoryFatal
	case errors.Is(err, ErrIllegalRoleTransition):
		return CategoryFatal
	}

	return CategoryRetriable
}

// IsFatal reports whether err is a fatal transition failure
func IsFatal(err error) bool {
	var transitionErr *TransitionError

	if errors.As(err, &transitionErr) {
		return transitionErr.Category == CategoryFatal
	}

	return false
}

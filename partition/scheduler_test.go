package partition_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/partition"
)

// loop runs submitted tasks on a goroutine like a partition does
type loop struct {
	tasks chan func()
}

func newLoop(t *testing.T) *loop {
	l := &loop{tasks: make(chan func(), 16)}
	done := make(chan struct{})

	go func() {
		for {
			select {
			case task := <-l.tasks:
				task()
			case <-done:
				return
			}
		}
	}()

	t.Cleanup(func() { close(done) })

	return l
}

func (l *loop) Submit(task func()) bool {
	l.tasks <- task

	return true
}

func TestRunDelayed(t *testing.T) {
	scheduler := partition.NewScheduler(newLoop(t))
	ran := make(chan struct{})

	scheduler.RunDelayed(time.Millisecond, func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the task to run")
	}

	// a finished one-shot timer is forgotten on the loop right after
	// the task ran
	deadline := time.Now().Add(5 * time.Second)

	for scheduler.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if diff := cmp.Diff(0, scheduler.Pending()); diff != "" {
		t.Fatalf("unexpected pending timers (-want +got):\n%s", diff)
	}
}

func TestRunAtFixedRateUntilCancelled(t *testing.T) {
	scheduler := partition.NewScheduler(newLoop(t))
	runs := make(chan struct{}, 100)

	timer := scheduler.RunAtFixedRate(time.Millisecond, func() { runs <- struct{}{} })

	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected the task to run repeatedly")
		}
	}

	timer.Cancel()

	// drain what was queued before the cancel
	time.Sleep(20 * time.Millisecond)

	for len(runs) > 0 {
		<-runs
	}

	time.Sleep(20 * time.Millisecond)

	if len(runs) != 0 {
		t.Fatalf("expected a cancelled timer not to run")
	}

	if diff := cmp.Diff(0, scheduler.Pending()); diff != "" {
		t.Fatalf("unexpected pending timers (-want +got):\n%s", diff)
	}
}

func TestCancelledQueuedTaskDoesNotRun(t *testing.T) {
	// a loop that queues tasks without running them yet
	queued := &loop{tasks: make(chan func(), 16)}
	scheduler := partition.NewScheduler(queued)
	ran := false

	scheduler.RunDelayed(time.Millisecond, func() { ran = true })

	var task func()

	select {
	case task = <-queued.tasks:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the timer to fire")
	}

	scheduler.CancelAll()
	task()

	if ran {
		t.Fatalf("expected a cancelled task not to run")
	}
}

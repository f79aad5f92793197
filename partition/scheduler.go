package partition

import (
	"sync"
	"sync/atomic"
	"time"
)

// Executor runs tasks on the partition's loop
type Executor interface {
	// Submit queues task. It returns false if the loop is gone and
	// the task will never run.
	Submit(task func()) bool
}

// Scheduler runs delayed and periodic tasks on the partition's
// loop. Cancelled timers never run their task, even when the timer
// already fired and the task is queued.
type Scheduler struct {
	executor Executor
	mu       sync.Mutex
	nextID   uint64
	timers   map[uint64]*Timer
}

// NewScheduler creates a scheduler that submits to executor
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{executor: executor, timers: map[uint64]*Timer{}}
}

// Timer is a handle to a scheduled task
type Timer struct {
	scheduler *Scheduler
	id        uint64
	period    time.Duration
	task      func()
	cancelled atomic.Bool
	mu        sync.Mutex
	timer     *time.Timer
}

// RunDelayed runs task once after delay
func (scheduler *Scheduler) RunDelayed(delay time.Duration, task func()) *Timer {
	return scheduler.schedule(delay, 0, task)
}

// RunAtFixedRate runs task every period until the timer is
// cancelled
func (scheduler *Scheduler) RunAtFixedRate(period time.Duration, task func()) *Timer {
	return scheduler.schedule(period, period, task)
}

func (scheduler *Scheduler) schedule(delay time.Duration, period time.Duration, task func()) *Timer {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	timer := &Timer{scheduler: scheduler, id: scheduler.nextID, period: period, task: task}
	scheduler.nextID++
	scheduler.timers[timer.id] = timer
	timer.arm(delay)

	return timer
}

// CancelAll cancels every timer that is still scheduled
func (scheduler *Scheduler) CancelAll() {
	scheduler.mu.Lock()
	timers := scheduler.timers
	scheduler.timers = map[uint64]*Timer{}
	scheduler.mu.Unlock()

	for _, timer := range timers {
		timer.stop()
	}
}

// Pending returns the number of scheduled timers
func (scheduler *Scheduler) Pending() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	return len(scheduler.timers)
}

func (scheduler *Scheduler) forget(timer *Timer) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	delete(scheduler.timers, timer.id)
}

func (timer *Timer) arm(delay time.Duration) {
	timer.mu.Lock()
	defer timer.mu.Unlock()

	timer.timer = time.AfterFunc(delay, timer.fire)
}

func (timer *Timer) fire() {
	if timer.cancelled.Load() {
		return
	}

	submitted := timer.scheduler.executor.Submit(func() {
		if timer.cancelled.Load() {
			return
		}

		timer.task()

		if timer.period > 0 && !timer.cancelled.Load() {
			timer.arm(timer.period)
		} else if timer.period == 0 {
			timer.scheduler.forget(timer)
		}
	})

	if !submitted {
		timer.Cancel()
	}
}

// Cancel stops the timer. A task that is already queued on the loop
// does not run.
func (timer *Timer) Cancel() {
	timer.stop()
	timer.scheduler.forget(timer)
}

func (timer *Timer) stop() {
	timer.cancelled.Store(true)

	timer.mu.Lock()
	defer timer.mu.Unlock()

	if timer.timer != nil {
		timer.timer.Stop()
	}
}

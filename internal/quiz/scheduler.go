package quiz

import (
	"sync"
	"time"
)

// Task is a scheduled single-shot action.
type Task interface {
	// Stop cancels the task. It returns false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler runs f once after d elapses.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// TimeScheduler schedules with the runtime timer.
type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// ManualScheduler is a test double that runs tasks only when told to.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	mu      *sync.Mutex
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{mu: &s.mu, delay: d, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Pending returns the number of scheduled tasks that have neither fired nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// LastDelay returns the delay of the most recently scheduled task.
func (s *ManualScheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return 0
	}
	return s.tasks[len(s.tasks)-1].delay
}

// FireAll runs every pending task in scheduling order and returns how many ran.
// Stopped tasks are skipped; tasks scheduled while firing wait for the next call.
func (s *ManualScheduler) FireAll() int {
	s.mu.Lock()
	var due []*manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

// FireStopped runs tasks that were cancelled, simulating a timer that raced its Stop call.
func (s *ManualScheduler) FireStopped() int {
	s.mu.Lock()
	var due []*manualTask
	for _, t := range s.tasks {
		if t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

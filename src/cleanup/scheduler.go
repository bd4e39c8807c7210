package cleanup

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

var ErrUnknownTask = errors.New("no scheduled task with that name")

// Task is deferred work. Errors are logged, never propagated.
type Task func() error

type entry struct {
	due   time.Time
	run   Task
	timer *time.Timer
}

// Scheduler runs named tasks after a delay. In manual mode no timers are
// started and tasks only run through RunDue or Trigger.
type Scheduler struct {
	tasks  map[string]*entry
	now    func() time.Time
	manual bool
	wg     sync.WaitGroup
	lock   sync.Mutex
}

// NewScheduler fires tasks from timers.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]*entry), now: time.Now}
}

// NewManualScheduler never fires on its own; now supplies the clock used
// to compute due times.
func NewManualScheduler(now func() time.Time) *Scheduler {
	return &Scheduler{tasks: make(map[string]*entry), now: now, manual: true}
}

// Schedule registers fn to run after delay, replacing any pending task with
// the same name.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn Task) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if prev, ok := s.tasks[name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	e := &entry{due: s.now().Add(delay), run: fn}
	if !s.manual {
		e.timer = time.AfterFunc(delay, func() { s.fire(name, e) })
	}
	s.tasks[name] = e
}

// fire runs e only if it is still the registered task for name.
func (s *Scheduler) fire(name string, e *entry) {
	s.lock.Lock()
	if s.tasks[name] != e {
		s.lock.Unlock()
		return
	}
	delete(s.tasks, name)
	s.wg.Add(1)
	s.lock.Unlock()

	defer s.wg.Done()
	execute(name, e.run)
}

func execute(name string, fn Task) {
	if err := fn(); err != nil {
		logs.Warnf("scheduled task %s failed: %v", name, err)
	}
}

func (s *Scheduler) Cancel(name string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.tasks, name)
	return true
}

// Trigger runs a pending task now, regardless of its due time.
func (s *Scheduler) Trigger(name string) error {
	s.lock.Lock()
	e, ok := s.tasks[name]
	if !ok {
		s.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.tasks, name)
	s.lock.Unlock()

	execute(name, e.run)
	return nil
}

// RunDue runs every task due at or before now and returns how many ran.
func (s *Scheduler) RunDue(now time.Time) int {
	s.lock.Lock()
	var names []string
	for name, e := range s.tasks {
		if !e.due.After(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	due := make([]*entry, 0, len(names))
	for _, name := range names {
		e := s.tasks[name]
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.tasks, name)
		due = append(due, e)
	}
	s.lock.Unlock()

	for i, e := range due {
		execute(names[i], e.run)
	}
	return len(due)
}

// Pending lists scheduled task names in sorted order.
func (s *Scheduler) Pending() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every pending task and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	for name, e := range s.tasks {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.tasks, name)
	}
	s.lock.Unlock()
	s.wg.Wait()
}

// RemoveFile returns a task deleting path. A file that is already gone
// counts as success.
func RemoveFile(path string) Task {
	return func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}
}

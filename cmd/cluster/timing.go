package main

import (
	"fmt"
	"time"

	logs "github.com/danmuck/smplog"
)

type phase struct {
	name    string
	elapsed time.Duration
	failed  bool
}

// phaseTimer records how long each stage of a run took.
type phaseTimer struct {
	phases  []phase
	current string
	started time.Time
	now     func() time.Time
}

func newPhaseTimer() *phaseTimer {
	return &phaseTimer{now: time.Now}
}

func (pt *phaseTimer) start(name string) {
	pt.current = name
	pt.started = pt.now()
}

func (pt *phaseTimer) stop(err error) {
	if pt.current == "" {
		return
	}
	pt.phases = append(pt.phases, phase{
		name:    pt.current,
		elapsed: pt.now().Sub(pt.started),
		failed:  err != nil,
	})
	pt.current = ""
}

func (pt *phaseTimer) total() time.Duration {
	var d time.Duration
	for _, p := range pt.phases {
		d += p.elapsed
	}
	return d
}

func (pt *phaseTimer) render(action MenuAction) {
	logs.Titlef("\nTiming: %s\n", action)
	for _, p := range pt.phases {
		status := "ok"
		if p.failed {
			status = "failed"
		}
		logs.Dataf("  %-10s %10s  %s\n", p.name, p.elapsed.Round(time.Microsecond), status)
	}
	logs.DataKV("Total", fmt.Sprint(pt.total().Round(time.Microsecond)))
}

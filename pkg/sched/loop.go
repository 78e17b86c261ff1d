// Package sched drives the process table from a single-goroutine
// cooperative event loop. Submissions, timer ticks and child exits are
// delivered one at a time, so the table never sees concurrent calls.
package sched

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/pkg/policy"
	"github.com/maxd13/user-scheduler/pkg/proc"
	"github.com/maxd13/user-scheduler/pkg/table"
)

// ProcessRunner is the OS surface the loop depends on. pkg/exec provides the
// production implementation.
type ProcessRunner interface {
	SpawnStopped(path string) (int, error)
	Respawn(path string) (int, error)
	Continue(pid int) error
	Stop(pid int) error
	Kill(pid int) error
}

// Exit reports that the child with the given pid terminated.
type Exit struct {
	PID   int
	Clean bool
}

// priorityFallback arms the tick timer for a priority process when no
// real-time process bounds its slice.
const priorityFallback = 10 * time.Second

// Config wires a Loop.
type Config struct {
	Table  *table.Table
	Runner ProcessRunner
	Logger *zap.Logger
	Exits  <-chan Exit

	// Now is the loop's clock; it defaults to time.Now and is replaced in
	// tests.
	Now func() time.Time
}

// Loop is the scheduler's event loop. All state below is touched only from
// Run's goroutine (or, in tests, from direct handler calls).
type Loop struct {
	table  *table.Table
	runner ProcessRunner
	logger *zap.Logger
	now    func() time.Time

	submits   chan *proc.Process
	snapshots chan chan table.Snapshot
	exits     <-chan Exit

	cur         *proc.Process
	curStart    time.Time
	minuteStart time.Time

	timer *time.Timer
	// armFunc re-arms the tick timer; replaced in tests to observe the
	// chosen interval.
	armFunc    func(d time.Duration)
	disarmFunc func()
}

// New constructs a Loop around the given table and runner.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	l := &Loop{
		table:     cfg.Table,
		runner:    cfg.Runner,
		logger:    logger,
		now:       now,
		submits:   make(chan *proc.Process, 16),
		snapshots: make(chan chan table.Snapshot),
		exits:     cfg.Exits,
	}

	l.timer = time.NewTimer(time.Hour)
	l.disarm()

	l.armFunc = func(d time.Duration) {
		l.timer.Reset(d)
	}
	l.disarmFunc = func() {
		if !l.timer.Stop() {
			select {
			case <-l.timer.C:
			default:
			}
		}
	}

	return l
}

// Submit hands a process to the loop.
func (l *Loop) Submit(p *proc.Process) {
	l.submits <- p
}

// Snapshot asks the loop for the current table state. Like submissions, the
// request is delivered as an event, so the table is never read concurrently.
func (l *Loop) Snapshot() table.Snapshot {
	reply := make(chan table.Snapshot, 1)
	l.snapshots <- reply

	return <-reply
}

// Run delivers events until the context is cancelled. It returns nil on a
// clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	l.minuteStart = l.now()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()

			return nil
		case p := <-l.submits:
			l.handleSubmit(p)
			l.checkMinute()
		case reply := <-l.snapshots:
			reply <- l.table.Snapshot()
		case <-l.timer.C:
			l.contextSwitch()
			l.checkMinute()
		case e := <-l.exits:
			l.handleExit(e)
			l.checkMinute()
		}
	}
}

// relSecond returns the seconds elapsed since the minute started.
func (l *Loop) relSecond() uint8 {
	elapsed := l.now().Sub(l.minuteStart) / time.Second
	if elapsed > policy.EpochSeconds {
		elapsed = policy.EpochSeconds
	}

	return uint8(elapsed)
}

func (l *Loop) curPolicy() policy.Word {
	if l.cur == nil {
		return 0
	}

	return l.cur.Policy()
}

func (l *Loop) arm(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}

	l.armFunc(d)
}

func (l *Loop) disarm() {
	if l.disarmFunc != nil {
		l.disarmFunc()
		return
	}

	if !l.timer.Stop() {
		select {
		case <-l.timer.C:
		default:
		}
	}
}

// handleSubmit spawns the submitted process stopped, admits it into the
// table and switches contexts when the admission preempts or nothing was
// running.
func (l *Loop) handleSubmit(p *proc.Process) {
	pid, err := l.runner.SpawnStopped(p.Path())
	if err != nil {
		l.logger.Error("failed to start process",
			zap.String("path", p.Path()),
			zap.Error(err),
		)

		return
	}

	p.AttachPID(pid)

	second := l.relSecond()

	verdict, err := l.table.Insert(p, l.curPolicy(), second, 0)
	if err != nil {
		l.logger.Error("process will not be executed",
			zap.String("path", p.Path()),
			zap.Error(err),
		)

		killErr := l.runner.Kill(pid)
		if killErr != nil {
			l.logger.Warn("failed to kill rejected process",
				zap.Int("pid", pid),
				zap.Error(killErr),
			)
		}

		return
	}

	l.logger.Info("process admitted",
		zap.String("path", p.Path()),
		zap.Stringer("policy", p.Policy()),
		zap.Uint8("second", second),
		zap.Bool("preempt", verdict == table.AddedAndPreempt),
	)

	if verdict == table.AddedAndPreempt || l.cur == nil {
		l.disarm()
		l.contextSwitch()
	}
}

// handleExit reaps the running child when it terminates on its own: the
// process is relaunched through the breaker and a context switch decides
// who runs next. Exits of stopped, non-current children are ignored here;
// their processes stay in the table with the pid they had, and no new child
// is started for them when they are next selected.
func (l *Loop) handleExit(e Exit) {
	if l.cur == nil || l.cur.PID() != e.PID {
		return
	}

	pid, err := l.runner.Respawn(l.cur.Path())
	if err != nil {
		l.logger.Warn("child finished and will not be relaunched",
			zap.String("path", l.cur.Path()),
			zap.Error(err),
		)

		l.cur.DetachPID()
	} else {
		l.cur.AttachPID(pid)
	}

	l.disarm()
	l.contextSwitch()
}

// checkMinute rolls the epoch over: the table is rearmed, the current
// process is put back, and a fresh context switch starts the new minute.
func (l *Loop) checkMinute() {
	if l.relSecond() < policy.EpochSeconds {
		return
	}

	l.logger.Debug("minute is up, resetting table")

	l.table.Reset()
	l.disarm()
	l.disableCurrent()
	l.minuteStart = l.now()
	l.contextSwitch()
}

// disableCurrent stops the running process and returns it to the table: a
// non-real-time process is re-admitted with the milliseconds it consumed,
// a real-time one is marked as having run.
func (l *Loop) disableCurrent() {
	if l.cur == nil {
		return
	}

	ranMS := uint32(l.now().Sub(l.curStart).Milliseconds())

	if l.cur.Policy().IsRealTime() {
		l.table.SetRan(l.cur)
	} else {
		// Re-admission with the measured runtime; preemption cannot
		// occur against the process itself.
		_, err := l.table.Insert(l.cur, l.cur.Policy(), 0, ranMS)
		if err != nil {
			l.logger.Error("failed to re-admit process",
				zap.String("path", l.cur.Path()),
				zap.Error(err),
			)
		}
	}

	if l.cur.PID() > 0 {
		err := l.runner.Stop(l.cur.PID())
		if err != nil {
			l.logger.Warn("failed to stop process",
				zap.Int("pid", l.cur.PID()),
				zap.Error(err),
			)
		}
	}

	l.cur = nil
}

// contextSwitch stops the current process, selects the next one and arms
// the tick timer for the end of its slice.
func (l *Loop) contextSwitch() {
	second := l.relSecond()

	l.disableCurrent()

	p := l.table.NextProcess(second)
	if p == nil {
		// Nothing can run now; sleep until the next real-time process
		// is due, if any.
		wait, ok := l.table.TimeToNextRealTime(second)
		if !ok {
			l.checkMinute()

			return
		}

		l.arm(time.Duration(wait) * time.Second)

		return
	}

	l.cur = p
	l.curStart = l.now()

	if p.PID() > 0 {
		err := l.runner.Continue(p.PID())
		if err != nil {
			l.logger.Warn("failed to continue process",
				zap.Int("pid", p.PID()),
				zap.Error(err),
			)
		}
	}

	l.logger.Debug("context switch",
		zap.String("path", p.Path()),
		zap.Stringer("policy", p.Policy()),
		zap.Uint8("second", second),
	)

	switch p.Policy().Mode() {
	case policy.FlagRealTime:
		l.arm(time.Duration(p.Duration()) * time.Second)
	case policy.FlagRoundRobin:
		l.arm(time.Duration(l.table.Quantum()) * time.Millisecond)
	default:
		wait, ok := l.table.TimeToNextRealTime(second)
		if !ok {
			l.arm(priorityFallback)

			return
		}

		l.arm(time.Duration(wait) * time.Second)
	}
}

// shutdown kills the running child if its process is no longer held by the
// table (non-real-time processes leave the table when selected).
func (l *Loop) shutdown() {
	if l.cur != nil && !l.cur.Policy().IsRealTime() && l.cur.PID() > 0 {
		err := l.runner.Kill(l.cur.PID())
		if err != nil {
			l.logger.Warn("failed to kill process on shutdown",
				zap.Int("pid", l.cur.PID()),
				zap.Error(err),
			)
		}
	}

	l.logger.Info("a shutdown of the scheduler service was requested, shutting down")
}

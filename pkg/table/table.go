// Package table implements the scheduler's process table: a time-ordered
// real-time set with conflict detection, a path index for cross-referential
// scheduling, eight priority queues under a weighted-share scheme, and a
// round-robin queue, together with the selector that yields the next process
// to run.
package table

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/pkg/policy"
	"github.com/maxd13/user-scheduler/pkg/proc"
)

const (
	// PriorityLevels is the number of discrete priority levels.
	PriorityLevels = 8

	// priorityTime is the fraction of non-real-time time dedicated to the
	// priority ladder; the remainder is left for round-robin.
	priorityTime = 0.8

	// DefaultQuantum is the round-robin quantum, in milliseconds, before
	// any admission overrides it.
	DefaultQuantum = 500
)

// Admission failures. Every rejection leaves the table exactly as it was
// before the call.
var (
	ErrDuplicatePath       = errors.New("process already exists at path")
	ErrUnresolvedReference = errors.New("process makes reference to a non-existent process")
	ErrRealTimeConflict    = errors.New("process conflicts with a neighbouring real-time process")
	ErrCapacityExceeded    = errors.New("no space left for real-time processes")
)

// Verdict is the outcome of a successful admission.
type Verdict int

const (
	// Added means the process was admitted and the current process, if
	// any, keeps running.
	Added Verdict = iota
	// AddedAndPreempt means the process was admitted and should take over
	// the CPU immediately.
	AddedAndPreempt
)

// Table is the process table. It is a pure state machine: no locks, no
// goroutines. The event loop owns it and delivers operations one at a time.
type Table struct {
	logger *zap.Logger

	index    pathIndex
	realTime realTimeSet

	// runnable has bit k set iff priority level k is still within its
	// per-minute share.
	runnable uint8
	levels   [PriorityLevels]fifo
	// total is the weighted sum over non-empty levels of 1/(level+1).
	// Per-level shares are always derived from it at read time, so they
	// can never go stale against it.
	total float64
	// runPriority alternates non-real-time selection between the ladder
	// and the round-robin queue.
	runPriority bool

	robin   fifo
	quantum uint16
}

// New creates an empty table. Admission rejections are reported through the
// logger; pass zap.NewNop() to silence them.
func New(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Table{
		logger:      logger,
		runnable:    0xFF,
		runPriority: true,
		quantum:     DefaultQuantum,
	}
}

// Quantum returns the round-robin quantum in milliseconds.
func (t *Table) Quantum() uint16 {
	return t.quantum
}

// SetQuantum seeds the round-robin quantum, normally from configuration.
// Admissions carrying a non-zero quantum field still overwrite it.
func (t *Table) SetQuantum(quantumMS uint16) {
	if quantumMS == 0 {
		return
	}

	t.quantum = quantumMS
}

// SetRan marks a real-time process as having already run this minute. The
// process must be present in the table.
func (t *Table) SetRan(p *proc.Process) {
	pos := t.realTime.indexOf(p)
	if pos < 0 {
		return
	}

	t.realTime.ran[pos] = true
}

// Ran reports whether a real-time process has already run this minute. The
// process must be present in the table.
func (t *Table) Ran(p *proc.Process) bool {
	pos := t.realTime.indexOf(p)
	if pos < 0 {
		return false
	}

	return t.realTime.ran[pos]
}

// Insert admits p into the table and reports whether the admission should
// preempt the current process. The cur word is the policy of the currently
// running process, or zero if there is none; curSecond is the current second
// within the minute. timeRunLastMS tells how long p ran the last time it was
// selected, or zero if it has not run yet, and feeds the share accounting of
// its queue.
func (t *Table) Insert(p *proc.Process, cur policy.Word, curSecond uint8, timeRunLastMS uint32) (Verdict, error) {
	pol := p.Policy()

	err := pol.Validate()
	if err != nil {
		return Added, err
	}

	switch pol.Mode() {
	case policy.FlagRealTime:
		return t.insertRealTime(p, cur, curSecond)
	case policy.FlagRoundRobin:
		t.robin.push(p, timeRunLastMS)

		if q := pol.Quantum(); q != 0 {
			t.quantum = q
		}

		// No preemption ever occurs in favour of a round-robin process.
		return Added, nil
	default:
		return t.insertPriority(p, cur, timeRunLastMS), nil
	}
}

func (t *Table) insertRealTime(p *proc.Process, cur policy.Word, curSecond uint8) (Verdict, error) {
	// A referential process is resolved first, so that the rest of the
	// admission can treat it like any other real-time process.
	if p.Policy().MakesReference() {
		ref, ok := t.index.lookup(p.RefPath())
		if !ok {
			t.logger.Error("process makes reference to a non-existent process",
				zap.String("path", p.Path()),
				zap.String("refPath", p.RefPath()),
			)

			return Added, fmt.Errorf("%w: %s refers to %s", ErrUnresolvedReference, p.Path(), p.RefPath())
		}

		err := p.Resolve(ref.End())
		if err != nil {
			return Added, err
		}
	}

	if t.realTime.size() >= MaxRealTime {
		return Added, fmt.Errorf("%w: %s", ErrCapacityExceeded, p.Path())
	}

	if t.realTime.conflict(p) {
		t.logger.Error("real-time process conflicts with a neighbour",
			zap.String("path", p.Path()),
			zap.Uint8("start", p.Start()),
			zap.Uint8("end", p.End()),
		)

		return Added, fmt.Errorf("%w: %s", ErrRealTimeConflict, p.Path())
	}

	if !t.index.insertUnique(p.Path(), p) {
		t.logger.Error("only one process per location is accepted",
			zap.String("path", p.Path()),
		)

		return Added, fmt.Errorf("%w: %s", ErrDuplicatePath, p.Path())
	}

	t.realTime.insert(p)

	if cur == 0 {
		return Added, nil
	}

	// With a real-time process running, preemption happens only for a
	// back-to-back successor whose slot has already arrived. With any
	// other process running, the new process takes over as soon as its
	// start second is in the past.
	if cur.IsRealTime() {
		if cur.End() == p.Start() && curSecond >= cur.End() {
			return AddedAndPreempt, nil
		}

		return Added, nil
	}

	if curSecond >= p.Start() {
		return AddedAndPreempt, nil
	}

	return Added, nil
}

func (t *Table) insertPriority(p *proc.Process, cur policy.Word, timeRunLastMS uint32) Verdict {
	level := p.Policy().Level()

	// An empty level is not counted in the weighted sum, so admitting
	// into one brings its weight in.
	if t.levels[level].empty() {
		t.total += levelWeight(level)
	}

	t.levels[level].push(p, timeRunLastMS)
	t.checkBudget(level)

	if cur == 0 {
		return Added
	}

	// Preemption requires a process that has not yet run this minute,
	// a priority-based current process of strictly lower priority, and a
	// level that is still within its share.
	if timeRunLastMS == 0 &&
		cur.IsPriority() &&
		level < cur.Level() &&
		t.levelRunnable(level) {
		return AddedAndPreempt
	}

	return Added
}

func levelWeight(level uint8) float64 {
	return 1.0 / float64(level+1)
}

// share returns level's current fraction of the priority budget, computed
// on demand from the live weighted total.
func (t *Table) share(level uint8) float64 {
	if t.total == 0 || t.levels[level].empty() {
		return 0
	}

	return levelWeight(level) / t.total
}

func (t *Table) levelRunnable(level uint8) bool {
	return t.runnable>>level&1 == 1
}

// checkBudget gates a level on its per-minute share. A level that has
// consumed its budget is marked not runnable until the next minute and its
// run time is cleared.
func (t *Table) checkBudget(level uint8) {
	availSec := float64(policy.EpochSeconds - t.realTime.timeUsed)
	budgetSec := t.share(level) * priorityTime * availSec

	if float64(t.levels[level].timeRun)/1000.0 > budgetSec {
		t.runnable &^= 1 << level
		t.levels[level].timeRun = 0
	}
}

// Reset rearms the table for the next minute. Admitted processes, the
// real-time time budget and the priority weights are all preserved; only the
// per-minute bookkeeping is cleared.
func (t *Table) Reset() {
	t.realTime.clearRan()

	for i := range t.levels {
		t.levels[i].timeRun = 0
	}

	t.runnable = 0xFF
	t.robin.timeRun = 0
}

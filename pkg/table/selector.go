package table

import "github.com/maxd13/user-scheduler/pkg/proc"

// NextProcess determines the process to run next given the current second
// within the minute. It is meant to be called during a context switch, when
// nothing is running. The chosen process is removed from the table unless it
// is real-time; the caller re-admits a non-real-time process with the time
// it consumed, and calls SetRan when a real-time slice completes. It returns
// nil if nothing can run.
func (t *Table) NextProcess(curSecond uint8) *proc.Process {
	// Real-time processes take absolute precedence; consult the set for a
	// slot covering the current second before anything else.
	if size := t.realTime.size(); size > 0 {
		pos := t.realTime.search(curSecond)

		if pos >= size {
			// Past the last slot, only the last process may still be
			// mid-execution.
			last := t.realTime.procs[size-1]
			if curSecond < last.End() && !t.realTime.ran[size-1] {
				return last
			}
		} else {
			if p := t.nextRealTime(pos, curSecond); p != nil {
				return p
			}
		}
	}

	return t.nextNonRealTime()
}

// nextRealTime handles the in-range outcome of the slot search. A non-nil
// result is the process to run; nil falls through to the non-real-time
// branches.
func (t *Table) nextRealTime(pos int, curSecond uint8) *proc.Process {
	cur := t.realTime.procs[pos]
	curRan := t.realTime.ran[pos]

	var (
		prev    *proc.Process
		prevRan bool
	)

	if pos > 0 {
		prev = t.realTime.procs[pos-1]
		prevRan = t.realTime.ran[pos-1]
	}

	// The predecessor started before curSecond; if its window is still
	// open and it has not run its course, it is still mid-execution.
	if prev != nil && !prevRan && prev.End() > curSecond {
		return prev
	}

	// cur runs when curSecond lies inside its window. If its slot was
	// already consumed this minute, skip past it and re-enter the
	// selector at its end.
	if cur.Start() <= curSecond && curSecond < cur.End() {
		if !curRan {
			return cur
		}

		return t.NextProcess(cur.End())
	}

	// A referential process may take over early once the process it
	// refers to has finished.
	if cur.Policy().MakesReference() && prevRan {
		if !curRan {
			return cur
		}

		if curSecond < cur.End() {
			return t.NextProcess(cur.End())
		}
	}

	return nil
}

// nextNonRealTime alternates between the priority ladder and the
// round-robin queue. If the preferred side has nothing to offer, the other
// side gets one chance before the selector gives up.
func (t *Table) nextNonRealTime() *proc.Process {
	if t.runPriority {
		if p := t.popPriority(); p != nil {
			return p
		}
	}

	if t.robin.empty() {
		if t.runPriority {
			return nil
		}

		// It was round-robin's turn and it had nothing; hand the turn
		// back to the ladder and retry once.
		t.runPriority = true

		return t.nextNonRealTime()
	}

	t.runPriority = true

	return t.robin.pop()
}

// popPriority pops from the highest runnable non-empty level. Emptying a
// level takes its weight out of the share total. A successful pop passes the
// next non-real-time turn to round-robin.
func (t *Table) popPriority() *proc.Process {
	for level := uint8(0); level < PriorityLevels; level++ {
		if t.levels[level].empty() || !t.levelRunnable(level) {
			continue
		}

		p := t.levels[level].pop()

		if t.levels[level].empty() {
			t.total -= levelWeight(level)
		}

		t.runPriority = false

		return p
	}

	return nil
}

// TimeToNextRealTime returns the seconds from curSecond until the next
// real-time process is eligible to start. It reports false only when no slot
// starts at or after curSecond; the event loop then has no alarm to arm.
// Slots already consumed this minute, and a slot starting exactly at
// curSecond, are skipped over; when that walk passes the last slot, the
// returned wait runs to the end of the last slot walked over.
func (t *Table) TimeToNextRealTime(curSecond uint8) (uint8, bool) {
	pos := t.realTime.search(curSecond)
	if pos >= t.realTime.size() {
		return 0, false
	}

	cur := t.realTime.procs[pos]
	curRan := t.realTime.ran[pos]

	delta := cur.Start() - curSecond

	if delta > 0 {
		if !curRan {
			return delta, true
		}

		rest, _ := t.TimeToNextRealTime(cur.End())

		return delta + cur.Duration() + rest, true
	}

	// delta == 0: cur is the process due right now, so the caller wants
	// the one after it.
	rest, _ := t.TimeToNextRealTime(cur.End())

	return cur.Duration() + rest, true
}

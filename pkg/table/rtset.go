package table

import (
	"sort"

	"github.com/maxd13/user-scheduler/pkg/proc"
)

// MaxRealTime caps the real-time set. Exceeding it is a fatal admission
// error, so it is sized well above expected load.
const MaxRealTime = 100

// realTimeSet keeps real-time processes sorted ascending by start second,
// with a parallel ran flag per slot and the total seconds of every minute
// already allocated.
type realTimeSet struct {
	procs    []*proc.Process
	ran      []bool
	timeUsed uint8
}

// search returns the smallest index whose process starts at or after t, or
// the set size if none does. This is the hinge of the selector.
func (s *realTimeSet) search(t uint8) int {
	return sort.Search(len(s.procs), func(i int) bool {
		return s.procs[i].Start() >= t
	})
}

// conflict reports whether placing p at its searched position would overlap
// a neighbour. Back-to-back placements, where the predecessor ends exactly
// when p starts, are permitted.
func (s *realTimeSet) conflict(p *proc.Process) bool {
	pos := s.search(p.Start())

	if pos > 0 && s.procs[pos-1].End() > p.Start() {
		return true
	}

	if pos < len(s.procs) && s.procs[pos].Start() < p.End() {
		return true
	}

	return false
}

// insert shift-inserts p at its ordered position. The caller has already
// checked conflicts and capacity.
func (s *realTimeSet) insert(p *proc.Process) {
	pos := s.search(p.Start())

	s.procs = append(s.procs, nil)
	copy(s.procs[pos+1:], s.procs[pos:])
	s.procs[pos] = p

	s.ran = append(s.ran, false)
	copy(s.ran[pos+1:], s.ran[pos:])
	s.ran[pos] = false

	s.timeUsed += p.Duration()
}

// indexOf locates p by binary search on its start second. It returns -1 if
// the slot holds a different process.
func (s *realTimeSet) indexOf(p *proc.Process) int {
	pos := s.search(p.Start())
	if pos < len(s.procs) && s.procs[pos] == p {
		return pos
	}

	return -1
}

func (s *realTimeSet) size() int {
	return len(s.procs)
}

func (s *realTimeSet) clearRan() {
	for i := range s.ran {
		s.ran[i] = false
	}
}

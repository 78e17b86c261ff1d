package table

import "github.com/maxd13/user-scheduler/pkg/proc"

// fifo is the carrier for priority-level and round-robin processes, with the
// milliseconds its processes have consumed since the queue was last allowed
// to run.
type fifo struct {
	procs   []*proc.Process
	timeRun uint32
}

func (q *fifo) push(p *proc.Process, addTimeMS uint32) {
	q.procs = append(q.procs, p)
	q.timeRun += addTimeMS
}

func (q *fifo) pop() *proc.Process {
	if len(q.procs) == 0 {
		return nil
	}

	p := q.procs[0]
	q.procs[0] = nil
	q.procs = q.procs[1:]

	return p
}

func (q *fifo) empty() bool {
	return len(q.procs) == 0
}

func (q *fifo) len() int {
	return len(q.procs)
}

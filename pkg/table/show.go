package table

import (
	"fmt"
	"io"

	"github.com/maxd13/user-scheduler/pkg/proc"
)

// Snapshot is a point-in-time view of the table for the status surface.
type Snapshot struct {
	QuantumMS      uint16         `json:"quantumMs"`
	RunPriority    bool           `json:"runPriority"`
	RealTime       []RealTimeSlot `json:"realTime"`
	RealTimeUsed   uint8          `json:"realTimeSecondsUsed"`
	Levels         []PrioritySlot `json:"priorityLevels"`
	RoundRobinSize int            `json:"roundRobinSize"`
	RoundRobinMS   uint32         `json:"roundRobinTimeRunMs"`
}

// RealTimeSlot describes one entry of the real-time set.
type RealTimeSlot struct {
	Path    string `json:"path"`
	RefPath string `json:"refPath,omitempty"`
	Start   uint8  `json:"start"`
	End     uint8  `json:"end"`
	Ran     bool   `json:"ran"`
}

// PrioritySlot describes one level of the priority ladder.
type PrioritySlot struct {
	Level     uint8    `json:"level"`
	Runnable  bool     `json:"runnable"`
	Size      int      `json:"size"`
	TimeRunMS uint32   `json:"timeRunMs"`
	Share     float64  `json:"share"`
	Paths     []string `json:"paths,omitempty"`
}

// Size returns the total number of processes held by the table.
func (t *Table) Size() int {
	n := t.realTime.size() + t.robin.len()

	for i := range t.levels {
		n += t.levels[i].len()
	}

	return n
}

// IndexSize returns the number of paths held by the path index. It mirrors
// the real-time set size at all times.
func (t *Table) IndexSize() int {
	return t.index.size()
}

// Lookup returns the real-time process admitted at path, if any.
func (t *Table) Lookup(path string) (*proc.Process, bool) {
	return t.index.lookup(path)
}

// Snapshot captures the current table state.
func (t *Table) Snapshot() Snapshot {
	snap := Snapshot{
		QuantumMS:      t.quantum,
		RunPriority:    t.runPriority,
		RealTimeUsed:   t.realTime.timeUsed,
		RoundRobinSize: t.robin.len(),
		RoundRobinMS:   t.robin.timeRun,
	}

	for i, p := range t.realTime.procs {
		snap.RealTime = append(snap.RealTime, RealTimeSlot{
			Path:    p.Path(),
			RefPath: p.RefPath(),
			Start:   p.Start(),
			End:     p.End(),
			Ran:     t.realTime.ran[i],
		})
	}

	for level := uint8(0); level < PriorityLevels; level++ {
		q := &t.levels[level]
		if q.empty() {
			continue
		}

		slot := PrioritySlot{
			Level:     level,
			Runnable:  t.levelRunnable(level),
			Size:      q.len(),
			TimeRunMS: q.timeRun,
			Share:     t.share(level),
		}

		for _, p := range q.procs {
			slot.Paths = append(slot.Paths, p.Path())
		}

		snap.Levels = append(snap.Levels, slot)
	}

	return snap
}

// Show writes a human-readable dump of the whole table. It exists for
// observability only; nothing parses its output.
func (t *Table) Show(w io.Writer) {
	snap := t.Snapshot()

	fmt.Fprintf(w, "PROCESS TABLE:\n")
	fmt.Fprintf(w, "Quantum: %d milliseconds.\n", snap.QuantumMS)

	precedence := "ROUND-ROBIN"
	if snap.RunPriority {
		precedence = "PRIORITY"
	}

	fmt.Fprintf(w, "Run precedence: %s.\n\n", precedence)

	if len(snap.RealTime) > 0 {
		fmt.Fprintf(w, "\tREAL-TIME PROCESSES:\n")
		fmt.Fprintf(w, "\tTotal time allocated: %d seconds.\n\n", snap.RealTimeUsed)

		for i, p := range t.realTime.procs {
			fmt.Fprintf(w, "\t\t%s\n", p)

			if t.realTime.ran[i] {
				fmt.Fprintf(w, "\t\tand has already run this minute.\n\n")
			} else {
				fmt.Fprintf(w, "\t\tand has not yet run this minute.\n\n")
			}
		}
	} else {
		fmt.Fprintf(w, "\tNo REAL-TIME processes.\n\n")
	}

	if len(snap.Levels) > 0 {
		fmt.Fprintf(w, "\tPRIORITY BASED PROCESSES:\n\n")

		for _, slot := range snap.Levels {
			status := "BLOCKED"
			if slot.Runnable {
				status = "ACTIVE"
			}

			fmt.Fprintf(w, "\tPRIORITY LEVEL %d (%s):\n", slot.Level, status)

			for _, path := range slot.Paths {
				fmt.Fprintf(w, "\t\tprocess at %s\n", path)
			}

			fmt.Fprintf(w, "\t\tTime run: %d milliseconds.\n\n", slot.TimeRunMS)
		}
	} else {
		fmt.Fprintf(w, "\tNo PRIORITY based processes.\n\n")
	}

	if snap.RoundRobinSize > 0 {
		fmt.Fprintf(w, "\tROUND-ROBIN PROCESSES:\n")
		fmt.Fprintf(w, "\tTotal time used: %d milliseconds.\n", snap.RoundRobinMS)

		for _, p := range t.robin.procs {
			fmt.Fprintf(w, "\t\t%s\n", p)
		}
	} else {
		fmt.Fprintf(w, "\tNo ROUND-ROBIN processes.\n")
	}

	fmt.Fprintf(w, "\nEND TABLE\n")
}

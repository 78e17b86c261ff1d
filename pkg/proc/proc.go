// Package proc defines the process record submitted to the scheduler: an
// executable path, an optional reference path and a packed policy word.
package proc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxd13/user-scheduler/pkg/policy"
)

// MaxPath is the largest executable path, in bytes, that New accepts, and the
// size of each path buffer in the submission frame. The frame needs a
// terminating NUL, so only paths shorter than MaxPath can be marshalled.
// Paths are stored verbatim; bare names are looked up in PATH by the process
// runner, never by the table.
const MaxPath = 100

var (
	// ErrPathTooLong reports a path that does not fit the submission frame.
	ErrPathTooLong = errors.New("path is too big for buffer")
	// ErrNotReferential reports a Resolve call on a process whose policy
	// does not carry the reference flag.
	ErrNotReferential = errors.New("process is not referential")
)

// Process is a unit of scheduling. It is immutable after creation except for
// two permitted mutations: resolving the start second of a referential
// process at admission, and stamping the OS handle once a child is spawned.
type Process struct {
	path    string
	refPath string
	pol     policy.Word
	pid     int
}

// New creates a process record for the executable at path. The policy is
// validated; invalid policies fail construction.
func New(path string, pol policy.Word) (*Process, error) {
	if len(path) > MaxPath {
		return nil, fmt.Errorf("%w: %q", ErrPathTooLong, path)
	}

	err := pol.Validate()
	if err != nil {
		return nil, err
	}

	return &Process{path: path, pol: pol}, nil
}

// NewWithRelativeSchedule creates a process whose start second is derived
// from the end of the process at refPath. The reference flag is set on the
// policy automatically for the caller's convenience.
func NewWithRelativeSchedule(path, refPath string, pol policy.Word) (*Process, error) {
	if len(refPath) > MaxPath {
		return nil, fmt.Errorf("%w: %q", ErrPathTooLong, refPath)
	}

	p, err := New(path, pol|policy.FlagMakesReference)
	if err != nil {
		return nil, err
	}

	p.refPath = refPath

	return p, nil
}

// Policy returns the packed policy word, including any resolved start.
func (p *Process) Policy() policy.Word {
	return p.pol
}

// Path returns the executable path.
func (p *Process) Path() string {
	return p.path
}

// RefPath returns the referenced executable path. It is empty unless the
// policy carries the reference flag.
func (p *Process) RefPath() string {
	return p.refPath
}

// Resolve rewrites the start second of a referential process. It is the only
// mutation allowed to the schedule and fails for non-referential processes.
func (p *Process) Resolve(start uint8) error {
	if !p.pol.MakesReference() {
		return fmt.Errorf("%w: %s", ErrNotReferential, p.path)
	}

	p.pol = p.pol.WithStart(start)

	return nil
}

// AttachPID stamps the OS handle of the spawned child.
func (p *Process) AttachPID(pid int) {
	p.pid = pid
}

// DetachPID clears the OS handle.
func (p *Process) DetachPID() {
	p.pid = 0
}

// PID returns the OS handle of the spawned child, or zero if none is
// attached.
func (p *Process) PID() int {
	return p.pid
}

// Start returns the start second within the minute, after any resolution.
func (p *Process) Start() uint8 {
	return p.pol.Start()
}

// Duration returns the duration in seconds.
func (p *Process) Duration() uint8 {
	return p.pol.Duration()
}

// End returns the second within the minute at which the process ends.
func (p *Process) End() uint8 {
	return p.pol.End()
}

// DeepCopy clones the record. The OS handle is not carried over.
func (p *Process) DeepCopy() *Process {
	clone := *p
	clone.pid = 0

	return &clone
}

// String renders the record for the table dump.
func (p *Process) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "process at %s", p.path)

	if p.pol.MakesReference() {
		fmt.Fprintf(&b, ", refers to %s", p.refPath)
	}

	if p.pol.IsRealTime() {
		fmt.Fprintf(&b, ", starts at %d, ends at %d", p.Start(), p.End())
	}

	return b.String()
}

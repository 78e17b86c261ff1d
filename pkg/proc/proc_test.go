package proc

import (
	"errors"
	"strings"
	"testing"

	"github.com/maxd13/user-scheduler/pkg/policy"
)

func mustPolicy(t *testing.T, w policy.Word, err error) policy.Word {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}

	return w
}

func TestNewValidatesPolicy(t *testing.T) {
	t.Parallel()

	_, err := New("/bin/task", 0)
	if !errors.Is(err, policy.ErrInvalid) {
		t.Fatalf("expected policy validation failure, got %v", err)
	}

	rrWord, rrErr := policy.NewRoundRobin(0)
	pol := mustPolicy(t, rrWord, rrErr)

	p, err := New("/bin/task", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Path() != "/bin/task" {
		t.Fatalf("path mismatch: got %q", p.Path())
	}

	if p.RefPath() != "" {
		t.Fatalf("unexpected reference path %q", p.RefPath())
	}
}

func TestNewRejectsLongPath(t *testing.T) {
	t.Parallel()

	rrWord, rrErr := policy.NewRoundRobin(0)
	pol := mustPolicy(t, rrWord, rrErr)

	_, err := New(strings.Repeat("a", MaxPath+1), pol)
	if !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}

	refWord, refErr := policy.NewReferential(5)
	_, err = NewWithRelativeSchedule("ok", strings.Repeat("b", MaxPath+1), mustPolicy(t, refWord, refErr))
	if !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong for reference path, got %v", err)
	}
}

func TestRelativeScheduleForcesReferenceFlag(t *testing.T) {
	t.Parallel()

	// The reference flag is set on behalf of the caller even when the
	// policy only carries the real-time flag and a duration.
	pol := policy.FlagRealTime | policy.Word(5)<<4

	p, err := NewWithRelativeSchedule("./b", "./a", pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !p.Policy().MakesReference() {
		t.Fatalf("reference flag should have been forced")
	}

	if p.RefPath() != "./a" {
		t.Fatalf("reference path mismatch: got %q", p.RefPath())
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	refWord, refErr := policy.NewReferential(5)
	p, err := NewWithRelativeSchedule("./b", "./a", mustPolicy(t, refWord, refErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = p.Resolve(25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Start() != 25 || p.End() != 30 {
		t.Fatalf("resolution mismatch: start %d end %d", p.Start(), p.End())
	}

	rtWord, rtErr := policy.NewRealTime(10, 5)
	fixed, err := New("./c", mustPolicy(t, rtWord, rtErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = fixed.Resolve(20)
	if !errors.Is(err, ErrNotReferential) {
		t.Fatalf("expected ErrNotReferential, got %v", err)
	}

	if fixed.Start() != 10 {
		t.Fatalf("failed resolve must not touch the schedule")
	}
}

func TestPIDHandle(t *testing.T) {
	t.Parallel()

	prioWord, prioErr := policy.NewPriority(3)
	p, err := New("task", mustPolicy(t, prioWord, prioErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.PID() != 0 {
		t.Fatalf("fresh process should have no handle")
	}

	p.AttachPID(4242)

	if p.PID() != 4242 {
		t.Fatalf("handle mismatch: got %d", p.PID())
	}

	p.DetachPID()

	if p.PID() != 0 {
		t.Fatalf("handle should have been cleared")
	}
}

func TestDeepCopy(t *testing.T) {
	t.Parallel()

	refWord, refErr := policy.NewReferential(5)
	p, err := NewWithRelativeSchedule("./b", "./a", mustPolicy(t, refWord, refErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.AttachPID(99)

	clone := p.DeepCopy()

	if clone == p {
		t.Fatalf("clone must be a distinct record")
	}

	if clone.Path() != p.Path() || clone.RefPath() != p.RefPath() || clone.Policy() != p.Policy() {
		t.Fatalf("clone should carry the identity verbatim")
	}

	if clone.PID() != 0 {
		t.Fatalf("clone must not carry the OS handle")
	}
}

//nolint:testpackage // tests drive the handlers directly and inspect loop state
package sched

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/pkg/policy"
	"github.com/maxd13/user-scheduler/pkg/proc"
	"github.com/maxd13/user-scheduler/pkg/table"
)

type fakeRunner struct {
	nextPID    int
	spawned    []string
	respawned  []string
	continued  []int
	stopped    []int
	killed     []int
	spawnErr   error
	respawnErr error
}

func (r *fakeRunner) SpawnStopped(path string) (int, error) {
	if r.spawnErr != nil {
		return 0, r.spawnErr
	}

	r.nextPID++
	r.spawned = append(r.spawned, path)

	return r.nextPID, nil
}

func (r *fakeRunner) Respawn(path string) (int, error) {
	if r.respawnErr != nil {
		return 0, r.respawnErr
	}

	r.nextPID++
	r.respawned = append(r.respawned, path)

	return r.nextPID, nil
}

func (r *fakeRunner) Continue(pid int) error {
	r.continued = append(r.continued, pid)

	return nil
}

func (r *fakeRunner) Stop(pid int) error {
	r.stopped = append(r.stopped, pid)

	return nil
}

func (r *fakeRunner) Kill(pid int) error {
	r.killed = append(r.killed, pid)

	return nil
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type loopFixture struct {
	loop   *Loop
	table  *table.Table
	runner *fakeRunner
	clock  *fakeClock
	armed  []time.Duration
}

func newFixture(t *testing.T) *loopFixture {
	t.Helper()

	fx := &loopFixture{
		table:  table.New(zap.NewNop()),
		runner: &fakeRunner{},
		clock:  &fakeClock{current: time.Unix(1000, 0)},
	}

	fx.loop = New(Config{
		Table:  fx.table,
		Runner: fx.runner,
		Logger: zap.NewNop(),
		Now:    fx.clock.now,
	})

	fx.loop.minuteStart = fx.clock.now()
	fx.loop.armFunc = func(d time.Duration) {
		fx.armed = append(fx.armed, d)
	}
	fx.loop.disarmFunc = func() {}

	return fx
}

func (fx *loopFixture) lastArmed(t *testing.T) time.Duration {
	t.Helper()

	if len(fx.armed) == 0 {
		t.Fatalf("expected the timer to be armed")
	}

	return fx.armed[len(fx.armed)-1]
}

func roundRobinProc(t *testing.T, path string, quantumMS uint16) *proc.Process {
	t.Helper()

	pol, err := policy.NewRoundRobin(quantumMS)
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}

	p, err := proc.New(path, pol)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}

	return p
}

func realTimeProc(t *testing.T, path string, start, duration uint8) *proc.Process {
	t.Helper()

	pol, err := policy.NewRealTime(start, duration)
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}

	p, err := proc.New(path, pol)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}

	return p
}

func priorityProc(t *testing.T, path string, level uint8) *proc.Process {
	t.Helper()

	pol, err := policy.NewPriority(level)
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}

	p, err := proc.New(path, pol)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}

	return p
}

func TestSubmitStartsProcessWhenIdle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	p := roundRobinProc(t, "fortune", 1000)

	fx.loop.handleSubmit(p)

	if len(fx.runner.spawned) != 1 || fx.runner.spawned[0] != "fortune" {
		t.Fatalf("expected the child to be spawned stopped, got %v", fx.runner.spawned)
	}

	if fx.loop.cur != p {
		t.Fatalf("expected the submitted process to be running")
	}

	if p.PID() == 0 {
		t.Fatalf("expected an OS handle on the running process")
	}

	if len(fx.runner.continued) != 1 || fx.runner.continued[0] != p.PID() {
		t.Fatalf("expected the child to be continued, got %v", fx.runner.continued)
	}

	if got := fx.lastArmed(t); got != time.Second {
		t.Fatalf("expected the quantum slice to be armed, got %v", got)
	}
}

func TestSubmitSpawnFailureIsDropped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.runner.spawnErr = errors.New("no such executable")

	fx.loop.handleSubmit(roundRobinProc(t, "ghost", 0))

	if fx.loop.cur != nil {
		t.Fatalf("nothing should be running")
	}

	if fx.table.Size() != 0 {
		t.Fatalf("the failed process must not be admitted")
	}
}

func TestRejectedSubmissionKillsChild(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	first := realTimeProc(t, "./job", 20, 5)
	fx.loop.handleSubmit(first)

	duplicate := realTimeProc(t, "./job", 30, 5)
	fx.loop.handleSubmit(duplicate)

	if len(fx.runner.killed) != 1 || fx.runner.killed[0] != duplicate.PID() {
		t.Fatalf("expected the rejected child to be killed, got %v", fx.runner.killed)
	}

	if fx.table.Size() != 1 {
		t.Fatalf("the duplicate must not be admitted")
	}
}

func TestIdleArmsNextRealTimeSlot(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	fx.loop.handleSubmit(realTimeProc(t, "./later", 20, 5))

	if fx.loop.cur != nil {
		t.Fatalf("the slot is in the future, nothing should run")
	}

	if got := fx.lastArmed(t); got != 20*time.Second {
		t.Fatalf("expected a 20s alarm, got %v", got)
	}
}

func TestRealTimeSliceArmsDuration(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	p := realTimeProc(t, "./now", 0, 5)
	fx.loop.handleSubmit(p)

	if fx.loop.cur != p {
		t.Fatalf("expected the real-time process to run immediately")
	}

	if got := fx.lastArmed(t); got != 5*time.Second {
		t.Fatalf("expected the slice duration to be armed, got %v", got)
	}
}

func TestQuantumExpiryRotatesRoundRobin(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	first := roundRobinProc(t, "first", 0)
	second := roundRobinProc(t, "second", 0)

	fx.loop.handleSubmit(first)
	fx.loop.handleSubmit(second)

	if fx.loop.cur != first {
		t.Fatalf("expected the first process to run")
	}

	// The quantum expires; the slice rotates to the second process and
	// the first returns to the table with its measured runtime.
	fx.clock.advance(500 * time.Millisecond)
	fx.loop.contextSwitch()

	if fx.loop.cur != second {
		t.Fatalf("expected the second process to run, got %v", fx.loop.cur)
	}

	if len(fx.runner.stopped) == 0 || fx.runner.stopped[len(fx.runner.stopped)-1] != first.PID() {
		t.Fatalf("expected the first child to be stopped")
	}

	if fx.table.Size() != 1 {
		t.Fatalf("the first process should be back in the table")
	}
}

func TestPreemptingSubmissionSwitchesImmediately(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	running := priorityProc(t, "running", 3)
	fx.loop.handleSubmit(running)

	if fx.loop.cur != running {
		t.Fatalf("expected the level-3 process to run")
	}

	urgent := priorityProc(t, "urgent", 0)
	fx.loop.handleSubmit(urgent)

	if fx.loop.cur != urgent {
		t.Fatalf("expected the level-0 process to take over")
	}

	if len(fx.runner.stopped) == 0 || fx.runner.stopped[len(fx.runner.stopped)-1] != running.PID() {
		t.Fatalf("expected the preempted child to be stopped")
	}
}

func TestMinuteRolloverResetsTable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	p := realTimeProc(t, "./early", 0, 5)
	fx.loop.handleSubmit(p)

	fx.clock.advance(5 * time.Second)
	fx.loop.contextSwitch()

	if !fx.table.Ran(p) {
		t.Fatalf("the finished slice should be marked as run")
	}

	// The minute ends; the flag clears and the schedule starts over.
	fx.clock.advance(56 * time.Second)
	fx.loop.checkMinute()

	if fx.table.Ran(p) {
		t.Fatalf("reset should clear the ran flag")
	}

	if fx.loop.relSecond() != 0 {
		t.Fatalf("a fresh minute should have started, at second %d", fx.loop.relSecond())
	}

	if fx.loop.cur != p {
		t.Fatalf("the real-time process should run again in the new minute")
	}
}

func TestChildExitRespawnsAndRotates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	p := roundRobinProc(t, "fortune", 0)
	fx.loop.handleSubmit(p)

	oldPID := p.PID()

	fx.clock.advance(100 * time.Millisecond)
	fx.loop.handleExit(Exit{PID: oldPID, Clean: true})

	if len(fx.runner.respawned) != 1 || fx.runner.respawned[0] != "fortune" {
		t.Fatalf("expected the child to be relaunched, got %v", fx.runner.respawned)
	}

	// The only runnable process is the same one; it is re-selected with
	// its fresh pid.
	if fx.loop.cur != p {
		t.Fatalf("expected the process to keep running")
	}

	if p.PID() == oldPID {
		t.Fatalf("expected a fresh OS handle after the relaunch")
	}
}

func TestChildExitWithOpenBreakerClearsHandle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	p := roundRobinProc(t, "crashy", 0)
	fx.loop.handleSubmit(p)

	fx.runner.respawnErr = errors.New("breaker open")

	fx.clock.advance(100 * time.Millisecond)
	fx.loop.handleExit(Exit{PID: p.PID(), Clean: false})

	// The process stays scheduled, but without an OS handle.
	if fx.loop.cur != p {
		t.Fatalf("expected the process to be re-selected")
	}

	if p.PID() != 0 {
		t.Fatalf("expected the OS handle to be cleared, got %d", p.PID())
	}
}

func TestExitOfUnknownPIDIsIgnored(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	p := roundRobinProc(t, "fortune", 0)
	fx.loop.handleSubmit(p)

	before := len(fx.runner.respawned)

	fx.loop.handleExit(Exit{PID: 9999, Clean: true})

	if len(fx.runner.respawned) != before {
		t.Fatalf("an unknown pid must not trigger a relaunch")
	}

	if fx.loop.cur != p {
		t.Fatalf("the running process must be unaffected")
	}
}

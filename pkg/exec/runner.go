// Package exec owns the OS side of scheduling: spawning children in a
// stopped state, delivering continue/stop signals, reaping exits and
// respawning finished processes behind a crash-loop breaker.
package exec

import (
	"errors"
	"fmt"
	osexec "os/exec"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Exit reports that a spawned child terminated.
type Exit struct {
	PID   int
	Path  string
	Clean bool
}

// ErrNoProcess reports a signal aimed at a pid with no attached child.
var ErrNoProcess = errors.New("no process attached")

// Runner spawns and signals the scheduler's children. Exactly one goroutine
// per child waits for it; their exits are funnelled into a single channel
// consumed by the event loop.
type Runner struct {
	logger  *zap.Logger
	exits   chan Exit
	breaker *gobreaker.CircuitBreaker

	startFunc  func(cmd *osexec.Cmd) error
	signalFunc func(pid int, sig unix.Signal) error
	waitFunc   func(cmd *osexec.Cmd) error
}

// BreakerConfig tunes the respawn circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive respawn failures after
	// which the breaker opens.
	MaxFailures uint32
	// Cooldown is how long an open breaker refuses respawns before
	// probing again.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the respawn breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
	}
}

// NewRunner constructs a Runner. Pass zap.NewNop() to silence it.
func NewRunner(logger *zap.Logger, breakerCfg BreakerConfig) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	if breakerCfg.MaxFailures == 0 {
		breakerCfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}

	if breakerCfg.Cooldown <= 0 {
		breakerCfg.Cooldown = DefaultBreakerConfig().Cooldown
	}

	r := &Runner{
		logger: logger,
		exits:  make(chan Exit, 16),

		startFunc: func(cmd *osexec.Cmd) error {
			return cmd.Start()
		},
		signalFunc: func(pid int, sig unix.Signal) error {
			return unix.Kill(pid, sig)
		},
		waitFunc: func(cmd *osexec.Cmd) error {
			return cmd.Wait()
		},
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "respawn",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerCfg.MaxFailures
		},
		Timeout: breakerCfg.Cooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("respawn breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return r
}

// Exits returns the channel on which child terminations are reported.
func (r *Runner) Exits() <-chan Exit {
	return r.exits
}

// SpawnStopped starts the executable at path and immediately stops it, so
// the scheduler decides when it first runs. A bare name (no slash) is
// looked up in PATH here; any other path is used as given. Returns the
// child's pid.
func (r *Runner) SpawnStopped(path string) (int, error) {
	pid, err := r.spawn(path)
	if err != nil {
		return 0, err
	}

	err = r.signalFunc(pid, unix.SIGSTOP)
	if err != nil {
		return 0, fmt.Errorf("stop freshly spawned %s: %w", path, err)
	}

	return pid, nil
}

// Respawn relaunches a child that exited on its own, running. It goes
// through the runner's single breaker, shared by all paths: after
// MaxFailures consecutive failures to start a child, relaunches are refused
// until the cooldown passes. A child that starts and then exits counts as a
// success.
func (r *Runner) Respawn(path string) (int, error) {
	pid, err := r.breaker.Execute(func() (interface{}, error) {
		return r.spawn(path)
	})
	if err != nil {
		return 0, fmt.Errorf("respawn %s: %w", path, err)
	}

	return pid.(int), nil
}

func (r *Runner) spawn(path string) (int, error) {
	cmd := osexec.Command(path)

	err := r.startFunc(cmd)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", path, err)
	}

	pid := cmd.Process.Pid

	go func() {
		waitErr := r.waitFunc(cmd)

		r.exits <- Exit{
			PID:   pid,
			Path:  path,
			Clean: waitErr == nil,
		}
	}()

	r.logger.Debug("spawned child",
		zap.String("path", path),
		zap.Int("pid", pid),
	)

	return pid, nil
}

// Continue resumes a stopped child.
func (r *Runner) Continue(pid int) error {
	return r.signal(pid, unix.SIGCONT)
}

// Stop suspends a running child.
func (r *Runner) Stop(pid int) error {
	return r.signal(pid, unix.SIGSTOP)
}

// Kill terminates a child for good.
func (r *Runner) Kill(pid int) error {
	return r.signal(pid, unix.SIGKILL)
}

func (r *Runner) signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}

	err := r.signalFunc(pid, sig)
	if err != nil {
		return fmt.Errorf("signal %v to pid %d: %w", sig, pid, err)
	}

	return nil
}

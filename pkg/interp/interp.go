// Package interp compiles textual scheduling instructions into process
// records. The grammar is line oriented; every instruction begins with the
// word "Run" followed by the executable path and an optional scheduling
// clause:
//
//	Run <path>                      round-robin, keep the current quantum
//	Run <path>, Quantum=<ms>        round-robin, update the quantum
//	Run <path> PR=<level>           priority, level 0 is the highest
//	Run <path> I=<sec> D=<sec>      real-time at a fixed second
//	Run <path> I=<refpath> D=<sec>  real-time, right after the referenced one
package interp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/maxd13/user-scheduler/pkg/policy"
	"github.com/maxd13/user-scheduler/pkg/proc"
)

var (
	// ErrNotRun reports an instruction that does not begin with "Run".
	ErrNotRun = errors.New("instructions must begin with 'Run'")
	// ErrMalformed reports an instruction whose scheduling clause cannot
	// be parsed.
	ErrMalformed = errors.New("invalid instruction")
)

// Compile turns one instruction line into a process record.
func Compile(line string) (*proc.Process, error) {
	fields := strings.Fields(strings.TrimRight(strings.TrimSpace(line), "."))
	if len(fields) == 0 || fields[0] != "Run" {
		return nil, fmt.Errorf("%w: %q", ErrNotRun, line)
	}

	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: missing path: %q", ErrMalformed, line)
	}

	path := strings.TrimSuffix(fields[1], ",")
	args := fields[2:]

	if len(args) == 0 {
		pol, err := policy.NewRoundRobin(0)
		if err != nil {
			return nil, err
		}

		return proc.New(path, pol)
	}

	key, value, ok := strings.Cut(strings.TrimSuffix(args[0], ","), "=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	switch key {
	case "Quantum":
		return compileRoundRobin(path, value, line)
	case "PR":
		return compilePriority(path, value, line)
	case "I":
		return compileRealTime(path, value, args[1:], line)
	}

	return nil, fmt.Errorf("%w: unknown clause %q in %q", ErrMalformed, key, line)
}

func compileRoundRobin(path, value, line string) (*proc.Process, error) {
	quantum, err := strconv.ParseUint(value, 10, 16)
	if err != nil || quantum > policy.MaxQuantum {
		return nil, fmt.Errorf("%w: quantum in %q", ErrMalformed, line)
	}

	pol, err := policy.NewRoundRobin(uint16(quantum))
	if err != nil {
		return nil, err
	}

	return proc.New(path, pol)
}

func compilePriority(path, value, line string) (*proc.Process, error) {
	level, err := strconv.ParseUint(value, 10, 8)
	if err != nil || level > policy.MaxLevel {
		return nil, fmt.Errorf("%w: priority level must be between 0 and 7 inclusive: %q", ErrMalformed, line)
	}

	pol, err := policy.NewPriority(uint8(level))
	if err != nil {
		return nil, err
	}

	return proc.New(path, pol)
}

func compileRealTime(path, iValue string, rest []string, line string) (*proc.Process, error) {
	if len(rest) == 0 {
		return nil, fmt.Errorf("%w: missing D clause in %q", ErrMalformed, line)
	}

	dKey, dValue, ok := strings.Cut(strings.TrimSuffix(rest[0], ","), "=")
	if !ok || dKey != "D" {
		return nil, fmt.Errorf("%w: missing D clause in %q", ErrMalformed, line)
	}

	duration, err := strconv.ParseUint(dValue, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: duration in %q", ErrMalformed, line)
	}

	// A numeric I is a fixed start second; anything else names the
	// executable this one runs right after.
	start, err := strconv.ParseUint(iValue, 10, 8)
	if err == nil {
		pol, perr := policy.NewRealTime(uint8(start), uint8(duration))
		if perr != nil {
			return nil, perr
		}

		return proc.New(path, pol)
	}

	pol, err := policy.NewReferential(uint8(duration))
	if err != nil {
		return nil, err
	}

	return proc.NewWithRelativeSchedule(path, iValue, pol)
}

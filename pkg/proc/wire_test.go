package proc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/maxd13/user-scheduler/pkg/policy"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	refWord, refErr := policy.NewReferential(5)
	original, err := NewWithRelativeSchedule("./echo/echo7.sh", "./echo/echo3.sh", mustPolicy(t, refWord, refErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, err := original.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(frame) != FrameSize {
		t.Fatalf("frame size mismatch: got %d want %d", len(frame), FrameSize)
	}

	var decoded Process

	err = decoded.UnmarshalBinary(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Path() != original.Path() ||
		decoded.RefPath() != original.RefPath() ||
		decoded.Policy() != original.Policy() {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, *original)
	}
}

func TestFrameLayout(t *testing.T) {
	t.Parallel()

	rrWord, rrErr := policy.NewRoundRobin(1000)
	p, err := New("/bin/task", mustPolicy(t, rrWord, rrErr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(frame[:9], []byte("/bin/task")) || frame[9] != 0 {
		t.Fatalf("path buffer not NUL-terminated at the right offset")
	}

	if frame[refPathOffset] != 0 {
		t.Fatalf("empty reference path should leave its buffer zeroed")
	}

	// The policy word travels little-endian in the last two bytes.
	got := uint16(frame[policyOffset]) | uint16(frame[policyOffset+1])<<8
	if policy.Word(got) != p.Policy() {
		t.Fatalf("policy encoding mismatch: got 0x%04x want 0x%04x", got, uint16(p.Policy()))
	}
}

func TestUnmarshalRejections(t *testing.T) {
	t.Parallel()

	var p Process

	err := p.UnmarshalBinary(make([]byte, FrameSize-1))
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}

	// A path buffer with no terminator cannot be decoded.
	frame := bytes.Repeat([]byte{'a'}, FrameSize)

	err = p.UnmarshalBinary(frame)
	if !errors.Is(err, ErrPathNotTerminated) {
		t.Fatalf("expected ErrPathNotTerminated, got %v", err)
	}

	// A frame carrying an invalid policy word is rejected as a whole.
	frame = make([]byte, FrameSize)
	copy(frame, "task")

	err = p.UnmarshalBinary(frame)
	if !errors.Is(err, policy.ErrInvalid) {
		t.Fatalf("expected policy validation failure, got %v", err)
	}
}

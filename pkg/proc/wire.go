package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/maxd13/user-scheduler/pkg/policy"
)

// FrameSize is the size of the submission frame: two NUL-padded path buffers
// followed by the policy word in little-endian byte order. The layout is a
// byte image of the record shared between the interpreter and the scheduler
// and must round-trip verbatim.
const FrameSize = MaxPath + MaxPath + 2

// Frame offsets.
const (
	refPathOffset = MaxPath
	policyOffset  = 2 * MaxPath
)

var (
	// ErrShortFrame reports a submission frame of the wrong size.
	ErrShortFrame = errors.New("submission frame has wrong size")
	// ErrPathNotTerminated reports a full-width path buffer, which cannot
	// hold the terminating NUL the frame requires.
	ErrPathNotTerminated = errors.New("path buffer is not NUL-terminated")
)

// MarshalBinary encodes the record into a submission frame.
func (p *Process) MarshalBinary() ([]byte, error) {
	if len(p.path) >= MaxPath || len(p.refPath) >= MaxPath {
		return nil, fmt.Errorf("%w: %q", ErrPathTooLong, p.path)
	}

	frame := make([]byte, FrameSize)
	copy(frame, p.path)
	copy(frame[refPathOffset:], p.refPath)
	binary.LittleEndian.PutUint16(frame[policyOffset:], uint16(p.pol))

	return frame, nil
}

// UnmarshalBinary decodes a submission frame into the record, validating the
// policy it carries.
func (p *Process) UnmarshalBinary(frame []byte) error {
	if len(frame) != FrameSize {
		return fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(frame))
	}

	path, err := cString(frame[:MaxPath])
	if err != nil {
		return err
	}

	refPath, err := cString(frame[refPathOffset:policyOffset])
	if err != nil {
		return err
	}

	pol := policy.Word(binary.LittleEndian.Uint16(frame[policyOffset:]))

	err = pol.Validate()
	if err != nil {
		return err
	}

	p.path = path
	p.refPath = refPath
	p.pol = pol
	p.pid = 0

	return nil
}

func cString(buf []byte) (string, error) {
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", ErrPathNotTerminated
	}

	return string(buf[:end]), nil
}

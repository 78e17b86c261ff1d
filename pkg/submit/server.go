// Package submit carries process submissions from the interpreter to the
// scheduler over a unix-domain socket. Each submission is one fixed-size
// frame, a byte image of the process record, answered by a single ack byte,
// so the two sides agree on the payload byte-for-byte.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxd13/user-scheduler/pkg/proc"
)

// Ack values written back to the submitter after each frame.
const (
	AckOK       byte = 0x01
	AckRejected byte = 0x02
)

// ErrRejected reports that the scheduler refused a submission frame.
var ErrRejected = errors.New("submission rejected by scheduler")

// Sink receives decoded submissions. The event loop's Submit method
// satisfies it.
type Sink interface {
	Submit(p *proc.Process)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(p *proc.Process)

// Submit implements Sink.
func (f SinkFunc) Submit(p *proc.Process) {
	f(p)
}

// Server accepts submission connections and forwards decoded processes to
// the sink.
type Server struct {
	logger *zap.Logger
	sink   Sink
}

// NewServer constructs a Server delivering into sink.
func NewServer(logger *zap.Logger, sink Sink) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{logger: logger, sink: sink}
}

// Serve accepts connections on the listener until the context is cancelled.
// Each connection may carry any number of frames.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()

		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accept submission connection: %w", err)
		}

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	frame := make([]byte, proc.FrameSize)

	for {
		_, err := io.ReadFull(conn, frame)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("submission connection failed", zap.Error(err))
			}

			return
		}

		// Stamp every frame so the admission outcome can be traced
		// back through the logs.
		id := uuid.NewString()

		var p proc.Process

		err = p.UnmarshalBinary(frame)
		if err != nil {
			s.logger.Error("invalid submission frame",
				zap.String("submission", id),
				zap.Error(err),
			)

			if _, werr := conn.Write([]byte{AckRejected}); werr != nil {
				return
			}

			continue
		}

		s.logger.Info("submission received",
			zap.String("submission", id),
			zap.String("path", p.Path()),
			zap.Stringer("policy", p.Policy()),
		)

		s.sink.Submit(&p)

		if _, err := conn.Write([]byte{AckOK}); err != nil {
			return
		}
	}
}

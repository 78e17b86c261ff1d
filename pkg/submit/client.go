package submit

import (
	"fmt"
	"net"

	"github.com/maxd13/user-scheduler/pkg/proc"
)

// Client submits process records to a running scheduler.
type Client struct {
	conn net.Conn
}

// Dial connects to the scheduler's submission socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial scheduler socket %q: %w", socketPath, err)
	}

	return &Client{conn: conn}, nil
}

// Send submits one process record and waits for the scheduler's ack.
func (c *Client) Send(p *proc.Process) error {
	frame, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = c.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("write submission frame: %w", err)
	}

	var ack [1]byte

	_, err = c.conn.Read(ack[:])
	if err != nil {
		return fmt.Errorf("read submission ack: %w", err)
	}

	if ack[0] != AckOK {
		return fmt.Errorf("%w: %s", ErrRejected, p.Path())
	}

	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Package connio provides the byte-stream I/O layer shared by NABU
// connections and control connections. A ConnIO wraps a serial port or a
// TCP socket behind a common endpoint interface and adds the request
// watchdog, connection state tracking, and cancellation.
package connio

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State of a connection. Transitions are one-way: once a connection has
// left StateOK it never goes back.
type State int32

const (
	StateOK State = iota
	StateEOF
	StateCancelled
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateEOF:
		return "EOF"
	case StateCancelled:
		return "CANCELLED"
	case StateAborted:
		return "ABORTED"
	default:
		return "???"
	}
}

// Endpoint is the byte channel a ConnIO drives. *net.TCPConn satisfies it
// directly; serial ports are adapted (see SerialEndpoint).
type Endpoint interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// ConnIO is the I/O half of a connection.
type ConnIO struct {
	name string
	ep   Endpoint
	log  zerolog.Logger

	// Watchdog duration in effect, in nanoseconds. Zero means reads and
	// writes may block forever. Accessed atomically so an operator can
	// look at a connection that is mid-request.
	watchdog int64

	state int32

	closeOnce sync.Once
}

// New initializes a ConnIO over the given endpoint.
func New(name string, ep Endpoint, log zerolog.Logger) *ConnIO {
	return &ConnIO{
		name: name,
		ep:   ep,
		log:  log.With().Str("conn", name).Logger(),
	}
}

// Name returns the connection's display name.
func (c *ConnIO) Name() string {
	return c.name
}

// State returns the connection's current state.
func (c *ConnIO) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// SetState moves the connection into the given state.
func (c *ConnIO) SetState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// CheckState reports whether the connection is still usable. Anything
// other than StateOK is logged and terminates the caller's event loop.
func (c *ConnIO) CheckState() bool {
	switch s := c.State(); s {
	case StateOK:
		return true
	case StateEOF:
		c.log.Info().Msg("Peer closed the connection.")
		return false
	case StateCancelled:
		c.log.Info().Msg("Received cancellation request.")
		return false
	default:
		c.log.Error().Str("state", s.String()).Msg("Connection aborted.")
		return false
	}
}

// StartWatchdog arms the I/O watchdog: any single Recv or Send started
// after this call fails if it cannot complete within d.
func (c *ConnIO) StartWatchdog(d time.Duration) {
	atomic.StoreInt64(&c.watchdog, int64(d))
}

// StopWatchdog disarms the watchdog; subsequent reads block forever.
func (c *ConnIO) StopWatchdog() {
	atomic.StoreInt64(&c.watchdog, 0)
}

// deadline computes the deadline for one I/O transaction.
func (c *ConnIO) deadline() time.Time {
	w := time.Duration(atomic.LoadInt64(&c.watchdog))
	if w == 0 {
		return time.Time{}
	}
	return time.Now().Add(w)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Recv receives exactly len(buf) bytes. There are no partial reads: it
// waits for all of the expected data unless the watchdog trips or the
// connection dies. On failure the connection state tells the caller which
// of those it was (a watchdog timeout leaves the state at StateOK).
func (c *ConnIO) Recv(buf []byte) bool {
	// An endpoint already closed at either end refuses a deadline; the
	// read below then fails at once and reports why (EOF for a peer that
	// went away).
	if err := c.ep.SetReadDeadline(c.deadline()); err != nil &&
		!errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
		c.log.Error().Err(err).Msg("Setting read deadline failed.")
		c.SetState(StateAborted)
		return false
	}

	_, err := io.ReadFull(c.ep, buf)
	if err == nil {
		return true
	}

	switch {
	case isTimeout(err):
		c.log.Info().Msg("Connection (recv) timed out.")
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		c.log.Debug().Msg("Got End-of-File.")
		c.SetState(StateEOF)
	default:
		if c.State() == StateOK {
			c.log.Error().Err(err).Msg("Receive failed.")
			c.SetState(StateAborted)
		}
	}
	return false
}

// RecvByte receives a single byte.
func (c *ConnIO) RecvByte() (uint8, bool) {
	var b [1]byte
	ok := c.Recv(b[:])
	return b[0], ok
}

// Send transmits all of buf. Errors are reflected in the connection
// state; like the rest of the protocol, callers mostly fire and forget
// and rely on the next Recv to notice a dead peer. The watchdog bounds
// the write too, on endpoints that can enforce it.
func (c *ConnIO) Send(buf []byte) {
	if wd, ok := c.ep.(interface{ SetWriteDeadline(time.Time) error }); ok {
		wd.SetWriteDeadline(c.deadline())
	}
	_, err := c.ep.Write(buf)
	if err == nil {
		return
	}
	switch {
	case isTimeout(err):
		c.log.Info().Msg("Connection (send) timed out.")
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("Got End-of-File.")
		c.SetState(StateEOF)
	default:
		if c.State() == StateOK {
			c.log.Error().Err(err).Msg("Send failed.")
			c.SetState(StateAborted)
		}
	}
}

// SendByte transmits a single byte.
func (c *ConnIO) SendByte(val uint8) {
	c.Send([]byte{val})
}

// Cancel marks the connection cancelled and closes the endpoint to
// unwedge any goroutine blocked in Recv.
func (c *ConnIO) Cancel() {
	c.SetState(StateCancelled)
	c.closeEndpoint()
}

// Close tears the endpoint down.
func (c *ConnIO) Close() {
	c.closeEndpoint()
}

func (c *ConnIO) closeEndpoint() {
	c.closeOnce.Do(func() {
		if c.ep != nil {
			if err := c.ep.Close(); err != nil {
				c.log.Debug().Err(err).Msg("Endpoint close failed.")
			}
		}
	})
}

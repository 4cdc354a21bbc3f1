package connio

import (
	"os"
	"time"

	"go.bug.st/serial"
)

// SerialEndpoint adapts a serial.Port to the Endpoint interface. The
// serial library exposes a relative read timeout instead of an absolute
// deadline, and reports a timed-out read as (0, nil), so both get
// translated here.
type SerialEndpoint struct {
	Port serial.Port

	deadlineSet bool
}

// SetReadDeadline implements Endpoint.
func (s *SerialEndpoint) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.deadlineSet = false
		return s.Port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	s.deadlineSet = true
	return s.Port.SetReadTimeout(d)
}

// Read implements Endpoint.
func (s *SerialEndpoint) Read(p []byte) (int, error) {
	n, err := s.Port.Read(p)
	if n == 0 && err == nil && s.deadlineSet {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

// Write implements Endpoint.
func (s *SerialEndpoint) Write(p []byte) (int, error) {
	return s.Port.Write(p)
}

// Close implements Endpoint.
func (s *SerialEndpoint) Close() error {
	return s.Port.Close()
}

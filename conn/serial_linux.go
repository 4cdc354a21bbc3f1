//go:build linux

package conn

import (
	"golang.org/x/sys/unix"
)

// setFlowControl toggles CRTSCTS on the tty. The serial library's Mode
// has no flow-control knob, so this goes straight to termios through a
// short-lived second descriptor on the same device (termios state is
// per-device, not per-open).
func setFlowControl(path string, on bool) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	if on {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

package conn

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/nabunet/nabud/connio"
	"github.com/nabunet/nabud/image"

	"github.com/rs/zerolog"
)

// The native baud rate of the NABU is:
//
//	3.57954MHz	 / 2			/ 16
//	NTSC colorburst	   on-board divider	  on-chip divider on TR1863
//
// ==> 111860.625
const (
	NativeBPS   = (3579540 / 2) / 16
	FallbackBPS = 115200
)

// AddArgs carries the parameters for creating a connection.
type AddArgs struct {
	Port         string
	FileRoot     string
	SelectedFile string
	Channel      int16
	Baud         int
	StopBits     int
	FlowControl  bool
}

func serialMode(baud, stopBits int) *serial.Mode {
	stop := serial.TwoStopBits
	if stopBits == 1 {
		stop = serial.OneStopBit
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: stop,
	}
}

// AddSerial opens a serial port and creates a connection for it, with
// worker as its event loop.
func AddSerial(args *AddArgs, images *image.Provider, log zerolog.Logger, worker func(*Conn)) error {
	log.Info().Str("port", args.Port).Msg("Creating Serial connection.")

	// The native protocol is 8N1, but the NABU can lose sync when
	// receiving a sustained stream of bytes at 1 stop bit, so the
	// default is 2. Configuration can override.
	if args.StopBits == 0 {
		args.StopBits = 2
	}
	if args.StopBits != 1 && args.StopBits != 2 {
		return fmt.Errorf("serial %s: invalid stop bits %d", args.Port, args.StopBits)
	}

	var (
		port serial.Port
		err  error
	)
	if args.Baud != 0 {
		port, err = serial.Open(args.Port, serialMode(args.Baud, args.StopBits))
		if err != nil {
			return fmt.Errorf("serial %s: set %d baud: %w", args.Port, args.Baud, err)
		}
	} else {
		// Try the NABU's native rate first (the serial stack applies
		// non-standard rates through termios2 on Linux); fall back to
		// a more "standard" 115.2K if the hardware refuses.
		args.Baud = NativeBPS
		port, err = serial.Open(args.Port, serialMode(args.Baud, args.StopBits))
		if err != nil {
			log.Error().Str("port", args.Port).Err(err).
				Msg("Failed to set NABU-native baud rate; falling back...")
			args.Baud = FallbackBPS
			port, err = serial.Open(args.Port, serialMode(args.Baud, args.StopBits))
			if err != nil {
				return fmt.Errorf("serial %s: set fallback baud rate: %w", args.Port, err)
			}
		}
	}

	if args.FlowControl {
		if err := setFlowControl(args.Port, true); err != nil {
			port.Close()
			return fmt.Errorf("serial %s: enable RTS/CTS: %w", args.Port, err)
		}
	}

	log.Info().Str("port", args.Port).
		Int("baud", args.Baud).Int("stop_bits", args.StopBits).
		Bool("rtscts", args.FlowControl).
		Msg("Serial port configured.")

	c := newConn(args.Port, TypeSerial, &connio.SerialEndpoint{Port: port}, log)
	c.baud = args.Baud
	c.stopBits = args.StopBits
	c.flowControl = args.FlowControl

	startConn(c, args, images, worker)
	return nil
}

// Create finishes creation of a connection over an arbitrary endpoint
// and starts its worker. The serial and TCP paths funnel through it;
// it is exported so in-process endpoints (and tests) can drive the same
// lifecycle.
func Create(name string, typ Type, ep connio.Endpoint, args *AddArgs, images *image.Provider, log zerolog.Logger, worker func(*Conn)) *Conn {
	c := newConn(name, typ, ep, log)
	startConn(c, args, images, worker)
	return c
}

// startConn finishes common connection-creation duties and launches the
// worker goroutine.
func startConn(c *Conn, args *AddArgs, images *image.Provider, worker func(*Conn)) {
	c.fileRoot = args.FileRoot

	if c.fileRoot != "" {
		c.log.Info().Str("root", c.fileRoot).Msg("Using local storage.")
	}

	// If a channel was specified, select it now.
	if args.Channel != 0 && images != nil {
		images.ChannelSelect(c, args.Channel)
	}
	if args.SelectedFile != "" {
		c.SetSelectedFile(args.SelectedFile)
	}

	registryInsert(c)
	go func() {
		worker(c)
		// If we got here, the connection was cancelled or aborted, so
		// go ahead and destroy it now.
		c.Destroy()
	}()
}

package conn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nabunet/nabud/connio"
	"github.com/nabunet/nabud/image"

	"github.com/rs/zerolog"
)

// AddTCP creates TCP listeners on the requested port. Each listener is a
// "connection" that simply waits for incoming connections from the
// network (NABU emulators like MAME) and in turn creates new connections
// to service them. IPv4 and IPv6 get separate listeners, like separate
// passive sockets. The NABU client population is small, so the kernel's
// default backlog is more than enough.
func AddTCP(args *AddArgs, images *image.Provider, log zerolog.Logger, worker func(*Conn)) error {
	log.Info().Str("port", args.Port).Msg("Creating TCP listener.")

	port, err := strconv.Atoi(args.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid TCP port number: %s", args.Port)
	}

	created := 0
	for _, network := range []string{"tcp4", "tcp6"} {
		name := fmt.Sprintf("IPv%c-%d", network[3], port)

		ln, err := net.Listen(network, fmt.Sprintf(":%d", port))
		if err != nil {
			log.Error().Str("listener", name).Err(err).Msg("Unable to listen.")
			continue
		}

		c := newConn(name, TypeListener, nil, log)
		c.ln = ln
		c.fileRoot = args.FileRoot
		if args.Channel != 0 && images != nil {
			images.ChannelSelect(c, args.Channel)
		}
		if args.SelectedFile != "" {
			c.SetSelectedFile(args.SelectedFile)
		}

		registryInsert(c)
		go func() {
			c.acceptLoop(images, worker)
			c.Destroy()
		}()
		created++
	}

	if created == 0 {
		return fmt.Errorf("no TCP listener could be created on port %d", port)
	}
	return nil
}

// acceptLoop is the worker body of a listener connection.
func (c *Conn) acceptLoop(images *image.Provider, worker func(*Conn)) {
	for {
		sock, err := c.ln.Accept()
		if err != nil {
			if c.State() == connio.StateOK {
				// Error on the listen socket -- he's dead, Jim.
				c.log.Error().Err(err).Msg("accept() failed.")
				c.SetState(connio.StateAborted)
			}
			return
		}

		tc, ok := sock.(*net.TCPConn)
		if !ok {
			sock.Close()
			continue
		}

		// Disable Nagle.
		tc.SetNoDelay(true)

		// The connection is named after the numeric peer address.
		host, _, err := net.SplitHostPort(tc.RemoteAddr().String())
		if err != nil {
			host = tc.RemoteAddr().String()
		}

		c.log.Info().Str("peer", host).Msg("Creating TCP connection.")

		// The accepted connection inherits the listener's current
		// channel, file root and selected file.
		args := &AddArgs{
			FileRoot:     c.fileRoot,
			SelectedFile: c.SelectedFile(),
		}
		if ch := c.Channel(); ch != nil {
			args.Channel = ch.Number
		}
		Create(host, TypeTCP, tc, args, images, c.rootLog, worker)
	}
}

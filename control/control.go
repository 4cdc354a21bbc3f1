package control

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/image"

	"github.com/rs/zerolog"
)

// Server answers operator requests on a local socket.
type Server struct {
	images *image.Provider
	ln     net.Listener
	log    zerolog.Logger
}

// Start listens on the given Unix socket path. A stale socket from an
// earlier run is removed first.
func Start(path string, images *image.Provider, log zerolog.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	s := &Server{
		images: images,
		ln:     ln,
		log:    log.With().Str("subsys", "control").Logger(),
	}
	s.log.Info().Str("socket", path).Msg("Control interface listening.")

	go s.acceptLoop()
	return s, nil
}

// Stop shuts the control socket down.
func (s *Server) Stop() {
	s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

// serve runs one operator session: a sequence of request atoms, each
// answered by a reply terminated with DONE.
func (s *Server) serve(c net.Conn) {
	defer c.Close()

	for {
		req, err := ReadAtom(c)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("Control read failed.")
			}
			return
		}

		switch req.Tag {
		case ReqListChannels:
			s.listChannels(c)
		case ReqListConnections:
			s.listConnections(c)
		case ReqKillConnection:
			s.killConnection(c, req.String())
		case ReqChannelListing:
			s.channelListing(c, int16(req.Number()))
		default:
			s.log.Error().Uint32("tag", req.Tag).Msg("Unknown control request.")
			WriteAtom(c, AtomDone, nil)
		}
	}
}

func (s *Server) listChannels(c net.Conn) {
	for _, ch := range s.images.Channels() {
		WriteNumber(c, FieldChanNumber, int64(ch.Number))
		WriteString(c, FieldChanName, ch.Name)
		WriteString(c, FieldChanType, ch.Type.String())
		WriteString(c, FieldChanSource, ch.Source)
		WriteAtom(c, AtomObjEnd, nil)
	}
	WriteAtom(c, AtomDone, nil)
}

func (s *Server) listConnections(c net.Conn) {
	conn.Enumerate(func(nc *conn.Conn) bool {
		WriteString(c, FieldConnName, nc.Name())
		WriteString(c, FieldConnType, nc.ConnType().String())
		WriteString(c, FieldConnState, nc.State().String())
		if ch := nc.Channel(); ch != nil {
			WriteNumber(c, FieldConnChannel, int64(ch.Number))
		}
		if sel := nc.SelectedFile(); sel != "" {
			WriteString(c, FieldConnSelected, sel)
		}
		if nc.ConnType() == conn.TypeSerial {
			baud, _, _ := nc.SerialParams()
			WriteNumber(c, FieldConnBaud, int64(baud))
		}
		WriteAtom(c, AtomObjEnd, nil)
		return true
	})
	WriteAtom(c, AtomDone, nil)
}

// channelListing fetches and relays a channel's RetroNet listing file.
func (s *Server) channelListing(c net.Conn, number int16) {
	ch := s.images.Channel(number)
	if ch == nil {
		s.log.Error().Int16("channel", number).Msg("No such channel.")
		WriteAtom(c, AtomDone, nil)
		return
	}

	listing, err := s.images.LoadListing(ch)
	if err != nil {
		s.log.Error().Str("channel", ch.Name).Err(err).
			Msg("Unable to load channel listing.")
		WriteAtom(c, AtomDone, nil)
		return
	}

	for _, e := range listing.Entries {
		WriteNumber(c, FieldEntryNumber, int64(e.Number))
		WriteString(c, FieldEntryName, e.Name)
		if e.Desc != "" {
			WriteString(c, FieldEntryDesc, e.Desc)
		}
		WriteAtom(c, AtomObjEnd, nil)
	}
	WriteAtom(c, AtomDone, nil)
}

// killConnection cancels the named connection. The cancel itself just
// pokes the worker; destruction happens on the worker's way out.
func (s *Server) killConnection(c net.Conn, name string) {
	found := false
	conn.Enumerate(func(nc *conn.Conn) bool {
		if nc.Name() != name {
			return true
		}
		found = true
		s.log.Info().Str("conn", nc.Name()).Msg("Cancelling connection on operator request.")
		nc.Cancel()
		return false
	})

	if !found {
		s.log.Error().Str("conn", name).Msg("No such connection.")
	}
	WriteAtom(c, AtomDone, nil)
}

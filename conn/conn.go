// Package conn implements the connection abstraction.
//
// Connections can be either over a serial interface to a real NABU or
// over a TCP socket to support NABU emulators. A TCP listener is itself
// modelled as a connection so the operator can see and cancel it like
// any other.
package conn

import (
	"net"
	"sync"

	"github.com/nabunet/nabud/connio"
	"github.com/nabunet/nabud/image"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog"
)

// Type of a connection.
type Type int

const (
	TypeInvalid Type = iota
	TypeListener
	TypeSerial
	TypeTCP
)

func (t Type) String() string {
	switch t {
	case TypeListener:
		return "listener"
	case TypeSerial:
		return "serial"
	case TypeTCP:
		return "tcp"
	default:
		return "invalid"
	}
}

// Finalizer is implemented by sub-protocol session state (NHACP sessions,
// the RetroNet blob store) attached to a connection; Fini releases
// whatever the sub-protocol is holding.
type Finalizer interface {
	Fini()
}

// Conn is one NABU client connection, or a TCP listener.
type Conn struct {
	*connio.ConnIO

	typ     Type
	log     zerolog.Logger
	rootLog zerolog.Logger

	// Serial connection properties, tracked for display purposes.
	baud        int
	stopBits    int
	flowControl bool

	// Listener-only accept source.
	ln net.Listener

	// Root of this connection's local file storage.
	fileRoot string

	// The outgoing packet is escaped into this scratch buffer. It is
	// double MaxPacketSize so that every byte may be escaped. The
	// buffer is a pooled chunk checked out for the connection's
	// lifetime.
	pktChunk *rp.Element
	pktBuf   []byte

	// Registry bookkeeping; these fields are protected by the registry
	// mutex, not the connection mutex.
	onList    bool
	enumCount uint32
	prev      *Conn
	next      *Conn

	// mutex protects the selected state below.
	mutex           sync.Mutex
	lChannel        *image.Channel
	lSelectedFile   string
	lLastImage      *image.Image
	retronetEnabled bool

	// Sub-protocol session state. NHACP sessions are keyed by session
	// id; RetroNet keeps a single bag of blobs.
	nhacpSessions map[uint8]Finalizer
	retronet      Finalizer
}

func newConn(name string, typ Type, ep connio.Endpoint, log zerolog.Logger) *Conn {
	c := &Conn{
		ConnIO:        connio.New(name, ep, log),
		typ:           typ,
		log:           log.With().Str("conn", name).Logger(),
		rootLog:       log,
		nhacpSessions: make(map[uint8]Finalizer),
	}
	c.pktChunk, c.pktBuf = getScratch()
	return c
}

// ConnType returns the connection's transport kind.
func (c *Conn) ConnType() Type {
	return c.typ
}

// SerialParams returns the serial parameters captured at creation time.
// They are advisory; nothing re-applies them later.
func (c *Conn) SerialParams() (baud, stopBits int, flowControl bool) {
	return c.baud, c.stopBits, c.flowControl
}

// FileRoot returns the root of the connection's local file storage, or
// "" if it has none.
func (c *Conn) FileRoot() string {
	return c.fileRoot
}

// PacketBuf returns the connection's escape scratch buffer.
func (c *Conn) PacketBuf() []byte {
	return c.pktBuf
}

// Cancel aborts the connection, closing the accept source as well when
// this is a listener.
func (c *Conn) Cancel() {
	c.ConnIO.Cancel()
	if c.ln != nil {
		c.ln.Close()
	}
}

// Destroy removes the connection from the registry (waiting out any
// enumerators), runs reboot cleanup, and tears the byte channel down.
func (c *Conn) Destroy() {
	registryRemove(c)

	if oimg := c.SetLastImage(nil); oimg != nil {
		oimg.Release()
	}
	c.Reboot()

	c.Close()
	if c.ln != nil {
		c.ln.Close()
	}
	putScratch(c.pktChunk)
	c.pktChunk = nil

	c.log.Info().Msg("Connection destroyed.")
}

// Reboot handles a reboot of the client at the other end of the
// connection: all sub-protocol state is discarded.
func (c *Conn) Reboot() {
	c.mutex.Lock()
	sessions := c.nhacpSessions
	rn := c.retronet
	c.nhacpSessions = make(map[uint8]Finalizer)
	c.retronet = nil
	c.mutex.Unlock()

	if len(sessions) != 0 {
		c.log.Info().Msg("Clearing previous NHACP state.")
		for _, s := range sessions {
			s.Fini()
		}
	}
	if rn != nil {
		c.log.Info().Msg("Clearing previous RetroNet state.")
		rn.Fini()
	}
}

// AddNHACPSession attaches an NHACP session. Returns false if the id is
// already taken.
func (c *Conn) AddNHACPSession(id uint8, s Finalizer) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.nhacpSessions[id]; ok {
		return false
	}
	c.nhacpSessions[id] = s
	return true
}

// RemoveNHACPSession detaches an NHACP session without finalizing it.
func (c *Conn) RemoveNHACPSession(id uint8) {
	c.mutex.Lock()
	delete(c.nhacpSessions, id)
	c.mutex.Unlock()
}

// NHACPSessionCount returns the number of live NHACP sessions.
func (c *Conn) NHACPSessionCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.nhacpSessions)
}

// SetRetroNet attaches the RetroNet session bag. Returns the previous
// one, if any.
func (c *Conn) SetRetroNet(rn Finalizer) Finalizer {
	c.mutex.Lock()
	orn := c.retronet
	c.retronet = rn
	c.mutex.Unlock()
	return orn
}

// RetroNet returns the connection's RetroNet session bag, or nil.
func (c *Conn) RetroNet() Finalizer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.retronet
}

// RetroNetEnabled mirrors the currently-selected channel's flag.
func (c *Conn) RetroNetEnabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.retronetEnabled
}

// LastImage returns the last image used by the connection.
func (c *Conn) LastImage() *image.Image {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lLastImage
}

// SetLastImage sets the specified image as the most-recent. Returns the
// old value.
func (c *Conn) SetLastImage(img *image.Image) *image.Image {
	c.mutex.Lock()
	oimg := c.lLastImage
	c.lLastImage = img
	c.mutex.Unlock()
	return oimg
}

// SetLastImageIf is like SetLastImage, but only swaps if the last image
// matches the specified value; it returns the old image on a successful
// swap and nil otherwise.
func (c *Conn) SetLastImageIf(match, img *image.Image) *image.Image {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.lLastImage != match {
		return nil
	}
	oimg := c.lLastImage
	c.lLastImage = img
	return oimg
}

// Channel returns the connection's currently-selected channel.
func (c *Conn) Channel() *image.Channel {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lChannel
}

// SetChannel sets the specified channel as the connection's selected
// channel. Changing the channel clears the selected file, and the
// RetroNet enable follows the channel in the same critical section.
func (c *Conn) SetChannel(ch *image.Channel) {
	c.mutex.Lock()
	c.lChannel = ch
	c.retronetEnabled = ch.RetroNetEnabled
	c.lSelectedFile = ""
	c.mutex.Unlock()
}

// SelectedFile returns the selected file on this connection, falling
// back to the channel's default file, or "" if neither is set.
func (c *Conn) SelectedFile() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.lSelectedFile != "" {
		return c.lSelectedFile
	}
	if c.lChannel != nil {
		return c.lChannel.DefaultFile
	}
	return ""
}

// SetSelectedFile sets the selected file for the connection.
func (c *Conn) SetSelectedFile(name string) {
	c.mutex.Lock()
	c.lSelectedFile = name
	c.mutex.Unlock()
}

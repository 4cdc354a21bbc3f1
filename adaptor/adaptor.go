// Package adaptor implements the NABU Adaptor emulation: the
// byte-accurate request/response state machine each connection worker
// runs. Protocol information and message details originate from
// NabuNetworkEmulator (AdaptorEmulator.cs) by Nick Daniels.
package adaptor

import (
	"time"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/connio"
	"github.com/nabunet/nabud/image"
	"github.com/nabunet/nabud/nabu"

	"github.com/rs/zerolog"
)

// Once a request has started, no single I/O may take longer than this.
const requestWatchdog = 10 * time.Second

// SubHandler is a sub-protocol dispatcher (RetroNet, NHACP). Request
// inspects the opcode; if it recognises it, it consumes whatever
// follow-up bytes its protocol requires and returns true.
type SubHandler interface {
	Request(c *conn.Conn, msg uint8) bool
}

// Adaptor runs the classic protocol against an image provider, with
// optional sub-protocol extensions.
type Adaptor struct {
	Images   *image.Provider
	RetroNet SubHandler
	NHACP    SubHandler

	log zerolog.Logger
}

// New builds an Adaptor.
func New(images *image.Provider, log zerolog.Logger) *Adaptor {
	return &Adaptor{
		Images: images,
		log:    log.With().Str("subsys", "adaptor").Logger(),
	}
}

// escapePacket copies buf into the connection's packet scratch buffer,
// doubling any byte that matches the escape value, and returns the
// escaped slice.
func escapePacket(c *conn.Conn, buf []byte) []byte {
	pktbuf := c.PacketBuf()
	n := nabu.Escape(pktbuf, buf)
	return pktbuf[:n]
}

// expectByte waits for an expected byte from the NABU.
func (a *Adaptor) expectByte(c *conn.Conn, val uint8) bool {
	got, ok := c.RecvByte()
	if !ok {
		a.log.Error().Str("conn", c.Name()).Msg("Receive error.")
		return false
	}
	a.log.Debug().Str("conn", c.Name()).
		Uint8("expected", val).Uint8("got", got).
		Msg("Expecting byte.")
	return val == got
}

// expectAck waits for an ACK sequence from the NABU.
func (a *Adaptor) expectAck(c *conn.Conn) bool {
	for _, val := range nabu.MsgSeqAck {
		if !a.expectByte(c, val) {
			return false
		}
	}
	return true
}

func (a *Adaptor) sendAck(c *conn.Conn) {
	c.Send(nabu.MsgSeqAck)
}

func (a *Adaptor) sendConfirmed(c *conn.Conn) {
	c.SendByte(nabu.StateConfirmed)
}

// sendUnauthorized sends an UNAUTHORIZED message and waits out the
// NABU's ACK.
func (a *Adaptor) sendUnauthorized(c *conn.Conn) {
	a.log.Debug().Str("conn", c.Name()).Msg("Sending UNAUTHORIZED.")
	c.SendByte(nabu.ServiceUnauthorized)
	if a.expectAck(c) {
		a.log.Debug().Str("conn", c.Name()).Msg("Received ACK.")
	} else {
		a.log.Error().Str("conn", c.Name()).Msg("NABU failed to ACK.")
	}
}

// sendPacket sends a fully-framed packet to the NABU: AUTHORIZED, wait
// for the ACK, then the escaped packet bytes followed by FINISHED. If
// the ACK never comes the packet is abandoned; the connection stays up
// and the NABU retries at the protocol level.
func (a *Adaptor) sendPacket(c *conn.Conn, buf []byte) {
	escaped := escapePacket(c, buf)
	a.log.Debug().Str("conn", c.Name()).Msg("Sending AUTHORIZED.")
	c.SendByte(nabu.ServiceAuthorized)
	a.log.Debug().Str("conn", c.Name()).Msg("Waiting for NABU to ACK.")
	if a.expectAck(c) {
		a.log.Debug().Str("conn", c.Name()).Msg("Received ACK, sending packet.")
		c.Send(escaped)
		c.Send(nabu.MsgSeqFinished)
	} else {
		a.log.Error().Str("conn", c.Name()).Msg("NABU failed to ACK.")
	}
}

// sendPak extracts the specified segment from a pre-wrapped image pak
// and sends it to the NABU. PAK segments carry a CRC that has to be
// refreshed after extraction.
func (a *Adaptor) sendPak(c *conn.Conn, img *image.Image, segment uint16) bool {
	length := nabu.TotalPayloadSize
	off := int(segment)*length + 2*int(segment) + 2
	last := false

	if off >= img.Length() {
		a.log.Error().Str("conn", c.Name()).Str("pak", img.Name).
			Int("offset", off).Int("size", img.Length()).
			Msg("PAK offset exceeds pak size.")
		a.sendUnauthorized(c)
		return false
	}

	if off+length >= img.Length() {
		length = img.Length() - off
		last = true
	}

	if length < nabu.HeaderSize+nabu.FooterSize {
		a.log.Error().Str("conn", c.Name()).Str("pak", img.Name).
			Int("offset", off).Int("length", length).
			Msg("PAK length is nonsensical.")
		a.sendUnauthorized(c)
		return last
	}

	pktbuf := make([]byte, length)
	copy(pktbuf, img.Data[off:off+length])

	crc := nabu.CRC16Genibus(pktbuf[:length-2])
	nabu.SetCRC(pktbuf[length-2:], crc)

	a.log.Debug().Str("conn", c.Name()).
		Uint16("segment", segment).Uint32("image", img.Number).Bool("last", last).
		Msg("Sending PAK segment.")
	a.sendPacket(c, pktbuf)
	return last
}

// sendImage wraps the region specified by segment in the provided image
// buffer in a properly structured packet and sends it to the NABU.
func (a *Adaptor) sendImage(c *conn.Conn, imageNum uint32, segment uint16, img *image.Image) bool {
	// PAK images are pre-wrapped, so they're processed a little
	// differently. Time packets don't have a channel, so check for
	// that.
	if img.Channel != nil && img.Channel.Type == image.ChannelPak {
		return a.sendPak(c, img, segment)
	}

	off := int(segment) * nabu.MaxPayloadSize
	length := nabu.MaxPayloadSize
	last := false

	if off >= img.Length() {
		a.log.Error().Str("conn", c.Name()).
			Uint32("image", imageNum).Uint16("segment", segment).
			Int("offset", off).Int("size", img.Length()).
			Msg("Segment offset exceeds image size.")
		a.sendUnauthorized(c)
		return false
	}

	if off+length >= img.Length() {
		length = img.Length() - off
		last = true
	}

	pktbuf := make([]byte, nabu.HeaderSize+length+nabu.FooterSize)
	i := nabu.InitPacketHeader(pktbuf, imageNum, segment, uint16(off), last)
	copy(pktbuf[i:], img.Data[off:off+length])
	i += length
	crc := nabu.CRC16Genibus(pktbuf[:i])
	i += nabu.SetCRC(pktbuf[i:], crc)

	a.log.Debug().Str("conn", c.Name()).
		Uint16("segment", segment).Uint32("image", imageNum).Bool("last", last).
		Msg("Sending segment.")
	a.sendPacket(c, pktbuf[:i])
	return last
}

// sendTime sends a time packet to the NABU.
func (a *Adaptor) sendTime(c *conn.Conn) {
	now := time.Now()

	t := [nabu.TimestampSize]byte{
		0x02, 0x02, // mystery
		uint8(now.Weekday()) + 1,
		84, // as in 1984
		uint8(now.Month()),
		uint8(now.Day()),
		uint8(now.Hour()),
		uint8(now.Minute()),
		uint8(now.Second()),
	}

	img := &image.Image{
		Name:   "TimeImage",
		Data:   t[:],
		Number: nabu.ImageTime,
	}
	a.sendImage(c, nabu.ImageTime, 0, img)
}

// msgReset handles the RESET message.
func (a *Adaptor) msgReset(c *conn.Conn) {
	c.Reboot()
	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK + CONFIRMED.")
	a.sendAck(c)
	a.sendConfirmed(c)
}

// msgMystery handles the mystery message.
func (a *Adaptor) msgMystery(c *conn.Conn) {
	var msg [2]byte

	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK.")
	a.sendAck(c)

	a.log.Debug().Str("conn", c.Name()).Msg("Expecting the NABU to send 2 bytes.")
	if !c.Recv(msg[:]) {
		a.log.Error().Str("conn", c.Name()).Msg("Those two bytes never arrived.")
	} else {
		a.log.Debug().Str("conn", c.Name()).
			Uint8("msg0", msg[0]).Uint8("msg1", msg[1]).Msg("Mystery bytes.")
	}
	a.log.Debug().Str("conn", c.Name()).Msg("Sending CONFIRMED.")
	a.sendConfirmed(c)
}

// msgChannelStatus answers the SIGNAL status query: YES if a channel is
// selected, NO otherwise.
func (a *Adaptor) msgChannelStatus(c *conn.Conn) {
	if c.Channel() != nil {
		a.log.Debug().Str("conn", c.Name()).Msg("Sending SIGNAL_STATUS_YES.")
		c.SendByte(nabu.SignalStatusYes)
	} else {
		a.log.Debug().Str("conn", c.Name()).Msg("Sending SIGNAL_STATUS_NO.")
		c.SendByte(nabu.SignalStatusNo)
	}
	c.Send(nabu.MsgSeqFinished)
}

// msgTransmitStatus answers the TRANSMIT status query.
func (a *Adaptor) msgTransmitStatus(c *conn.Conn) {
	a.log.Debug().Str("conn", c.Name()).Msg("Sending FINISHED.")
	c.SendByte(nabu.SignalStatusYes)
	c.Send(nabu.MsgSeqFinished)
}

// msgGetStatus handles the GET_STATUS message.
func (a *Adaptor) msgGetStatus(c *conn.Conn) {
	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK.")
	a.sendAck(c)

	a.log.Debug().Str("conn", c.Name()).Msg("Expecting the NABU to send status type.")
	msg, ok := c.RecvByte()
	if !ok {
		a.log.Error().Str("conn", c.Name()).Msg("Status type never arrived.")
		c.SetState(connio.StateAborted)
		return
	}
	switch msg {
	case nabu.StatusSignal:
		a.log.Debug().Str("conn", c.Name()).Msg("Channel status requested.")
		a.msgChannelStatus(c)

	case nabu.StatusTransmit:
		a.log.Debug().Str("conn", c.Name()).Msg("Transmit status requested.")
		a.msgTransmitStatus(c)

	default:
		a.log.Error().Str("conn", c.Name()).Uint8("type", msg).
			Msg("Unknown status type requested.")
	}
}

// msgStartUp handles the START_UP message.
func (a *Adaptor) msgStartUp(c *conn.Conn) {
	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK + CONFIRMED.")
	a.sendAck(c)
	a.sendConfirmed(c)
}

// msgPacketRequest handles the PACKET_REQUEST message.
func (a *Adaptor) msgPacketRequest(c *conn.Conn) {
	var msg [4]byte

	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK.")
	a.sendAck(c)

	if !c.Recv(msg[:]) {
		a.log.Error().Str("conn", c.Name()).
			Msg("NABU failed to send segment/image message.")
		c.SetState(connio.StateAborted)
		return
	}

	segment := uint16(msg[0])
	imageNum := nabu.GetUint24(msg[1:])
	a.log.Debug().Str("conn", c.Name()).
		Uint16("segment", segment).Uint32("image", imageNum).
		Msg("NABU requested a segment.")

	a.log.Debug().Str("conn", c.Name()).Msg("Sending CONFIRMED.")
	a.sendConfirmed(c)

	if imageNum == nabu.ImageTime {
		if segment == 0 {
			a.log.Debug().Str("conn", c.Name()).Msg("Sending time packet.")
			a.sendTime(c)
			return
		}
		a.log.Error().Str("conn", c.Name()).Uint16("segment", segment).
			Msg("Unexpected request for segment of time image.")
		a.sendUnauthorized(c)
		return
	}

	img, err := a.Images.Load(c, imageNum)
	if err != nil {
		a.log.Error().Str("conn", c.Name()).Uint32("image", imageNum).Err(err).
			Msg("Unable to load image.")
		a.sendUnauthorized(c)
		return
	}

	a.log.Debug().Str("conn", c.Name()).
		Uint16("segment", segment).Uint32("image", imageNum).
		Msg("Sending segment of image.")
	a.Images.Unload(c, img, a.sendImage(c, imageNum, segment, img))
}

// msgChangeChannel handles the CHANGE_CHANNEL message.
func (a *Adaptor) msgChangeChannel(c *conn.Conn) {
	var msg [2]byte

	a.log.Debug().Str("conn", c.Name()).Msg("Sending ACK.")
	a.sendAck(c)

	a.log.Debug().Str("conn", c.Name()).Msg("Waiting for NABU to send channel code.")
	if !c.Recv(msg[:]) {
		a.log.Error().Str("conn", c.Name()).Msg("NABU failed to send channel code.")
		c.SetState(connio.StateAborted)
		return
	}

	channel := int16(nabu.GetUint16(msg[:]))
	a.log.Info().Str("conn", c.Name()).Int16("channel", channel).
		Msg("NABU selected channel.")

	a.Images.ChannelSelect(c, channel)

	a.log.Debug().Str("conn", c.Name()).Msg("Sending CONFIRMED.")
	a.sendConfirmed(c)
}

var classicMsgNames = [...]string{
	nabu.MsgReset - nabu.MsgClassicFirst:         "RESET",
	nabu.MsgMystery - nabu.MsgClassicFirst:       "MYSTERY",
	nabu.MsgGetStatus - nabu.MsgClassicFirst:     "GET_STATUS",
	nabu.MsgStartUp - nabu.MsgClassicFirst:       "START_UP",
	nabu.MsgPacketRequest - nabu.MsgClassicFirst: "PACKET_REQUEST",
	nabu.MsgChangeChannel - nabu.MsgClassicFirst: "CHANGE_CHANNEL",
}

// msgClassic checks for and processes a classic NABU message.
func (a *Adaptor) msgClassic(c *conn.Conn, msg uint8) bool {
	if !nabu.IsClassic(msg) {
		// Not a classic NABU message.
		return false
	}

	handlers := [...]func(*conn.Conn){
		nabu.MsgReset - nabu.MsgClassicFirst:         a.msgReset,
		nabu.MsgMystery - nabu.MsgClassicFirst:       a.msgMystery,
		nabu.MsgGetStatus - nabu.MsgClassicFirst:     a.msgGetStatus,
		nabu.MsgStartUp - nabu.MsgClassicFirst:       a.msgStartUp,
		nabu.MsgPacketRequest - nabu.MsgClassicFirst: a.msgPacketRequest,
		nabu.MsgChangeChannel - nabu.MsgClassicFirst: a.msgChangeChannel,
	}

	idx := msg - nabu.MsgClassicFirst
	a.log.Debug().Str("conn", c.Name()).Str("msg", classicMsgNames[idx]).
		Msg("Got classic message.")
	handlers[idx](c)
	return true
}

// EventLoop is the main event loop for the Adaptor emulation; it is the
// body of every connection worker.
func (a *Adaptor) EventLoop(c *conn.Conn) {
	a.log.Info().Str("conn", c.Name()).Msg("Connection starting.")

	for {
		// Block "forever" waiting for requests.
		c.StopWatchdog()

		a.log.Debug().Str("conn", c.Name()).Msg("Waiting for NABU.")
		msg, ok := c.RecvByte()
		if !ok {
			if !c.CheckState() {
				// Reason already logged.
				break
			}
			a.log.Debug().Str("conn", c.Name()).
				Msg("Receive failed, continuing event loop.")
			continue
		}

		// Now that there's a request, no single I/O may take longer
		// than the watchdog allows.
		c.StartWatchdog(requestWatchdog)

		// First check for a classic message.
		if a.msgClassic(c, msg) {
			continue
		}

		// Check for a RetroNet request.
		if a.RetroNet != nil && a.RetroNet.Request(c, msg) {
			continue
		}

		// Check for NHACP mode.
		if a.NHACP != nil && a.NHACP.Request(c, msg) {
			continue
		}

		a.log.Error().Str("conn", c.Name()).Uint8("msg", msg).
			Msg("Got unexpected message.")
	}
}

// Package nhacp implements the NHACP extension protocol: a framed
// file-access mode entered from the legacy adaptor loop. Once a
// connection is in NHACP mode this package owns the byte stream until
// END-PROTOCOL (or something goes wrong enough to assume the NABU was
// reset).
package nhacp

import (
	"fmt"
	"time"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/image"
	"github.com/nabunet/nabud/nabu"

	"github.com/rs/zerolog"
)

// Per the protocol, each individual message transfer must complete
// within 1 second.
const messageWatchdog = time.Second

// We support up to version 0.1, and the CRC-8 frame check option.
const (
	serverVersion  = Vers01
	serverOptions  = OptionCRC8
)

// NHACP is the sub-protocol dispatcher handed to the adaptor loop.
type NHACP struct {
	fetcher   *image.Fetcher
	adapterID string
	log       zerolog.Logger
}

// New builds the NHACP dispatcher. adapterID is reported to clients in
// the NHACP-STARTED response.
func New(fetcher *image.Fetcher, adapterID string, log zerolog.Logger) *NHACP {
	return &NHACP{
		fetcher:   fetcher,
		adapterID: adapterID,
		log:       log.With().Str("subsys", "nhacp").Logger(),
	}
}

// context is one NHACP session.
type context struct {
	conn    *conn.Conn
	version uint16
	options uint16
	storage *storage
	log     zerolog.Logger
}

// Fini implements conn.Finalizer: close every open slot.
func (ctx *context) Fini() {
	ctx.storage.closeAll()
}

func (ctx *context) crcLen() int {
	if ctx.options&OptionCRC8 != 0 {
		return 1
	}
	return 0
}

// sendReply frames and transmits an NHACP reply: u16 length (which
// includes the CRC byte when that option is on), type byte, body.
func (ctx *context) sendReply(typ uint8, body []byte) {
	crclen := ctx.crcLen()
	length := 1 + len(body) + crclen

	frame := make([]byte, 2+length)
	nabu.PutUint16(frame[0:], uint16(length))
	frame[2] = typ
	copy(frame[3:], body)

	if crclen != 0 {
		// The CRC covers the length field too.
		frame[len(frame)-1] = CRC8WCDMA(frame[:len(frame)-1])
	}

	ctx.conn.Send(frame)
}

func (ctx *context) sendOK() {
	ctx.sendReply(RespOK, nil)
}

func (ctx *context) sendErrorDetails(code uint16, maxMessageLen int) {
	message := ""
	if maxMessageLen != 0 {
		var ok bool
		if message, ok = errorStrings[code]; !ok {
			message = fmt.Sprintf("UNKNOWN ERROR %d", code)
		}
		if len(message) > maxMessageLen {
			message = message[:maxMessageLen]
		}
	}

	body := make([]byte, 3+len(message))
	nabu.PutUint16(body[0:], code)
	body[2] = uint8(len(message))
	copy(body[3:], message)
	ctx.sendReply(RespError, body)
}

func (ctx *context) sendError(code uint16) {
	// The original NHACP draft always sent error details.
	maxLen := 0
	if ctx.version == Vers00 {
		maxLen = 255
	}
	ctx.sendErrorDetails(code, maxLen)
}

func (ctx *context) sendDataBuffer(data []byte) {
	body := make([]byte, 2+len(data))
	nabu.PutUint16(body[0:], uint16(len(data)))
	copy(body[2:], data)
	ctx.sendReply(RespDataBuffer, body)
}

// maxPayload returns the variable-payload bound for the given request
// type, which differs for the 0.0 draft.
func (ctx *context) maxPayload(typ uint8) int {
	if ctx.version == Vers00 {
		switch typ {
		case ReqStorageGet, ReqStorageGetBlock:
			return MTU00 - 3 // data-buffer response header
		case ReqStoragePut, ReqStoragePutBlock:
			return MTU00 - 8 // storage-put request header
		}
	}
	return MaxPayload
}

// reqStorageOpen handles the STORAGE-OPEN request.
func (ctx *context) reqStorageOpen(body []byte) {
	reqSlot := body[1]
	flags := nabu.GetUint16(body[2:])
	urlLen := int(body[4])
	if len(body) < 5+urlLen {
		ctx.sendError(EInval)
		return
	}
	url := string(body[5 : 5+urlLen])

	// NHACP-0.0 did not define any open flags, even though it had a
	// slot for them.
	if ctx.version == Vers00 {
		flags = ORdwr | OCreat
	}

	f, size, err := ctx.storage.open(url, reqSlot, flags)
	if err != nil {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Str("url", url).Err(err).
			Msg("STORAGE-OPEN failed.")
		ctx.sendError(errorCode(err))
		return
	}

	body = make([]byte, 5)
	body[0] = f.slot
	nabu.PutUint32(body[1:], size)
	ctx.sendReply(RespStorageLoaded, body)
}

// reqStorageGet handles the STORAGE-GET request.
func (ctx *context) reqStorageGet(body []byte) {
	slot := body[1]
	f := ctx.storage.find(slot)
	if f == nil {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
			Msg("No file for slot.")
		ctx.sendError(EBadF)
		return
	}

	offset := nabu.GetUint32(body[2:])
	length := int(nabu.GetUint16(body[6:]))
	ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
		Uint32("offset", offset).Int("length", length).Msg("STORAGE-GET.")

	if length > ctx.maxPayload(ReqStorageGet) {
		ctx.sendError(EInval)
		return
	}

	buf := make([]byte, length)
	n, err := f.pread(buf, offset)
	if err != nil {
		ctx.sendError(errorCode(err))
		return
	}
	ctx.sendDataBuffer(buf[:n])
}

// reqStoragePut handles the STORAGE-PUT request.
func (ctx *context) reqStoragePut(body []byte) {
	slot := body[1]
	f := ctx.storage.find(slot)
	if f == nil {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
			Msg("No file for slot.")
		ctx.sendError(EBadF)
		return
	}

	offset := nabu.GetUint32(body[2:])
	length := int(nabu.GetUint16(body[6:]))
	ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
		Uint32("offset", offset).Int("length", length).Msg("STORAGE-PUT.")

	if length > ctx.maxPayload(ReqStoragePut) || len(body) < 8+length {
		ctx.sendError(EInval)
		return
	}

	if err := f.pwrite(body[8:8+length], offset); err != nil {
		ctx.sendError(errorCode(err))
		return
	}
	ctx.sendOK()
}

// blockOffset validates a block-I/O request and returns the byte offset.
func (ctx *context) blockOffset(blkno uint32, blklen int) (uint32, bool) {
	// Don't overflow the 32-bit file offsets the storage extensions
	// use.
	offset := uint64(blkno) * uint64(blklen)
	if blklen != 0 && offset > uint64(^uint32(0))-uint64(blklen)+1 {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint64("offset", offset).
			Msg("Block offset too large.")
		return 0, false
	}
	return uint32(offset), true
}

// reqStorageGetBlock handles the STORAGE-GET-BLOCK request.
func (ctx *context) reqStorageGetBlock(body []byte) {
	slot := body[1]
	f := ctx.storage.find(slot)
	if f == nil {
		ctx.sendError(EBadF)
		return
	}

	blkno := nabu.GetUint32(body[2:])
	blklen := int(nabu.GetUint16(body[6:]))
	ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
		Uint32("blkno", blkno).Int("blklen", blklen).Msg("STORAGE-GET-BLOCK.")

	offset, ok := ctx.blockOffset(blkno, blklen)
	if !ok || blklen > ctx.maxPayload(ReqStorageGetBlock) {
		ctx.sendError(EInval)
		return
	}

	buf := make([]byte, blklen)
	n, err := f.pread(buf, offset)
	if err != nil {
		ctx.sendError(errorCode(err))
		return
	}
	if n != blklen {
		// Partial reads not allowed for block I/O.
		ctx.sendError(EInval)
		return
	}
	ctx.sendDataBuffer(buf)
}

// reqStoragePutBlock handles the STORAGE-PUT-BLOCK request.
func (ctx *context) reqStoragePutBlock(body []byte) {
	slot := body[1]
	f := ctx.storage.find(slot)
	if f == nil {
		ctx.sendError(EBadF)
		return
	}

	blkno := nabu.GetUint32(body[2:])
	blklen := int(nabu.GetUint16(body[6:]))
	ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
		Uint32("blkno", blkno).Int("blklen", blklen).Msg("STORAGE-PUT-BLOCK.")

	offset, ok := ctx.blockOffset(blkno, blklen)
	if !ok || blklen > ctx.maxPayload(ReqStoragePutBlock) || len(body) < 8+blklen {
		ctx.sendError(EInval)
		return
	}

	// Block I/O may not extend the file.
	size, err := f.size()
	if err != nil {
		ctx.sendError(errorCode(err))
		return
	}
	if uint64(offset)+uint64(blklen) > uint64(size) {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint32("size", size).
			Msg("Request would extend file.")
		ctx.sendError(EInval)
		return
	}

	if err := f.pwrite(body[8:8+blklen], offset); err != nil {
		ctx.sendError(errorCode(err))
		return
	}
	ctx.sendOK()
}

// reqGetDateTime handles the GET-DATE-TIME request.
func (ctx *context) reqGetDateTime(body []byte) {
	// The date and time fields are adjacent with no NUL provision:
	// YYYYMMDDHHMMSS.
	stamp := time.Now().Format("20060102150405")
	ctx.sendReply(RespDateTime, []byte(stamp))
}

// reqFileClose handles the FILE-CLOSE request. There is no reply.
func (ctx *context) reqFileClose(body []byte) {
	slot := body[1]
	if ctx.storage.find(slot) == nil {
		ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
			Msg("No file for slot.")
		return
	}
	ctx.log.Debug().Str("conn", ctx.conn.Name()).Uint8("slot", slot).
		Msg("Closing file.")
	ctx.storage.closeSlot(slot)
}

// reqGetErrorDetails handles the GET-ERROR-DETAILS request.
func (ctx *context) reqGetErrorDetails(body []byte) {
	code := nabu.GetUint16(body[1:])
	maxLen := int(body[3])
	ctx.sendErrorDetails(code, maxLen)
}

// requestTypes maps request type to handler and minimum request length.
type requestEntry struct {
	handler   func(*context, []byte)
	debugDesc string
	minReqLen int
}

var requestTypes = map[uint8]requestEntry{
	ReqStorageOpen:     {(*context).reqStorageOpen, "STORAGE-OPEN", 5},
	ReqStorageGet:      {(*context).reqStorageGet, "STORAGE-GET", 8},
	ReqStoragePut:      {(*context).reqStoragePut, "STORAGE-PUT", 8},
	ReqGetDateTime:     {(*context).reqGetDateTime, "GET-DATE-TIME", 1},
	ReqFileClose:       {(*context).reqFileClose, "FILE-CLOSE", 2},
	ReqGetErrorDetails: {(*context).reqGetErrorDetails, "GET-ERROR-DETAILS", 4},
	ReqStorageGetBlock: {(*context).reqStorageGetBlock, "STORAGE-GET-BLOCK", 8},
	ReqStoragePutBlock: {(*context).reqStoragePutBlock, "STORAGE-PUT-BLOCK", 8},
}

// reqLenOK applies the protocol-version length sanity check.
func (ctx *context) reqLenOK(reqlen uint16) bool {
	if ctx.version == Vers00 {
		// No legitimate message has the MSB set in its length; if it
		// is, assume the NABU reset and is sending legacy messages.
		return reqlen&0x8000 == 0
	}
	// Stricter: the length may not exceed the MTU, which is sized so a
	// message can arrive within the allotted time.
	return reqlen <= MTU
}

// requestCheck validates an incoming request frame.
func (ctx *context) requestCheck(frame []byte) bool {
	body := frame[2:]
	typ := body[0]

	entry, ok := requestTypes[typ]
	if !ok {
		ctx.log.Error().Str("conn", ctx.conn.Name()).Uint8("type", typ).
			Msg("Unknown NHACP request.")
		return false
	}

	if len(body)-ctx.crcLen() < entry.minReqLen {
		ctx.log.Error().Str("conn", ctx.conn.Name()).Int("length", len(body)).
			Int("min", entry.minReqLen).Msg("Runt NHACP request.")
		return false
	}

	if ctx.options&OptionCRC8 != 0 {
		crc := frame[len(frame)-1]
		if crc == 0 {
			ctx.log.Debug().Str("conn", ctx.conn.Name()).
				Msg("Client omitted CRC-8 on this request.")
		} else if CRC8WCDMA(frame) != 0 {
			ctx.log.Error().Str("conn", ctx.conn.Name()).
				Uint8("received", crc).Msg("CRC-8 failure.")
			return false
		}
	}

	return true
}

// recvStart receives and validates the versioned START-NHACP message.
// The type byte has already been consumed.
func (n *NHACP) recvStart(c *conn.Conn) (version, options uint16, ok bool) {
	c.StartWatchdog(messageWatchdog)

	var rest [7]byte // magic[3], version[2], options[2]
	if !c.Recv(rest[:]) {
		if c.CheckState() {
			n.log.Debug().Str("conn", c.Name()).
				Msg("Receive of START-NHACP message failed.")
		}
		return 0, 0, false
	}

	if rest[0] != 'A' || rest[1] != 'C' || rest[2] != 'P' {
		n.log.Debug().Str("conn", c.Name()).
			Hex("magic", rest[:3]).Msg("Invalid START-NHACP magic.")
		return 0, 0, false
	}

	version = nabu.GetUint16(rest[3:])
	options = nabu.GetUint16(rest[5:])
	n.log.Debug().Str("conn", c.Name()).
		Uint16("version", version).Uint16("options", options).
		Msg("Client requested NHACP.")

	switch version {
	case Vers00, Vers01:
	default:
		n.log.Debug().Str("conn", c.Name()).Uint16("version", version).
			Msg("Unsupported NHACP version.")
		return 0, 0, false
	}

	if options&^serverOptions != 0 {
		n.log.Debug().Str("conn", c.Name()).
			Uint16("options", options&^serverOptions).
			Msg("Unsupported NHACP options.")
		return 0, 0, false
	}
	return version, options, true
}

// Request enters NHACP mode if msg is a start message; it implements
// the adaptor's SubHandler contract.
func (n *NHACP) Request(c *conn.Conn, msg uint8) bool {
	var version, options uint16

	switch msg {
	case MsgStartNHACP00: // original draft
		n.log.Debug().Str("conn", c.Name()).Msg("Got START-NHACP (draft).")
		version = Vers00

	case MsgStartNHACP: // versioned START-NHACP
		n.log.Debug().Str("conn", c.Name()).Msg("Got START-NHACP.")
		var ok bool
		if version, options, ok = n.recvStart(c); !ok {
			// Not a valid START-NHACP, or a version we don't speak.
			return false
		}

	default:
		// Not an NHACP start message.
		return false
	}

	ctx := &context{
		conn:    c,
		version: version,
		options: options,
		storage: newStorage(c, n.fetcher),
		log:     n.log,
	}
	c.AddNHACPSession(0, ctx)

	// Send the NHACP-STARTED response.
	started := make([]byte, 3+len(n.adapterID))
	nabu.PutUint16(started[0:], serverVersion)
	started[2] = uint8(len(n.adapterID))
	copy(started[3:], n.adapterID)
	ctx.sendReply(RespNHACPStarted, started)

	n.log.Info().Str("conn", c.Name()).
		Int("major", int(version>>8)).Int("minor", int(version&0xff)).
		Msg("Entering NHACP mode.")
	if options&OptionCRC8 != 0 {
		n.log.Info().Str("conn", c.Name()).Msg("CRC-8/WCDMA FCS option enabled.")
	}

	n.eventLoop(ctx)

	n.log.Info().Str("conn", c.Name()).Msg("Exiting NHACP mode.")
	c.RemoveNHACPSession(0)
	ctx.Fini()
	return true
}

// eventLoop services framed NHACP requests until END-PROTOCOL or a
// framing failure that means the NABU is gone.
func (n *NHACP) eventLoop(ctx *context) {
	c := ctx.conn
	var lenbuf [2]byte

	for {
		// Block "forever" waiting for requests.
		c.StopWatchdog()

		// Receive the first (LSB) byte of the length by itself to
		// guard against a NABU that's been reset.
		n.log.Debug().Str("conn", c.Name()).Msg("Waiting for NABU.")
		b, ok := c.RecvByte()
		if !ok {
			if !c.CheckState() {
				return
			}
			n.log.Debug().Str("conn", c.Name()).
				Msg("Receive failed, continuing event loop.")
			continue
		}
		lenbuf[0] = b

		// First byte is in; the rest of the message has to arrive
		// promptly.
		c.StartWatchdog(messageWatchdog)

		if lenbuf[1], ok = c.RecvByte(); !ok {
			if !c.CheckState() {
				return
			}
			continue
		}
		reqlen := nabu.GetUint16(lenbuf[:])

		if reqlen == 0 {
			n.log.Debug().Str("conn", c.Name()).Msg("Received 0-length request.")
			continue
		}

		if !ctx.reqLenOK(reqlen) {
			n.log.Error().Str("conn", c.Name()).Uint16("length", reqlen).
				Msg("Bogus request length - exiting NHACP mode.")
			return
		}

		frame := make([]byte, 2+int(reqlen))
		frame[0], frame[1] = lenbuf[0], lenbuf[1]
		if !c.Recv(frame[2:]) {
			if !c.CheckState() {
				return
			}
			continue
		}

		// END-PROTOCOL first: no payload, no reply, just get out.
		if frame[2] == ReqEndProtocol {
			n.log.Debug().Str("conn", c.Name()).Msg("Got END-PROTOCOL.")
			return
		}

		if !ctx.requestCheck(frame) {
			// Already logged; skip the packet.
			continue
		}

		entry := requestTypes[frame[2]]
		n.log.Debug().Str("conn", c.Name()).Str("req", entry.debugDesc).
			Msg("Got NHACP request.")
		entry.handler(ctx, frame[2:])
	}
}

// Package retronet implements the RetroNet extension shim: a small,
// loosely-specified blob store layered on the adaptor byte stream. A
// client asks the server to fetch a resource into a numbered slot, then
// reads it back in ranges. The shim is only offered on channels that
// enable it.
package retronet

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/connio"
	"github.com/nabunet/nabud/image"
	"github.com/nabunet/nabud/nabu"

	"github.com/rs/zerolog"
)

// Request opcodes. The extension's numeric space sits above the classic
// range; see DESIGN.md for the numbering provenance.
const (
	MsgStoreHTTPGet = 0xa3
	MsgStoreGetSize = 0xa4
	MsgStoreGetData = 0xa5
)

// A slot query against an empty slot answers with this size.
const noSuchBlob = 0xffffffff

const maxURLLen = 255

// blob is one stored resource.
type blob struct {
	url  string
	data []byte
}

// store is the per-connection session bag; it implements conn.Finalizer.
type store struct {
	blobs map[uint8]*blob
}

func (s *store) Fini() {
	s.blobs = make(map[uint8]*blob)
}

// RetroNet is the sub-protocol dispatcher handed to the adaptor loop.
type RetroNet struct {
	fetcher *image.Fetcher
	log     zerolog.Logger
}

// New builds the RetroNet dispatcher.
func New(fetcher *image.Fetcher, log zerolog.Logger) *RetroNet {
	return &RetroNet{
		fetcher: fetcher,
		log:     log.With().Str("subsys", "retronet").Logger(),
	}
}

// connStore returns the connection's blob store, creating it on first
// use.
func (r *RetroNet) connStore(c *conn.Conn) *store {
	if s, ok := c.RetroNet().(*store); ok {
		return s
	}
	s := &store{blobs: make(map[uint8]*blob)}
	c.SetRetroNet(s)
	return s
}

// fetch resolves a RetroNet location: an HTTP URL, or a name under the
// connection's file root.
func (r *RetroNet) fetch(c *conn.Conn, location string) ([]byte, error) {
	if image.IsURL(location) {
		return r.fetcher.Get(location)
	}
	root := c.FileRoot()
	if root == "" {
		return nil, os.ErrPermission
	}
	clean := filepath.Clean("/" + strings.ReplaceAll(location, "\\", "/"))
	return os.ReadFile(filepath.Join(root, clean))
}

// Request dispatches a RetroNet opcode; it implements the adaptor's
// SubHandler contract. RetroNet is gated on the selected channel's
// enable flag, so its opcodes stay available to other protocols on
// channels that don't use it.
func (r *RetroNet) Request(c *conn.Conn, msg uint8) bool {
	if !c.RetroNetEnabled() {
		return false
	}

	switch msg {
	case MsgStoreHTTPGet:
		r.storeHTTPGet(c)
	case MsgStoreGetSize:
		r.storeGetSize(c)
	case MsgStoreGetData:
		r.storeGetData(c)
	default:
		return false
	}
	return true
}

// storeHTTPGet fetches a resource into a slot. Follow-up bytes: URL
// length, URL, slot. Reply: one success byte.
func (r *RetroNet) storeHTTPGet(c *conn.Conn) {
	urlLen, ok := c.RecvByte()
	if !ok {
		r.abort(c, "STORE-HTTP-GET URL length never arrived")
		return
	}
	if urlLen == 0 || int(urlLen) > maxURLLen {
		r.log.Error().Str("conn", c.Name()).Uint8("len", urlLen).
			Msg("Bad STORE-HTTP-GET URL length.")
		c.SendByte(0)
		return
	}

	buf := make([]byte, int(urlLen)+1)
	if !c.Recv(buf) {
		r.abort(c, "STORE-HTTP-GET URL never arrived")
		return
	}
	url := string(buf[:urlLen])
	slot := buf[urlLen]

	data, err := r.fetch(c, url)
	if err != nil {
		r.log.Error().Str("conn", c.Name()).Str("url", url).Err(err).
			Msg("RetroNet fetch failed.")
		c.SendByte(0)
		return
	}

	s := r.connStore(c)
	s.blobs[slot] = &blob{url: url, data: data}
	r.log.Debug().Str("conn", c.Name()).Str("url", url).Uint8("slot", slot).
		Int("length", len(data)).Msg("Stored blob.")
	c.SendByte(1)
}

// storeGetSize answers a slot's size. Follow-up: slot. Reply: u32
// little-endian size, or all-ones for an empty slot.
func (r *RetroNet) storeGetSize(c *conn.Conn) {
	slot, ok := c.RecvByte()
	if !ok {
		r.abort(c, "STORE-GET-SIZE slot never arrived")
		return
	}

	var reply [4]byte
	size := uint32(noSuchBlob)
	if b := r.connStore(c).blobs[slot]; b != nil {
		size = uint32(len(b.data))
	}
	nabu.PutUint32(reply[:], size)
	c.Send(reply[:])
}

// storeGetData answers a ranged read of a slot. Follow-up: slot, u32
// offset, u16 length. Reply: u16 actual length + data.
func (r *RetroNet) storeGetData(c *conn.Conn) {
	var req [7]byte
	if !c.Recv(req[:]) {
		r.abort(c, "STORE-GET-DATA request never arrived")
		return
	}
	slot := req[0]
	offset := nabu.GetUint32(req[1:])
	length := int(nabu.GetUint16(req[5:]))

	var data []byte
	if b := r.connStore(c).blobs[slot]; b != nil && int64(offset) < int64(len(b.data)) {
		end := int64(offset) + int64(length)
		if end > int64(len(b.data)) {
			end = int64(len(b.data))
		}
		data = b.data[offset:end]
	}

	var lenbuf [2]byte
	nabu.PutUint16(lenbuf[:], uint16(len(data)))
	c.Send(lenbuf[:])
	if len(data) != 0 {
		c.Send(data)
	}
}

func (r *RetroNet) abort(c *conn.Conn, why string) {
	r.log.Error().Str("conn", c.Name()).Msg(why + ".")
	c.SetState(connio.StateAborted)
}

package conn

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/nabunet/nabud/nabu"
)

// Packet scratch buffers are pooled: every connection checks one chunk
// out for its lifetime and escapes outgoing packets into it. The buffer
// is 2x the maximum packet size to accommodate worst-case doubling.

const scratchSize = 2 * nabu.MaxPacketSize

var pktPool *rp.RingPool

// InitScratchPool sets up the shared ring pool of packet scratch
// buffers. size bounds the number of simultaneously-live connections;
// call it once at startup, before any connection is added.
func InitScratchPool(size int, debug bool) {
	rp.Debug = debug
	pktPool = rp.NewRingPool("nabud: ", size, NewPacketBuf, scratchSize)
	pktPool.Debug = debug
}

// PacketBuf is the pooled scratch element.
type PacketBuf struct {
	buf    []byte
	length int
}

// NewPacketBuf creates a pool element. The single parameter is the
// buffer length.
func NewPacketBuf(params ...interface{}) rp.DataInterface {
	length := scratchSize
	if len(params) == 1 {
		if l, ok := params[0].(int); ok {
			length = l
		}
	}
	return &PacketBuf{
		buf: make([]byte, length),
	}
}

// SetContent fills the element.
func (p *PacketBuf) SetContent(s string) {
	p.length = copy(p.buf, s)
}

// Reset clears the element for reuse.
func (p *PacketBuf) Reset() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.length = 0
}

// PrintContent dumps the buffer for pool debugging.
func (p *PacketBuf) PrintContent() {
	fmt.Printf("Content: %x\n", p.buf[:p.length])
}

// Copy fills the element from a byte slice.
func (p *PacketBuf) Copy(src []byte) error {
	if len(src) > len(p.buf) {
		return fmt.Errorf("PacketBuf Copy: source slice (%d) is longer than the buffer (%d)",
			len(src), len(p.buf))
	}
	p.length = copy(p.buf, src)
	return nil
}

// GetSlice returns the filled part of the buffer.
func (p *PacketBuf) GetSlice() []byte {
	return p.buf[:p.length]
}

// Bytes returns the whole backing buffer.
func (p *PacketBuf) Bytes() []byte {
	return p.buf
}

func getScratch() (*rp.Element, []byte) {
	if pktPool == nil {
		// Pool not initialized (tests); fall back to a private buffer.
		return nil, make([]byte, scratchSize)
	}
	chunk := pktPool.GetElement()
	return chunk, chunk.Data.(*PacketBuf).Bytes()
}

func putScratch(chunk *rp.Element) {
	if chunk != nil {
		pktPool.ReturnElement(chunk)
	}
}

package nabu

import (
	"bytes"
	"testing"
)

// crc16Bitwise is an independent bit-at-a-time implementation used to
// cross-check the table-driven one.
func crc16Bitwise(buf []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range buf {
		crc ^= uint16(b) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc ^ 0xffff
}

func TestCRC16Genibus(t *testing.T) {
	// Standard CRC-16/GENIBUS check value.
	if got := CRC16Genibus([]byte("123456789")); got != 0x29b1 {
		t.Errorf("CRC16Genibus(123456789) = 0x%04x, expected 0x29b1", got)
	}
	if got := CRC16Genibus(nil); got != 0x0000 {
		t.Errorf("CRC16Genibus(empty) = 0x%04x, expected 0x0000", got)
	}

	testCases := [][]byte{
		{0x00},
		{0xff},
		{0x10, 0x06},
		[]byte("NABU"),
		bytes.Repeat([]byte{0x5a}, 991),
	}
	for _, tc := range testCases {
		if got, want := CRC16Genibus(tc), crc16Bitwise(tc); got != want {
			t.Errorf("CRC16Genibus(%x) = 0x%04x, bitwise reference = 0x%04x", tc, got, want)
		}
	}
}

func TestCRC16GenibusIncremental(t *testing.T) {
	full := CRC16Genibus([]byte("123456789"))

	crc := CRC16GenibusInit()
	crc = CRC16GenibusUpdate(crc, []byte("12345"))
	crc = CRC16GenibusUpdate(crc, []byte("6789"))
	if got := CRC16GenibusFini(crc); got != full {
		t.Errorf("incremental CRC = 0x%04x, expected 0x%04x", got, full)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{MsgEscape},
		{MsgEscape, MsgEscape},
		{0x00, MsgEscape, 0xff, MsgEscape, MsgEscape, 0x7f},
		bytes.Repeat([]byte{MsgEscape}, 100),
	}

	for _, tc := range testCases {
		dst := make([]byte, 2*len(tc))
		n := Escape(dst, tc)

		escapes := bytes.Count(tc, []byte{MsgEscape})
		if n != len(tc)+escapes {
			t.Errorf("Escape(%x) length = %d, expected %d", tc, n, len(tc)+escapes)
		}
		if got := Unescape(dst[:n]); !bytes.Equal(got, tc) {
			t.Errorf("Unescape(Escape(%x)) = %x", tc, got)
		}
	}
}

func TestEscapePreservesNonEscapeBytes(t *testing.T) {
	src := []byte{0x11, 0x22, MsgEscape, 0x33}
	dst := make([]byte, 2*len(src))
	n := Escape(dst, src)

	expected := []byte{0x11, 0x22, MsgEscape, MsgEscape, 0x33}
	if !bytes.Equal(dst[:n], expected) {
		t.Errorf("Escape(%x) = %x, expected %x", src, dst[:n], expected)
	}
}

func TestInitPacketHeader(t *testing.T) {
	buf := make([]byte, HeaderSize)
	n := InitPacketHeader(buf, 0x7fffff, 0, 0, true)
	if n != HeaderSize {
		t.Fatalf("header length = %d, expected %d", n, HeaderSize)
	}

	expected := []byte{
		0x7f, 0xff, 0xff, // image, big-endian
		0x00,                   // segment LSB
		0x01,                   // owner
		0x7f, 0xff, 0xff, 0xff, // tier
		0x7f, 0x80, // mystery
		0xb1,       // type: segment 0 (0xa1) | last (0x10)
		0x00, 0x00, // segment, little-endian
		0x00, 0x00, // offset, big-endian
	}
	if !bytes.Equal(buf, expected) {
		t.Errorf("header = %x, expected %x", buf, expected)
	}
}

func TestInitPacketHeaderLaterSegment(t *testing.T) {
	buf := make([]byte, HeaderSize)
	InitPacketHeader(buf, 0x000001, 2, 1982, false)

	if buf[3] != 2 {
		t.Errorf("segment LSB = %d, expected 2", buf[3])
	}
	if buf[11] != 0x20 {
		t.Errorf("type = 0x%02x, expected 0x20", buf[11])
	}
	if GetUint16(buf[12:]) != 2 {
		t.Errorf("segment = %d, expected 2", GetUint16(buf[12:]))
	}
	if GetUint16BE(buf[14:]) != 1982 {
		t.Errorf("offset = %d, expected 1982", GetUint16BE(buf[14:]))
	}
}

func TestCRCFooter(t *testing.T) {
	buf := make([]byte, FooterSize)
	SetCRC(buf, 0x29b1)
	if buf[0] != 0x29 || buf[1] != 0xb1 {
		t.Errorf("footer = %x, expected 29b1", buf)
	}
	if got := GetCRC(buf); got != 0x29b1 {
		t.Errorf("GetCRC = 0x%04x, expected 0x29b1", got)
	}
}

func TestIntHelpers(t *testing.T) {
	buf := make([]byte, 4)

	PutUint16(buf, 0x0102)
	if buf[0] != 0x02 || buf[1] != 0x01 {
		t.Errorf("PutUint16 wrote %x", buf[:2])
	}
	if GetUint16(buf) != 0x0102 {
		t.Errorf("GetUint16 = 0x%04x", GetUint16(buf))
	}

	PutUint16BE(buf, 0x0102)
	if buf[0] != 0x01 || buf[1] != 0x02 {
		t.Errorf("PutUint16BE wrote %x", buf[:2])
	}

	PutUint24BE(buf, 0x7ffffe)
	if GetUint24BE(buf) != 0x7ffffe {
		t.Errorf("GetUint24BE = 0x%06x", GetUint24BE(buf))
	}

	// The PACKET_REQUEST image id arrives little-endian.
	if GetUint24([]byte{0xff, 0xff, 0x7f}) != ImageTime {
		t.Errorf("GetUint24 time image = 0x%06x", GetUint24([]byte{0xff, 0xff, 0x7f}))
	}
}

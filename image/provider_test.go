package image

import (
	"crypto/cipher"
	"crypto/des"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nabunet/nabud/nabu"

	"github.com/rs/zerolog"
)

// stubConn is the minimal Conn for provider tests.
type stubConn struct {
	name     string
	channel  *Channel
	selected string
	last     *Image
}

func (s *stubConn) Name() string          { return s.name }
func (s *stubConn) Channel() *Channel     { return s.channel }
func (s *stubConn) SetChannel(ch *Channel) {
	s.channel = ch
	s.selected = ""
}
func (s *stubConn) SelectedFile() string {
	if s.selected != "" {
		return s.selected
	}
	if s.channel != nil {
		return s.channel.DefaultFile
	}
	return ""
}
func (s *stubConn) LastImage() *Image { return s.last }
func (s *stubConn) SetLastImage(img *Image) *Image {
	oimg := s.last
	s.last = img
	return oimg
}
func (s *stubConn) SetLastImageIf(match, img *Image) *Image {
	if s.last != match {
		return nil
	}
	oimg := s.last
	s.last = img
	return oimg
}

func testProvider(t *testing.T, channels ...*Channel) *Provider {
	t.Helper()
	return NewProvider(channels, zerolog.Nop())
}

func writeImage(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRawImage(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xc9}, 1500)
	writeImage(t, dir, "000001.nabu", payload)

	ch := &Channel{Number: 1, Name: "test", Type: ChannelNabu, Source: dir}
	p := testProvider(t, ch)
	c := &stubConn{name: "test-conn"}

	if err := p.ChannelSelect(c, 1); err != nil {
		t.Fatal(err)
	}

	img, err := p.Load(c, 0x000001)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Data, payload) {
		t.Error("image data mismatch")
	}
	if img.Refs() != 2 {
		t.Errorf("refs after load = %d, expected 2 (caller + cache)", img.Refs())
	}

	// A second load of the same number comes from the cache.
	img2, err := p.Load(c, 0x000001)
	if err != nil {
		t.Fatal(err)
	}
	if img2 != img {
		t.Error("second load did not hit the last-image cache")
	}
	if img.Refs() != 3 {
		t.Errorf("refs after cached load = %d, expected 3", img.Refs())
	}

	p.Unload(c, img2, false)
	if img.Refs() != 2 {
		t.Errorf("refs after unload = %d, expected 2", img.Refs())
	}

	// Unload after the last segment drops the cache reference too.
	p.Unload(c, img, true)
	if img.Refs() != 0 {
		t.Errorf("refs after last-segment unload = %d, expected 0", img.Refs())
	}
	if c.LastImage() != nil {
		t.Error("last image not cleared after last-segment unload")
	}
}

func TestLoadUnknownImage(t *testing.T) {
	ch := &Channel{Number: 1, Name: "test", Type: ChannelNabu, Source: t.TempDir()}
	p := testProvider(t, ch)
	c := &stubConn{name: "test-conn", channel: ch}

	if _, err := p.Load(c, 0x000002); err == nil {
		t.Error("expected an error for a missing image")
	}
}

func TestLoadNoChannel(t *testing.T) {
	p := testProvider(t)
	c := &stubConn{name: "test-conn"}

	if _, err := p.Load(c, 0x000001); err != ErrNoChannel {
		t.Errorf("err = %v, expected ErrNoChannel", err)
	}
}

func TestChannelSelectUnknown(t *testing.T) {
	ch := &Channel{Number: 1, Name: "test", Type: ChannelNabu, Source: "."}
	p := testProvider(t, ch)
	c := &stubConn{name: "test-conn", channel: ch}

	if err := p.ChannelSelect(c, 9); err != ErrUnknownChannel {
		t.Errorf("err = %v, expected ErrUnknownChannel", err)
	}
	if c.Channel() != ch {
		t.Error("unknown channel select changed the selection")
	}
}

func TestImageOneUsesSelectedFile(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "chosen.nabu", []byte("chosen"))
	writeImage(t, dir, "000001.nabu", []byte("fallback"))

	ch := &Channel{Number: 1, Name: "test", Type: ChannelNabu, Source: dir}
	p := testProvider(t, ch)
	c := &stubConn{name: "test-conn", channel: ch, selected: "chosen.nabu"}

	img, err := p.Load(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(img.Data) != "chosen" {
		t.Errorf("image 000001 loaded %q, expected the selected file", img.Data)
	}
}

func TestLoadReplacesCachedImage(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "000001.nabu", []byte("one"))
	writeImage(t, dir, "000002.nabu", []byte("two"))

	ch := &Channel{Number: 1, Name: "test", Type: ChannelNabu, Source: dir}
	p := testProvider(t, ch)
	c := &stubConn{name: "test-conn", channel: ch}

	img1, err := p.Load(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	p.Unload(c, img1, false) // keep cached

	img2, err := p.Load(c, 2)
	if err != nil {
		t.Fatal(err)
	}
	if img1.Refs() != 0 {
		t.Errorf("displaced image refs = %d, expected 0", img1.Refs())
	}
	if c.LastImage() != img2 {
		t.Error("cache does not hold the new image")
	}
}

func encryptPak(t *testing.T, plain []byte) []byte {
	t.Helper()
	block, err := des.NewCipher(nabu.PakKey)
	if err != nil {
		t.Fatal(err)
	}
	pad := des.BlockSize - len(plain)%des.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, nabu.PakIV).CryptBlocks(out, padded)
	return out
}

func TestDecryptPak(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	enc := encryptPak(t, plain)

	got, err := DecryptPak(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("DecryptPak = %x, expected %x", got, plain)
	}
}

func TestDecryptPakRejectsGarbage(t *testing.T) {
	testCases := [][]byte{
		nil,
		{0x01, 0x02, 0x03}, // not a block multiple
		bytes.Repeat([]byte{0xff}, 16),
	}
	for _, tc := range testCases {
		if _, err := DecryptPak(tc); err == nil {
			t.Errorf("DecryptPak(%x) accepted garbage", tc)
		}
	}
}

func TestParseListing(t *testing.T) {
	data := []byte("preamble about cycles\n" +
		":HomeBrew\n" +
		"HelloNABUBounce.nabu ; Hello NABU Bounce\n" +
		"! separator\n" +
		"Demo.nabu\n" +
		":Games\n" +
		"Brickbattle.nabu ; Breakout clone\n")

	l := ParseListing(data)
	if len(l.Categories) != 2 {
		t.Fatalf("categories = %d, expected 2", len(l.Categories))
	}
	if len(l.Entries) != 3 {
		t.Fatalf("entries = %d, expected 3", len(l.Entries))
	}

	e := l.Lookup(1)
	if e == nil || e.Name != "HelloNABUBounce.nabu" || e.Desc != "Hello NABU Bounce" {
		t.Errorf("entry 1 = %+v", e)
	}
	if e := l.Lookup(2); e == nil || e.Name != "Demo.nabu" || e.Desc != "" {
		t.Errorf("entry 2 = %+v", e)
	}
	if e := l.Lookup(3); e == nil || e.Name != "Brickbattle.nabu" {
		t.Errorf("entry 3 = %+v", e)
	}
	if l.Lookup(4) != nil {
		t.Error("entry 4 should not exist")
	}
}

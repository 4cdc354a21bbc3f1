package retronet

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nabunet/nabud/adaptor"
	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/image"
	"github.com/nabunet/nabud/nabu"

	"github.com/rs/zerolog"
)

type rnHarness struct {
	t      *testing.T
	client net.Conn
	conn   *conn.Conn
	dir    string
}

// newRNHarness starts an adaptor loop with the RetroNet dispatcher and,
// when enabled is true, a RetroNet-enabled channel pre-selected.
func newRNHarness(t *testing.T, enabled bool) *rnHarness {
	t.Helper()

	dir := t.TempDir()
	ch := &image.Channel{
		Number:          1,
		Name:            "retronet",
		Type:            image.ChannelNabu,
		Source:          dir,
		RetroNetEnabled: true,
	}
	images := image.NewProvider([]*image.Channel{ch}, zerolog.Nop())
	ad := adaptor.New(images, zerolog.Nop())
	ad.RetroNet = New(images.Fetcher(), zerolog.Nop())

	args := &conn.AddArgs{FileRoot: dir}
	if enabled {
		args.Channel = 1
	}

	client, server := net.Pipe()
	c := conn.Create("test-nabu", conn.TypeTCP, server, args, images,
		zerolog.Nop(), ad.EventLoop)

	h := &rnHarness{t: t, client: client, conn: c, dir: dir}
	t.Cleanup(func() {
		client.Close()
		deadline := time.Now().Add(2 * time.Second)
		for conn.Count() != 0 {
			if time.Now().After(deadline) {
				t.Fatal("connection was not destroyed")
			}
			time.Sleep(time.Millisecond)
		}
	})
	return h
}

func (h *rnHarness) send(b ...byte) {
	h.t.Helper()
	h.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.client.Write(b); err != nil {
		h.t.Fatalf("client write: %v", err)
	}
}

func (h *rnHarness) recv(n int) []byte {
	h.t.Helper()
	buf := make([]byte, n)
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for got := 0; got < n; {
		m, err := h.client.Read(buf[got:])
		if err != nil {
			h.t.Fatalf("client read: %v (got %x)", err, buf[:got])
		}
		got += m
	}
	return buf
}

// storeGet asks the server to fetch location into slot.
func (h *rnHarness) storeGet(location string, slot uint8) byte {
	h.t.Helper()
	h.send(MsgStoreHTTPGet)
	req := append([]byte{byte(len(location))}, location...)
	req = append(req, slot)
	h.send(req...)
	return h.recv(1)[0]
}

func TestStoreRoundTrip(t *testing.T) {
	h := newRNHarness(t, true)

	content := []byte("NABU BLOB CONTENT 0123456789")
	if err := os.WriteFile(filepath.Join(h.dir, "blob.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Fetch the local file into slot 3.
	if ok := h.storeGet("blob.bin", 3); ok != 1 {
		t.Fatalf("STORE-HTTP-GET answered %d", ok)
	}

	// Size query.
	h.send(MsgStoreGetSize)
	h.send(3)
	if size := nabu.GetUint32(h.recv(4)); size != uint32(len(content)) {
		t.Errorf("size = %d, expected %d", size, len(content))
	}

	// Ranged read: 10 bytes from offset 5.
	h.send(MsgStoreGetData)
	h.send(3, 5, 0, 0, 0, 10, 0)
	if n := nabu.GetUint16(h.recv(2)); n != 10 {
		t.Fatalf("data length = %d", n)
	}
	if got := h.recv(10); !bytes.Equal(got, content[5:15]) {
		t.Errorf("data = %q", got)
	}

	// Read past the end clamps.
	h.send(MsgStoreGetData)
	h.send(3, 20, 0, 0, 0, 50, 0)
	if n := nabu.GetUint16(h.recv(2)); int(n) != len(content)-20 {
		t.Fatalf("clamped length = %d", n)
	}
	h.recv(len(content) - 20)

	// Empty slot answers the no-such-blob size.
	h.send(MsgStoreGetSize)
	h.send(9)
	if size := nabu.GetUint32(h.recv(4)); size != 0xffffffff {
		t.Errorf("empty slot size = %08x", size)
	}

	// The blob store is attached to the connection and clears on
	// reboot.
	if h.conn.RetroNet() == nil {
		t.Error("no RetroNet session bag on the connection")
	}
	h.conn.Reboot()
	h.send(MsgStoreGetSize)
	h.send(3)
	if size := nabu.GetUint32(h.recv(4)); size != 0xffffffff {
		t.Errorf("slot survived reboot: size = %08x", size)
	}
}

func TestStoreGetMissingFile(t *testing.T) {
	h := newRNHarness(t, true)

	if ok := h.storeGet("no-such-file.bin", 0); ok != 0 {
		t.Errorf("STORE-HTTP-GET of a missing file answered %d", ok)
	}
}

func TestRetroNetDisabledChannel(t *testing.T) {
	h := newRNHarness(t, false)

	// With no RetroNet-enabled channel selected the opcodes fall
	// through to "unexpected message": no reply, nothing consumed.
	h.send(MsgStoreGetSize)

	buf := make([]byte, 1)
	h.client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if n, err := h.client.Read(buf); err == nil {
		t.Fatalf("server answered %x on a disabled channel", buf[:n])
	}

	// The would-be slot byte is read as a fresh opcode (lossy
	// recovery); 0x83 keeps the loop alive.
	h.send(0x83)
	got := h.recv(3)
	if !bytes.Equal(got, []byte{0x10, 0x06, 0xe4}) {
		t.Errorf("START_UP after disabled opcode answered %x", got)
	}
}

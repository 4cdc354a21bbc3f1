package control

import (
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nabunet/nabud/conn"
	"github.com/nabunet/nabud/image"

	"github.com/rs/zerolog"
)

func startTestServer(t *testing.T, channels ...*image.Channel) net.Conn {
	t.Helper()

	images := image.NewProvider(channels, zerolog.Nop())
	sock := filepath.Join(t.TempDir(), "nabud.sock")
	srv, err := Start(sock, images, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	c, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(2 * time.Second))
	return c
}

// collectReply reads atoms until DONE.
func collectReply(t *testing.T, c net.Conn) []*Atom {
	t.Helper()
	var atoms []*Atom
	for {
		a, err := ReadAtom(c)
		if err != nil {
			t.Fatal(err)
		}
		if a.Tag == AtomDone {
			return atoms
		}
		atoms = append(atoms, a)
	}
}

func TestListChannels(t *testing.T) {
	c := startTestServer(t,
		&image.Channel{Number: 1, Name: "homebrew", Type: image.ChannelNabu, Source: "/tmp/hb"},
		&image.Channel{Number: 2, Name: "cycle", Type: image.ChannelPak, Source: "/tmp/cy"},
	)

	if err := WriteAtom(c, ReqListChannels, nil); err != nil {
		t.Fatal(err)
	}

	atoms := collectReply(t, c)

	var names []string
	var numbers []int64
	for _, a := range atoms {
		switch a.Tag {
		case FieldChanName:
			names = append(names, a.String())
		case FieldChanNumber:
			numbers = append(numbers, a.Number())
		}
	}
	if len(names) != 2 || names[0] != "homebrew" || names[1] != "cycle" {
		t.Errorf("channel names = %v", names)
	}
	if len(numbers) != 2 || numbers[0] != 1 || numbers[1] != 2 {
		t.Errorf("channel numbers = %v", numbers)
	}
}

func TestChannelListing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(":HomeBrew\nHelloNABUBounce.nabu ; Hello NABU Bounce\n"))
	}))
	t.Cleanup(ts.Close)

	c := startTestServer(t, &image.Channel{
		Number:  1,
		Name:    "homebrew",
		Type:    image.ChannelNabu,
		Source:  ts.URL,
		ListURL: ts.URL + "/filesv2.txt",
	})

	if err := WriteNumber(c, ReqChannelListing, 1); err != nil {
		t.Fatal(err)
	}
	atoms := collectReply(t, c)

	var name, desc string
	for _, a := range atoms {
		switch a.Tag {
		case FieldEntryName:
			name = a.String()
		case FieldEntryDesc:
			desc = a.String()
		}
	}
	if name != "HelloNABUBounce.nabu" || desc != "Hello NABU Bounce" {
		t.Errorf("listing entry = %q / %q", name, desc)
	}

	// An unknown channel just answers DONE.
	if err := WriteNumber(c, ReqChannelListing, 9); err != nil {
		t.Fatal(err)
	}
	if atoms := collectReply(t, c); len(atoms) != 0 {
		t.Errorf("unknown channel listing returned %d atoms", len(atoms))
	}
}

func TestListAndKillConnections(t *testing.T) {
	ctl := startTestServer(t)

	// Bring up a live connection whose worker just waits for cancel.
	_, server := net.Pipe()
	stopped := make(chan struct{})
	conn.Create("victim", conn.TypeTCP, server, &conn.AddArgs{}, nil,
		zerolog.Nop(), func(nc *conn.Conn) {
			for nc.CheckState() {
				time.Sleep(time.Millisecond)
			}
			close(stopped)
		})

	if err := WriteAtom(ctl, ReqListConnections, nil); err != nil {
		t.Fatal(err)
	}
	atoms := collectReply(t, ctl)

	found := false
	for _, a := range atoms {
		if a.Tag == FieldConnName && a.String() == "victim" {
			found = true
		}
	}
	if !found {
		t.Fatal("victim connection not listed")
	}

	// Cancel it through the control interface.
	if err := WriteString(ctl, ReqKillConnection, "victim"); err != nil {
		t.Fatal(err)
	}
	collectReply(t, ctl)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("kill request did not stop the worker")
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not destroyed")
		}
		time.Sleep(time.Millisecond)
	}
}

package image

import (
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Conn is the slice of a connection the provider needs. The concrete
// connection type lives in the conn package; keeping an interface here
// avoids an import cycle and keeps the provider testable with a stub.
type Conn interface {
	Name() string
	Channel() *Channel
	SetChannel(*Channel)
	SelectedFile() string
	LastImage() *Image
	SetLastImage(*Image) *Image
	SetLastImageIf(match, img *Image) *Image
}

var (
	ErrNoChannel     = errors.New("no channel selected")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrNotFound      = errors.New("image not found")
)

// Provider owns the channel catalogue and resolves images for
// connections.
type Provider struct {
	mu       sync.RWMutex
	channels map[int16]*Channel
	fetcher  *Fetcher
	log      zerolog.Logger
}

// NewProvider builds a provider from the configured channels.
func NewProvider(channels []*Channel, log zerolog.Logger) *Provider {
	p := &Provider{
		channels: make(map[int16]*Channel),
		fetcher:  NewFetcher(log),
		log:      log.With().Str("subsys", "image").Logger(),
	}
	for _, ch := range channels {
		p.channels[ch.Number] = ch
	}
	return p
}

// Channel looks up a channel by number.
func (p *Provider) Channel(number int16) *Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channels[number]
}

// Channels returns the catalogue sorted by channel number.
func (p *Provider) Channels() []*Channel {
	p.mu.RLock()
	out := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Fetcher returns the provider's HTTP fetcher, shared with the RetroNet
// shim.
func (p *Provider) Fetcher() *Fetcher {
	return p.fetcher
}

// ChannelSelect handles a connection switching to the given channel
// number. An unknown number leaves the selection unchanged.
func (p *Provider) ChannelSelect(c Conn, number int16) error {
	ch := p.Channel(number)
	if ch == nil {
		p.log.Error().Str("conn", c.Name()).Int16("channel", number).
			Msg("Unknown channel.")
		return ErrUnknownChannel
	}
	c.SetChannel(ch)
	p.log.Debug().Str("conn", c.Name()).Str("channel", ch.Name).
		Msg("Channel selected.")
	return nil
}

// imageFileName resolves the catalogue file name for an image number on
// the given channel. Image 000001 resolves to the selected (or channel
// default) file when one is set; that is how a listing-driven channel
// boots whatever the operator picked.
func imageFileName(ch *Channel, c Conn, number uint32) string {
	if number == 1 {
		if sel := c.SelectedFile(); sel != "" {
			return sel
		}
	}
	base := fmt.Sprintf("%06X", number)
	if ch.Type == ChannelPak {
		if ch.PakEncrypted {
			// Encrypted cloud PAKs are stored under the MD5 of the
			// plain name.
			return fmt.Sprintf("%x.npak", md5.Sum([]byte(base+".pak")))
		}
		return base + ".pak"
	}
	return base + ".nabu"
}

// Load resolves (connection, image number) to an image. The returned
// image holds a reference the caller must give back through Unload.
func (p *Provider) Load(c Conn, number uint32) (*Image, error) {
	ch := c.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	// The last-image cache makes the segment-by-segment request
	// pattern cheap: the NABU asks for one segment at a time.
	if last := c.LastImage(); last != nil && last.Number == number {
		return last.Retain(), nil
	}

	name := imageFileName(ch, c, number)
	data, err := p.readSource(ch, name)
	if err != nil {
		return nil, err
	}

	if ch.Type == ChannelPak && ch.PakEncrypted {
		data, err = DecryptPak(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	img := &Image{
		Name:    name,
		Data:    data,
		Number:  number,
		Channel: ch,
		refs:    1, // the caller's reference
	}

	// Cache as the connection's last image, displacing the old one.
	if oimg := c.SetLastImage(img.Retain()); oimg != nil {
		oimg.Release()
	}

	p.log.Debug().Str("conn", c.Name()).Str("image", name).
		Int("length", img.Length()).Msg("Image loaded.")
	return img, nil
}

// Unload gives an image handle back. lastSegment is true when the
// final segment of the image has just been served, which drops the
// connection's cached reference as well so the image can be reclaimed --
// unless another load has already replaced it.
func (p *Provider) Unload(c Conn, img *Image, lastSegment bool) {
	if lastSegment {
		if oimg := c.SetLastImageIf(img, nil); oimg != nil {
			oimg.Release()
		}
	}
	img.Release()
}

// readSource reads an image file from the channel's source, which is
// either a local directory or a base URL.
func (p *Provider) readSource(ch *Channel, name string) ([]byte, error) {
	if IsURL(ch.Source) {
		data, err := p.fetcher.Get(strings.TrimRight(ch.Source, "/") + "/" + name)
		if err != nil {
			p.log.Debug().Str("channel", ch.Name).Str("image", name).Err(err).
				Msg("Fetch failed.")
			return nil, ErrNotFound
		}
		return data, nil
	}

	// Local source. Keep the lookup inside the channel directory.
	clean := filepath.Clean("/" + name)
	data, err := os.ReadFile(filepath.Join(ch.Source, clean))
	if err != nil {
		p.log.Debug().Str("channel", ch.Name).Str("image", name).Err(err).
			Msg("Read failed.")
		return nil, ErrNotFound
	}
	return data, nil
}

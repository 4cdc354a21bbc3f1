package image

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Remote fetch sizes are bounded; nothing a NABU can consume is bigger.
const maxFetchSize = 16 << 20

// Fetcher retrieves remote artifacts: images, PAK archives, listing
// files, RetroNet blobs.
type Fetcher struct {
	client *http.Client
	log    zerolog.Logger
}

// NewFetcher builds a fetcher with a sane request timeout.
func NewFetcher(log zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("subsys", "fetch").Logger(),
	}
}

// IsURL reports whether location names a remote source.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") ||
		strings.HasPrefix(location, "https://")
}

// Get fetches the given URL.
func (f *Fetcher) Get(url string) ([]byte, error) {
	f.log.Debug().Str("url", url).Msg("Fetching.")

	resp, err := f.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFetchSize {
		return nil, fmt.Errorf("GET %s: response too large", url)
	}
	return data, nil
}

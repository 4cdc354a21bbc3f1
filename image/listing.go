package image

import (
	"strings"
)

// Support for parsing a NabuRetroNet listing file. The format is
// line-oriented:
//
//	:Category Name
//	HelloNABUBounce.nabu ; Hello NABU Bounce
//	! comment
//
// Entries are numbered in file order starting at 1; that number is what
// a NABU requests as the image id after picking from the listing.

// ListingEntry is one selectable file.
type ListingEntry struct {
	Name   string
	Desc   string
	Number uint32
}

// ListingCategory groups entries under a ":Category" heading.
type ListingCategory struct {
	Name    string
	Entries []*ListingEntry
}

// Listing is a parsed listing file.
type Listing struct {
	Categories []*ListingCategory
	Entries    []*ListingEntry
}

// ParseListing parses listing data. Anything before the first category
// delimiter is ignored (the NabuRetroNet "HomeBrew" listing has cycle
// descriptions up top that aren't entries).
func ParseListing(data []byte) *Listing {
	l := &Listing{}
	var current *ListingCategory
	nextFileno := uint32(1)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}

		if strings.HasPrefix(line, ":") {
			name := strings.TrimSpace(line[1:])
			if name == "" {
				continue
			}
			current = &ListingCategory{Name: name}
			l.Categories = append(l.Categories, current)
			continue
		}

		if current == nil {
			// Not inside a category yet; skip ahead.
			continue
		}

		name, desc := line, ""
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			name = strings.TrimSpace(line[:idx])
			desc = strings.TrimSpace(line[idx+1:])
		}
		if name == "" {
			continue
		}

		entry := &ListingEntry{
			Name:   name,
			Desc:   desc,
			Number: nextFileno,
		}
		nextFileno++
		current.Entries = append(current.Entries, entry)
		l.Entries = append(l.Entries, entry)
	}

	return l
}

// Lookup finds an entry by number.
func (l *Listing) Lookup(number uint32) *ListingEntry {
	for _, e := range l.Entries {
		if e.Number == number {
			return e
		}
	}
	return nil
}

// LoadListing fetches and parses the channel's listing file, if it has
// one.
func (p *Provider) LoadListing(ch *Channel) (*Listing, error) {
	if ch.ListURL == "" {
		return nil, ErrNotFound
	}
	data, err := p.fetcher.Get(ch.ListURL)
	if err != nil {
		return nil, err
	}
	return ParseListing(data), nil
}

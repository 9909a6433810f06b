package paramstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"persona-chat/internal/domain"
)

// TrackCatalog is the set of songs a persona may invite the user to. Entries
// are stored as JSON {"title": ..., "artist": ...} under <prefix>/tracks/<slug>.
type TrackCatalog struct {
	byTitle map[string][]domain.MusicInvite
}

// NewTrackCatalog indexes tracks by title. Entries without a title are
// ignored.
func NewTrackCatalog(tracks ...domain.MusicInvite) *TrackCatalog {
	c := &TrackCatalog{byTitle: make(map[string][]domain.MusicInvite)}
	for _, t := range tracks {
		key := normalizeTrack(t.Title)
		if key == "" {
			continue
		}
		c.byTitle[key] = append(c.byTitle[key], t)
	}
	return c
}

// LoadTrackCatalog reads every track under <prefix>/tracks. Entries that do
// not parse are skipped and reported in the returned error.
func LoadTrackCatalog(ctx context.Context, pg PathGetter, prefix string) (*TrackCatalog, error) {
	if pg == nil {
		return nil, errors.New("paramstore: path getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	raw, err := pg.GetByPath(ctx, prefix+"/tracks")
	if err != nil {
		return nil, fmt.Errorf("paramstore: LoadTrackCatalog: %w", err)
	}
	slugs := make([]string, 0, len(raw))
	for slug := range raw {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var (
		tracks []domain.MusicInvite
		errs   []error
	)
	for _, slug := range slugs {
		t, err := parseTrack(raw[slug])
		if err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", slug, err))
			continue
		}
		tracks = append(tracks, t)
	}
	return NewTrackCatalog(tracks...), errors.Join(errs...)
}

// ResolveTrack finds title in the catalog, preferring the entry by artist
// when several songs share a title.
func (c *TrackCatalog) ResolveTrack(title, artist string) (domain.MusicInvite, bool) {
	candidates := c.byTitle[normalizeTrack(title)]
	if len(candidates) == 0 {
		return domain.MusicInvite{}, false
	}
	if want := normalizeTrack(artist); want != "" {
		for _, t := range candidates {
			if normalizeTrack(t.Artist) == want {
				return t, true
			}
		}
	}
	return candidates[0], true
}

func (c *TrackCatalog) Len() int {
	n := 0
	for _, ts := range c.byTitle {
		n += len(ts)
	}
	return n
}

func normalizeTrack(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "《》<>\"'“”")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type trackRecord struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

func parseTrack(raw string) (domain.MusicInvite, error) {
	var t trackRecord
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return domain.MusicInvite{}, fmt.Errorf("decode track: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.MusicInvite{}, errors.New("decode track: trailing data")
	}
	if strings.TrimSpace(t.Title) == "" {
		return domain.MusicInvite{}, errors.New("track title is required")
	}
	return domain.MusicInvite{Title: strings.TrimSpace(t.Title), Artist: strings.TrimSpace(t.Artist)}, nil
}

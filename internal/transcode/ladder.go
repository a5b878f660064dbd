package transcode

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrEmptyLadder is returned when a ladder has no tiers.
	ErrEmptyLadder = errors.New("ladder has no tiers")

	// ErrInvalidTier is returned for a tier with a bad name, bitrate or resolution.
	ErrInvalidTier = errors.New("invalid rendition tier")
)

var tierNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RenditionTier is one quality step of the ladder. Tiers are values; nothing
// mutates them after configuration.
type RenditionTier struct {
	Name       string `json:"name"`
	BitrateBps int    `json:"bitrate_bps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Resolution formats the tier size as WxH.
func (t RenditionTier) Resolution() string {
	return fmt.Sprintf("%dx%d", t.Width, t.Height)
}

// Validate checks a single tier.
func (t RenditionTier) Validate() error {
	switch {
	case !tierNamePattern.MatchString(t.Name):
		return fmt.Errorf("%w: name %q", ErrInvalidTier, t.Name)
	case t.BitrateBps <= 0:
		return fmt.Errorf("%w: %s bitrate %d", ErrInvalidTier, t.Name, t.BitrateBps)
	case t.Width <= 0 || t.Height <= 0:
		return fmt.Errorf("%w: %s resolution %s", ErrInvalidTier, t.Name, t.Resolution())
	}
	return nil
}

// Ladder is the ordered set of tiers a source is encoded into.
type Ladder []RenditionTier

// DefaultLadder returns the four-step ladder the player's quality menu expects.
func DefaultLadder() Ladder {
	return Ladder{
		{Name: "240p", BitrateBps: 400_000, Width: 426, Height: 240},
		{Name: "480p", BitrateBps: 1_000_000, Width: 854, Height: 480},
		{Name: "720p", BitrateBps: 3_000_000, Width: 1280, Height: 720},
		{Name: "1080p", BitrateBps: 5_000_000, Width: 1920, Height: 1080},
	}
}

// Validate checks every tier and rejects duplicate names.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return ErrEmptyLadder
	}
	seen := make(map[string]struct{}, len(l))
	for _, t := range l {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidTier, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// Sorted returns a copy ordered by ascending bitrate. Equal bitrates order by
// pixel count, then name, so output is deterministic.
func (l Ladder) Sorted() Ladder {
	out := make(Ladder, len(l))
	copy(out, l)
	sort.SliceStable(out, func(i, j int) bool {
		return tierLess(out[i], out[j])
	})
	return out
}

// Tier looks a tier up by name.
func (l Ladder) Tier(name string) (RenditionTier, bool) {
	for _, t := range l {
		if t.Name == name {
			return t, true
		}
	}
	return RenditionTier{}, false
}

func tierLess(a, b RenditionTier) bool {
	if a.BitrateBps != b.BitrateBps {
		return a.BitrateBps < b.BitrateBps
	}
	if pa, pb := a.Width*a.Height, b.Width*b.Height; pa != pb {
		return pa < pb
	}
	return a.Name < b.Name
}

// ParseLadder reads "name:kbps:WxH" entries separated by commas, for example
// "240p:400:426x240,720p:3000:1280x720". The result is validated and sorted.
func ParseLadder(s string) (Ladder, error) {
	var l Ladder
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q is not name:kbps:WxH", ErrInvalidTier, entry)
		}
		kbps, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(parts[1]), "k"))
		if err != nil {
			return nil, fmt.Errorf("%w: bitrate in %q", ErrInvalidTier, entry)
		}
		w, h, ok := parseResolution(parts[2])
		if !ok {
			return nil, fmt.Errorf("%w: resolution in %q", ErrInvalidTier, entry)
		}
		l = append(l, RenditionTier{Name: parts[0], BitrateBps: kbps * 1000, Width: w, Height: h})
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l.Sorted(), nil
}

func parseResolution(s string) (int, int, bool) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

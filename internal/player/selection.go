package player

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownTier is returned for a manual selection that matches no level.
var ErrUnknownTier = errors.New("unknown tier")

// SelectLevel picks the level with the highest bitrate not above bps, the
// larger resolution winning exact ties. When none qualifies (or bps is not
// positive) the lowest-bitrate level is returned. It returns -1 for no levels.
func SelectLevel(levels []Level, bps float64) int {
	if len(levels) == 0 {
		return -1
	}
	best := -1
	for i, l := range levels {
		if bps <= 0 || float64(l.BitrateBps) > bps {
			continue
		}
		if best < 0 || betterLevel(l, levels[best]) {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	return lowestLevel(levels)
}

func betterLevel(a, b Level) bool {
	if a.BitrateBps != b.BitrateBps {
		return a.BitrateBps > b.BitrateBps
	}
	return a.Width*a.Height > b.Width*b.Height
}

func lowestLevel(levels []Level) int {
	low := 0
	for i, l := range levels {
		if l.BitrateBps < levels[low].BitrateBps {
			low = i
		}
	}
	return low
}

// ManualLevel resolves an operator selection: a level name, or a bitrate
// ceiling in kbps such as "3000" (highest level at or below it, else lowest).
// The quality presets 1000, 3000, 5000 and 8000 resolve the same way, so
// "1000" picks a 1000 kbps level rather than the lowest level under it.
func ManualLevel(levels []Level, quality string) (int, error) {
	q := strings.TrimSpace(quality)
	for i, l := range levels {
		if strings.EqualFold(l.Name, q) {
			return i, nil
		}
	}
	if kbps, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(q), "k")); err == nil && kbps > 0 && len(levels) > 0 {
		return SelectLevel(levels, float64(kbps)*1000), nil
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownTier, quality)
}

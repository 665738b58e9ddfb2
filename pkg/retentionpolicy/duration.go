package retentionpolicy

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Human-friendly unit durations, beyond what time.ParseDuration covers.
const (
	day  = 24 * time.Hour
	week = 7 * day
)

var unitMultipliers = map[string]time.Duration{
	"d": day,
	"w": week,
}

// cutOffUnitPattern matches compound components like "2w", "3d" that
// time.ParseDuration does not understand on its own.
var cutOffUnitPattern = regexp.MustCompile(`(\d+)([dw])`)

// ParseCutOff parses the space-separated compound duration expression used
// by --cut-off (e.g. "2w 3d 5h 2s"), per §6.1. Standard Go units (h, m, s,
// ms, us, ns) combine with the "d" (day) and "w" (week) extensions. An
// empty string parses to zero duration.
func ParseCutOff(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Compound expressions are written space-separated ("2w 3d 5h"); fold
	// them into one token so both the custom unit regexp and
	// time.ParseDuration's own compounding ("5h2s") can see the whole
	// string.
	collapsed := strings.Join(strings.Fields(s), "")

	var total time.Duration
	remaining := collapsed

	matches := cutOffUnitPattern.FindAllStringSubmatch(remaining, -1)
	if len(matches) > 0 {
		for _, match := range matches {
			value, err := strconv.ParseInt(match[1], 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "invalid duration value %q in %q", match[1], s)
			}
			multiplier := unitMultipliers[match[2]]
			total += time.Duration(value) * multiplier
		}
		remaining = cutOffUnitPattern.ReplaceAllString(remaining, "")
	}

	if remaining != "" {
		d, err := time.ParseDuration(remaining)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid cut-off duration %q (supported units: ns, us, ms, s, m, h, d, w)", s)
		}
		total += d
	}

	return total, nil
}

package pacing

import (
	"time"
	"unicode/utf8"
)

// Default reveal intervals.
const (
	DefaultBaseInterval = 5 * time.Millisecond
	DefaultMinInterval  = 2 * time.Millisecond
)

const (
	// stepDivisor sets the reveal step to a twentieth of the text still hidden.
	stepDivisor = 20
	// jumpThreshold is the length change, in runes, above which a rewrite is shown at once.
	jumpThreshold = 200
)

// Next returns the text to show after one step, given what is shown now and what should eventually
// be shown. When target extends displayed, the next max(1, hidden/20) runes are revealed. When
// target is a rewrite, it is shown at once if its length differs by more than 200 runes and typed
// again from the start otherwise.
func Next(displayed, target string) string {
	if displayed == target {
		return target
	}

	targetLen := utf8.RuneCountInString(target)
	displayedLen := utf8.RuneCountInString(displayed)

	if len(displayed) < len(target) && target[:len(displayed)] == displayed {
		return prefix(target, displayedLen+step(targetLen-displayedLen))
	}

	diff := targetLen - displayedLen
	if diff < 0 {
		diff = -diff
	}
	if diff > jumpThreshold {
		return target
	}
	return prefix(target, step(targetLen))
}

// Interval returns the delay between two steps for a text of length runes. Longer texts are
// revealed faster: 5ms minus 1ms per thousand runes, never below 2ms.
func Interval(length int) time.Duration {
	return interval(length, DefaultBaseInterval, DefaultMinInterval)
}

func interval(length int, base, minimum time.Duration) time.Duration {
	d := base - time.Duration(length/1000)*time.Millisecond
	return max(d, minimum)
}

func step(hidden int) int {
	return max(1, hidden/stepDivisor)
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	i := 0
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

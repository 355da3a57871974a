//go:generate mockgen -package mocks -destination mocks/clock.go . Clock

package internal

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the source of time of background agents and workers, swappable with a mock in tests.
type Clock interface {
	clock.Clock
}

// UnixMs returns t as the number of milliseconds since the Unix epoch, the unit of tag lifetimes, quota claims and
// garbage collection windows in the metadata database.
func UnixMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// NowMs returns the current time of c in milliseconds since the Unix epoch.
func NowMs(c clock.Clock) int64 {
	return UnixMs(c.Now())
}

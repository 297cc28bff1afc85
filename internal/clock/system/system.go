// Package system is the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock reports UTC wall time truncated to microseconds, the resolution
// Postgres keeps for timestamptz. Window starts and last-run times therefore
// compare equal after a round trip through storage.
type Clock struct{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time at microsecond resolution.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Package system is the wall clock behind page indexed_at stamps, site
// last_scraped times and the reindex due check.
package system

import (
	"time"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Clock reads the host clock in UTC, truncated to the microsecond precision
// of a Postgres timestamptz so a stored time reads back unchanged.
type Clock struct{}

var _ indexer.Clock = Clock{}

// New returns the clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

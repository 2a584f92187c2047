// Package uuid mints the run IDs that tie together the attempts, log lines
// and Pub/Sub notifications of one scrape job.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// RunIDs creates run IDs. They are UUID v7 strings, so they sort in the
// order jobs started; if the v7 source fails a random v4 is used instead.
type RunIDs struct {
	v7 func() (uuid.UUID, error)
	v4 func() (uuid.UUID, error)
}

var _ indexer.IDGenerator = (*RunIDs)(nil)

// NewRunIDs returns the generator used by the coordinator.
func NewRunIDs() *RunIDs {
	return &RunIDs{v7: uuid.NewV7, v4: uuid.NewRandom}
}

// NewID returns a fresh run ID.
func (g *RunIDs) NewID() (string, error) {
	id, err := g.v7()
	if err == nil {
		return id.String(), nil
	}
	fallback, ferr := g.v4()
	if ferr != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fallback.String(), nil
}

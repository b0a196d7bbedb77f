package observers

import (
	"context"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Journal persists every event so that `daalu runs show` can replay a run.
type Journal struct {
	journal engine.EventJournal
}

// NewJournal creates a journal observer backed by j.
func NewJournal(j engine.EventJournal) *Journal {
	return &Journal{journal: j}
}

// Name implements engine.Observer.
func (j *Journal) Name() string { return "journal" }

// OnEvent implements engine.Observer. The write outlives a cancelled run
// context so the tail of an interrupted run is still recorded.
func (j *Journal) OnEvent(ctx context.Context, e engine.Event) error {
	return j.journal.AppendEvent(context.WithoutCancel(ctx), &e)
}

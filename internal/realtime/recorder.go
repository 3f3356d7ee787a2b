package realtime

import (
	"context"

	"github.com/acal-network/arbitro/internal/ledger"
)

// ResolutionRecorder persists resolution records.
type ResolutionRecorder interface {
	RecordResolution(ctx context.Context, r *ledger.ResolutionRecord) error
}

// Recorder persists a record through next and then publishes it. Records
// that fail to persist are still published.
type Recorder struct {
	next ResolutionRecorder
	hub  *Hub
}

// NewRecorder wraps next. A nil next only publishes.
func NewRecorder(next ResolutionRecorder, hub *Hub) *Recorder {
	return &Recorder{next: next, hub: hub}
}

func (r *Recorder) RecordResolution(ctx context.Context, rec *ledger.ResolutionRecord) error {
	var err error
	if r.next != nil {
		err = r.next.RecordResolution(ctx, rec)
	}
	r.hub.PublishResolution(rec)
	return err
}

package engine

import (
	"errors"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// handleEvent applies one change notification to the index. Runs on the
// event loop. Events arrive in any order, at least once; every path
// here must converge idempotently. Failures are local to the event and
// never stop the loop.
func (e *Engine) handleEvent(ev store.Event) {
	if ev.Deleted || len(ev.Payload) == 0 {
		if e.index.Remove(ev.ID) {
			eventsTotal.WithLabelValues("removed").Inc()
		} else {
			eventsTotal.WithLabelValues("skipped").Inc()
		}
		indexSize.Set(float64(e.index.Len()))
		return
	}

	m, err := models.FromWire(ev.Payload)
	if err != nil {
		if !errors.Is(err, models.ErrIDMismatch) {
			// unrelated document type or malformed shape
			eventsTotal.WithLabelValues("skipped").Inc()
			logger.Debug("event_skipped", "id", ev.ID, "error", err)
			return
		}
		// data-integrity flag: keep the entity, make noise
		logger.Error("id_validation_failed", "id", ev.ID, "error", err)
	}
	m.Rev = ev.Rev
	m.Conflicts = ev.Siblings

	resident := e.index.Upsert(m)
	eventsTotal.WithLabelValues("applied").Inc()
	indexSize.Set(float64(e.index.Len()))

	if len(ev.Siblings) > 0 {
		conflictsSeen.Inc()
		e.resolveLocked(resident.ID, resident.LikedBy.Clone())
	}
}

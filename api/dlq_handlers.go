//go:build linux

package api

import (
	"errors"
	"net/http"
	"strconv"

	"eventd/ingest"
	"eventd/metrics"

	"github.com/gorilla/mux"
)

// listDLQEvents returns a page of dead-lettered datagrams, newest first.
// Query: page, limit (max 100), reason, status, endpoint.
func (a *API) listDLQEvents(w http.ResponseWriter, r *http.Request) {
	if a.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "DLQ not available", nil, a.logger)
		return
	}

	params := ParsePaginationParams(r, 50, 100)
	q := r.URL.Query()
	filter := ingest.DLQFilter{
		Endpoint: q.Get("endpoint"),
		Reason:   q.Get("reason"),
		Status:   q.Get("status"),
	}

	total, err := a.dlq.Count(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count DLQ events", err, a.logger)
		return
	}
	events, err := a.dlq.List(filter, params.Page, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve DLQ events", err, a.logger)
		return
	}

	a.respondJSON(w, NewPaginationResponse(events, int64(total), params.Page, params.Limit), http.StatusOK)
}

func (a *API) getDLQEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := a.lookupDLQEvent(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, event, http.StatusOK)
}

// replayDLQEvent pushes a pending event back into the event buffer and marks it replayed
func (a *API) replayDLQEvent(w http.ResponseWriter, r *http.Request) {
	if a.replay == nil {
		writeError(w, http.StatusServiceUnavailable, "Replay not available", nil, a.logger)
		return
	}
	event, ok := a.lookupDLQEvent(w, r)
	if !ok {
		return
	}

	if event.Status != ingest.DLQStatusPending {
		writeError(w, http.StatusConflict, "DLQ event is not pending", nil, a.logger)
		return
	}
	// only a prefix of an oversized datagram was kept
	if event.Reason == metrics.ReasonOversized {
		metrics.DLQReplays.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnprocessableEntity, "Oversized datagrams cannot be replayed", nil, a.logger)
		return
	}

	// claim before pushing so concurrent replays deliver the payload once
	err := a.dlq.UpdateStatusFrom(event.ID, ingest.DLQStatusPending, ingest.DLQStatusReplayed)
	if errors.Is(err, ingest.ErrDLQStatusConflict) {
		writeError(w, http.StatusConflict, "DLQ event is not pending", nil, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update DLQ event status", err, a.logger)
		return
	}

	if !a.replay.Push(event.Payload) {
		metrics.DLQReplays.WithLabelValues("queue_full").Inc()
		if err := a.dlq.UpdateStatusFrom(event.ID, ingest.DLQStatusReplayed, ingest.DLQStatusPending); err != nil {
			a.logger.Errorw("Failed to return DLQ event to pending", "id", event.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "Event buffer is full", nil, a.logger)
		return
	}
	metrics.DLQReplays.WithLabelValues("replayed").Inc()

	a.respondJSON(w, map[string]interface{}{
		"message": "DLQ event replayed successfully",
		"id":      event.ID,
	}, http.StatusOK)
}

// discardDLQEvent marks an event discarded; the row is kept
func (a *API) discardDLQEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := a.lookupDLQEvent(w, r)
	if !ok {
		return
	}

	if err := a.dlq.UpdateStatus(event.ID, ingest.DLQStatusDiscarded); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update DLQ event status", err, a.logger)
		return
	}

	a.respondJSON(w, map[string]interface{}{
		"message": "DLQ event discarded successfully",
		"id":      event.ID,
	}, http.StatusOK)
}

// lookupDLQEvent resolves the {id} route variable, writing the error response itself
func (a *API) lookupDLQEvent(w http.ResponseWriter, r *http.Request) (*ingest.DLQEvent, bool) {
	if a.dlq == nil {
		writeError(w, http.StatusServiceUnavailable, "DLQ not available", nil, a.logger)
		return nil, false
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid DLQ event ID", err, a.logger)
		return nil, false
	}

	event, err := a.dlq.Get(id)
	if errors.Is(err, ingest.ErrDLQEventNotFound) {
		writeError(w, http.StatusNotFound, "DLQ event not found", err, a.logger)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get DLQ event", err, a.logger)
		return nil, false
	}
	return event, true
}

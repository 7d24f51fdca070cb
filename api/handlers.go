//go:build linux

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"eventd/ingest"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string       `json:"status"`
	Endpoint      string       `json:"endpoint"`
	EndpointID    string       `json:"endpoint_id"`
	State         string       `json:"state"`
	QueueDepth    int          `json:"queue_depth"`
	QueueCapacity int          `json:"queue_capacity"`
	Stats         ingest.Stats `json:"stats"`
	Time          string       `json:"time"`
}

func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// response already started
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// healthCheck reports 200 only while the endpoint is running
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "unhealthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}
	if a.queue != nil {
		resp.QueueDepth = a.queue.Len()
		resp.QueueCapacity = a.queue.Cap()
	}

	code := http.StatusServiceUnavailable
	if a.endpoint != nil {
		state := a.endpoint.State()
		resp.Endpoint = a.endpoint.Path()
		resp.EndpointID = a.endpoint.ID()
		resp.State = state.String()
		resp.Stats = a.endpoint.Stats()
		if state == ingest.StateRunning {
			resp.Status = "healthy"
			code = http.StatusOK
		}
	}

	a.respondJSON(w, resp, code)
}

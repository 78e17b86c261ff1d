package status

import (
	"encoding/json"
	"net/http"

	"github.com/maxd13/user-scheduler/pkg/table"
)

// Source exposes the table view required by the status handler. The event
// loop owns the table, so implementations must deliver the snapshot request
// through it rather than reading the table concurrently.
type Source interface {
	Snapshot() table.Snapshot
}

// Handler renders the scheduler's table snapshot as JSON.
type Handler struct {
	source Source
}

// NewHandler constructs a Handler that proxies table snapshots.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if h == nil || h.source == nil {
		http.Error(writer, "scheduler unavailable", http.StatusServiceUnavailable)

		return
	}

	snapshot := h.source.Snapshot()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(writer, "marshal status", http.StatusInternalServerError)

		return
	}

	writer.Header().Set("Content-Type", "application/json")

	_, _ = writer.Write(payload)
}

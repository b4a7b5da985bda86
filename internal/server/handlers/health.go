package handlers

import (
	"net/http"

	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/snapshot"
)

// Health serves liveness and a small status summary.
type Health struct {
	Version   string
	Store     *snapshot.Store
	Submitter *deliver.Submitter
	Conn      *deliver.Connection
}

// Get answers the health probe with a summary of the moving parts.
func (h *Health) Get(w http.ResponseWriter, r *http.Request) {
	_, connected := h.Conn.Target()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           h.Version,
		"snapshots":         h.Store.Len(),
		"pending_delivery":  h.Submitter.Pending(),
		"delivery_attempts": h.Submitter.Attempts(),
		"devicehub_set":     connected,
	})
}

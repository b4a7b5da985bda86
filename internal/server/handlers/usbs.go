package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ereuse/workbench-server/internal/server/middleware"
	"github.com/ereuse/workbench-server/pkg/usbreg"
)

// USBs serves the plugged pen-drive registry. Clients re-post a plugged
// drive every few seconds; a drive that stops reporting falls out on its
// own, DELETE just makes the unplug immediate.
type USBs struct {
	Registry *usbreg.Registry
}

// Plug upserts a drive under its hid.
func (h *USBs) Plug(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, "cannot read request body")
		return
	}
	doc := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest,
				middleware.CodeValidation, "body is not a JSON object")
			return
		}
	}
	h.Registry.Plug(hid, doc)
	w.WriteHeader(http.StatusNoContent)
}

// Unplug drops a drive. Unknown hids still answer 204.
func (h *USBs) Unplug(w http.ResponseWriter, r *http.Request) {
	h.Registry.Unplug(chi.URLParam(r, "hid"))
	w.WriteHeader(http.StatusNoContent)
}

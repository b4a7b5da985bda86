// Package handlers holds the HTTP handlers of the workbench API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ereuse/workbench-server/internal/metrics"
	"github.com/ereuse/workbench-server/internal/server/middleware"
	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/phaseplan"
	"github.com/ereuse/workbench-server/pkg/snapshot"
)

// maxReportSize bounds a single report body. Full snapshots with every
// component action stay well under this.
const maxReportSize = 8 << 20

// LinkPolicy reports whether finished snapshots must be linked to a tag
// before upload.
type LinkPolicy interface {
	LinkRequired() bool
}

// Snapshots serves the report ingress: partial reports merge into records
// and finished records head for DeviceHub.
type Snapshots struct {
	Store     *snapshot.Store
	Submitter *deliver.Submitter
	Policy    LinkPolicy
	Plan      *phaseplan.Plan
	Log       *zap.Logger
}

// Patch merges one partial report into the session record, creating it on
// first contact. Always 204 on success; merging is idempotent so clients
// retry freely.
func (h *Snapshots) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, "invalid snapshot uuid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, "cannot read request body")
		return
	}
	p, err := snapshot.ParsePartial(body)
	if err != nil {
		metrics.ReportsRejected.Inc()
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, err.Error())
		return
	}
	p.Stamp(time.Now())
	if !p.HasExpectedEvents() {
		if seq, ok := h.Plan.Sequence(p.Mode()); ok {
			p.SetExpectedEvents(seq)
		}
	}

	linkRequired := h.Policy.LinkRequired()
	var job *deliver.Job
	err = h.Store.Apply(id, func(rec *snapshot.Record) error {
		if err := rec.Merge(p, linkRequired); err != nil {
			return err
		}
		if rec.ReadyToUpload(linkRequired) && rec.MarkQueued() {
			payload, err := json.Marshal(rec.ClientView())
			if err != nil {
				rec.ClearQueued()
				return err
			}
			rec.Saved = true
			job = &deliver.Job{ID: id, HID: rec.HID(), Payload: payload}
		}
		return nil
	})
	if err != nil {
		metrics.ReportsRejected.Inc()
		if errors.Is(err, snapshot.ErrMalformed) {
			middleware.WriteError(w, r, http.StatusBadRequest,
				middleware.CodeValidation, err.Error())
			return
		}
		h.Log.Error("merge report", zap.String("uuid", id.String()), zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError,
			middleware.CodeInternal, "cannot merge report")
		return
	}

	metrics.SnapshotsMerged.Inc()
	if job != nil {
		h.Log.Info("snapshot ready for devicehub",
			zap.String("uuid", id.String()), zap.String("hid", job.HID))
		h.Submitter.Enqueue(*job)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the DeviceHub-safe projection of one record.
func (h *Snapshots) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest,
			middleware.CodeValidation, "invalid snapshot uuid")
		return
	}
	view, err := h.Store.View(id)
	if err != nil {
		middleware.WriteError(w, r, http.StatusNotFound,
			middleware.CodeNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

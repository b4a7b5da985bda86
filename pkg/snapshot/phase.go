package snapshot

import (
	"errors"
	"fmt"
)

// Derived phase labels. Everything else a derivation can return comes from
// the record's expected-event sequence.
const (
	PhaseError     = "Error"
	PhaseUploaded  = "Uploaded"
	PhaseUploading = "Uploading"
	PhaseLink      = "Link"
)

// ErrPhaseDesync reports that the client declared a phase that is not part
// of the record's expected-event sequence.
var ErrPhaseDesync = errors.New("reported phase not in expected events")

// ReadyToUpload reports whether the record may be submitted to DeviceHub:
// the session is closed and, when linking is required, a tag is present.
func (r *Record) ReadyToUpload(linkRequired bool) bool {
	return r.IsClosed() && (r.Linked || !linkRequired)
}

// derivePhase computes the record's actual phase from the accumulated
// evidence. Terminal delivery outcomes win over everything, then readiness,
// then the pending link step, then the position in the expected sequence.
//
// A reported phase that is missing from the expected sequence keeps the
// record on that phase rather than failing the derivation; NextPhase exposes
// the desync to callers that care.
func (r *Record) derivePhase(linkRequired bool) string {
	switch {
	case r.Error != nil:
		return PhaseError
	case r.UploadedID != "":
		return PhaseUploaded
	case r.ReadyToUpload(linkRequired):
		return PhaseUploading
	case r.IsClosed() && linkRequired && !r.Linked:
		return PhaseLink
	}
	next, err := r.NextPhase()
	if err != nil {
		return r.Phase
	}
	return next
}

// NextPhase returns the phase the record is expected to enter next: the
// entry after the last reported phase, the first entry when nothing has been
// reported yet, or Link once the sequence is exhausted (or empty).
//
// Returns ErrPhaseDesync when the reported phase is not part of the expected
// sequence.
func (r *Record) NextPhase() (string, error) {
	if r.Phase == "" {
		if len(r.ExpectedEvents) > 0 {
			return r.ExpectedEvents[0], nil
		}
		return PhaseLink, nil
	}
	for i, ev := range r.ExpectedEvents {
		if ev != r.Phase {
			continue
		}
		if i+1 < len(r.ExpectedEvents) {
			return r.ExpectedEvents[i+1], nil
		}
		return PhaseLink, nil
	}
	return "", fmt.Errorf("%w: %q", ErrPhaseDesync, r.Phase)
}

// Reindex recomputes the derived fields outside of a merge. The submitter
// calls it after recording a delivery outcome.
func (r *Record) Reindex(linkRequired bool) {
	r.Linked = r.Device.linked()
	r.ActualPhase = r.derivePhase(linkRequired)
}

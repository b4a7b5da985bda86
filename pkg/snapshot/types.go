// Package snapshot implements the snapshot record model for workbench-server.
//
// A Record accumulates the partial reports a Workbench client sends while it
// processes one device (one report per finished phase), together with the
// control metadata the server needs to decide when the record is complete and
// what happened to its upload. Control metadata is kept in named struct fields
// and is never part of the payload submitted to DeviceHub.
package snapshot

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Unknown is the placeholder used for device identity fields that no report
// has filled in yet.
const Unknown = "Unknown"

// Record is one device-processing session, merged from every report received
// for its session UUID.
type Record struct {
	// UUID is the session identifier. It never changes after creation.
	UUID uuid.UUID

	// Device is the merged device payload.
	Device Device

	// ExpectedEvents is the ordered sequence of phase labels this session
	// is expected to pass through. Empty until a report (or a phase plan)
	// supplies it.
	ExpectedEvents []string

	// Phase is the last phase label reported by the client.
	Phase string

	// Closed is when the client declared the session finished. Zero until
	// then; once set it is never cleared or moved.
	Closed time.Time

	// Linked is recomputed on every merge: true iff the device carries at
	// least one tag.
	Linked bool

	// ActualPhase is the phase derived from the fields above. Recomputed
	// on every merge and on every delivery outcome.
	ActualPhase string

	// Error holds the body of a permanent DeviceHub rejection, parsed as
	// JSON when possible, else the raw text as a JSON string.
	Error json.RawMessage

	// UploadedID is the identifier DeviceHub assigned on a successful
	// submit.
	UploadedID string

	// Saved is set once the DeviceHub projection has been written to disk.
	Saved bool

	// Extra carries every top-level report field the server does not
	// interpret (endTime, elapsed, version...). Shallow last-write-wins.
	Extra map[string]json.RawMessage

	// queued guards against enqueueing the same record twice while a
	// delivery is pending.
	queued bool
}

// Device is the device sub-document of a record. Identity fields are
// monotonic: once a report fills one in, a later report may replace it with
// another concrete value but never blank it again.
type Device struct {
	Type         string
	Manufacturer string
	Model        string
	SerialNumber string

	Tags       []Tag
	Actions    []Action
	Components []Component

	// Extra carries uninterpreted device fields.
	Extra map[string]json.RawMessage
}

// Component is one hardware component of the device. Components are
// identified by their position in the components list, which Workbench keeps
// stable for the whole session.
type Component struct {
	Actions []Action
	Extra   map[string]json.RawMessage
}

// Action is an open-ended action/event document. Actions are identified by
// their "type" field; within any action list the type is unique.
type Action map[string]any

// Key returns the identity key of the action, or "" when it has none.
func (a Action) Key() string {
	t, _ := a["type"].(string)
	return t
}

// Tag is a physical asset identifier attached by the operator. Old clients
// send bare strings, current ones objects with an "id" field; both decode to
// the same thing.
type Tag struct {
	ID    string
	Extra map[string]json.RawMessage
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.ID)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["id"]; ok {
		if err := json.Unmarshal(raw, &t.ID); err != nil {
			return err
		}
		delete(m, "id")
	}
	if len(m) > 0 {
		t.Extra = m
	}
	return nil
}

func (t Tag) MarshalJSON() ([]byte, error) {
	if t.Extra == nil {
		return json.Marshal(map[string]string{"id": t.ID})
	}
	m := make(map[string]any, len(t.Extra)+1)
	for k, v := range t.Extra {
		m[k] = v
	}
	m["id"] = t.ID
	return json.Marshal(m)
}

// NewRecord returns an empty record for the given session. No device payload
// is present until the first report is merged.
func NewRecord(id uuid.UUID) *Record {
	return &Record{
		UUID:  id,
		Extra: map[string]json.RawMessage{},
	}
}

// IsClosed reports whether the client has declared the session finished.
func (r *Record) IsClosed() bool {
	return !r.Closed.IsZero()
}

// MarkQueued claims the record for delivery. It returns false when a
// delivery is already pending or the record has reached a terminal state, so
// each record is enqueued at most once.
func (r *Record) MarkQueued() bool {
	if r.queued || r.UploadedID != "" || r.Error != nil {
		return false
	}
	r.queued = true
	return true
}

// ClearQueued releases the delivery claim after a terminal outcome.
func (r *Record) ClearQueued() {
	r.queued = false
}

func unknownValue(s string) bool {
	return s == "" || strings.EqualFold(s, Unknown)
}

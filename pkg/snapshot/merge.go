package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks reports that are rejected before touching the stored
// record: unparseable JSON, a session UUID that does not match, or a first
// report without a device payload. The HTTP layer maps it to 400.
var ErrMalformed = fmt.Errorf("malformed snapshot report")

// timeNow is swapped in tests to make closed timestamps deterministic.
var timeNow = time.Now

// Partial is one decoded report. Fields the report did not carry are left
// unset so the merge can tell "absent" from "empty".
type Partial struct {
	uuid        uuid.UUID
	hasUUID     bool
	device      *devicePartial
	expected    []string
	hasExpected bool
	phase       string
	closed      bool
	extra       map[string]json.RawMessage
}

type devicePartial struct {
	typ          *string
	manufacturer *string
	model        *string
	serialNumber *string
	tags         []Tag
	hasTags      bool
	actions      []Action
	hasActions   bool
	components   []componentPartial
	hasComps     bool
	extra        map[string]json.RawMessage
}

type componentPartial struct {
	actions    []Action
	hasActions bool
	extra      map[string]json.RawMessage
}

// ParsePartial decodes a raw report body. All structural problems surface
// here, wrapped in ErrMalformed, so Merge never has to roll back.
func ParsePartial(raw []byte) (*Partial, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p := &Partial{extra: make(map[string]json.RawMessage)}
	for key, val := range top {
		if isNull(val) {
			continue
		}
		switch key {
		case "uuid":
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return nil, fmt.Errorf("%w: uuid: %v", ErrMalformed, err)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%w: uuid: %v", ErrMalformed, err)
			}
			p.uuid = id
			p.hasUUID = true
		case "device":
			dp, err := parseDevicePartial(val)
			if err != nil {
				return nil, err
			}
			p.device = dp
		case "expectedEvents":
			if err := json.Unmarshal(val, &p.expected); err != nil {
				return nil, fmt.Errorf("%w: expectedEvents: %v", ErrMalformed, err)
			}
			p.hasExpected = true
		case "_phase":
			if err := json.Unmarshal(val, &p.phase); err != nil {
				return nil, fmt.Errorf("%w: _phase: %v", ErrMalformed, err)
			}
		case "closed":
			closed, err := parseClosed(val)
			if err != nil {
				return nil, err
			}
			p.closed = closed
		default:
			p.extra[key] = val
		}
	}
	return p, nil
}

// parseClosed accepts the boolean current clients send and the timestamp
// string some older ones did.
func parseClosed(val json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(val, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return false, fmt.Errorf("%w: closed: %v", ErrMalformed, err)
	}
	return s != "", nil
}

func parseDevicePartial(raw json.RawMessage) (*devicePartial, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: device: %v", ErrMalformed, err)
	}
	dp := &devicePartial{extra: make(map[string]json.RawMessage)}
	for key, val := range m {
		if isNull(val) {
			continue
		}
		var err error
		switch key {
		case "type":
			dp.typ, err = parseString(val)
		case "manufacturer":
			dp.manufacturer, err = parseString(val)
		case "model":
			dp.model, err = parseString(val)
		case "serialNumber":
			dp.serialNumber, err = parseString(val)
		case "tags":
			err = json.Unmarshal(val, &dp.tags)
			dp.hasTags = err == nil
		case "actions":
			err = json.Unmarshal(val, &dp.actions)
			dp.hasActions = err == nil
		case "components":
			var comps []map[string]json.RawMessage
			if err = json.Unmarshal(val, &comps); err != nil {
				break
			}
			dp.components = make([]componentPartial, len(comps))
			for i, cm := range comps {
				cp, cerr := parseComponentPartial(cm)
				if cerr != nil {
					return nil, fmt.Errorf("%w: device.components[%d]: %v", ErrMalformed, i, cerr)
				}
				dp.components[i] = cp
			}
			dp.hasComps = true
		default:
			dp.extra[key] = val
		}
		if err != nil {
			return nil, fmt.Errorf("%w: device.%s: %v", ErrMalformed, key, err)
		}
	}
	return dp, nil
}

func parseComponentPartial(m map[string]json.RawMessage) (componentPartial, error) {
	cp := componentPartial{extra: make(map[string]json.RawMessage)}
	for key, val := range m {
		if isNull(val) {
			continue
		}
		if key == "actions" {
			if err := json.Unmarshal(val, &cp.actions); err != nil {
				return cp, err
			}
			cp.hasActions = true
			continue
		}
		cp.extra[key] = val
	}
	return cp, nil
}

func parseString(val json.RawMessage) (*string, error) {
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func isNull(val json.RawMessage) bool {
	return len(val) == 0 || bytes.Equal(bytes.TrimSpace(val), []byte("null"))
}

// Mode returns the processing kind the report declares ("Erase", "Install",
// ...), or "" when it carries none.
func (p *Partial) Mode() string {
	raw, ok := p.extra["mode"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// HasExpectedEvents reports whether the report carries its own phase
// sequence.
func (p *Partial) HasExpectedEvents() bool {
	return p.hasExpected
}

// SetExpectedEvents injects a phase sequence, as if the report had carried
// it. Used to expand a declared processing kind into the configured plan.
func (p *Partial) SetExpectedEvents(seq []string) {
	p.expected = append([]string(nil), seq...)
	p.hasExpected = true
}

// Stamp overrides the report's date with the server clock. Client clocks are
// unreliable on freshly wiped machines.
func (p *Partial) Stamp(t time.Time) {
	b, _ := json.Marshal(t.UTC().Format(time.RFC3339))
	p.extra["date"] = b
}

// Merge folds a decoded report into the record. The merge is idempotent and
// monotonic: device identity fields never revert to unknown, closed never
// unsets, and keyed list entries are replaced rather than duplicated.
//
// linkRequired feeds the phase derivation that runs after every merge.
func (r *Record) Merge(p *Partial, linkRequired bool) error {
	if p.hasUUID && p.uuid != r.UUID {
		return fmt.Errorf("%w: uuid %s does not match record %s", ErrMalformed, p.uuid, r.UUID)
	}
	if p.device == nil && r.Device.isZero() {
		return fmt.Errorf("%w: first report carries no device", ErrMalformed)
	}

	if p.device != nil {
		r.Device.merge(p.device)
	}
	if p.hasExpected {
		r.ExpectedEvents = p.expected
	}
	if p.phase != "" {
		r.Phase = p.phase
	}
	if p.closed && r.Closed.IsZero() {
		r.Closed = timeNow().UTC()
	}
	if r.Extra == nil {
		r.Extra = make(map[string]json.RawMessage, len(p.extra))
	}
	for k, v := range p.extra {
		r.Extra[k] = v
	}

	r.Linked = r.Device.linked()
	r.ActualPhase = r.derivePhase(linkRequired)
	return nil
}

func (d *Device) isZero() bool {
	return d.Type == "" && d.Manufacturer == "" && d.Model == "" && d.SerialNumber == "" &&
		d.Tags == nil && d.Actions == nil && d.Components == nil && len(d.Extra) == 0
}

func (d *Device) linked() bool {
	for _, t := range d.Tags {
		if t.ID != "" {
			return true
		}
	}
	return false
}

func (d *Device) merge(p *devicePartial) {
	if p.typ != nil && !unknownValue(*p.typ) {
		d.Type = *p.typ
	}
	if p.manufacturer != nil && !unknownValue(*p.manufacturer) {
		d.Manufacturer = *p.manufacturer
	}
	if p.model != nil && !unknownValue(*p.model) {
		d.Model = *p.model
	}
	if p.serialNumber != nil && !unknownValue(*p.serialNumber) {
		d.SerialNumber = *p.serialNumber
	}
	if p.hasTags {
		d.Tags = mergeTags(d.Tags, p.tags)
	}
	if p.hasActions {
		d.Actions = mergeActions(d.Actions, p.actions)
	}
	if p.hasComps {
		for i, cp := range p.components {
			if i < len(d.Components) {
				d.Components[i].merge(&cp)
				continue
			}
			d.Components = append(d.Components, Component{
				Actions: mergeActions(nil, cp.actions),
				Extra:   cp.extra,
			})
		}
	}
	for k, v := range p.extra {
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = v
	}
}

func (c *Component) merge(p *componentPartial) {
	if p.hasActions {
		c.Actions = mergeActions(c.Actions, p.actions)
	}
	for k, v := range p.extra {
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
}

// mergeActions unions two action lists, deduplicating by action type. A
// keyed match is replaced in place so the incoming value wins while the
// surviving order stays put; unseen keys are appended in incoming order.
func mergeActions(existing, incoming []Action) []Action {
	out := make([]Action, len(existing))
	copy(out, existing)
	byKey := make(map[string]int, len(out))
	for i, a := range out {
		if k := a.Key(); k != "" {
			byKey[k] = i
		}
	}
	for _, inc := range incoming {
		k := inc.Key()
		if k == "" {
			out = append(out, inc)
			continue
		}
		if i, ok := byKey[k]; ok {
			out[i] = inc
			continue
		}
		byKey[k] = len(out)
		out = append(out, inc)
	}
	return out
}

func mergeTags(existing, incoming []Tag) []Tag {
	out := make([]Tag, len(existing))
	copy(out, existing)
	byID := make(map[string]int, len(out))
	for i, t := range out {
		byID[t.ID] = i
	}
	for _, inc := range incoming {
		if i, ok := byID[inc.ID]; ok {
			out[i] = inc
			continue
		}
		byID[inc.ID] = len(out)
		out = append(out, inc)
	}
	return out
}

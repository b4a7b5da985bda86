package snapshot

import (
	"time"
)

// ClientView returns the DeviceHub-safe projection of the record: the merged
// report data without any of the server's control fields. This is what gets
// submitted to DeviceHub and what GET /snapshots/{uuid} returns.
func (r *Record) ClientView() map[string]any {
	m := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["uuid"] = r.UUID.String()
	m["device"] = r.Device.view()
	if len(r.ExpectedEvents) > 0 {
		m["expectedEvents"] = r.ExpectedEvents
	}
	if r.IsClosed() {
		m["closed"] = r.Closed.UTC().Format(time.RFC3339)
	}
	return m
}

// AnnotatedView returns the client projection plus the underscore-prefixed
// control fields. This is the shape GET /info lists records in.
func (r *Record) AnnotatedView() map[string]any {
	m := r.ClientView()
	if r.Phase != "" {
		m["_phase"] = r.Phase
	}
	m["_actualPhase"] = r.ActualPhase
	m["_linked"] = r.Linked
	m["_saved"] = r.Saved
	if r.Error != nil {
		m["_error"] = r.Error
	}
	if r.UploadedID != "" {
		m["_uploaded"] = r.UploadedID
	}
	return m
}

func (d *Device) view() map[string]any {
	m := make(map[string]any, len(d.Extra)+7)
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.Type != "" {
		m["type"] = d.Type
	}
	if d.Manufacturer != "" {
		m["manufacturer"] = d.Manufacturer
	}
	if d.Model != "" {
		m["model"] = d.Model
	}
	if d.SerialNumber != "" {
		m["serialNumber"] = d.SerialNumber
	}
	if d.Tags != nil {
		m["tags"] = d.Tags
	}
	if d.Actions != nil {
		m["actions"] = d.Actions
	}
	if d.Components != nil {
		comps := make([]map[string]any, len(d.Components))
		for i := range d.Components {
			comps[i] = d.Components[i].view()
		}
		m["components"] = comps
	}
	return m
}

func (c *Component) view() map[string]any {
	m := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.Actions != nil {
		m["actions"] = c.Actions
	}
	return m
}

package snapshot

import (
	"strings"
)

// HID returns the deterministic human-meaningful identifier used to name
// snapshot files: type, manufacturer, model and serial number joined with
// dashes, lowercased, with inner whitespace collapsed. Fields no report has
// filled in are substituted with "Unknown", so HID is total: it always
// produces a usable file name.
func (r *Record) HID() string {
	return hid(r.Device.Type, r.Device.Manufacturer, r.Device.Model, r.Device.SerialNumber)
}

func hid(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if unknownValue(p) {
			p = Unknown
		}
		out[i] = slug(p)
	}
	return strings.Join(out, "-")
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '/' || r == '\\'
	})
	return strings.Join(fields, "_")
}

// Package phaseplan defines which phase sequence a device-processing run is
// expected to pass through.
//
// Current Workbench clients compute and send the sequence themselves
// (expectedEvents in the first report). Older ones only declare the
// processing mode they were started in; for those the server fills the
// sequence in from a plan. Plans ship with built-in defaults and can be
// overridden with a YAML or JSON file.
package phaseplan

import "strings"

// Plan maps processing modes to their expected phase sequences.
type Plan struct {
	// Version is the plan schema version. Must be "1.0" when set.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Sequences maps a processing mode (case-insensitive) to the ordered
	// phase labels a run in that mode passes through.
	Sequences map[string][]string `json:"sequences" yaml:"sequences"`
}

// Default returns the built-in plan covering the processing modes Workbench
// can be started in.
func Default() *Plan {
	return &Plan{
		Version: "1.0",
		Sequences: map[string][]string{
			"Benchmark":    {"Benchmark"},
			"Smart":        {"Benchmark", "TestDataStorage"},
			"Erase":        {"Benchmark", "TestDataStorage", "EraseBasic"},
			"EraseSectors": {"Benchmark", "TestDataStorage", "EraseSectors"},
			"Install":      {"Benchmark", "TestDataStorage", "EraseBasic", "Install"},
			"Full":         {"Benchmark", "TestDataStorage", "StressTest", "EraseBasic", "Install"},
		},
	}
}

// Sequence returns the expected phase labels for a processing mode. The
// lookup is case-insensitive. The returned slice is a copy.
func (p *Plan) Sequence(mode string) ([]string, bool) {
	for name, seq := range p.Sequences {
		if strings.EqualFold(name, mode) {
			out := make([]string, len(seq))
			copy(out, seq)
			return out, true
		}
	}
	return nil, false
}

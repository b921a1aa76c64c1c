package flagstate

import "encoding/json"

// Trace lists every layer consulted while evaluating a feature, strongest
// first. Exactly one entry is Selected when the trace is non-empty.
type Trace struct {
	Feature string       `json:"feature"`
	Layers  []Provenance `json:"layers"`
}

// Provenance is the state one scope offered during an evaluation.
type Provenance struct {
	Scope      Scope  `json:"scope"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Enabled    bool   `json:"enabled"`
	Value      Value  `json:"value"`
	Selected   bool   `json:"selected"`
}

// Winner returns the entry that supplied the effective state.
func (t Trace) Winner() (Provenance, bool) {
	for _, layer := range t.Layers {
		if layer.Selected {
			return layer, true
		}
	}
	return Provenance{}, false
}

// Shadowed returns the consulted entries that lost to the winner but would
// have produced a different enabled flag or value.
func (t Trace) Shadowed() []Provenance {
	winner, ok := t.Winner()
	if !ok {
		return nil
	}
	var out []Provenance
	for _, layer := range t.Layers {
		if layer.Selected {
			continue
		}
		if layer.Enabled != winner.Enabled || !layer.Value.Equal(winner.Value) {
			out = append(out, layer)
		}
	}
	return out
}

func (t Trace) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// ParseTrace reads a trace written by ToJSON.
func ParseTrace(payload []byte) (Trace, error) {
	var trace Trace
	err := json.Unmarshal(payload, &trace)
	return trace, err
}

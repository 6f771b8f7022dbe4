package hardware

import "time"

// Component names used as snapshot keys. The matcher weights are keyed on
// these, so the probe and the matcher must agree on them.
const (
	ComponentBoard = "board"
	ComponentCPU   = "cpu"
	ComponentMAC   = "mac"
)

// Snapshot holds the machine-identifying component values captured at
// runtime. Any field may be empty when the underlying source is
// unavailable (containers, restricted permissions, exotic platforms).
// A snapshot is immutable once captured and is only ever persisted
// embedded in a license record.
type Snapshot struct {
	Board      string    `json:"board"`
	CPU        string    `json:"cpu"`
	MAC        string    `json:"mac"`
	Hostname   string    `json:"hostname,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// IsEmpty reports whether no identifying component could be captured.
// An empty snapshot must never be trusted for matching or recovery.
func (s Snapshot) IsEmpty() bool {
	return s.Board == "" && s.CPU == "" && s.MAC == ""
}

// Components returns the weighted component values keyed by component name.
// Hostname is deliberately excluded: it is kept for diagnostics only and
// changes too easily to participate in matching.
func (s Snapshot) Components() map[string]string {
	return map[string]string{
		ComponentBoard: s.Board,
		ComponentCPU:   s.CPU,
		ComponentMAC:   s.MAC,
	}
}

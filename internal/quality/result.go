// Package quality turns waveform snapshots into published signal-quality
// assessments: it gates triggers, runs one assessment at a time and keeps
// the last known good result.
package quality

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/features"
)

// MinSamples is the shortest window that may be assessed.
const MinSamples = conf.MinWindowSamples

// Label is the quality verdict. The zero value is LabelUnknown.
type Label int

const (
	LabelUnknown Label = iota
	LabelBad
	LabelAcceptable
	LabelExcellent
)

var labelNames = [...]string{"unknown", "bad", "acceptable", "excellent"}

func (l Label) String() string {
	if l < 0 || int(l) >= len(labelNames) {
		return labelNames[LabelUnknown]
	}
	return labelNames[l]
}

// MarshalText encodes the label as its name.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a label name.
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := ParseLabel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLabel maps a label name back to its value.
func ParseLabel(s string) (Label, error) {
	for i, name := range labelNames {
		if name == s {
			return Label(i), nil
		}
	}
	return LabelUnknown, fmt.Errorf("unknown quality label %q", s)
}

// labelForClass maps a classifier class index to its label.
func labelForClass(class int) Label {
	switch class {
	case classifier.ClassBad:
		return LabelBad
	case classifier.ClassAcceptable:
		return LabelAcceptable
	case classifier.ClassExcellent:
		return LabelExcellent
	default:
		return LabelUnknown
	}
}

// Result is the externally visible verdict. The zero value is unknown with
// zero confidence.
type Result struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"` // percent, [0, 100]
}

// Assessment is a published Result with its provenance.
type Assessment struct {
	Result
	Seq           uint64
	Features      features.Vector // the vector that was classified
	Probabilities classifier.Probabilities
	WindowLength  int
	SessionID     uuid.UUID
	Timestamp     time.Time
	Duration      time.Duration
}

// Payload is the wire form of an Assessment shared by the MQTT, HTTP and
// WebSocket sinks.
type Payload struct {
	Seq           uint64             `json:"seq"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	WindowLength  int                `json:"window_length"`
	SessionID     string             `json:"session_id"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Payload converts the assessment to its wire form.
func (a Assessment) Payload() Payload {
	return Payload{
		Seq:           a.Seq,
		Label:         a.Label.String(),
		Confidence:    a.Confidence,
		Probabilities: a.Probabilities.Map(),
		WindowLength:  a.WindowLength,
		SessionID:     a.SessionID.String(),
		Timestamp:     a.Timestamp.UTC(),
	}
}

// confidenceFor derives the percentage from the winning probability.
func confidenceFor(p float64) float64 {
	return min(max(p*100, 0), 100)
}

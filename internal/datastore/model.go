package datastore

import (
	"time"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/quality"
)

// AssessmentRecord is one persisted assessment.
type AssessmentRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Seq            uint64    `gorm:"index" json:"seq"`
	SessionID      string    `gorm:"size:36;index" json:"session_id"`
	Label          string    `gorm:"size:16;index" json:"label"`
	Confidence     float64   `json:"confidence"`
	ProbBad        float64   `json:"prob_bad"`
	ProbAcceptable float64   `json:"prob_acceptable"`
	ProbExcellent  float64   `json:"prob_excellent"`
	WindowLength   int       `json:"window_length"`
	DurationMs     float64   `json:"duration_ms"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

// TableName fixes the table name independent of GORM's pluralization.
func (AssessmentRecord) TableName() string {
	return "assessments"
}

// NewRecord converts a published assessment into a row.
func NewRecord(a *quality.Assessment) *AssessmentRecord {
	return &AssessmentRecord{
		Seq:            a.Seq,
		SessionID:      a.SessionID.String(),
		Label:          a.Label.String(),
		Confidence:     a.Confidence,
		ProbBad:        a.Probabilities[classifier.ClassBad],
		ProbAcceptable: a.Probabilities[classifier.ClassAcceptable],
		ProbExcellent:  a.Probabilities[classifier.ClassExcellent],
		WindowLength:   a.WindowLength,
		DurationMs:     float64(a.Duration.Microseconds()) / 1000,
		CreatedAt:      a.Timestamp,
	}
}

// Summary aggregates assessments since a point in time.
type Summary struct {
	Since          time.Time        `json:"since"`
	Total          int64            `json:"total"`
	Counts         map[string]int64 `json:"counts"`
	MeanConfidence float64          `json:"mean_confidence"`
}

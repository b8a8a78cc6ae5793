package db

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/replaylens/replaylens/pkg/models"
)

// SummaryRecord is the durable row for one finalized session summary.
// Rows are immutable at (team_id, session_id, context_key) granularity:
// writes use first-successful-writer-wins semantics and a different context
// always produces a new row. The only sanctioned in-place change is the
// secondary validation rewrite.
type SummaryRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	TeamID     int64     `gorm:"uniqueIndex:idx_summary_identity;not null"`
	SessionID  string    `gorm:"uniqueIndex:idx_summary_identity;size:128;not null"`
	ContextKey string    `gorm:"uniqueIndex:idx_summary_identity;size:128;not null"`
	Summary    string    `gorm:"type:text;not null"`
	Metadata   string    `gorm:"type:text"`
	Validated  bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// TableName overrides GORM's pluralization.
func (SummaryRecord) TableName() string {
	return "session_summaries"
}

// SummaryMetadata is observability metadata stored alongside a summary.
type SummaryMetadata struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Attempts     int    `json:"attempts"`
}

// DecodeSummary unmarshals the stored summary payload.
func (r *SummaryRecord) DecodeSummary() (*models.SessionSummary, error) {
	var summary models.SessionSummary
	if err := json.Unmarshal([]byte(r.Summary), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// EncodeSummary sets the stored payload from a domain summary.
func (r *SummaryRecord) EncodeSummary(summary *models.SessionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	r.Summary = string(data)
	return nil
}

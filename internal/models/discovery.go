package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DiscoveryStatus string

const (
	DiscoveryPending     DiscoveryStatus = "pending"
	DiscoveryProcessing  DiscoveryStatus = "processing"
	DiscoveryNeedsReview DiscoveryStatus = "needs_review"
	DiscoveryReviewed    DiscoveryStatus = "reviewed"
)

func ParseDiscoveryStatus(s string) (DiscoveryStatus, error) {
	switch st := DiscoveryStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case DiscoveryPending, DiscoveryProcessing, DiscoveryNeedsReview, DiscoveryReviewed:
		return st, nil
	}
	return "", fmt.Errorf("unknown discovery status %q", s)
}

type ReviewDecision string

const (
	DecisionAccepted     ReviewDecision = "accepted"
	DecisionRejected     ReviewDecision = "rejected"
	DecisionAutoAccepted ReviewDecision = "auto_accepted"
)

type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// Thresholds are the lower bounds of the high and medium confidence bands.
type Thresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.75, Medium: 0.50}
}

func (t Thresholds) Band(score float64) ConfidenceBand {
	switch {
	case score >= t.High:
		return BandHigh
	case score >= t.Medium:
		return BandMedium
	default:
		return BandLow
	}
}

// KeyEntities holds named entities extracted from a document.
type KeyEntities struct {
	People        []string `json:"people,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	Locations     []string `json:"locations,omitempty"`
	Amounts       []string `json:"amounts,omitempty"`
	Dates         []string `json:"dates,omitempty"`
}

type DiscoveryRecord struct {
	FileID                uuid.UUID       `json:"file_id" db:"file_id"`
	Status                DiscoveryStatus `json:"discovery_status" db:"discovery_status"`
	DiscoveredCategory    *Category       `json:"discovered_category,omitempty" db:"discovered_category"`
	DiscoveredSubcategory string          `json:"discovered_subcategory,omitempty" db:"discovered_subcategory"`
	ConfidenceScore       *float64        `json:"confidence_score,omitempty" db:"confidence_score"`
	ContentSummary        string          `json:"content_summary,omitempty" db:"content_summary"`
	KeyPoints             []string        `json:"key_points,omitempty" db:"key_points"`
	AutoTags              []string        `json:"auto_tags" db:"auto_tags"`
	KeyEntities           KeyEntities     `json:"key_entities" db:"key_entities"`
	DocumentDate          *time.Time      `json:"document_date,omitempty" db:"document_date"`
	Provider              string          `json:"provider,omitempty" db:"provider"`
	Attempts              int             `json:"attempts" db:"attempts"`
	LastError             string          `json:"last_error,omitempty" db:"last_error"`
	Decision              *ReviewDecision `json:"review_decision,omitempty" db:"review_decision"`
	SubmittedAt           time.Time       `json:"submitted_at" db:"submitted_at"`
	ClaimedAt             *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	ReviewedAt            *time.Time      `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// NeedsReview is derived rather than stored: an unreviewed record is up for
// review when it was staged for review or scored below the high threshold.
func (d *DiscoveryRecord) NeedsReview(t Thresholds) bool {
	if d.Status == DiscoveryReviewed || d.ReviewedAt != nil {
		return false
	}
	if d.Status == DiscoveryNeedsReview {
		return true
	}
	return d.ConfidenceScore != nil && *d.ConfidenceScore < t.High
}

// Band returns the confidence band, or "" when the record has no score yet.
func (d *DiscoveryRecord) Band(t Thresholds) ConfidenceBand {
	if d.ConfidenceScore == nil {
		return ""
	}
	return t.Band(*d.ConfidenceScore)
}

// DiscoveryView is the API representation with derived fields filled in.
type DiscoveryView struct {
	DiscoveryRecord
	NeedsReview    bool           `json:"needs_review"`
	ConfidenceBand ConfidenceBand `json:"confidence_band,omitempty"`
}

func (d *DiscoveryRecord) View(t Thresholds) DiscoveryView {
	return DiscoveryView{
		DiscoveryRecord: *d,
		NeedsReview:     d.NeedsReview(t),
		ConfidenceBand:  d.Band(t),
	}
}

type DiscoveryStats struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	NeedsReview int `json:"needs_review"`
	Reviewed    int `json:"reviewed"`
	High        int `json:"high_confidence"`
	Medium      int `json:"medium_confidence"`
	Low         int `json:"low_confidence"`
}

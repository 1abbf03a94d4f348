package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is one class of physical storage backend.
type Tier string

const (
	TierCDN    Tier = "cdn"
	TierCloud  Tier = "cloud"
	TierCache  Tier = "cache"
	TierLocal  Tier = "local"
	TierCollab Tier = "collab"
)

func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierCDN, TierCloud, TierCache, TierLocal, TierCollab:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func Tiers() []Tier {
	return []Tier{TierCDN, TierCloud, TierCache, TierLocal, TierCollab}
}

type SyncOperation string

const (
	OpUpload SyncOperation = "upload"
	OpDelete SyncOperation = "delete"
	OpSync   SyncOperation = "sync"
	OpVerify SyncOperation = "verify"
)

func ParseSyncOperation(s string) (SyncOperation, error) {
	switch op := SyncOperation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpUpload, OpDelete, OpSync, OpVerify:
		return op, nil
	}
	return "", fmt.Errorf("unknown sync operation %q", s)
}

type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncProcessing SyncStatus = "processing"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case SyncPending, SyncProcessing, SyncCompleted, SyncFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// Priority bands; lower values are dequeued first.
const (
	PriorityCritical = 1
	PriorityHigh     = 5
	PriorityNormal   = 10
	PriorityLow      = 20
)

// MaxSyncAttempts is the number of failed attempts after which an item
// becomes terminally failed.
const MaxSyncAttempts = 3

type SyncQueueItem struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	Operation     SyncOperation `json:"operation" db:"operation"`
	FileID        uuid.UUID     `json:"file_id" db:"file_id"`
	FromTier      Tier          `json:"from_tier" db:"from_tier"`
	ToTier        Tier          `json:"to_tier" db:"to_tier"`
	Priority      int           `json:"priority" db:"priority"`
	Attempts      int           `json:"attempts" db:"attempts"`
	Status        SyncStatus    `json:"status" db:"status"`
	QueuedAt      time.Time     `json:"queued_at" db:"queued_at"`
	ClaimedAt     *time.Time    `json:"claimed_at,omitempty" db:"claimed_at"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage  string        `json:"error_message,omitempty" db:"error_message"`
}

// NewSyncQueueItem builds a pending item stamped with now.
func NewSyncQueueItem(fileID uuid.UUID, op SyncOperation, from, to Tier, priority int, now time.Time) SyncQueueItem {
	return SyncQueueItem{
		ID:        uuid.New(),
		Operation: op,
		FileID:    fileID,
		FromTier:  from,
		ToTier:    to,
		Priority:  priority,
		Status:    SyncPending,
		QueuedAt:  now,
	}
}

// SyncStats counts queue items by status.
type SyncStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (s SyncStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryLegal          Category = "legal"
	CategoryFinancial      Category = "financial"
	CategoryMeetingMinutes Category = "meeting-minutes"
	CategoryPolicy         Category = "policy"
	CategoryGrant          Category = "grant"
	CategoryReport         Category = "report"
	CategoryCorrespondence Category = "correspondence"
	CategoryGeneral        Category = "general"
)

var categories = []Category{
	CategoryLegal, CategoryFinancial, CategoryMeetingMinutes, CategoryPolicy,
	CategoryGrant, CategoryReport, CategoryCorrespondence, CategoryGeneral,
}

// Categories returns every known category in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory normalizes s. An empty string maps to CategoryGeneral.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryGeneral, nil
	}
	s = strings.ReplaceAll(s, "_", "-")
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// NormalizeCategory is ParseCategory without the error: anything unknown
// becomes CategoryGeneral.
func NormalizeCategory(s string) Category {
	c, err := ParseCategory(s)
	if err != nil {
		return CategoryGeneral
	}
	return c
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case "", VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

type DocumentStatus string

const (
	DocStatusDraft    DocumentStatus = "draft"
	DocStatusRevised  DocumentStatus = "revised"
	DocStatusFinal    DocumentStatus = "final"
	DocStatusApproved DocumentStatus = "approved"
	DocStatusRejected DocumentStatus = "rejected"
	DocStatusArchived DocumentStatus = "archived"
)

func ParseDocumentStatus(s string) (DocumentStatus, error) {
	switch st := DocumentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return DocStatusDraft, nil
	case DocStatusDraft, DocStatusRevised, DocStatusFinal, DocStatusApproved, DocStatusRejected, DocStatusArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown document status %q", s)
}

// FileRecord is the canonical metadata entity for one stored file.
type FileRecord struct {
	ID              uuid.UUID      `json:"file_id" db:"file_id"`
	Filename        string         `json:"filename" db:"filename"`
	MimeType        string         `json:"mime_type" db:"mime_type"`
	SizeBytes       int64          `json:"size_bytes" db:"size_bytes"`
	Checksum        string         `json:"checksum,omitempty" db:"checksum"`
	StorageKey      string         `json:"storage_key" db:"storage_key"`
	Category        Category       `json:"category" db:"category"`
	Subcategory     string         `json:"subcategory,omitempty" db:"subcategory"`
	Tags            []string       `json:"tags" db:"tags"`
	Description     string         `json:"description,omitempty" db:"description"`
	Visibility      Visibility     `json:"visibility" db:"visibility"`
	DocumentAuthor  string         `json:"document_author,omitempty" db:"document_author"`
	DocumentStatus  DocumentStatus `json:"document_status" db:"document_status"`
	HasPhysicalCopy bool           `json:"has_physical_copy" db:"has_physical_copy"`
	AccessCount     int64          `json:"access_count" db:"access_count"`
	LastAccessedAt  *time.Time     `json:"last_accessed_at,omitempty" db:"last_accessed_at"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (f *FileRecord) Deleted() bool { return f.DeletedAt != nil }

// FilePatch carries a partial update; nil fields are left untouched.
type FilePatch struct {
	Filename        *string         `json:"filename,omitempty"`
	Category        *Category       `json:"category,omitempty"`
	Subcategory     *string         `json:"subcategory,omitempty"`
	Tags            *[]string       `json:"tags,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Visibility      *Visibility     `json:"visibility,omitempty"`
	DocumentAuthor  *string         `json:"document_author,omitempty"`
	DocumentStatus  *DocumentStatus `json:"document_status,omitempty"`
	HasPhysicalCopy *bool           `json:"has_physical_copy,omitempty"`
}

// Apply copies the non-nil fields of p onto f.
func (p FilePatch) Apply(f *FileRecord) {
	if p.Filename != nil {
		f.Filename = *p.Filename
	}
	if p.Category != nil {
		f.Category = *p.Category
	}
	if p.Subcategory != nil {
		f.Subcategory = *p.Subcategory
	}
	if p.Tags != nil {
		f.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Visibility != nil {
		f.Visibility = *p.Visibility
	}
	if p.DocumentAuthor != nil {
		f.DocumentAuthor = *p.DocumentAuthor
	}
	if p.DocumentStatus != nil {
		f.DocumentStatus = *p.DocumentStatus
	}
	if p.HasPhysicalCopy != nil {
		f.HasPhysicalCopy = *p.HasPhysicalCopy
	}
}

// FileLocation records that a tier currently holds a copy of a file.
type FileLocation struct {
	FileID     uuid.UUID  `json:"file_id" db:"file_id"`
	Tier       Tier       `json:"tier" db:"tier"`
	PlacedAt   time.Time  `json:"placed_at" db:"placed_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}

package models

import (
	"errors"
	"fmt"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

var ErrInvalidPage = errors.New("invalid pagination")

// Page is one slice of a larger result set.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// ValidatePage checks 1-based page numbers and a per_page within 1..MaxPerPage.
func ValidatePage(page, perPage int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be >= 1", ErrInvalidPage)
	}
	if perPage < 1 || perPage > MaxPerPage {
		return fmt.Errorf("%w: per_page must be between 1 and %d", ErrInvalidPage, MaxPerPage)
	}
	return nil
}

// Offset converts a validated page into a row offset.
func Offset(page, perPage int) int {
	return (page - 1) * perPage
}

func NewPage[T any](items []T, total, page, perPage int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return Page[T]{Items: items, Total: total, Page: page, PerPage: perPage, TotalPages: pages}
}

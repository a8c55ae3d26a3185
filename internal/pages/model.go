package pages

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// DefaultTitle is applied whenever a page is created or renamed with an
// empty title.
const DefaultTitle = "Untitled"

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("pages: invalid owner id")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// OwnerID represents a validated owning-principal identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Page models one node of the document forest. ParentID is nil for root
// pages; Position orders a page among siblings sharing the same parent.
type Page struct {
	PageID           string  `gorm:"column:page_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:user_id;size:190;not null;index:idx_pages_owner_parent,priority:1"`
	Title            string  `gorm:"column:title;size:512;not null;default:''"`
	Icon             string  `gorm:"column:icon;size:64;not null;default:''"`
	CoverImage       string  `gorm:"column:cover_image;size:512;not null;default:''"`
	ParentID         *string `gorm:"column:parent_id;size:190;index:idx_pages_owner_parent,priority:2"`
	IsFavorite       bool    `gorm:"column:is_favorite;not null;default:false"`
	Position         int     `gorm:"column:position;not null;default:0"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

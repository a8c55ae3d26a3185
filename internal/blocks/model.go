package blocks

import (
	"errors"
	"fmt"
	"strings"
)

// Type tags a block with one of the ten supported content variants.
type Type string

const (
	TypeParagraph    Type = "paragraph"
	TypeHeading1     Type = "heading1"
	TypeHeading2     Type = "heading2"
	TypeHeading3     Type = "heading3"
	TypeBulletedList Type = "bulleted_list"
	TypeNumberedList Type = "numbered_list"
	TypeQuote        Type = "quote"
	TypeCode         Type = "code"
	TypeDivider      Type = "divider"
	TypeTodo         Type = "todo"
)

// ErrInvalidType indicates a block type outside the closed variant set.
var ErrInvalidType = errors.New("blocks: invalid block type")

var knownTypes = map[Type]bool{
	TypeParagraph:    true,
	TypeHeading1:     true,
	TypeHeading2:     true,
	TypeHeading3:     true,
	TypeBulletedList: true,
	TypeNumberedList: true,
	TypeQuote:        true,
	TypeCode:         true,
	TypeDivider:      true,
	TypeTodo:         true,
}

// ParseType validates raw input and returns the matching Type. Empty input
// yields the paragraph default.
func ParseType(rawInput string) (Type, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return TypeParagraph, nil
	}
	candidate := Type(trimmed)
	if !knownTypes[candidate] {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, rawInput)
	}
	return candidate, nil
}

// Valid reports whether the tag belongs to the closed variant set.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// SupportsChecked reports whether the checked flag is meaningful for this
// variant. Only to-do blocks carry a checkbox; the flag is stored for
// every block but ignored elsewhere.
func (t Type) SupportsChecked() bool {
	return t == TypeTodo
}

// Block models one typed unit of content belonging to exactly one page.
type Block struct {
	BlockID          string `gorm:"column:block_id;primaryKey;size:190;not null"`
	PageID           string `gorm:"column:page_id;size:190;not null;index:idx_blocks_page,priority:1"`
	Type             Type   `gorm:"column:type;size:32;not null;default:'paragraph'"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	Checked          bool   `gorm:"column:checked;not null;default:false"`
	Position         int    `gorm:"column:position;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "blocks"
}

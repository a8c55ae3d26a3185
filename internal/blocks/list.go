package blocks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoPageSelected indicates a block operation was attempted before a page was scoped.
	ErrNoPageSelected = errors.New("blocks: no page selected")
	// ErrNotFound indicates a referenced block is absent from the store.
	ErrNotFound = errors.New("blocks: block not found")
	// ErrInvalidField indicates an update field outside the updatable set, or a malformed value.
	ErrInvalidField = errors.New("blocks: invalid update field")

	errMissingStore      = errors.New("block store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opListNew         = "blocks.list.new"
	opListSetPage     = "blocks.list.set_page"
	opListCreate      = "blocks.list.create"
	opListUpdate      = "blocks.list.update"
	opListDelete      = "blocks.list.delete"
	opListInsertAfter = "blocks.list.insert_after"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Store is the narrow contract the list requires from the durable record
// store. Every call is scoped to a single page.
type Store interface {
	SelectBlocks(ctx context.Context, pageID string) ([]Block, error)
	InsertBlock(ctx context.Context, block *Block) error
	UpdateBlock(ctx context.Context, pageID, blockID string, fields map[string]any) (*Block, error)
	DeleteBlockByID(ctx context.Context, pageID, blockID string) error
}

// IDProvider issues identifiers for newly created blocks.
type IDProvider interface {
	NewID() (string, error)
}

// ListConfig describes the dependencies required to build a List.
type ListConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// List maintains the ordered block sequence for exactly one page at a
// time: a cached slice of last-known-good rows, replaced whole when the
// scoped page changes and re-sorted by position after every confirmed
// write. Callers must serialize operations on a List; it provides no
// internal locking.
type List struct {
	store  Store
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger

	pageID string
	cache  []Block
}

// NewList constructs a List with no page scoped. Mutations fail until
// SetPage succeeds.
func NewList(cfg ListConfig) (*List, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opListNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opListNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &List{
		store:  cfg.Store,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// SetPage scopes the list to pageID and replaces the cache with that
// page's blocks. An empty id clears the scope without a store call.
func (l *List) SetPage(ctx context.Context, pageID string) error {
	if pageID == "" {
		l.pageID = ""
		l.cache = nil
		return nil
	}
	rows, err := l.store.SelectBlocks(ctx, pageID)
	if err != nil {
		l.logError(opListSetPage, "select_failed", err, zap.String("page_id", pageID))
		return newServiceError(opListSetPage, "select_failed", err)
	}
	l.pageID = pageID
	l.cache = rows
	l.sortCache()
	return nil
}

// PageID returns the scoped page id, or empty when no page is selected.
func (l *List) PageID() string {
	return l.pageID
}

// List returns the cached blocks for the scoped page, ordered by position.
func (l *List) List() []Block {
	result := make([]Block, len(l.cache))
	copy(result, l.cache)
	return result
}

// Find returns the cached block with the given id.
func (l *List) Find(blockID string) (Block, bool) {
	for _, block := range l.cache {
		if block.BlockID == blockID {
			return block, true
		}
	}
	return Block{}, false
}

// Create appends a new block, or inserts it at the supplied position. The
// cache is re-sorted after the merge since an arbitrary position may land
// anywhere in the sequence.
func (l *List) Create(ctx context.Context, blockType Type, content string, position *int) (*Block, error) {
	if l.pageID == "" {
		return nil, newServiceError(opListCreate, "no_page_selected", ErrNoPageSelected)
	}
	if blockType == "" {
		blockType = TypeParagraph
	}
	if !blockType.Valid() {
		return nil, newServiceError(opListCreate, "invalid_type", fmt.Errorf("%w: %q", ErrInvalidType, blockType))
	}

	blockID, err := l.ids.NewID()
	if err != nil {
		l.logError(opListCreate, "id_generation_failed", err)
		return nil, newServiceError(opListCreate, "id_generation_failed", err)
	}

	slot := len(l.cache)
	if position != nil {
		slot = *position
	}

	now := l.clock().UTC().Unix()
	block := Block{
		BlockID:          blockID,
		PageID:           l.pageID,
		Type:             blockType,
		Content:          content,
		Position:         slot,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := l.store.InsertBlock(ctx, &block); err != nil {
		l.logError(opListCreate, "insert_failed", err, zap.String("block_id", blockID))
		return nil, newServiceError(opListCreate, "insert_failed", err)
	}

	l.cache = append(l.cache, block)
	l.sortCache()
	return &block, nil
}

// Update applies a partial update restricted to type, content, checked and
// position. Any other field is rejected before a store call is issued. A
// position change relocates the block in iteration order via the re-sort.
func (l *List) Update(ctx context.Context, blockID string, fields map[string]any) (*Block, error) {
	if l.pageID == "" {
		return nil, newServiceError(opListUpdate, "no_page_selected", ErrNoPageSelected)
	}

	normalized, err := normalizeBlockFields(fields)
	if err != nil {
		return nil, newServiceError(opListUpdate, "invalid_field", err)
	}
	normalized["updated_at_s"] = l.clock().UTC().Unix()

	updated, err := l.store.UpdateBlock(ctx, l.pageID, blockID, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(opListUpdate, "not_found", err)
		}
		l.logError(opListUpdate, "update_failed", err, zap.String("block_id", blockID))
		return nil, newServiceError(opListUpdate, "update_failed", err)
	}

	for index := range l.cache {
		if l.cache[index].BlockID == updated.BlockID {
			l.cache[index] = *updated
			break
		}
	}
	l.sortCache()
	return updated, nil
}

// Delete removes exactly one block; blocks have no children to cascade.
func (l *List) Delete(ctx context.Context, blockID string) error {
	if l.pageID == "" {
		return newServiceError(opListDelete, "no_page_selected", ErrNoPageSelected)
	}

	if err := l.store.DeleteBlockByID(ctx, l.pageID, blockID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opListDelete, "not_found", err)
		}
		l.logError(opListDelete, "delete_failed", err, zap.String("block_id", blockID))
		return newServiceError(opListDelete, "delete_failed", err)
	}

	remaining := l.cache[:0]
	for _, block := range l.cache {
		if block.BlockID != blockID {
			remaining = append(remaining, block)
		}
	}
	l.cache = remaining
	return nil
}

// InsertAfter shifts every block after the reference block down by one
// position, one store update per sibling, then creates a new block in the
// freed slot. An unknown reference id degrades to a plain append.
//
// The shift phase is not transactional: a failure partway through leaves
// some siblings shifted and others not. The terminal create is still
// attempted so the caller is not left without a block; when it succeeds
// after a failed shift, the new block is returned together with the shift
// error and the position sequence may briefly hold duplicates until the
// next successful refetch.
func (l *List) InsertAfter(ctx context.Context, afterID string, blockType Type) (*Block, error) {
	if l.pageID == "" {
		return nil, newServiceError(opListInsertAfter, "no_page_selected", ErrNoPageSelected)
	}

	referenceIndex := -1
	for index, block := range l.cache {
		if block.BlockID == afterID {
			referenceIndex = index
			break
		}
	}
	if referenceIndex < 0 {
		return l.Create(ctx, blockType, "", nil)
	}

	now := l.clock().UTC().Unix()
	var shiftErr error
	for index := referenceIndex + 1; index < len(l.cache); index++ {
		sibling := l.cache[index]
		updated, err := l.store.UpdateBlock(ctx, l.pageID, sibling.BlockID, map[string]any{
			"position":     sibling.Position + 1,
			"updated_at_s": now,
		})
		if err != nil {
			l.logError(opListInsertAfter, "shift_failed", err, zap.String("block_id", sibling.BlockID))
			shiftErr = newServiceError(opListInsertAfter, "shift_failed", err)
			break
		}
		l.cache[index] = *updated
	}

	slot := referenceIndex + 1
	created, err := l.Create(ctx, blockType, "", &slot)
	if err != nil {
		return nil, err
	}
	return created, shiftErr
}

// Refresh re-reads the scoped page's blocks from the store.
func (l *List) Refresh(ctx context.Context) error {
	if l.pageID == "" {
		l.cache = nil
		return nil
	}
	return l.SetPage(ctx, l.pageID)
}

var updatableBlockFields = map[string]bool{
	"type":     true,
	"content":  true,
	"checked":  true,
	"position": true,
}

func normalizeBlockFields(fields map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		if !updatableBlockFields[key] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidField, key)
		}
		switch key {
		case "type":
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: type must be a string", ErrInvalidField)
			}
			blockType, err := ParseType(text)
			if err != nil {
				return nil, err
			}
			normalized[key] = string(blockType)
		case "content":
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: content must be a string", ErrInvalidField)
			}
			normalized[key] = text
		case "checked":
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: checked must be a boolean", ErrInvalidField)
			}
			normalized[key] = flag
		case "position":
			position, ok := intValue(value)
			if !ok {
				return nil, fmt.Errorf("%w: position must be an integer", ErrInvalidField)
			}
			normalized[key] = position
		}
	}
	return normalized, nil
}

func intValue(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		// JSON numbers arrive as float64; a fractional part means the
		// caller did not send an integer.
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

func (l *List) sortCache() {
	sort.SliceStable(l.cache, func(i, j int) bool {
		return l.cache[i].Position < l.cache[j].Position
	})
}

func (l *List) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("block list error", attrs...)
}

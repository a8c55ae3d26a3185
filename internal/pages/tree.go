package pages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotAuthenticated indicates a mutation was attempted before an owner was established.
	ErrNotAuthenticated = errors.New("pages: no owner established")
	// ErrInvalidMove indicates a self-parenting move or a move into the page's own subtree.
	ErrInvalidMove = errors.New("pages: invalid move")
	// ErrNotFound indicates a referenced page is absent from the store.
	ErrNotFound = errors.New("pages: page not found")
	// ErrInvalidField indicates an update field outside the updatable set, or a malformed value.
	ErrInvalidField = errors.New("pages: invalid update field")

	errMissingStore      = errors.New("page store is required")
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
	opTreeNew     = "pages.tree.new"
	opTreeRefresh = "pages.tree.refresh"
	opTreeCreate  = "pages.tree.create"
	opTreeUpdate  = "pages.tree.update"
	opTreeMove    = "pages.tree.move"
	opTreeDelete  = "pages.tree.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Store is the narrow contract the tree requires from the durable record
// store. Every call is scoped to a single owner; the store enforces that a
// principal never reads or writes another principal's rows.
type Store interface {
	SelectPages(ctx context.Context, ownerID string) ([]Page, error)
	InsertPage(ctx context.Context, page *Page) error
	UpdatePage(ctx context.Context, ownerID, pageID string, fields map[string]any) (*Page, error)
	DeletePageByID(ctx context.Context, ownerID, pageID string) error
}

// IDProvider issues identifiers for newly created pages.
type IDProvider interface {
	NewID() (string, error)
}

// TreeConfig describes the dependencies required to build a Tree.
type TreeConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Tree maintains one owner's pages for a single session: a flat cached
// slice of last-known-good rows plus derived views (children, ancestors,
// descendants, nested tree) recomputed from it on demand. The cache is
// mutated only after the store confirms a write. Callers must serialize
// operations on a Tree; it provides no internal locking.
type Tree struct {
	store  Store
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger

	ownerID string
	cache   []Page
}

// NewTree constructs a Tree with no owner established. Operations other
// than Authenticate fail or return empty results until an owner is set.
func NewTree(cfg TreeConfig) (*Tree, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opTreeNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opTreeNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Tree{
		store:  cfg.Store,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// Authenticate establishes the owning principal for this session and drops
// any cached rows belonging to a previous owner.
func (t *Tree) Authenticate(ownerID OwnerID) {
	t.ownerID = ownerID.String()
	t.cache = nil
}

// Owner returns the established owner id, or empty when unauthenticated.
func (t *Tree) Owner() string {
	return t.ownerID
}

// Refresh replaces the cache with the owner's pages from the store. With
// no owner established the cache stays empty and no store call is issued.
func (t *Tree) Refresh(ctx context.Context) error {
	if t.ownerID == "" {
		t.cache = nil
		return nil
	}
	rows, err := t.store.SelectPages(ctx, t.ownerID)
	if err != nil {
		t.logError(opTreeRefresh, "select_failed", err)
		return newServiceError(opTreeRefresh, "select_failed", err)
	}
	t.cache = rows
	t.sortCache()
	return nil
}

// List returns every cached page for the owner, ordered by position.
func (t *Tree) List() []Page {
	result := make([]Page, len(t.cache))
	copy(result, t.cache)
	return result
}

// Find returns the cached page with the given id.
func (t *Tree) Find(pageID string) (Page, bool) {
	for _, page := range t.cache {
		if page.PageID == pageID {
			return page, true
		}
	}
	return Page{}, false
}

// ChildrenOf returns the pages whose parent matches parentID (nil selects
// the root group), ordered by position.
func (t *Tree) ChildrenOf(parentID *string) []Page {
	result := make([]Page, 0)
	for _, page := range t.cache {
		if sameParent(page.ParentID, parentID) {
			result = append(result, page)
		}
	}
	return result
}

// RootPages returns the pages with no parent, ordered by position.
func (t *Tree) RootPages() []Page {
	return t.ChildrenOf(nil)
}

// AncestorsOf returns the chain from nearest-root to immediate parent,
// excluding the page itself. A dangling parent reference terminates the
// walk as if a root was reached; a repeated id stops the walk so that an
// already-corrupt cycle cannot loop forever.
func (t *Tree) AncestorsOf(pageID string) []Page {
	chain := make([]Page, 0)
	page, ok := t.Find(pageID)
	if !ok {
		return chain
	}

	visited := map[string]bool{page.PageID: true}
	parentID := page.ParentID
	for parentID != nil {
		if visited[*parentID] {
			break
		}
		parent, ok := t.Find(*parentID)
		if !ok {
			break
		}
		chain = append([]Page{parent}, chain...)
		visited[parent.PageID] = true
		parentID = parent.ParentID
	}
	return chain
}

// DescendantIDs returns the ids of every page below pageID, transitively.
func (t *Tree) DescendantIDs(pageID string) map[string]struct{} {
	childIndex := make(map[string][]string, len(t.cache))
	for _, page := range t.cache {
		if page.ParentID != nil {
			childIndex[*page.ParentID] = append(childIndex[*page.ParentID], page.PageID)
		}
	}

	descendants := make(map[string]struct{})
	frontier := []string{pageID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, childID := range childIndex[current] {
			if _, seen := descendants[childID]; seen {
				continue
			}
			descendants[childID] = struct{}{}
			frontier = append(frontier, childID)
		}
	}
	return descendants
}

// TreeNode nests one page with its ordered children and accumulated depth.
type TreeNode struct {
	Page     Page
	Depth    int
	Children []*TreeNode
}

// BuildTree recomputes the nested forest below rootID (nil selects the
// whole forest) from the flat cache.
func (t *Tree) BuildTree(rootID *string) []*TreeNode {
	return t.buildSubtree(rootID, 0, make(map[string]bool))
}

func (t *Tree) buildSubtree(parentID *string, depth int, visited map[string]bool) []*TreeNode {
	nodes := make([]*TreeNode, 0)
	for _, page := range t.ChildrenOf(parentID) {
		if visited[page.PageID] {
			continue
		}
		visited[page.PageID] = true
		childID := page.PageID
		nodes = append(nodes, &TreeNode{
			Page:     page,
			Depth:    depth,
			Children: t.buildSubtree(&childID, depth+1, visited),
		})
	}
	return nodes
}

// Create inserts a new page at the end of the target sibling group. The
// title defaults to "Untitled" when blank.
func (t *Tree) Create(ctx context.Context, title string, parentID *string) (*Page, error) {
	if t.ownerID == "" {
		return nil, newServiceError(opTreeCreate, "not_authenticated", ErrNotAuthenticated)
	}

	pageID, err := t.ids.NewID()
	if err != nil {
		t.logError(opTreeCreate, "id_generation_failed", err)
		return nil, newServiceError(opTreeCreate, "id_generation_failed", err)
	}

	cleanTitle := strings.TrimSpace(title)
	if cleanTitle == "" {
		cleanTitle = DefaultTitle
	}

	now := t.clock().UTC().Unix()
	page := Page{
		PageID:           pageID,
		OwnerID:          t.ownerID,
		Title:            cleanTitle,
		ParentID:         cloneParent(parentID),
		Position:         len(t.ChildrenOf(parentID)),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := t.store.InsertPage(ctx, &page); err != nil {
		t.logError(opTreeCreate, "insert_failed", err, zap.String("page_id", pageID))
		return nil, newServiceError(opTreeCreate, "insert_failed", err)
	}

	t.cache = append(t.cache, page)
	t.sortCache()
	return &page, nil
}

// Update applies a partial update restricted to title, icon, cover_image,
// is_favorite, position and parent_id. Any other field is rejected before
// a store call is issued. The updated row replaces the cached one.
func (t *Tree) Update(ctx context.Context, pageID string, fields map[string]any) (*Page, error) {
	return t.update(ctx, opTreeUpdate, pageID, fields)
}

func (t *Tree) update(ctx context.Context, operation, pageID string, fields map[string]any) (*Page, error) {
	if t.ownerID == "" {
		return nil, newServiceError(operation, "not_authenticated", ErrNotAuthenticated)
	}

	normalized, err := normalizePageFields(fields)
	if err != nil {
		return nil, newServiceError(operation, "invalid_field", err)
	}
	normalized["updated_at_s"] = t.clock().UTC().Unix()

	updated, err := t.store.UpdatePage(ctx, t.ownerID, pageID, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(operation, "not_found", err)
		}
		t.logError(operation, "update_failed", err, zap.String("page_id", pageID))
		return nil, newServiceError(operation, "update_failed", err)
	}

	for index := range t.cache {
		if t.cache[index].PageID == updated.PageID {
			t.cache[index] = *updated
			break
		}
	}
	t.sortCache()
	return updated, nil
}

// Move reparents a page. Self-parenting and moves into the page's own
// subtree are rejected before any store call; a passing move delegates to
// Update with the new parent id.
func (t *Tree) Move(ctx context.Context, pageID string, newParentID *string) (*Page, error) {
	if t.ownerID == "" {
		return nil, newServiceError(opTreeMove, "not_authenticated", ErrNotAuthenticated)
	}
	if newParentID != nil {
		if *newParentID == pageID {
			return nil, newServiceError(opTreeMove, "self_parent", ErrInvalidMove)
		}
		if _, isDescendant := t.DescendantIDs(pageID)[*newParentID]; isDescendant {
			return nil, newServiceError(opTreeMove, "cycle", ErrInvalidMove)
		}
	}
	return t.update(ctx, opTreeMove, pageID, map[string]any{"parent_id": cloneParent(newParentID)})
}

// Delete removes a page together with its transitive descendants and all
// their blocks. The descendant closure is computed before the store call
// so the cache can be pruned of exactly that set, independent of how the
// store physically cascades the deletion.
func (t *Tree) Delete(ctx context.Context, pageID string) error {
	if t.ownerID == "" {
		return newServiceError(opTreeDelete, "not_authenticated", ErrNotAuthenticated)
	}

	closure := t.DescendantIDs(pageID)
	closure[pageID] = struct{}{}

	if err := t.store.DeletePageByID(ctx, t.ownerID, pageID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opTreeDelete, "not_found", err)
		}
		t.logError(opTreeDelete, "delete_failed", err, zap.String("page_id", pageID))
		return newServiceError(opTreeDelete, "delete_failed", err)
	}

	remaining := t.cache[:0]
	for _, page := range t.cache {
		if _, removed := closure[page.PageID]; !removed {
			remaining = append(remaining, page)
		}
	}
	t.cache = remaining
	return nil
}

var updatablePageFields = map[string]bool{
	"title":       true,
	"icon":        true,
	"cover_image": true,
	"is_favorite": true,
	"position":    true,
	"parent_id":   true,
}

func normalizePageFields(fields map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		if !updatablePageFields[key] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidField, key)
		}
		switch key {
		case "title":
			title, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: title must be a string", ErrInvalidField)
			}
			if strings.TrimSpace(title) == "" {
				title = DefaultTitle
			}
			normalized[key] = title
		case "icon", "cover_image":
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
			}
			normalized[key] = text
		case "is_favorite":
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: is_favorite must be a boolean", ErrInvalidField)
			}
			normalized[key] = flag
		case "position":
			position, ok := intValue(value)
			if !ok {
				return nil, fmt.Errorf("%w: position must be an integer", ErrInvalidField)
			}
			normalized[key] = position
		case "parent_id":
			parentID, err := parentValue(value)
			if err != nil {
				return nil, err
			}
			normalized[key] = parentID
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

func parentValue(value any) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return &v, nil
	case *string:
		return cloneParent(v), nil
	}
	return nil, fmt.Errorf("%w: parent_id must be a string or null", ErrInvalidField)
}

func cloneParent(parentID *string) *string {
	if parentID == nil {
		return nil
	}
	value := *parentID
	return &value
}

func sameParent(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

func (t *Tree) sortCache() {
	sort.SliceStable(t.cache, func(i, j int) bool {
		return t.cache[i].Position < t.cache[j].Position
	})
}

func (t *Tree) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("page tree error", attrs...)
}

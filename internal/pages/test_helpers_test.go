package pages

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("page-%d", s.next), nil
}

type fakePageStore struct {
	rows []Page

	selectErr error
	insertErr error
	updateErr error
	deleteErr error

	insertCalls int
	updateCalls int
	deleteCalls int
}

func (s *fakePageStore) SelectPages(_ context.Context, ownerID string) ([]Page, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	result := make([]Page, 0, len(s.rows))
	for _, row := range s.rows {
		if row.OwnerID == ownerID {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *fakePageStore) InsertPage(_ context.Context, page *Page) error {
	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows = append(s.rows, *page)
	return nil
}

func (s *fakePageStore) UpdatePage(_ context.Context, ownerID, pageID string, fields map[string]any) (*Page, error) {
	s.updateCalls++
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	for index := range s.rows {
		if s.rows[index].OwnerID != ownerID || s.rows[index].PageID != pageID {
			continue
		}
		applyPageFields(&s.rows[index], fields)
		updated := s.rows[index]
		return &updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, pageID)
}

func (s *fakePageStore) DeletePageByID(_ context.Context, ownerID, pageID string) error {
	s.deleteCalls++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	found := false
	for _, row := range s.rows {
		if row.OwnerID == ownerID && row.PageID == pageID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, pageID)
	}

	doomed := map[string]bool{pageID: true}
	for {
		grew := false
		for _, row := range s.rows {
			if row.ParentID != nil && doomed[*row.ParentID] && !doomed[row.PageID] {
				doomed[row.PageID] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	remaining := make([]Page, 0, len(s.rows))
	for _, row := range s.rows {
		if !doomed[row.PageID] {
			remaining = append(remaining, row)
		}
	}
	s.rows = remaining
	return nil
}

func applyPageFields(page *Page, fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "title":
			page.Title = value.(string)
		case "icon":
			page.Icon = value.(string)
		case "cover_image":
			page.CoverImage = value.(string)
		case "is_favorite":
			page.IsFavorite = value.(bool)
		case "position":
			page.Position = value.(int)
		case "parent_id":
			parent, _ := value.(*string)
			page.ParentID = parent
		case "updated_at_s":
			page.UpdatedAtSeconds = value.(int64)
		}
	}
}

func mustTree(t *testing.T, store Store) *Tree {
	t.Helper()
	tree, err := NewTree(TreeConfig{
		Store:      store,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected tree construction error: %v", err)
	}
	return tree
}

func mustAuthenticatedTree(t *testing.T, store Store, owner string) *Tree {
	t.Helper()
	tree := mustTree(t, store)
	ownerID, err := NewOwnerID(owner)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	tree.Authenticate(ownerID)
	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	return tree
}

func mustCreatePage(t *testing.T, tree *Tree, title string, parentID *string) Page {
	t.Helper()
	page, err := tree.Create(context.Background(), title, parentID)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return *page
}

func assertServiceCode(t *testing.T, err error, wantCode string, wantSentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", wantCode)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T: %v", err, err)
	}
	if serviceErr.Code() != wantCode {
		t.Fatalf("unexpected error code: got %s, want %s", serviceErr.Code(), wantCode)
	}
	if wantSentinel != nil && !errors.Is(err, wantSentinel) {
		t.Fatalf("expected error to wrap %v, got %v", wantSentinel, err)
	}
}

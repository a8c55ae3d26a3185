package blocks

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
	return fmt.Sprintf("block-%d", s.next), nil
}

type fakeBlockStore struct {
	rows []Block

	selectErr error
	insertErr error
	deleteErr error

	// failUpdateFor aborts the update for one specific block id.
	failUpdateFor string

	insertCalls int
	updateCalls int
	deleteCalls int
}

func (s *fakeBlockStore) SelectBlocks(_ context.Context, pageID string) ([]Block, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	result := make([]Block, 0, len(s.rows))
	for _, row := range s.rows {
		if row.PageID == pageID {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *fakeBlockStore) InsertBlock(_ context.Context, block *Block) error {
	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows = append(s.rows, *block)
	return nil
}

func (s *fakeBlockStore) UpdateBlock(_ context.Context, pageID, blockID string, fields map[string]any) (*Block, error) {
	s.updateCalls++
	if s.failUpdateFor != "" && s.failUpdateFor == blockID {
		return nil, errors.New("update refused")
	}
	for index := range s.rows {
		if s.rows[index].PageID != pageID || s.rows[index].BlockID != blockID {
			continue
		}
		applyBlockFields(&s.rows[index], fields)
		updated := s.rows[index]
		return &updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, blockID)
}

func (s *fakeBlockStore) DeleteBlockByID(_ context.Context, pageID, blockID string) error {
	s.deleteCalls++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	for index := range s.rows {
		if s.rows[index].PageID == pageID && s.rows[index].BlockID == blockID {
			s.rows = append(s.rows[:index], s.rows[index+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, blockID)
}

func applyBlockFields(block *Block, fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "type":
			block.Type = Type(value.(string))
		case "content":
			block.Content = value.(string)
		case "checked":
			block.Checked = value.(bool)
		case "position":
			block.Position = value.(int)
		case "updated_at_s":
			block.UpdatedAtSeconds = value.(int64)
		}
	}
}

func mustList(t *testing.T, store Store) *List {
	t.Helper()
	list, err := NewList(ListConfig{
		Store:      store,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected list construction error: %v", err)
	}
	return list
}

func mustScopedList(t *testing.T, store Store, pageID string) *List {
	t.Helper()
	list := mustList(t, store)
	if err := list.SetPage(context.Background(), pageID); err != nil {
		t.Fatalf("unexpected set page error: %v", err)
	}
	return list
}

func mustCreateBlock(t *testing.T, list *List, blockType Type, content string) Block {
	t.Helper()
	block, err := list.Create(context.Background(), blockType, content, nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return *block
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

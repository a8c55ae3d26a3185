// Package store provides the gorm-backed implementation of the narrow
// record-store contracts declared by the pages and blocks packages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/LoomNotesLab/loom/backend/internal/blocks"
	"github.com/LoomNotesLab/loom/backend/internal/pages"
	"gorm.io/gorm"
)

var (
	_ pages.Store  = (*GormStore)(nil)
	_ blocks.Store = (*GormStore)(nil)
)

const (
	pageOrder  = "position asc, created_at_s asc, page_id asc"
	blockOrder = "position asc, created_at_s asc, block_id asc"
)

// GormStore persists pages and blocks through a gorm database handle.
// Every query carries the owner or page scope supplied by the caller;
// cross-principal access is impossible through this type.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the provided database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// SelectPages returns the owner's pages ordered by position, with ties
// broken by insertion order.
func (g *GormStore) SelectPages(ctx context.Context, ownerID string) ([]pages.Page, error) {
	var rows []pages.Page
	err := g.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order(pageOrder).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertPage stores a new page row.
func (g *GormStore) InsertPage(ctx context.Context, page *pages.Page) error {
	return g.db.WithContext(ctx).Create(page).Error
}

// UpdatePage applies the partial row to the owner's page and returns the
// updated row.
func (g *GormStore) UpdatePage(ctx context.Context, ownerID, pageID string, fields map[string]any) (*pages.Page, error) {
	var updated pages.Page
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing pages.Page
		err := tx.Where("user_id = ? AND page_id = ?", ownerID, pageID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", pages.ErrNotFound, pageID)
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&pages.Page{}).
			Where("user_id = ? AND page_id = ?", ownerID, pageID).
			Updates(fields).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND page_id = ?", ownerID, pageID).Take(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeletePageByID removes the page, every transitive descendant page and
// all blocks belonging to any of them, atomically.
func (g *GormStore) DeletePageByID(ctx context.Context, ownerID, pageID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target pages.Page
		err := tx.Where("user_id = ? AND page_id = ?", ownerID, pageID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", pages.ErrNotFound, pageID)
		}
		if err != nil {
			return err
		}

		closure := []string{pageID}
		frontier := []string{pageID}
		for len(frontier) > 0 {
			var childIDs []string
			err := tx.Model(&pages.Page{}).
				Where("user_id = ? AND parent_id IN ?", ownerID, frontier).
				Pluck("page_id", &childIDs).Error
			if err != nil {
				return err
			}
			closure = append(closure, childIDs...)
			frontier = childIDs
		}

		if err := tx.Where("page_id IN ?", closure).Delete(&blocks.Block{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND page_id IN ?", ownerID, closure).Delete(&pages.Page{}).Error
	})
}

// SelectBlocks returns the page's blocks ordered by position, with ties
// broken by insertion order.
func (g *GormStore) SelectBlocks(ctx context.Context, pageID string) ([]blocks.Block, error) {
	var rows []blocks.Block
	err := g.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order(blockOrder).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertBlock stores a new block row.
func (g *GormStore) InsertBlock(ctx context.Context, block *blocks.Block) error {
	return g.db.WithContext(ctx).Create(block).Error
}

// UpdateBlock applies the partial row to the page's block and returns the
// updated row.
func (g *GormStore) UpdateBlock(ctx context.Context, pageID, blockID string, fields map[string]any) (*blocks.Block, error) {
	var updated blocks.Block
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing blocks.Block
		err := tx.Where("page_id = ? AND block_id = ?", pageID, blockID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", blocks.ErrNotFound, blockID)
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&blocks.Block{}).
			Where("page_id = ? AND block_id = ?", pageID, blockID).
			Updates(fields).Error; err != nil {
			return err
		}
		return tx.Where("page_id = ? AND block_id = ?", pageID, blockID).Take(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteBlockByID removes exactly one block.
func (g *GormStore) DeleteBlockByID(ctx context.Context, pageID, blockID string) error {
	result := g.db.WithContext(ctx).
		Where("page_id = ? AND block_id = ?", pageID, blockID).
		Delete(&blocks.Block{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", blocks.ErrNotFound, blockID)
	}
	return nil
}

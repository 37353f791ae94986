package catalog

import (
	"context"
	"fmt"

	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/source"
	"gorm.io/gorm"
)

const (
	ProductsSourceID    = "catalog_products"
	CategoriesSourceID  = "catalog_categories"
	PagesSourceID       = "cms_pages"
	SuggestionsSourceID = "search_suggestions"
)

// Adapter implements source.Collection over a catalog table.
// Rows with store_id 0 are shared by every store.
type Adapter[T any] struct {
	db       *gorm.DB
	sourceID string
}

var (
	_ source.Collection[domain.Product]    = (*Adapter[domain.Product])(nil)
	_ source.Collection[domain.Category]   = (*Adapter[domain.Category])(nil)
	_ source.Collection[domain.Page]       = (*Adapter[domain.Page])(nil)
	_ source.Collection[domain.Suggestion] = (*Adapter[domain.Suggestion])(nil)
)

// NewAdapter creates a new catalog adapter for model T.
func NewAdapter[T any](db *gorm.DB, sourceID string) *Adapter[T] {
	return &Adapter[T]{db: db, sourceID: sourceID}
}

// NewProducts creates the product collection.
func NewProducts(db *gorm.DB) *Adapter[domain.Product] {
	return NewAdapter[domain.Product](db, ProductsSourceID)
}

// NewCategories creates the category collection.
func NewCategories(db *gorm.DB) *Adapter[domain.Category] {
	return NewAdapter[domain.Category](db, CategoriesSourceID)
}

// NewPages creates the CMS page collection.
func NewPages(db *gorm.DB) *Adapter[domain.Page] {
	return NewAdapter[domain.Page](db, PagesSourceID)
}

// NewSuggestions creates the search suggestion collection.
func NewSuggestions(db *gorm.DB) *Adapter[domain.Suggestion] {
	return NewAdapter[domain.Suggestion](db, SuggestionsSourceID)
}

// GetSourceID returns the unique identifier for this collection
func (a *Adapter[T]) GetSourceID() string {
	return a.sourceID
}

func (a *Adapter[T]) scoped(ctx context.Context, storeID int) *gorm.DB {
	return a.db.WithContext(ctx).
		Model(new(T)).
		Where("store_id IN ?", []int{domain.AllStores, storeID})
}

// Count returns how many rows the store can see
func (a *Adapter[T]) Count(ctx context.Context, storeID int) (int, error) {
	var n int64
	if err := a.scoped(ctx, storeID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", a.sourceID, err)
	}
	return int(n), nil
}

// FetchPage returns one page ordered by id
func (a *Adapter[T]) FetchPage(ctx context.Context, storeID, page, pageSize int) ([]T, error) {
	if page < 1 {
		page = 1
	}
	var items []T
	err := a.scoped(ctx, storeID).
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("fetch %s page %d: %w", a.sourceID, page, err)
	}
	return items, nil
}

// FetchByIDs returns the rows among ids visible to the store
func (a *Adapter[T]) FetchByIDs(ctx context.Context, storeID int, ids []int) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []T
	err := a.scoped(ctx, storeID).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("fetch %s by ids: %w", a.sourceID, err)
	}
	return items, nil
}

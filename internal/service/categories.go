package service

import (
	"strconv"
	"strings"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/source"
)

// CategoriesKind is the category entity.
var CategoriesKind = EntityKind{
	Name:            "categories",
	Suffix:          SuffixCategories,
	Class:           "categories",
	IDsField:        "category_ids",
	SettingsSection: "categories",
}

// CategoryRecordBuilder maps catalog categories to records.
type CategoryRecordBuilder struct {
	cfg config.CategoriesConfig
}

func NewCategoryRecordBuilder(cfg config.CategoriesConfig) *CategoryRecordBuilder {
	return &CategoryRecordBuilder{cfg: cfg}
}

func (b *CategoryRecordBuilder) EntityID(c domain.Category) int {
	return c.ID
}

// Eligible keeps active categories; empty and menu-hidden ones only when configured.
func (b *CategoryRecordBuilder) Eligible(_ int, c domain.Category) bool {
	if !c.IsActive {
		return false
	}
	if c.ProductCount == 0 && !b.cfg.IndexEmpty {
		return false
	}
	return c.IncludeInMenu || b.cfg.IndexNotInMenu
}

func (b *CategoryRecordBuilder) Build(_ int, c domain.Category) domain.Record {
	rec := domain.Record{
		"objectID":        strconv.Itoa(c.ID),
		"name":            c.Name,
		"path":            c.Path,
		"level":           categoryLevel(c.Path),
		"include_in_menu": c.IncludeInMenu,
		"product_count":   c.ProductCount,
		"updated_at":      c.UpdatedAt,
	}
	if c.URLKey != "" {
		rec["url"] = c.URLKey
	}
	if c.Description != "" {
		rec["description"] = c.Description
	}
	return rec
}

// categoryLevel counts the segments of a "1/2/5" style path.
func categoryLevel(path string) int {
	if path == "" {
		return 0
	}
	return len(strings.Split(strings.Trim(path, "/"), "/"))
}

func (b *CategoryRecordBuilder) Settings(_ int) domain.Settings {
	return domain.Settings{
		"searchableAttributes": []any{"name", "path", "unordered(description)"},
		"customRanking":        []any{"desc(product_count)"},
	}
}

// NewCategoryIndexer creates the category indexer.
func NewCategoryIndexer(src source.Collection[domain.Category], cfg config.CategoriesConfig, deps IndexerDeps) *EntityIndexer[domain.Category] {
	return NewEntityIndexer[domain.Category](CategoriesKind, src, NewCategoryRecordBuilder(cfg), deps)
}

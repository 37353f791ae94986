package service

import (
	"strconv"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/source"
)

// PagesKind is the CMS page entity.
var PagesKind = EntityKind{
	Name:            "pages",
	Suffix:          SuffixPages,
	Class:           "pages",
	IDsField:        "page_ids",
	SettingsSection: "pages",
}

// PageRecordBuilder maps CMS pages to records.
type PageRecordBuilder struct {
	excluded map[string]bool
}

func NewPageRecordBuilder(cfg config.PagesConfig) *PageRecordBuilder {
	excluded := make(map[string]bool, len(cfg.Excluded))
	for _, id := range cfg.Excluded {
		excluded[id] = true
	}
	return &PageRecordBuilder{excluded: excluded}
}

func (b *PageRecordBuilder) EntityID(p domain.Page) int {
	return p.ID
}

func (b *PageRecordBuilder) Eligible(_ int, p domain.Page) bool {
	return p.IsActive && !b.excluded[p.Identifier]
}

func (b *PageRecordBuilder) Build(_ int, p domain.Page) domain.Record {
	return domain.Record{
		"objectID":   strconv.Itoa(p.ID),
		"slug":       p.Identifier,
		"name":       p.Title,
		"content":    p.Content,
		"updated_at": p.UpdatedAt,
	}
}

func (b *PageRecordBuilder) Settings(_ int) domain.Settings {
	return domain.Settings{
		"searchableAttributes":  []any{"unordered(name)", "unordered(content)"},
		"attributesToSnippet":   []any{"content:7"},
		"attributesForFaceting": []any{},
	}
}

// NewPageIndexer creates the CMS page indexer.
func NewPageIndexer(src source.Collection[domain.Page], cfg config.PagesConfig, deps IndexerDeps) *EntityIndexer[domain.Page] {
	return NewEntityIndexer[domain.Page](PagesKind, src, NewPageRecordBuilder(cfg), deps)
}

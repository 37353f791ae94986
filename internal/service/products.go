package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/source"
)

// ProductsKind is the product entity.
var ProductsKind = EntityKind{
	Name:            "products",
	Suffix:          SuffixProducts,
	Class:           "products",
	IDsField:        "product_ids",
	SettingsSection: "products",
}

// ProductRecordBuilder maps catalog products to records.
type ProductRecordBuilder struct {
	cfg config.ProductsConfig
}

// NewProductRecordBuilder creates a product record builder.
func NewProductRecordBuilder(cfg config.ProductsConfig) *ProductRecordBuilder {
	return &ProductRecordBuilder{cfg: cfg}
}

func (b *ProductRecordBuilder) EntityID(p domain.Product) int {
	return p.ID
}

// Eligible keeps enabled products visible in catalog or search, and out of
// stock products only when configured.
func (b *ProductRecordBuilder) Eligible(_ int, p domain.Product) bool {
	if !p.Enabled || p.Visibility == domain.VisibilityNotVisible {
		return false
	}
	return p.InStock || b.cfg.IndexOutOfStock
}

func (b *ProductRecordBuilder) Build(_ int, p domain.Product) domain.Record {
	rec := domain.Record{}
	if len(p.Attributes) > 0 {
		var attrs map[string]any
		if err := json.Unmarshal(p.Attributes, &attrs); err == nil {
			for k, v := range attrs {
				rec[k] = v
			}
		}
	}

	rec["objectID"] = strconv.Itoa(p.ID)
	rec["name"] = p.Name
	rec["sku"] = productSKUs(p)
	rec["price"] = p.Price
	rec["in_stock"] = p.InStock
	rec["visibility_search"] = p.Visibility == domain.VisibilityInSearch || p.Visibility == domain.VisibilityBoth
	rec["visibility_catalog"] = p.Visibility == domain.VisibilityInCatalog || p.Visibility == domain.VisibilityBoth
	rec["created_at"] = p.CreatedAt
	rec["updated_at"] = p.UpdatedAt
	if p.URLKey != "" {
		rec["url"] = p.URLKey
	}
	if p.Description != "" {
		rec["description"] = p.Description
	}
	if p.ShortDescription != "" {
		rec["short_description"] = p.ShortDescription
	}
	return rec
}

// productSKUs returns the sku, or the parent sku followed by child skus.
func productSKUs(p domain.Product) any {
	if strings.TrimSpace(p.ChildSKUs) == "" {
		return p.SKU
	}
	skus := []string{p.SKU}
	for _, s := range strings.Split(p.ChildSKUs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			skus = append(skus, s)
		}
	}
	return skus
}

func (b *ProductRecordBuilder) Settings(_ int) domain.Settings {
	searchable := b.cfg.SearchableAttributes
	if len(searchable) == 0 {
		searchable = []string{"name", "sku", "unordered(description)"}
	}
	facets := make([]any, 0, len(b.cfg.Facets))
	for _, f := range b.cfg.Facets {
		if f.Searchable {
			facets = append(facets, "searchable("+f.Attribute+")")
		} else {
			facets = append(facets, f.Attribute)
		}
	}
	settings := domain.Settings{
		"searchableAttributes":  toAnySlice(searchable),
		"attributesForFaceting": facets,
	}
	if len(b.cfg.CustomRanking) > 0 {
		settings["customRanking"] = toAnySlice(b.cfg.CustomRanking)
	}
	return settings
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// NewProductIndexer creates the product indexer. After every settings push it
// rebuilds facet query rules and, on the production index, syncs replicas.
// replicas may be nil.
func NewProductIndexer(src source.Collection[domain.Product], cfg config.ProductsConfig, deps IndexerDeps, replicas *ReplicaManager) *EntityIndexer[domain.Product] {
	ix := NewEntityIndexer[domain.Product](ProductsKind, src, NewProductRecordBuilder(cfg), deps)
	rules := NewFacetRuleBuilder(deps.Connector, cfg.Facets)
	ix.SetSettingsHook(func(ctx context.Context, storeID int, opts domain.IndexOptions) error {
		if err := rules.Apply(ctx, storeID, opts.IndexName); err != nil {
			return err
		}
		if replicas == nil || opts.IsTmp {
			return nil
		}
		settings, err := deps.Connector.GetSettings(ctx, opts.IndexName)
		if err != nil {
			return err
		}
		return replicas.SyncReplicasToAlgolia(ctx, storeID, settings)
	})
	return ix
}

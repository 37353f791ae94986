package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/source"
)

// Additional section queue handler.
const (
	SectionsClass        = "sections"
	MethodRebuildSection = "rebuildSection"
	payloadSection       = "section"
)

// SectionIndexer indexes the distinct values of a product attribute, one index per
// section. A section index is always rebuilt in the temporary index and moved.
type SectionIndexer struct {
	products source.Collection[domain.Product]
	sections map[string]config.SectionConfig
	names    []string
	deps     IndexerDeps
}

// NewSectionIndexer creates an indexer for the configured sections.
func NewSectionIndexer(products source.Collection[domain.Product], sections []config.SectionConfig, deps IndexerDeps) *SectionIndexer {
	if deps.PageSize < 1 {
		deps.PageSize = defaultIndexingPageSize
	}
	m := make(map[string]config.SectionConfig, len(sections))
	names := make([]string, 0, len(sections))
	for _, s := range sections {
		if _, dup := m[s.Name]; dup || s.Name == "" {
			continue
		}
		m[s.Name] = s
		names = append(names, s.Name)
	}
	return &SectionIndexer{products: products, sections: m, names: names, deps: deps}
}

// RegisterHandlers registers the section queue method.
func (s *SectionIndexer) RegisterHandlers(q *Queue) {
	q.Register(HandlerSpec{Class: SectionsClass, Method: MethodRebuildSection, Handle: s.handleRebuildSection})
}

func (s *SectionIndexer) handleRebuildSection(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	return s.BuildSection(ctx, storeID, p.String(payloadSection))
}

// RebuildStore enqueues one job per configured section.
func (s *SectionIndexer) RebuildStore(ctx context.Context, storeID int) error {
	for _, name := range s.names {
		p := domain.JobPayload{domain.PayloadStoreID: storeID, payloadSection: name}
		if err := s.deps.Queue.Enqueue(ctx, SectionsClass, MethodRebuildSection, p, 1, true); err != nil {
			return err
		}
	}
	return nil
}

// SectionSuffix is the index suffix of one section.
func SectionSuffix(name string) string {
	return SuffixSection + "_" + name
}

// BuildSection rebuilds one section index of the store.
func (s *SectionIndexer) BuildSection(ctx context.Context, storeID int, name string) (err error) {
	section, ok := s.sections[name]
	if !ok {
		return domain.Permanent(fmt.Errorf("unknown section %q", name))
	}
	primary := s.deps.Namer.BuildForStore(ctx, SectionSuffix(name), storeID, false)
	tmp := s.deps.Namer.BuildForStore(ctx, SectionSuffix(name), storeID, true)
	if primary.IndexName == "" || tmp.IndexName == "" {
		return domain.Permanent(fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID))
	}

	ctx, err = s.deps.Emulator.StartEmulation(ctx, storeID)
	if err != nil {
		return domain.Permanent(err)
	}
	defer s.deps.Emulator.StopEmulation(ctx)

	values, err := s.distinctValues(ctx, storeID, section.Name)
	if err != nil {
		return err
	}
	records := make([]domain.Record, 0, len(values))
	for _, v := range values {
		records = append(records, domain.Record{"objectID": v, "value": v})
	}

	c := s.deps.Connector
	settings := domain.Settings{"searchableAttributes": []any{"value"}}
	if s.deps.ExtraSettings != nil {
		extra, err := s.deps.ExtraSettings("additional_sections")
		if err != nil {
			return domain.Permanent(err)
		}
		for k, v := range extra {
			settings[k] = v
		}
	}
	opts := SettingsOptions{MergeSettings: true, MergeFrom: primary.IndexName}
	if err := c.SetSettings(ctx, tmp.IndexName, settings, opts, storeID); err != nil {
		return err
	}
	if err := c.SaveObjects(ctx, tmp.IndexName, records, false, storeID); err != nil {
		return err
	}
	if err := c.WaitLastTask(ctx, storeID, tmp.IndexName, 0); err != nil {
		return err
	}
	if err := c.MoveIndex(ctx, tmp.IndexName, primary.IndexName, storeID); err != nil {
		return err
	}
	if err := c.WaitLastTask(ctx, storeID, tmp.IndexName, 0); err != nil {
		return err
	}

	logger.With(logger.Fields{
		logger.FieldStoreID:   storeID,
		logger.FieldIndexName: primary.IndexName,
		logger.FieldCount:     len(records),
	}).Info(ctx, "Section indexed: section=%s", name)
	return nil
}

// distinctValues collects the values of attribute over enabled products, sorted.
func (s *SectionIndexer) distinctValues(ctx context.Context, storeID int, attribute string) ([]string, error) {
	set := mapset.NewThreadUnsafeSet[string]()
	for page := 1; ; page++ {
		items, err := s.products.FetchPage(ctx, storeID, page, s.deps.PageSize)
		if err != nil {
			return nil, err
		}
		for _, p := range items {
			if !p.Enabled {
				continue
			}
			for _, v := range attributeValues(p, attribute) {
				set.Add(v)
			}
		}
		if len(items) < s.deps.PageSize {
			break
		}
	}
	values := set.ToSlice()
	sort.Strings(values)
	return values, nil
}

func attributeValues(p domain.Product, attribute string) []string {
	if len(p.Attributes) == 0 {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(p.Attributes, &attrs); err != nil {
		return nil
	}
	var out []string
	add := func(v any) {
		if str, ok := v.(string); ok {
			if str = strings.TrimSpace(str); str != "" {
				out = append(out, str)
			}
		}
	}
	switch v := attrs[attribute].(type) {
	case []any:
		for _, item := range v {
			add(item)
		}
	default:
		add(v)
	}
	return out
}

// Names returns the configured section names.
func (s *SectionIndexer) Names() []string {
	return append([]string(nil), s.names...)
}

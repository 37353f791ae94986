package service

import (
	"context"
	"sort"
	"strings"

	"github.com/timmy/catalogsync/internal/logger"
)

const synonymsPageSize = 1000

// SynonymDedupeResult reports one deduplication.
type SynonymDedupeResult struct {
	Index   string `json:"index"`
	Total   int    `json:"total"`
	Removed int    `json:"removed"`
}

// DedupeSynonyms removes duplicate synonyms from an index. Two synonyms are
// duplicates when they have the same type and the same set of words, compared
// case-insensitively. The first occurrence is kept and the unique set replaces
// the existing synonyms.
func (c *Connector) DedupeSynonyms(ctx context.Context, index string, storeID int) (*SynonymDedupeResult, error) {
	var all []map[string]any
	for page := 0; ; page++ {
		res, err := c.SearchSynonyms(ctx, index, page, synonymsPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Hits...)
		if len(res.Hits) < synonymsPageSize || len(all) >= res.NbHits {
			break
		}
	}

	seen := make(map[string]bool, len(all))
	unique := make([]map[string]any, 0, len(all))
	for _, syn := range all {
		key := synonymKey(syn)
		if seen[key] {
			continue
		}
		seen[key] = true
		delete(syn, "_highlightResult")
		unique = append(unique, syn)
	}

	result := &SynonymDedupeResult{Index: index, Total: len(all), Removed: len(all) - len(unique)}
	if result.Removed == 0 {
		return result, nil
	}
	if err := c.SaveSynonyms(ctx, index, unique, true, storeID); err != nil {
		return nil, err
	}
	if err := c.WaitLastTask(ctx, storeID, index, 0); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldIndexName: index,
		logger.FieldCount:     result.Removed,
	}).Info(ctx, "Duplicate synonyms removed: total=%d", result.Total)
	return result, nil
}

// synonymKey is the type, the directional word if any, and the sorted
// normalized words of a synonym.
func synonymKey(syn map[string]any) string {
	typ, _ := syn["type"].(string)
	normalize := func(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

	var head []string
	for _, field := range []string{"input", "word", "placeholder"} {
		if v, ok := syn[field].(string); ok {
			head = append(head, field+"="+normalize(v))
		}
	}
	var words []string
	for _, field := range []string{"synonyms", "replacements", "corrections"} {
		for _, w := range stringList(syn[field]) {
			words = append(words, normalize(w))
		}
	}
	sort.Strings(words)
	return typ + "|" + strings.Join(head, "|") + "|" + strings.Join(words, "\x00")
}

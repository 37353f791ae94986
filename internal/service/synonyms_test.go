package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeSynonyms(t *testing.T) {
	api := newFakeSearch()
	api.putSynonyms(primaryProducts,
		map[string]any{"objectID": "1", "type": "synonym", "synonyms": []any{"TV", "television"}},
		map[string]any{"objectID": "2", "type": "synonym", "synonyms": []any{"television", " tv "}},
		map[string]any{"objectID": "3", "type": "onewaysynonym", "input": "tv", "synonyms": []any{"television"}},
		map[string]any{"objectID": "4", "type": "onewaysynonym", "input": "television", "synonyms": []any{"tv"}},
		map[string]any{"objectID": "5", "type": "onewaysynonym", "input": "TV", "synonyms": []any{"Television"}},
	)
	c := newTestConnector(api)

	result, err := c.DedupeSynonyms(context.Background(), primaryProducts, 1)
	require.NoError(t, err)
	assert.Equal(t, &SynonymDedupeResult{Index: primaryProducts, Total: 5, Removed: 2}, result)

	var ids []any
	for _, syn := range api.synonymsOf(primaryProducts) {
		ids = append(ids, syn["objectID"])
	}
	assert.Equal(t, []any{"1", "3", "4"}, ids)
}

func TestDedupeSynonymsWithoutDuplicates(t *testing.T) {
	api := newFakeSearch()
	api.putSynonyms(primaryProducts,
		map[string]any{"objectID": "1", "type": "synonym", "synonyms": []any{"tv", "television"}},
		map[string]any{"objectID": "2", "type": "placeholder", "placeholder": "<size>", "replacements": []any{"small", "large"}},
	)
	c := newTestConnector(api)

	result, err := c.DedupeSynonyms(context.Background(), primaryProducts, 1)
	require.NoError(t, err)
	assert.Zero(t, result.Removed)
	assert.Empty(t, api.callsWithPrefix("saveSynonyms:"))
}

func TestDedupeSynonymsMissingIndex(t *testing.T) {
	result, err := newTestConnector(newFakeSearch()).DedupeSynonyms(context.Background(), "missing", 1)
	require.NoError(t, err)
	assert.Zero(t, result.Total)
}

func TestSynonymKey(t *testing.T) {
	a := synonymKey(map[string]any{"type": "altcorrection1", "word": "Shoe", "corrections": []any{"sheo", "shoo"}})
	b := synonymKey(map[string]any{"type": "altcorrection1", "word": "shoe", "corrections": []any{"SHOO", "sheo"}})
	c := synonymKey(map[string]any{"type": "altcorrection2", "word": "shoe", "corrections": []any{"sheo", "shoo"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

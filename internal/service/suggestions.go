package service

import (
	"strconv"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/source"
)

// SuggestionsKind is the search suggestion entity.
var SuggestionsKind = EntityKind{
	Name:            "suggestions",
	Suffix:          SuffixSuggestions,
	Class:           "suggestions",
	IDsField:        "entity_ids",
	SettingsSection: "suggestions",
}

// SuggestionRecordBuilder maps past queries to records.
type SuggestionRecordBuilder struct {
	cfg config.SuggestionsConfig
}

func NewSuggestionRecordBuilder(cfg config.SuggestionsConfig) *SuggestionRecordBuilder {
	return &SuggestionRecordBuilder{cfg: cfg}
}

func (b *SuggestionRecordBuilder) EntityID(s domain.Suggestion) int {
	return s.ID
}

// Eligible keeps queries popular enough that still return results.
func (b *SuggestionRecordBuilder) Eligible(_ int, s domain.Suggestion) bool {
	return s.QueryText != "" &&
		s.Popularity >= b.cfg.MinPopularity &&
		s.NumResults >= b.cfg.MinNumberOfResults
}

func (b *SuggestionRecordBuilder) Build(_ int, s domain.Suggestion) domain.Record {
	return domain.Record{
		"objectID":          strconv.Itoa(s.ID),
		"query":             s.QueryText,
		"number_of_results": s.NumResults,
		"popularity":        s.Popularity,
		"updated_at":        s.UpdatedAt,
	}
}

func (b *SuggestionRecordBuilder) Settings(_ int) domain.Settings {
	return domain.Settings{
		"searchableAttributes": []any{"query"},
		"customRanking":        []any{"desc(popularity)", "desc(number_of_results)"},
		"typoTolerance":        false,
	}
}

// NewSuggestionIndexer creates the suggestion indexer.
func NewSuggestionIndexer(src source.Collection[domain.Suggestion], cfg config.SuggestionsConfig, deps IndexerDeps) *EntityIndexer[domain.Suggestion] {
	return NewEntityIndexer[domain.Suggestion](SuggestionsKind, src, NewSuggestionRecordBuilder(cfg), deps)
}

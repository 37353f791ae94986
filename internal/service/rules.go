package service

import (
	"context"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
)

// FacetRuleContext tags the query rules generated from facets.
const FacetRuleContext = "magento_filters"

const rulesPageSize = 100

// FacetRuleBuilder maintains one query rule per facet flagged create_rule, so a
// facet value typed in the search box becomes a filter.
type FacetRuleBuilder struct {
	connector *Connector
	facets    []config.FacetConfig
}

// NewFacetRuleBuilder creates a rule builder for the configured facets.
func NewFacetRuleBuilder(connector *Connector, facets []config.FacetConfig) *FacetRuleBuilder {
	return &FacetRuleBuilder{connector: connector, facets: facets}
}

// Apply clears the generated rules of the index and recreates them.
func (b *FacetRuleBuilder) Apply(ctx context.Context, storeID int, index string) error {
	if err := b.clear(ctx, storeID, index); err != nil {
		return err
	}

	created := 0
	for _, facet := range b.facets {
		if !facet.CreateRule {
			continue
		}
		if err := b.connector.SaveRule(ctx, index, FacetRule(facet.Attribute), storeID); err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		if err := b.connector.WaitLastTask(ctx, storeID, index, 0); err != nil {
			return err
		}
	}
	logger.CtxInfo(ctx, "Facet query rules saved: index=%s, count=%d", index, created)
	return nil
}

// clear deletes every rule carrying FacetRuleContext.
func (b *FacetRuleBuilder) clear(ctx context.Context, storeID int, index string) error {
	var ids []string
	for page := 0; ; page++ {
		res, err := b.connector.SearchRules(ctx, index, repository.RuleQuery{
			Context:     FacetRuleContext,
			Page:        page,
			HitsPerPage: rulesPageSize,
		})
		if err != nil {
			return err
		}
		for _, hit := range res.Hits {
			if id, ok := hit["objectID"].(string); ok && hasRuleContext(hit, FacetRuleContext) {
				ids = append(ids, id)
			}
		}
		if len(res.Hits) < rulesPageSize || (res.NbPages > 0 && page+1 >= res.NbPages) {
			break
		}
	}

	for _, id := range ids {
		if err := b.connector.DeleteRule(ctx, index, id, storeID); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		return b.connector.WaitLastTask(ctx, storeID, index, 0)
	}
	return nil
}

// hasRuleContext reports whether any condition of the rule uses context.
func hasRuleContext(rule map[string]any, context string) bool {
	conditions, _ := rule["conditions"].([]any)
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if ok && cond["context"] == context {
			return true
		}
	}
	if cond, ok := rule["condition"].(map[string]any); ok && cond["context"] == context {
		return true
	}
	return false
}

// FacetRule is the query rule turning a {facet:attr} token into a facet filter.
func FacetRule(attribute string) map[string]any {
	pattern := "{facet:" + attribute + "}"
	return map[string]any{
		"objectID": "filter_" + attribute,
		"conditions": []any{
			map[string]any{
				"anchoring": "contains",
				"pattern":   pattern,
				"context":   FacetRuleContext,
			},
		},
		"consequence": map[string]any{
			"params": map[string]any{
				"automaticFacetFilters": []any{attribute},
				"query": map[string]any{
					"remove": []any{pattern},
				},
			},
		},
		"description": "Filter on " + attribute,
	}
}

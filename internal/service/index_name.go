package service

import (
	"context"
	"fmt"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
)

// Index suffixes per entity kind.
const (
	SuffixProducts    = "_products"
	SuffixCategories  = "_categories"
	SuffixPages       = "_pages"
	SuffixSuggestions = "_suggestions"
	SuffixSection     = "_section"

	TmpSuffix = "_tmp"
)

// IndexNamer resolves remote index names from prefix, store code and entity suffix.
type IndexNamer struct {
	prefix     string
	storeCodes map[int]string
}

// NewIndexNamer creates a namer for the configured stores.
func NewIndexNamer(prefix string, stores []config.StoreConfig) *IndexNamer {
	codes := make(map[int]string, len(stores))
	for _, s := range stores {
		codes[s.ID] = s.Code
	}
	return &IndexNamer{prefix: prefix, storeCodes: codes}
}

// ComputeName returns prefix + storeCode + suffix, plus "_tmp" for temporary indices.
func (n *IndexNamer) ComputeName(suffix string, storeID int, isTmp bool) (string, error) {
	if suffix == "" {
		return "", domain.ErrMissingIndexSuffix
	}
	code, ok := n.storeCodes[storeID]
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID)
	}
	name := n.prefix + code + suffix
	if isTmp {
		name += TmpSuffix
	}
	return name, nil
}

// Name resolves options to an index name; an enforced name wins over computed naming.
func (n *IndexNamer) Name(opts domain.IndexOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if opts.EnforcedName != "" {
		return opts.EnforcedName, nil
	}
	return n.ComputeName(opts.Suffix, opts.StoreID, opts.IsTmp)
}

// BuildForStore returns resolved options for an entity index of one store.
// If the name cannot be resolved, the options still carry store, suffix and tmp flag
// with an empty IndexName, and a warning is logged.
func (n *IndexNamer) BuildForStore(ctx context.Context, suffix string, storeID int, isTmp bool) domain.IndexOptions {
	opts := domain.IndexOptions{StoreID: storeID, Suffix: suffix, IsTmp: isTmp}
	name, err := n.Name(opts)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to resolve index name: suffix=%s, store_id=%d, error=%v", suffix, storeID, err)
		return opts
	}
	opts.IndexName = name
	return opts
}

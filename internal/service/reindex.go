package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/timmy/catalogsync/internal/domain"
)

// ReindexFunc schedules indexing of one store; empty ids mean every entity.
type ReindexFunc func(ctx context.Context, storeID int, ids []int) error

// ReindexService dispatches reindex requests to the entity indexers.
type ReindexService struct {
	indexers map[string]ReindexFunc
	storeIDs []int
}

// NewReindexService creates a dispatcher over the known stores.
func NewReindexService(storeIDs []int) *ReindexService {
	return &ReindexService{
		indexers: make(map[string]ReindexFunc),
		storeIDs: append([]int(nil), storeIDs...),
	}
}

// Register adds an entity.
func (s *ReindexService) Register(entity string, fn ReindexFunc) {
	s.indexers[entity] = fn
}

// Entities lists registered entity names, sorted.
func (s *ReindexService) Entities() []string {
	names := make([]string, 0, len(s.indexers))
	for name := range s.indexers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reindex schedules indexing of entity for the given stores, or every store
// when storeIDs is empty.
func (s *ReindexService) Reindex(ctx context.Context, entity string, storeIDs []int, ids []int) error {
	fn, ok := s.indexers[entity]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownEntity, entity)
	}
	if len(storeIDs) == 0 {
		storeIDs = s.storeIDs
	}
	for _, storeID := range storeIDs {
		if !s.knownStore(storeID) {
			return fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID)
		}
	}
	for _, storeID := range storeIDs {
		if err := fn(ctx, storeID, ids); err != nil {
			return fmt.Errorf("reindex %s for store %d: %w", entity, storeID, err)
		}
	}
	return nil
}

func (s *ReindexService) knownStore(storeID int) bool {
	for _, id := range s.storeIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

package source

import "context"

// Collection is a paged, store-scoped view over one kind of catalog entity.
type Collection[T any] interface {
	// GetSourceID returns the unique identifier for this collection.
	// Parameters: none.
	// Returns:
	//   - string: stable collection identifier.
	GetSourceID() string

	// Count returns how many entities are visible to the store.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - storeID: store whose scope applies.
	// Returns:
	//   - int: number of entities.
	//   - err: non-nil if counting fails.
	Count(ctx context.Context, storeID int) (int, error)

	// FetchPage returns one page of entities ordered by id.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - storeID: store whose scope applies.
	//   - page: 1-based page number.
	//   - pageSize: entities per page.
	// Returns:
	//   - items: the page, shorter than pageSize on the last page.
	//   - err: non-nil if fetching fails.
	FetchPage(ctx context.Context, storeID, page, pageSize int) (items []T, err error)

	// FetchByIDs returns the entities among ids that exist for the store, ordered by id.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - storeID: store whose scope applies.
	//   - ids: entity ids.
	// Returns:
	//   - items: found entities; ids that do not exist are absent.
	//   - err: non-nil if fetching fails.
	FetchByIDs(ctx context.Context, storeID int, ids []int) (items []T, err error)
}

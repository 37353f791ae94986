package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/source"
)

// Queue methods every entity indexer registers.
const (
	MethodRebuildEntityIDs  = "rebuildEntityIds"
	MethodRebuildStorePage  = "rebuildStoreIndexPage"
	MethodSaveConfiguration = "saveConfigurationToAlgolia"
	MethodMoveIndex         = "moveIndexWithSetSettings"
	MethodDeleteObjects     = "deleteObjects"
)

const (
	payloadPage        = "page"
	payloadPageSize    = "page_size"
	payloadUseTmpIndex = "use_tmp_index"
	payloadObjectIDs   = "object_ids"

	removeLookupChunkSize   = 1000
	defaultIndexingPageSize = 300
)

// EntityKind describes one indexed entity type.
type EntityKind struct {
	Name   string
	Suffix string
	// Class is the queue handler class of the indexer.
	Class string
	// IDsField is the payload key holding entity ids, e.g. "product_ids".
	IDsField string
	// SettingsSection selects the extra settings applied to the index.
	SettingsSection string
}

// RecordBuilder turns catalog entities into index records.
type RecordBuilder[T any] interface {
	EntityID(item T) int
	// Eligible reports whether the entity belongs in the store's index.
	Eligible(storeID int, item T) bool
	Build(storeID int, item T) domain.Record
	Settings(storeID int) domain.Settings
}

// SettingsHook runs after settings are pushed to an entity index.
type SettingsHook func(ctx context.Context, storeID int, opts domain.IndexOptions) error

// ExtraSettingsFunc returns operator supplied settings for a section.
type ExtraSettingsFunc func(section string) (domain.Settings, error)

// IndexerDeps are shared by every entity indexer.
type IndexerDeps struct {
	Connector     *Connector
	Namer         *IndexNamer
	Queue         *Queue
	Emulator      StoreEmulator
	ExtraSettings ExtraSettingsFunc
	PageSize      int
	UseTmpIndex   bool
}

// BuildState is a step of a store index build.
type BuildState string

const (
	StateNotStarted    BuildState = "not_started"
	StateEmulating     BuildState = "emulating_store"
	StatePaging        BuildState = "paging"
	StateStopEmulating BuildState = "stop_emulating"
	StateDone          BuildState = "done"
)

// EntityIndexer builds one entity index per store.
type EntityIndexer[T any] struct {
	kind    EntityKind
	source  source.Collection[T]
	builder RecordBuilder[T]
	deps    IndexerDeps
	hook    SettingsHook
}

// NewEntityIndexer creates an indexer.
// Parameters:
//   - kind: entity description.
//   - src: paged entity source.
//   - builder: record builder for the entity.
//   - deps: shared connector, namer, queue and settings.
//
// Returns:
//   - *EntityIndexer[T]: indexer without a settings hook.
func NewEntityIndexer[T any](kind EntityKind, src source.Collection[T], builder RecordBuilder[T], deps IndexerDeps) *EntityIndexer[T] {
	if deps.PageSize < 1 {
		deps.PageSize = defaultIndexingPageSize
	}
	return &EntityIndexer[T]{
		kind:    kind,
		source:  src,
		builder: builder,
		deps:    deps,
	}
}

// SetSettingsHook installs a hook run after every settings push.
func (ix *EntityIndexer[T]) SetSettingsHook(hook SettingsHook) {
	ix.hook = hook
}

// Kind returns the indexed entity kind.
func (ix *EntityIndexer[T]) Kind() EntityKind {
	return ix.kind
}

// RegisterHandlers registers the indexer's queue methods.
func (ix *EntityIndexer[T]) RegisterHandlers(q *Queue) {
	q.Register(HandlerSpec{Class: ix.kind.Class, Method: MethodRebuildEntityIDs, IDsField: ix.kind.IDsField, Handle: ix.handleRebuildIDs})
	q.Register(HandlerSpec{Class: ix.kind.Class, Method: MethodRebuildStorePage, Handle: ix.handleRebuildPage})
	q.Register(HandlerSpec{Class: ix.kind.Class, Method: MethodSaveConfiguration, Handle: ix.handleSaveConfiguration})
	q.Register(HandlerSpec{Class: ix.kind.Class, Method: MethodMoveIndex, Handle: ix.handleMoveIndex})
	q.Register(HandlerSpec{Class: ix.kind.Class, Method: MethodDeleteObjects, Handle: ix.handleDeleteObjects})
}

func payloadStore(p domain.JobPayload) (int, error) {
	storeID, ok := p.StoreID()
	if !ok {
		return 0, domain.Permanent(errors.New("job payload has no store_id"))
	}
	return storeID, nil
}

func (ix *EntityIndexer[T]) handleRebuildIDs(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	mirror, err := ix.deps.Queue.HasPending(ctx, ix.kind.Class, MethodMoveIndex, storeID)
	if err != nil {
		return err
	}
	return ix.BuildIndexList(ctx, storeID, p.IDs(ix.kind.IDsField), mirror)
}

func (ix *EntityIndexer[T]) handleRebuildPage(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	page, _ := p.Int(payloadPage)
	pageSize, ok := p.Int(payloadPageSize)
	if !ok {
		pageSize = ix.deps.PageSize
	}
	return ix.BuildIndexFull(ctx, storeID, page, pageSize, p.Bool(payloadUseTmpIndex))
}

func (ix *EntityIndexer[T]) handleSaveConfiguration(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	return ix.SaveConfiguration(ctx, storeID, p.Bool(payloadUseTmpIndex))
}

func (ix *EntityIndexer[T]) handleMoveIndex(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	return ix.MoveIndexWithSetSettings(ctx, storeID)
}

func (ix *EntityIndexer[T]) handleDeleteObjects(ctx context.Context, p domain.JobPayload) error {
	storeID, err := payloadStore(p)
	if err != nil {
		return err
	}
	return ix.DeleteObjects(ctx, storeID, p.Strings(payloadObjectIDs))
}

func (ix *EntityIndexer[T]) indexName(ctx context.Context, storeID int, isTmp bool) (domain.IndexOptions, error) {
	opts := ix.deps.Namer.BuildForStore(ctx, ix.kind.Suffix, storeID, isTmp)
	if opts.IndexName == "" {
		return opts, domain.Permanent(fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID))
	}
	return opts, nil
}

// build runs fn between store emulation start and stop. Emulation is always
// stopped, also when fn fails.
func (ix *EntityIndexer[T]) build(ctx context.Context, storeID int, fn func(ctx context.Context) error) (err error) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldStoreID:   storeID,
		logger.FieldEntity:    ix.kind.Name,
		logger.FieldComponent: "indexer",
	})
	state := StateNotStarted
	transition := func(next BuildState) {
		logger.CtxDebug(ctx, "Index build state: %s -> %s", state, next)
		state = next
	}

	transition(StateEmulating)
	ctx, err = ix.deps.Emulator.StartEmulation(ctx, storeID)
	if err != nil {
		return domain.Permanent(err)
	}
	defer func() {
		transition(StateStopEmulating)
		ix.deps.Emulator.StopEmulation(ctx)
		if err == nil {
			transition(StateDone)
		}
	}()

	transition(StatePaging)
	return fn(ctx)
}

// classify splits entities into records to write and object ids to remove.
func (ix *EntityIndexer[T]) classify(storeID int, items []T) ([]domain.Record, []string, map[int]bool) {
	records := make([]domain.Record, 0, len(items))
	var remove []string
	seen := make(map[int]bool, len(items))
	for _, item := range items {
		id := ix.builder.EntityID(item)
		seen[id] = true
		if !ix.builder.Eligible(storeID, item) {
			remove = append(remove, strconv.Itoa(id))
			continue
		}
		records = append(records, ix.builder.Build(storeID, item))
	}
	return records, remove, seen
}

// BuildIndexFull indexes one page of the store's entities. Ineligible entities of
// the page are removed from the index.
func (ix *EntityIndexer[T]) BuildIndexFull(ctx context.Context, storeID, page, pageSize int, useTmp bool) error {
	opts, err := ix.indexName(ctx, storeID, useTmp)
	if err != nil {
		return err
	}
	if pageSize < 1 {
		pageSize = ix.deps.PageSize
	}

	return ix.build(ctx, storeID, func(ctx context.Context) error {
		items, err := ix.source.FetchPage(ctx, storeID, page, pageSize)
		if err != nil {
			return err
		}
		records, remove, _ := ix.classify(storeID, items)
		if err := ix.write(ctx, storeID, opts.IndexName, records, remove); err != nil {
			return err
		}
		logger.With(logger.Fields{
			logger.FieldIndexName: opts.IndexName,
			logger.FieldCount:     len(records),
		}).Info(ctx, "Indexed page: page=%d, removed=%d", page, len(remove))
		return nil
	})
}

// BuildIndexList indexes an explicit id list. Ids that are missing or ineligible are
// removed, but only if the index actually holds them. With mirrorTmp the same
// writes go to the temporary index after the production one. An empty list
// schedules a full rebuild of the store.
func (ix *EntityIndexer[T]) BuildIndexList(ctx context.Context, storeID int, ids []int, mirrorTmp bool) error {
	if len(ids) == 0 {
		return ix.RebuildStore(ctx, storeID, nil)
	}
	opts, err := ix.indexName(ctx, storeID, false)
	if err != nil {
		return err
	}

	return ix.build(ctx, storeID, func(ctx context.Context) error {
		items, err := ix.source.FetchByIDs(ctx, storeID, ids)
		if err != nil {
			return err
		}
		records, candidates, seen := ix.classify(storeID, items)
		for _, id := range ids {
			if !seen[id] {
				candidates = append(candidates, strconv.Itoa(id))
			}
		}

		remove, err := ix.getIdsToRealRemove(ctx, opts.IndexName, candidates)
		if err != nil {
			return err
		}
		if err := ix.write(ctx, storeID, opts.IndexName, records, remove); err != nil {
			return err
		}

		if mirrorTmp {
			tmp, err := ix.indexName(ctx, storeID, true)
			if err != nil {
				return err
			}
			if err := ix.write(ctx, storeID, tmp.IndexName, records, candidates); err != nil {
				return err
			}
		}

		logger.With(logger.Fields{
			logger.FieldIndexName: opts.IndexName,
			logger.FieldCount:     len(records),
		}).Info(ctx, "Indexed entity list: requested=%d, removed=%d, mirrored=%t", len(ids), len(remove), mirrorTmp)
		return nil
	})
}

// write saves and deletes on one index and waits for the last task.
func (ix *EntityIndexer[T]) write(ctx context.Context, storeID int, index string, records []domain.Record, remove []string) error {
	c := ix.deps.Connector
	if err := c.SaveObjects(ctx, index, records, false, storeID); err != nil {
		return err
	}
	if err := c.DeleteObjects(ctx, remove, index, storeID); err != nil {
		return err
	}
	if len(records) == 0 && len(remove) == 0 {
		return nil
	}
	return c.WaitLastTask(ctx, storeID, index, 0)
}

// getIdsToRealRemove keeps the ids the index actually holds. A single id is
// returned unchecked.
func (ix *EntityIndexer[T]) getIdsToRealRemove(ctx context.Context, index string, ids []string) ([]string, error) {
	if len(ids) <= 1 {
		return ids, nil
	}

	var existing []string
	for start := 0; start < len(ids); start += removeLookupChunkSize {
		end := min(start+removeLookupChunkSize, len(ids))
		objects, err := ix.deps.Connector.GetObjects(ctx, index, ids[start:end], []string{"objectID"})
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if obj == nil {
				continue
			}
			if id, ok := obj["objectID"].(string); ok && id != "" {
				existing = append(existing, id)
			}
		}
	}
	return existing, nil
}

// RebuildStore schedules indexing for one store. Without ids it enqueues a full
// rebuild: a settings job, one job per page and, with the temporary index
// strategy, a final move job. With ids it enqueues one list job.
func (ix *EntityIndexer[T]) RebuildStore(ctx context.Context, storeID int, ids []int) error {
	q := ix.deps.Queue
	base := domain.JobPayload{domain.PayloadStoreID: storeID}

	if len(ids) > 0 {
		p := base.Clone()
		p[ix.kind.IDsField] = ids
		return q.Enqueue(ctx, ix.kind.Class, MethodRebuildEntityIDs, p, len(ids), false)
	}

	useTmp := ix.deps.UseTmpIndex && q.Enabled()
	settings := base.Clone()
	settings[payloadUseTmpIndex] = useTmp
	if err := q.Enqueue(ctx, ix.kind.Class, MethodSaveConfiguration, settings, 1, true); err != nil {
		return err
	}

	count, err := ix.source.Count(ctx, storeID)
	if err != nil {
		return err
	}
	pageSize := ix.deps.PageSize
	pages := (count + pageSize - 1) / pageSize
	for page := 1; page <= pages; page++ {
		weight := pageSize
		if page == pages {
			weight = count - (pages-1)*pageSize
		}
		p := base.Clone()
		p[payloadPage] = page
		p[payloadPageSize] = pageSize
		p[payloadUseTmpIndex] = useTmp
		if err := q.Enqueue(ctx, ix.kind.Class, MethodRebuildStorePage, p, weight, true); err != nil {
			return err
		}
	}

	if useTmp {
		if err := q.Enqueue(ctx, ix.kind.Class, MethodMoveIndex, base.Clone(), 1, true); err != nil {
			return err
		}
	}

	logger.With(logger.Fields{
		logger.FieldStoreID: storeID,
		logger.FieldEntity:  ix.kind.Name,
		logger.FieldCount:   count,
	}).Info(ctx, "Full rebuild scheduled: pages=%d, tmp_index=%t", pages, useTmp)
	return nil
}

// DeleteObjects removes objects from the store's index.
func (ix *EntityIndexer[T]) DeleteObjects(ctx context.Context, storeID int, objectIDs []string) error {
	opts, err := ix.indexName(ctx, storeID, false)
	if err != nil {
		return err
	}
	return ix.write(ctx, storeID, opts.IndexName, nil, objectIDs)
}

// EnqueueDelete schedules removal of objects from the store's index.
func (ix *EntityIndexer[T]) EnqueueDelete(ctx context.Context, storeID int, objectIDs []string) error {
	p := domain.JobPayload{domain.PayloadStoreID: storeID, payloadObjectIDs: objectIDs}
	return ix.deps.Queue.Enqueue(ctx, ix.kind.Class, MethodDeleteObjects, p, len(objectIDs), false)
}

// indexSettings merges builder settings with operator extra settings.
func (ix *EntityIndexer[T]) indexSettings(storeID int) (domain.Settings, error) {
	settings := ix.builder.Settings(storeID).Clone()
	if ix.deps.ExtraSettings == nil || ix.kind.SettingsSection == "" {
		return settings, nil
	}
	extra, err := ix.deps.ExtraSettings(ix.kind.SettingsSection)
	if err != nil {
		return nil, domain.Permanent(err)
	}
	for k, v := range extra {
		settings[k] = v
	}
	return settings, nil
}

// SaveConfiguration pushes index settings. With useTmp they go to the temporary
// index, merged from the production one, and the production synonyms and query
// rules are copied into it.
func (ix *EntityIndexer[T]) SaveConfiguration(ctx context.Context, storeID int, useTmp bool) error {
	primary, err := ix.indexName(ctx, storeID, false)
	if err != nil {
		return err
	}
	target := primary
	if useTmp {
		if target, err = ix.indexName(ctx, storeID, true); err != nil {
			return err
		}
	}

	settings, err := ix.indexSettings(storeID)
	if err != nil {
		return err
	}

	c := ix.deps.Connector
	opts := SettingsOptions{MergeSettings: true}
	if useTmp {
		opts.MergeFrom = primary.IndexName
	}
	if err := c.SetSettings(ctx, target.IndexName, settings, opts, storeID); err != nil {
		return err
	}
	if err := c.WaitLastTask(ctx, storeID, target.IndexName, 0); err != nil {
		return err
	}

	if useTmp {
		if err := c.CopySynonyms(ctx, primary.IndexName, target.IndexName, storeID); err != nil {
			return err
		}
		if err := c.WaitLastTask(ctx, storeID, primary.IndexName, 0); err != nil {
			return err
		}
		if err := c.CopyQueryRules(ctx, primary.IndexName, target.IndexName, storeID); err != nil {
			return err
		}
		if err := c.WaitLastTask(ctx, storeID, primary.IndexName, 0); err != nil {
			return err
		}
	}

	if ix.hook != nil {
		if err := ix.hook(ctx, storeID, target); err != nil {
			return err
		}
	}

	logger.With(logger.Fields{
		logger.FieldStoreID:   storeID,
		logger.FieldIndexName: target.IndexName,
	}).Info(ctx, "Index settings saved: entity=%s", ix.kind.Name)
	return nil
}

// MoveIndexWithSetSettings replaces the production index with the temporary one
// and pushes the settings again.
func (ix *EntityIndexer[T]) MoveIndexWithSetSettings(ctx context.Context, storeID int) error {
	primary, err := ix.indexName(ctx, storeID, false)
	if err != nil {
		return err
	}
	tmp, err := ix.indexName(ctx, storeID, true)
	if err != nil {
		return err
	}

	c := ix.deps.Connector
	if err := c.MoveIndex(ctx, tmp.IndexName, primary.IndexName, storeID); err != nil {
		return err
	}
	if err := c.WaitLastTask(ctx, storeID, tmp.IndexName, 0); err != nil {
		return err
	}

	settings, err := ix.indexSettings(storeID)
	if err != nil {
		return err
	}
	if err := c.SetSettings(ctx, primary.IndexName, settings, SettingsOptions{MergeSettings: true}, storeID); err != nil {
		return err
	}
	if err := c.WaitLastTask(ctx, storeID, primary.IndexName, 0); err != nil {
		return err
	}

	if ix.hook != nil {
		if err := ix.hook(ctx, storeID, primary); err != nil {
			return err
		}
	}

	logger.With(logger.Fields{
		logger.FieldStoreID:   storeID,
		logger.FieldIndexName: primary.IndexName,
	}).Info(ctx, "Temporary index moved: from=%s", tmp.IndexName)
	return nil
}

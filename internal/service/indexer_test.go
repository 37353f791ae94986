package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/repository"
)

const (
	primaryProducts = "magento2_default_products"
	tmpProducts     = "magento2_default_products_tmp"
)

type indexerEnv struct {
	api      *fakeSearch
	queue    *Queue
	jobs     *repository.JobRepository
	emulator *countingEmulator
	deps     IndexerDeps
}

func newIndexerEnv(t *testing.T, queueEnabled, useTmp bool) *indexerEnv {
	t.Helper()
	api := newFakeSearch()
	q, jobs := newTestQueue(t, queueEnabled)
	emulator := newCountingEmulator()
	return &indexerEnv{
		api:      api,
		queue:    q,
		jobs:     jobs,
		emulator: emulator,
		deps: IndexerDeps{
			Connector:   newTestConnector(api),
			Namer:       NewIndexNamer(testPrefix, testStores),
			Queue:       q,
			Emulator:    emulator,
			PageSize:    300,
			UseTmpIndex: useTmp,
		},
	}
}

func (e *indexerEnv) productIndexer(products ...domain.Product) *EntityIndexer[domain.Product] {
	ix := NewEntityIndexer[domain.Product](ProductsKind, productCollection(products...), NewProductRecordBuilder(config.ProductsConfig{}), e.deps)
	ix.RegisterHandlers(e.queue)
	return ix
}

func (e *indexerEnv) queuedJobs(t *testing.T) []domain.Job {
	t.Helper()
	rows, err := e.jobs.List(context.Background())
	require.NoError(t, err)
	return rows
}

func mustPayload(t *testing.T, job domain.Job) domain.JobPayload {
	t.Helper()
	p, err := job.Payload()
	require.NoError(t, err)
	return p
}

func TestRebuildStoreSchedulesSettingsAndPages(t *testing.T) {
	env := newIndexerEnv(t, true, false)
	ix := env.productIndexer(testProducts(320)...)

	require.NoError(t, ix.RebuildStore(context.Background(), 1, nil))

	rows := env.queuedJobs(t)
	require.Len(t, rows, 3)

	assert.Equal(t, MethodSaveConfiguration, rows[0].Method)
	assert.Equal(t, 1, rows[0].DataSize)
	assert.True(t, rows[0].IsFullReindex)

	for i, want := range []struct{ page, weight int }{{1, 300}, {2, 20}} {
		job := rows[i+1]
		assert.Equal(t, MethodRebuildStorePage, job.Method)
		assert.Equal(t, want.weight, job.DataSize)
		assert.True(t, job.IsFullReindex)
		p := mustPayload(t, job)
		page, _ := p.Int("page")
		assert.Equal(t, want.page, page)
		assert.False(t, p.Bool("use_tmp_index"))
	}
}

func TestRebuildStoreWithTmpIndexEndsWithMove(t *testing.T) {
	env := newIndexerEnv(t, true, true)
	ix := env.productIndexer(testProducts(320)...)

	require.NoError(t, ix.RebuildStore(context.Background(), 1, nil))

	rows := env.queuedJobs(t)
	require.Len(t, rows, 4)
	assert.Equal(t, MethodSaveConfiguration, rows[0].Method)
	assert.True(t, mustPayload(t, rows[0]).Bool("use_tmp_index"))
	assert.True(t, mustPayload(t, rows[1]).Bool("use_tmp_index"))
	assert.Equal(t, MethodMoveIndex, rows[3].Method)
	assert.Equal(t, 1, rows[3].DataSize)
}

func TestRebuildStoreWithIDsSchedulesOneListJob(t *testing.T) {
	env := newIndexerEnv(t, true, false)
	ix := env.productIndexer(testProducts(10)...)

	require.NoError(t, ix.RebuildStore(context.Background(), 1, []int{3, 4, 5}))

	rows := env.queuedJobs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, MethodRebuildEntityIDs, rows[0].Method)
	assert.Equal(t, 3, rows[0].DataSize)
	assert.False(t, rows[0].IsFullReindex)
	assert.Equal(t, []int{3, 4, 5}, mustPayload(t, rows[0]).IDs("product_ids"))
}

func TestEmptyIDListSchedulesFullRebuild(t *testing.T) {
	env := newIndexerEnv(t, true, false)
	ix := env.productIndexer(testProducts(10)...)

	require.NoError(t, ix.BuildIndexList(context.Background(), 1, nil, false))

	rows := env.queuedJobs(t)
	require.Len(t, rows, 2)
	assert.Equal(t, MethodSaveConfiguration, rows[0].Method)
	assert.Equal(t, MethodRebuildStorePage, rows[1].Method)
	assert.Equal(t, 10, rows[1].DataSize)
}

func TestFullRebuildThroughQueueAndTmpIndex(t *testing.T) {
	ctx := context.Background()
	env := newIndexerEnv(t, true, true)
	ix := env.productIndexer(testProducts(320)...)

	require.NoError(t, ix.RebuildStore(ctx, 1, nil))
	result, err := env.queue.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Processed)
	assert.Zero(t, result.Failed)

	assert.Len(t, env.api.objectIDs(primaryProducts), 320)
	assert.False(t, env.api.has(tmpProducts))
	assert.Contains(t, env.api.settingsOf(primaryProducts), "searchableAttributes")
	assert.Equal(t, []string{"move:" + tmpProducts + "->" + primaryProducts}, env.api.callsWithPrefix("move:"))
	assert.Empty(t, env.queuedJobs(t))
	assert.Equal(t, env.emulator.started, env.emulator.stopped)
}

func TestFullRebuildWithQueueDisabledWritesProductionIndex(t *testing.T) {
	env := newIndexerEnv(t, false, true)
	ix := env.productIndexer(testProducts(320)...)

	require.NoError(t, ix.RebuildStore(context.Background(), 1, nil))

	assert.Len(t, env.api.objectIDs(primaryProducts), 320)
	assert.False(t, env.api.has(tmpProducts))
	assert.Empty(t, env.api.callsWithPrefix("move:"))
}

func TestBuildIndexFullRemovesIneligibleEntities(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	disabled := testProduct(2)
	disabled.Enabled = false
	ix := env.productIndexer(testProduct(1), disabled, testProduct(3))
	env.api.putObjects(primaryProducts, "2")

	require.NoError(t, ix.BuildIndexFull(context.Background(), 1, 1, 300, false))

	assert.Equal(t, []string{"1", "3"}, env.api.objectIDs(primaryProducts))
	rec := env.api.object(primaryProducts, "1")
	assert.Equal(t, "Product", rec["name"])
	assert.Contains(t, rec, LastUpdateAttribute)
}

func TestBuildIndexFullTwiceYieldsSameRecords(t *testing.T) {
	ctx := context.Background()
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProducts(5)...)

	require.NoError(t, ix.BuildIndexFull(ctx, 1, 1, 300, false))
	first := env.api.objectIDs(primaryProducts)
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, first)
	env.api.resetCalls()

	require.NoError(t, ix.BuildIndexFull(ctx, 1, 1, 300, false))

	assert.Equal(t, first, env.api.objectIDs(primaryProducts))
	assert.Equal(t, []string{"batch:" + primaryProducts}, env.api.callsWithPrefix("batch:"))
	assert.Empty(t, env.api.callsWithPrefix("getObjects"))
	assert.Empty(t, env.api.deletedObjects())
}

func TestBuildIndexListDeletesOnlyObjectsTheIndexHolds(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	disabled := testProduct(2)
	disabled.Enabled = false
	ix := env.productIndexer(testProduct(1), disabled)
	env.api.putObjects(primaryProducts, "2", "3")

	require.NoError(t, ix.BuildIndexList(context.Background(), 1, []int{1, 2, 3, 4}, false))

	assert.Equal(t, []string{"1"}, env.api.objectIDs(primaryProducts))
	assert.Equal(t, []string{primaryProducts + ":2", primaryProducts + ":3"}, env.api.deletedObjects())
	assert.False(t, env.api.has(tmpProducts))
}

func TestBuildIndexListSingleMissingIDIsDeletedUnchecked(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))

	require.NoError(t, ix.BuildIndexList(context.Background(), 1, []int{9}, false))

	assert.Equal(t, []string{primaryProducts + ":9"}, env.api.deletedObjects())
	assert.Empty(t, env.api.callsWithPrefix("getObjects"))
}

func TestBuildIndexListMirrorsToTmpIndex(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1), testProduct(2))

	require.NoError(t, ix.BuildIndexList(context.Background(), 1, []int{1, 2}, true))

	assert.Equal(t, []string{"1", "2"}, env.api.objectIDs(primaryProducts))
	assert.Equal(t, []string{"1", "2"}, env.api.objectIDs(tmpProducts))
	batches := env.api.callsWithPrefix("batch:")
	require.Len(t, batches, 2)
	assert.Equal(t, "batch:"+primaryProducts, batches[0])
}

func TestListJobMirrorsWhileMoveIsPending(t *testing.T) {
	ctx := context.Background()
	env := newIndexerEnv(t, true, true)
	ix := env.productIndexer(testProducts(5)...)
	require.NoError(t, ix.RebuildStore(ctx, 1, nil))

	payload := domain.JobPayload{domain.PayloadStoreID: float64(1), "product_ids": []any{float64(2)}}
	require.NoError(t, ix.handleRebuildIDs(ctx, payload))
	assert.Equal(t, []string{"2"}, env.api.objectIDs(tmpProducts))

	payload = domain.JobPayload{domain.PayloadStoreID: float64(2), "product_ids": []any{float64(2)}}
	require.NoError(t, ix.handleRebuildIDs(ctx, payload))
	assert.False(t, env.api.has("magento2_fr_products_tmp"))
	assert.Equal(t, []string{"2"}, env.api.objectIDs("magento2_fr_products"))
}

func TestBuildStopsEmulationOnError(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	src := productCollection()
	src.err = errors.New("catalog database unavailable")
	ix := NewEntityIndexer[domain.Product](ProductsKind, src, NewProductRecordBuilder(config.ProductsConfig{}), env.deps)

	err := ix.BuildIndexFull(context.Background(), 1, 1, 300, false)
	require.Error(t, err)
	assert.Equal(t, 1, env.emulator.started)
	assert.Equal(t, 1, env.emulator.stopped)
}

func TestBuildForUnknownStoreIsPermanent(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))

	err := ix.BuildIndexFull(context.Background(), 99, 1, 300, false)
	assert.ErrorIs(t, err, domain.ErrUnknownStore)
	assert.True(t, domain.IsPermanent(err))
	assert.Zero(t, env.emulator.started)
}

func TestPayloadWithoutStoreIsPermanent(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))

	err := ix.handleRebuildPage(context.Background(), domain.JobPayload{"page": 1})
	assert.True(t, domain.IsPermanent(err))
}

func TestSaveConfigurationTmpMergesFromProduction(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))
	env.api.seed(primaryProducts, map[string]any{
		"customRanking": []any{"desc(sales)"},
		"hitsPerPage":   12,
		"replicas":      []any{"foreign_index"},
	})
	env.api.putSynonyms(primaryProducts, map[string]any{"objectID": "s1", "type": "synonym", "synonyms": []any{"tee", "t-shirt"}})
	env.api.putRule(primaryProducts, map[string]any{"objectID": "promo"})

	require.NoError(t, ix.SaveConfiguration(context.Background(), 1, true))

	settings := env.api.settingsOf(tmpProducts)
	assert.Equal(t, 12, settings["hitsPerPage"])
	assert.Equal(t, []any{"desc(sales)"}, settings["customRanking"])
	assert.Contains(t, settings, "searchableAttributes")
	assert.NotContains(t, settings, "replicas")
	assert.Len(t, env.api.synonymsOf(tmpProducts), 1)
	assert.Equal(t, []string{"promo"}, env.api.ruleIDs(tmpProducts))

	copies := env.api.callsWithPrefix("copy:")
	assert.Equal(t, []string{
		"copy:" + primaryProducts + "->" + tmpProducts,
		"copy:" + primaryProducts + "->" + tmpProducts,
	}, copies)
}

func TestSaveConfigurationAppliesExtraSettings(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	env.deps.ExtraSettings = func(section string) (domain.Settings, error) {
		assert.Equal(t, "products", section)
		return domain.Settings{"hitsPerPage": 40, "searchableAttributes": []any{"name"}}, nil
	}
	ix := env.productIndexer(testProduct(1))

	require.NoError(t, ix.SaveConfiguration(context.Background(), 1, false))

	settings := env.api.settingsOf(primaryProducts)
	assert.Equal(t, 40, settings["hitsPerPage"])
	assert.Equal(t, []any{"name"}, settings["searchableAttributes"])
}

func TestInvalidExtraSettingsArePermanent(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	env.deps.ExtraSettings = func(section string) (domain.Settings, error) {
		return nil, fmt.Errorf("%w: section %q", domain.ErrInvalidExtraSettings, section)
	}
	ix := env.productIndexer(testProduct(1))

	err := ix.SaveConfiguration(context.Background(), 1, false)
	assert.ErrorIs(t, err, domain.ErrInvalidExtraSettings)
	assert.True(t, domain.IsPermanent(err))
	assert.Empty(t, env.api.callsWithPrefix("setSettings:"))
}

func TestMoveIndexWithSetSettings(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))
	env.api.putObjects(tmpProducts, "1", "2")
	env.api.seed(primaryProducts, map[string]any{"replicas": []any{"magento2_default_products_price_asc"}})

	require.NoError(t, ix.MoveIndexWithSetSettings(context.Background(), 1))

	assert.False(t, env.api.has(tmpProducts))
	assert.Equal(t, []string{"1", "2"}, env.api.objectIDs(primaryProducts))
	settings := env.api.settingsOf(primaryProducts)
	assert.Contains(t, settings, "searchableAttributes")
	assert.Equal(t, []any{"magento2_default_products_price_asc"}, settings["replicas"])
}

func TestEnqueueDeleteRunsThroughQueue(t *testing.T) {
	ctx := context.Background()
	env := newIndexerEnv(t, true, false)
	ix := env.productIndexer(testProduct(1))
	env.api.putObjects(primaryProducts, "5", "6", "7")

	require.NoError(t, ix.EnqueueDelete(ctx, 1, []string{"5", "6"}))
	rows := env.queuedJobs(t)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].DataSize)

	_, err := env.queue.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, env.api.objectIDs(primaryProducts))
}

func TestWriteFailsWhenTaskIsNeverPublished(t *testing.T) {
	env := newIndexerEnv(t, false, false)
	ix := env.productIndexer(testProduct(1))
	env.api.pendingPolls = 100

	err := ix.BuildIndexList(context.Background(), 1, []int{1}, false)
	assert.ErrorIs(t, err, domain.ErrExceededRetries)
}

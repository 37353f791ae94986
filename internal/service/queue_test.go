package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/domain"
)

const (
	testClass  = "products"
	listMethod = "rebuildEntityIds"
	pageMethod = "rebuildStoreIndexPage"
	idsField   = "product_ids"
)

// recorder is a job handler that remembers every payload and returns err.
type recorder struct {
	payloads []domain.JobPayload
	err      error
}

func (r *recorder) handle(ctx context.Context, p domain.JobPayload) error {
	r.payloads = append(r.payloads, p)
	return r.err
}

func registerTestHandlers(q *Queue, list, page *recorder) {
	q.Register(HandlerSpec{Class: testClass, Method: listMethod, IDsField: idsField, Handle: list.handle})
	q.Register(HandlerSpec{Class: testClass, Method: pageMethod, Handle: page.handle})
}

func listPayload(storeID int, ids ...int) domain.JobPayload {
	return domain.JobPayload{domain.PayloadStoreID: storeID, idsField: ids}
}

func TestEnqueueUnknownHandler(t *testing.T) {
	q, _ := newTestQueue(t, true)
	err := q.Enqueue(context.Background(), "nope", "missing", domain.JobPayload{}, 1, false)
	assert.ErrorIs(t, err, domain.ErrUnknownHandler)
}

func TestEnqueueDisabledRunsInline(t *testing.T) {
	q, jobs := newTestQueue(t, false)
	list, page := &recorder{}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(context.Background(), testClass, listMethod, listPayload(1, 4, 5), 2, false))

	require.Len(t, list.payloads, 1)
	assert.Equal(t, []int{4, 5}, list.payloads[0].IDs(idsField))
	rows, err := jobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEnqueueDisabledReturnsHandlerError(t *testing.T) {
	q, _ := newTestQueue(t, false)
	list, page := &recorder{err: errors.New("search service down")}, &recorder{}
	registerTestHandlers(q, list, page)

	err := q.Enqueue(context.Background(), testClass, listMethod, listPayload(1, 4), 1, false)
	assert.EqualError(t, err, "search service down")
}

func TestEnqueueStoresWeightAtLeastOne(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 0, true))

	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].DataSize)
	assert.Equal(t, 3, rows[0].MaxRetries)
	assert.True(t, rows[0].IsFullReindex)
	assert.Nil(t, rows[0].PID)
}

func TestDequeueMergesAdjacentListJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1, 2), 2, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 2, 3), 2, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(2, 5), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 7), 1, false))

	got, err := q.Dequeue(ctx, "runner-1", 100)
	require.NoError(t, err)
	require.Len(t, got, 3)

	first, err := got[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, first.IDs(idsField))
	assert.Equal(t, 4, got[0].DataSize)
	assert.Len(t, got[0].MergedIDs, 1)
	assert.Len(t, got[0].AllIDs(), 2)

	second, err := got[1].Payload()
	require.NoError(t, err)
	storeID, _ := second.StoreID()
	assert.Equal(t, 2, storeID)

	third, err := got[2].Payload()
	require.NoError(t, err)
	assert.Equal(t, []int{7}, third.IDs(idsField))

	for _, job := range got {
		require.NotNil(t, job.PID)
		assert.Equal(t, "runner-1", *job.PID)
	}
}

func TestDequeueNeverMergesFullReindexOrEmptyLists(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	page := domain.JobPayload{domain.PayloadStoreID: 1, "page": 1}
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, page, 10, true))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, page, 10, true))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 3), 1, false))

	got, err := q.Dequeue(ctx, "runner-1", 1000)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestDequeueStopsAtWeightBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	for _, w := range []int{300, 300, 20} {
		require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, w, true))
	}

	got, err := q.Dequeue(ctx, "runner-1", 500)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 300, got[0].DataSize)

	got, err = q.Dequeue(ctx, "runner-2", 600)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDequeueReturnsOversizeFirstJobAlone(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 700, true))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))

	got, err := q.Dequeue(ctx, "runner-1", 300)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 700, got[0].DataSize)
}

func idRange(from, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}

func TestDequeueMergeStaysWithinWeightBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, idRange(i*100, 100)...), 100, false))
	}

	got, err := q.Dequeue(ctx, "runner-1", 300)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 300, got[0].DataSize)
	assert.Len(t, got[0].AllIDs(), 3)
	payload, err := got[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, idRange(0, 300), payload.IDs(idsField))

	rest, err := q.Dequeue(ctx, "runner-2", 10000)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, 700, rest[0].DataSize)
	assert.Len(t, rest[0].AllIDs(), 7)
}

func TestDequeueMergesAcrossFetchBatches(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	q.fetchSize = 2
	registerTestHandlers(q, &recorder{}, &recorder{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, i), 1, false))
	}
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))

	got, err := q.Dequeue(ctx, "runner-1", 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0].AllIDs(), 5)
	assert.Equal(t, 5, got[0].DataSize)
	payload, err := got[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, payload.IDs(idsField))
	assert.Equal(t, pageMethod, got[1].Method)
}

func TestDequeueSkipsJobsClaimedByAnotherRunner(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))
	}
	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	require.NoError(t, jobs.Claim(ctx, []uint{rows[0].ID}, "other-runner", time.Now()))

	got, err := q.Dequeue(ctx, "runner-1", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rows[1].ID, got[0].ID)
}

func TestRunDeletesFinishedJobsAndLogsRun(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1, 2), 2, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 3), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1, "page": 1}, 300, true))

	result, err := q.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Zero(t, result.Failed)
	assert.NotEmpty(t, result.RunnerID)

	require.Len(t, list.payloads, 1)
	assert.Equal(t, []int{1, 2, 3}, list.payloads[0].IDs(idsField))
	assert.Len(t, page.payloads, 1)

	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	runs, err := jobs.RecentRunLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunnerID, runs[0].RunnerID)
	assert.Equal(t, 2, runs[0].ProcessedJobs)
	assert.False(t, runs[0].WithEmptyQueue)
}

func TestRunOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)

	result, err := q.Run(ctx, 1, false)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	runs, err := jobs.RecentRunLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].WithEmptyQueue)
}

func TestRunRequeuesFailedJobAtTheBack(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{err: errors.New("timeout")}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	before, err := jobs.List(ctx)
	require.NoError(t, err)

	result, err := q.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Greater(t, rows[0].ID, before[0].ID)
	assert.Equal(t, 1, rows[0].Retries)
	assert.Equal(t, "timeout", rows[0].ErrorLog)
	assert.Nil(t, rows[0].PID)
}

func TestRunAbandonsJobAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{err: errors.New("timeout")}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	for i := 0; i < 3; i++ {
		result, err := q.Run(ctx, 0, false)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
	}

	result, err := q.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Zero(t, result.Failed+result.Processed)
	assert.Len(t, list.payloads, 3)

	counts, err := jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Zero(t, counts.Pending)

	archived, err := jobs.ListArchive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "timeout", archived[0].ErrorLog)
}

func TestRunAbandonsPermanentFailureImmediately(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{err: domain.Permanent(domain.ErrReplicaLimitExceeded)}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	_, err := q.Run(ctx, 0, false)
	require.NoError(t, err)

	counts, err := jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Len(t, list.payloads, 1)
}

func TestRunStopOnFailureReleasesRemainingJobs(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{err: errors.New("timeout")}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))

	result, err := q.Run(ctx, 0, true)
	require.Error(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, page.payloads)

	counts, err := jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Locked)
	assert.Equal(t, int64(2), counts.Pending)
}

func TestRunReleasesStaleLocks(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	list, page := &recorder{}, &recorder{}
	registerTestHandlers(q, list, page)

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	require.NoError(t, jobs.Claim(ctx, []uint{rows[0].ID}, "crashed-runner", time.Now().Add(-2*time.Hour)))

	result, err := q.Run(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Released)
	assert.Equal(t, 1, result.Processed)
}

func TestRunUnknownHandlerIsAbandoned(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))

	// Handler removed between enqueue and run, e.g. after a deploy.
	other := NewQueue(jobs, QueueConfig{Enabled: true, MaxRetries: 3, PageSize: 300})
	result, err := other.Run(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	counts, err := jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestClearByStore(t *testing.T) {
	ctx := context.Background()
	q, jobs := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(2, 1), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(2, 2), 1, false))

	store := 2
	deleted, err := q.Clear(ctx, &store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = q.Clear(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := jobs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestHasPending(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 2}, 1, true))

	pending, err := q.HasPending(ctx, testClass, pageMethod, 2)
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = q.HasPending(ctx, testClass, pageMethod, 1)
	require.NoError(t, err)
	assert.False(t, pending)

	pending, err = q.HasPending(ctx, testClass, listMethod, 2)
	require.NoError(t, err)
	assert.False(t, pending)

	disabled, _ := newTestQueue(t, false)
	pending, err = disabled.HasPending(ctx, testClass, pageMethod, 2)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, true)
	registerTestHandlers(q, &recorder{}, &recorder{})

	require.NoError(t, q.Enqueue(ctx, testClass, listMethod, listPayload(1, 1), 1, false))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))
	require.NoError(t, q.Enqueue(ctx, testClass, pageMethod, domain.JobPayload{domain.PayloadStoreID: 1}, 1, true))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, int64(3), status.Counts.Pending)
	assert.Equal(t, 1, status.ByHandler["products::rebuildEntityIds"])
	assert.Equal(t, 2, status.ByHandler["products::rebuildStoreIndexPage"])
	assert.Empty(t, status.RecentRuns)

	assert.Equal(t, []string{"products::rebuildEntityIds", "products::rebuildStoreIndexPage"}, q.Handlers())
}

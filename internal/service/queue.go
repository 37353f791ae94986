package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
)

// JobHandler executes one decoded job payload.
type JobHandler func(ctx context.Context, payload domain.JobPayload) error

// HandlerSpec registers a handler under (Class, Method).
// IDsField names the entity id list of list-style handlers; only those are merged.
type HandlerSpec struct {
	Class    string
	Method   string
	IDsField string
	Handle   JobHandler
}

func handlerKey(class, method string) string {
	return class + "::" + method
}

// JobStore is the persistence the queue needs. *repository.JobRepository implements it.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	FetchPending(ctx context.Context, afterID uint, limit int) ([]domain.Job, error)
	Claim(ctx context.Context, ids []uint, pid string, at time.Time) error
	Release(ctx context.Context, ids []uint) error
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
	Delete(ctx context.Context, ids []uint) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, job *domain.Job, errText string, at time.Time) error
	Abandon(ctx context.Context, job *domain.Job, errText string, at time.Time) error
	List(ctx context.Context) ([]domain.Job, error)
	ListActiveByMethod(ctx context.Context, class, method string) ([]domain.Job, error)
	Counts(ctx context.Context) (*repository.JobCounts, error)
	CreateRunLog(ctx context.Context, entry *domain.QueueRunLog) error
	RecentRunLogs(ctx context.Context, limit int) ([]domain.QueueRunLog, error)
}

// QueueConfig configures the queue.
type QueueConfig struct {
	Enabled           bool
	NumberOfJobsToRun int
	MaxRetries        int
	// PageSize is the weight of one full page; the run budget is PageSize * jobs.
	PageSize    int
	LockTimeout time.Duration
}

const fetchBatchSize = 100

// Queue is the durable deferred-call queue.
type Queue struct {
	store JobStore
	cfg   QueueConfig
	now   func() time.Time
	// fetchSize is the number of pending rows read per query while dequeuing.
	fetchSize int

	mu       sync.RWMutex
	handlers map[string]HandlerSpec
}

// NewQueue creates a queue.
// Parameters:
//   - store: job persistence.
//   - cfg: queue configuration.
//
// Returns:
//   - *Queue: queue with no handlers registered.
func NewQueue(store JobStore, cfg QueueConfig) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 1
	}
	if cfg.NumberOfJobsToRun < 1 {
		cfg.NumberOfJobsToRun = 1
	}
	return &Queue{
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		fetchSize: fetchBatchSize,
		handlers:  make(map[string]HandlerSpec),
	}
}

// Register adds a handler. Registering the same class and method twice replaces it.
func (q *Queue) Register(spec HandlerSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[handlerKey(spec.Class, spec.Method)] = spec
}

func (q *Queue) handler(class, method string) (HandlerSpec, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	spec, ok := q.handlers[handlerKey(class, method)]
	return spec, ok
}

// Enabled reports whether jobs are persisted rather than run inline.
func (q *Queue) Enabled() bool {
	return q.cfg.Enabled
}

// Enqueue persists a job. With the queue disabled the handler runs inline instead.
// A weight below 1 is stored as 1.
func (q *Queue) Enqueue(ctx context.Context, class, method string, payload domain.JobPayload, weight int, isFullReindex bool) error {
	spec, ok := q.handler(class, method)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownHandler, handlerKey(class, method))
	}

	if !q.cfg.Enabled {
		return spec.Handle(ctx, payload)
	}

	if weight < 1 {
		weight = 1
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", handlerKey(class, method), err)
	}

	job := &domain.Job{
		Created:       q.now(),
		Class:         class,
		Method:        method,
		Data:          data,
		MaxRetries:    q.cfg.MaxRetries,
		DataSize:      weight,
		IsFullReindex: isFullReindex,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", handlerKey(class, method), err)
	}
	logger.CtxDebug(ctx, "Job enqueued: job_id=%d, handler=%s, weight=%d", job.ID, handlerKey(class, method), weight)
	return nil
}

// logicalJob is one or more adjacent rows merged for execution.
type logicalJob struct {
	job     domain.Job
	payload domain.JobPayload
}

// mergeable reports whether next can be folded into cur.
func (q *Queue) mergeable(cur, next *logicalJob) (string, bool) {
	if cur.job.Class != next.job.Class || cur.job.Method != next.job.Method {
		return "", false
	}
	if cur.job.IsFullReindex || next.job.IsFullReindex {
		return "", false
	}
	spec, ok := q.handler(cur.job.Class, cur.job.Method)
	if !ok || spec.IDsField == "" {
		return "", false
	}
	curStore, ok1 := cur.payload.StoreID()
	nextStore, ok2 := next.payload.StoreID()
	if !ok1 || !ok2 || curStore != nextStore {
		return "", false
	}
	// An empty id list means "everything" and never merges.
	if len(cur.payload.IDs(spec.IDsField)) == 0 || len(next.payload.IDs(spec.IDsField)) == 0 {
		return "", false
	}
	return spec.IDsField, true
}

// merge folds next into cur: ids are unioned in first-occurrence order and weights add up.
func merge(cur, next *logicalJob, idsField string) error {
	union := unionIDs(cur.payload.IDs(idsField), next.payload.IDs(idsField))
	payload := cur.payload.Clone()
	payload[idsField] = union

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode merged payload: %w", err)
	}
	cur.payload = payload
	cur.job.Data = data
	cur.job.DataSize += next.job.DataSize
	cur.job.MergedIDs = append(cur.job.MergedIDs, next.job.AllIDs()...)
	return nil
}

func unionIDs(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func decodeRow(row domain.Job) *logicalJob {
	payload, err := row.Payload()
	if err != nil {
		// Undecodable rows run alone and fail in their handler.
		payload = domain.JobPayload{}
	}
	return &logicalJob{job: row, payload: payload}
}

// Dequeue claims jobs in creation order until maxWeight is reached. Every row
// counts its own weight against the budget, and a row is folded into the
// preceding logical job only while the budget still holds it. A first row
// heavier than maxWeight is still returned, alone.
func (q *Queue) Dequeue(ctx context.Context, runnerID string, maxWeight int) ([]domain.Job, error) {
	var (
		selected []domain.Job
		cur      *logicalJob
		actual   int
		cursor   uint
	)

	claim := func() error {
		if cur == nil {
			return nil
		}
		g := cur
		cur = nil
		err := q.store.Claim(ctx, g.job.AllIDs(), runnerID, q.now())
		if errors.Is(err, repository.ErrClaimConflict) {
			logger.CtxDebug(ctx, "Job already claimed by another runner: job_id=%d", g.job.ID)
			actual -= g.job.DataSize
			return nil
		}
		if err != nil {
			return err
		}
		g.job.PID = &runnerID
		selected = append(selected, g.job)
		return nil
	}

	for {
		rows, err := q.store.FetchPending(ctx, cursor, q.fetchSize)
		if err != nil {
			return selected, err
		}
		if len(rows) == 0 {
			return selected, claim()
		}
		cursor = rows[len(rows)-1].ID

		for i := range rows {
			next := decodeRow(rows[i])
			w := next.job.DataSize
			if actual+w > maxWeight && (cur != nil || len(selected) > 0) {
				return selected, claim()
			}
			actual += w

			if cur != nil {
				field, ok := q.mergeable(cur, next)
				if ok {
					if err := merge(cur, next, field); err != nil {
						return selected, err
					}
				} else {
					if err := claim(); err != nil {
						return selected, err
					}
					cur = next
				}
			} else {
				cur = next
			}

			if actual >= maxWeight {
				return selected, claim()
			}
		}
	}
}

// RunResult summarizes a queue run.
type RunResult struct {
	RunnerID  string `json:"runner_id"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Released  int64  `json:"released_stale"`
}

// Run dequeues up to maxJobs pages of work and executes it. A failing job is
// re-queued at the back until its retries run out or its error is permanent,
// then abandoned. With stopOnFailure the first failure ends the run and the
// remaining claimed jobs are released.
func (q *Queue) Run(ctx context.Context, maxJobs int, stopOnFailure bool) (*RunResult, error) {
	if maxJobs < 1 {
		maxJobs = q.cfg.NumberOfJobsToRun
	}

	runnerID := uuid.New().String()
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldRunnerID:  runnerID,
		logger.FieldComponent: "queue",
	})
	started := q.now()
	result := &RunResult{RunnerID: runnerID}

	if q.cfg.LockTimeout > 0 {
		released, err := q.store.ReleaseStale(ctx, started.Add(-q.cfg.LockTimeout))
		if err != nil {
			return result, err
		}
		result.Released = released
		if released > 0 {
			logger.CtxWarn(ctx, "Released stale job locks: count=%d", released)
		}
	}

	jobs, err := q.Dequeue(ctx, runnerID, q.cfg.PageSize*maxJobs)
	if err != nil {
		q.releaseAll(ctx, jobs)
		return result, err
	}

	var runErr error
	for i := range jobs {
		job := &jobs[i]
		if err := q.execute(ctx, job); err != nil {
			result.Failed++
			if handleErr := q.handleFailure(ctx, job, err); handleErr != nil {
				runErr = handleErr
			} else if stopOnFailure {
				runErr = fmt.Errorf("job %d (%s) failed: %w", job.ID, handlerKey(job.Class, job.Method), err)
			}
			if runErr != nil {
				q.releaseAll(ctx, jobs[i+1:])
				break
			}
			continue
		}
		if _, err := q.store.Delete(ctx, job.AllIDs()); err != nil {
			runErr = fmt.Errorf("failed to delete finished job %d: %w", job.ID, err)
			q.releaseAll(ctx, jobs[i+1:])
			break
		}
		result.Processed++
		QueueJobs.WithLabelValues(job.Class, job.Method, "success").Inc()
	}

	q.writeRunLog(ctx, started, result, len(jobs) == 0)
	return result, runErr
}

func (q *Queue) execute(ctx context.Context, job *domain.Job) error {
	ctx = logger.WithField(ctx, logger.FieldJobID, job.ID)
	spec, ok := q.handler(job.Class, job.Method)
	if !ok {
		return domain.Permanent(fmt.Errorf("%w: %s", domain.ErrUnknownHandler, handlerKey(job.Class, job.Method)))
	}
	payload, err := job.Payload()
	if err != nil {
		return domain.Permanent(err)
	}

	start := time.Now()
	err = spec.Handle(ctx, payload)
	logger.With(logger.Fields{
		logger.FieldStatus: resultLabel(err),
		logger.FieldSize:   job.DataSize,
	}).WithDuration(start).Info(ctx, "Job executed: handler=%s, merged=%d", handlerKey(job.Class, job.Method), len(job.MergedIDs))
	return err
}

func (q *Queue) handleFailure(ctx context.Context, job *domain.Job, jobErr error) error {
	errText := jobErr.Error()
	if domain.IsPermanent(jobErr) || job.Retries+1 >= job.MaxRetries {
		logger.CtxError(ctx, "Job abandoned: job_id=%d, handler=%s, retries=%d, error=%v",
			job.ID, handlerKey(job.Class, job.Method), job.Retries+1, jobErr)
		QueueJobs.WithLabelValues(job.Class, job.Method, "abandoned").Inc()
		return q.store.Abandon(ctx, job, errText, q.now())
	}

	logger.CtxWarn(ctx, "Job failed, re-queued: job_id=%d, handler=%s, retries=%d, error=%v",
		job.ID, handlerKey(job.Class, job.Method), job.Retries+1, jobErr)
	QueueJobs.WithLabelValues(job.Class, job.Method, "retried").Inc()
	return q.store.Requeue(ctx, job, errText, q.now())
}

func (q *Queue) releaseAll(ctx context.Context, jobs []domain.Job) {
	var ids []uint
	for i := range jobs {
		ids = append(ids, jobs[i].AllIDs()...)
	}
	if err := q.store.Release(ctx, ids); err != nil {
		logger.CtxError(ctx, "Failed to release claimed jobs: error=%v", err)
	}
}

func (q *Queue) writeRunLog(ctx context.Context, started time.Time, result *RunResult, emptyQueue bool) {
	duration := q.now().Sub(started)
	QueueRunDuration.Observe(duration.Seconds())

	entry := &domain.QueueRunLog{
		RunnerID:       result.RunnerID,
		Started:        started,
		DurationMs:     duration.Milliseconds(),
		ProcessedJobs:  result.Processed,
		FailedJobs:     result.Failed,
		WithEmptyQueue: emptyQueue,
	}
	if err := q.store.CreateRunLog(ctx, entry); err != nil {
		logger.CtxError(ctx, "Failed to write queue run log: error=%v", err)
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: duration.Milliseconds(),
		logger.FieldCount:      result.Processed,
	}).Info(ctx, "Queue run finished: failed=%d, empty_queue=%t", result.Failed, emptyQueue)
}

// Clear deletes queued jobs, all of them or only those of one store.
func (q *Queue) Clear(ctx context.Context, storeID *int) (int64, error) {
	if storeID == nil {
		return q.store.DeleteAll(ctx)
	}

	jobs, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var ids []uint
	for i := range jobs {
		payload, err := jobs[i].Payload()
		if err != nil {
			continue
		}
		if id, ok := payload.StoreID(); ok && id == *storeID {
			ids = append(ids, jobs[i].ID)
		}
	}
	return q.store.Delete(ctx, ids)
}

// HasPending reports whether an unfinished job for (class, method) targets the store.
func (q *Queue) HasPending(ctx context.Context, class, method string, storeID int) (bool, error) {
	if !q.cfg.Enabled {
		return false, nil
	}
	jobs, err := q.store.ListActiveByMethod(ctx, class, method)
	if err != nil {
		return false, err
	}
	for i := range jobs {
		payload, err := jobs[i].Payload()
		if err != nil {
			continue
		}
		if id, ok := payload.StoreID(); ok && id == storeID {
			return true, nil
		}
	}
	return false, nil
}

// QueueStatus is an operator view of the queue.
type QueueStatus struct {
	Enabled    bool                 `json:"enabled"`
	Counts     repository.JobCounts `json:"counts"`
	ByHandler  map[string]int       `json:"by_handler"`
	RecentRuns []domain.QueueRunLog `json:"recent_runs"`
}

// Status returns queue counts, per-handler row counts and the latest runs.
func (q *Queue) Status(ctx context.Context) (*QueueStatus, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	QueuePending.Set(float64(counts.Pending))

	jobs, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byHandler := make(map[string]int)
	for i := range jobs {
		byHandler[handlerKey(jobs[i].Class, jobs[i].Method)]++
	}

	runs, err := q.store.RecentRunLogs(ctx, 10)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Enabled:    q.cfg.Enabled,
		Counts:     *counts,
		ByHandler:  byHandler,
		RecentRuns: runs,
	}, nil
}

// Handlers lists registered handler keys, sorted.
func (q *Queue) Handlers() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	keys := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}


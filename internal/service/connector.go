package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
)

// SearchAPI is the remote search service as the connector consumes it.
// *repository.AlgoliaRepository implements it.
type SearchAPI interface {
	ListIndices(ctx context.Context) ([]repository.IndexInfo, error)
	Batch(ctx context.Context, index string, requests []repository.BatchRequest) (int64, error)
	GetSettings(ctx context.Context, index string) (map[string]any, error)
	SetSettings(ctx context.Context, index string, settings map[string]any, forwardToReplicas bool) (int64, error)
	GetTaskStatus(ctx context.Context, index string, taskID int64) (string, error)
	DeleteIndex(ctx context.Context, index string) (int64, error)
	OperationIndex(ctx context.Context, index string, op repository.IndexOperation) (int64, error)
	GetObjects(ctx context.Context, requests []repository.ObjectRequest) ([]map[string]any, error)
	SearchRules(ctx context.Context, index string, query repository.RuleQuery) (*repository.RuleSearchResult, error)
	SaveRule(ctx context.Context, index string, rule map[string]any, forwardToReplicas bool) (int64, error)
	SaveRules(ctx context.Context, index string, rules []map[string]any, forwardToReplicas, clearExisting bool) (int64, error)
	DeleteRule(ctx context.Context, index, objectID string, forwardToReplicas bool) (int64, error)
	SearchSynonyms(ctx context.Context, index string, page, hitsPerPage int) (*repository.SynonymSearchResult, error)
	SaveSynonyms(ctx context.Context, index string, synonyms []map[string]any, forwardToReplicas, replaceExisting bool) (int64, error)
}

// TaskPublished is the status of an applied task.
const TaskPublished = "published"

// Settings owned by other subsystems; a merged settings push never carries them.
var ownedSettings = []string{"replicas", "slaves", "synonyms", "altCorrections", "placeholders"}

var errTaskPending = errors.New("task not yet published")

// ConnectorConfig configures task polling.
type ConnectorConfig struct {
	PollInterval   time.Duration
	PollMaxRetries int
}

// SettingsOptions controls a settings push.
type SettingsOptions struct {
	ForwardToReplicas bool
	// MergeSettings overlays the new settings on the current remote ones.
	MergeSettings bool
	// MergeFrom reads current settings from another index instead of the target.
	MergeFrom string
}

type taskRef struct {
	index string
	id    int64
}

// Connector wraps the search API with record normalization, settings merging
// and task tracking.
type Connector struct {
	api      SearchAPI
	preparer *RecordPreparer
	cfg      ConnectorConfig

	mu          sync.Mutex
	lastByStore map[int]taskRef
	last        taskRef
	byIndex     *lru.Cache[string, int64]
}

// NewConnector creates a connector.
// Parameters:
//   - api: search service client.
//   - preparer: record normalizer applied by SaveObjects.
//   - cfg: task polling settings.
//
// Returns:
//   - *Connector: connector with empty task history.
func NewConnector(api SearchAPI, preparer *RecordPreparer, cfg ConnectorConfig) *Connector {
	byIndex, _ := lru.New[string, int64](512)
	if cfg.PollMaxRetries < 1 {
		cfg.PollMaxRetries = 1
	}
	return &Connector{
		api:         api,
		preparer:    preparer,
		cfg:         cfg,
		lastByStore: make(map[int]taskRef),
		byIndex:     byIndex,
	}
}

func (c *Connector) recordTask(storeID int, index string, taskID int64) {
	if taskID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := taskRef{index: index, id: taskID}
	c.lastByStore[storeID] = ref
	c.last = ref
	c.byIndex.Add(index, taskID)
}

// LastTask returns the last task recorded for a store.
func (c *Connector) LastTask(storeID int) (string, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.lastByStore[storeID]
	return ref.index, ref.id, ok
}

func (c *Connector) resolveTask(storeID int, index string, taskID int64) (taskRef, bool) {
	if index != "" && taskID != 0 {
		return taskRef{index: index, id: taskID}, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if index != "" {
		if id, ok := c.byIndex.Get(index); ok {
			return taskRef{index: index, id: id}, true
		}
	}
	if ref, ok := c.lastByStore[storeID]; ok {
		return ref, true
	}
	if c.last.id != 0 {
		return c.last, true
	}
	return taskRef{}, false
}

// WaitLastTask blocks until a task is published. Without an explicit index and task id
// it falls back to the last task of the index, then of the store, then of the process.
// It does nothing when no task is known and returns domain.ErrExceededRetries when
// the poll budget runs out.
func (c *Connector) WaitLastTask(ctx context.Context, storeID int, index string, taskID int64) error {
	ref, ok := c.resolveTask(storeID, index, taskID)
	if !ok {
		return nil
	}

	start := time.Now()
	op := func() error {
		status, err := c.api.GetTaskStatus(ctx, ref.index, ref.id)
		if err != nil {
			if repository.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if status != TaskPublished {
			return errTaskPending
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.PollMaxRetries)),
		ctx,
	)
	err := backoff.Retry(op, b)
	observeAPI("wait_task", start, err)
	if err == nil {
		return nil
	}
	if errors.Is(err, errTaskPending) || repository.IsTransient(err) {
		return fmt.Errorf("%w: task %d on %s: %w", domain.ErrExceededRetries, ref.id, ref.index, err)
	}
	return fmt.Errorf("failed to wait for task %d on %s: %w", ref.id, ref.index, err)
}

// SaveObjects normalizes records and writes them in one batch.
// Oversize records are shrunk or skipped; every adjustment is reported in one warning.
func (c *Connector) SaveObjects(ctx context.Context, index string, records []domain.Record, partialUpdate bool, storeID int) error {
	if len(records) == 0 {
		return nil
	}

	action := repository.ActionAddObject
	if partialUpdate {
		action = repository.ActionPartialUpdateObjectNoCreate
	}

	requests := make([]repository.BatchRequest, 0, len(records))
	var notes []string
	for _, rec := range records {
		prepared := c.preparer.Prepare(rec)
		fitted, ok, note := c.preparer.FitRecord(prepared)
		if note != "" {
			notes = append(notes, note)
		}
		if !ok {
			RecordsAdjusted.WithLabelValues("skipped").Inc()
			continue
		}
		if note != "" {
			RecordsAdjusted.WithLabelValues("truncated").Inc()
		}
		requests = append(requests, repository.BatchRequest{Action: action, Body: fitted})
	}

	if len(notes) > 0 {
		logger.With(logger.Fields{
			logger.FieldIndexName: index,
			logger.FieldCount:     len(notes),
		}).Warn(ctx, "Oversize records adjusted: %s", strings.Join(notes, "; "))
	}
	if len(requests) == 0 {
		return nil
	}

	start := time.Now()
	taskID, err := c.api.Batch(ctx, index, requests)
	observeAPI("batch", start, err)
	if err != nil {
		return fmt.Errorf("failed to save %d objects to %s: %w", len(requests), index, err)
	}
	c.recordTask(storeID, index, taskID)

	logger.With(logger.Fields{
		logger.FieldIndexName: index,
		logger.FieldCount:     len(requests),
		logger.FieldTaskID:    taskID,
	}).WithDuration(start).Debug(ctx, "Objects saved")
	return nil
}

// DeleteObjects removes objects by objectID in one batch.
func (c *Connector) DeleteObjects(ctx context.Context, ids []string, index string, storeID int) error {
	if len(ids) == 0 {
		return nil
	}
	requests := make([]repository.BatchRequest, 0, len(ids))
	for _, id := range ids {
		requests = append(requests, repository.BatchRequest{
			Action: repository.ActionDeleteObject,
			Body:   map[string]any{"objectID": id},
		})
	}

	start := time.Now()
	taskID, err := c.api.Batch(ctx, index, requests)
	observeAPI("batch", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete %d objects from %s: %w", len(ids), index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// GetSettings returns the index settings; an index that does not exist yet has none.
func (c *Connector) GetSettings(ctx context.Context, index string) (domain.Settings, error) {
	start := time.Now()
	settings, err := c.api.GetSettings(ctx, index)
	observeAPI("get_settings", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return domain.Settings{}, nil
		}
		return nil, fmt.Errorf("failed to get settings of %s: %w", index, err)
	}
	return domain.Settings(settings), nil
}

// SetSettings pushes settings. With MergeSettings the current remote settings
// (of MergeFrom or the target) are the base, and settings owned by replicas,
// synonyms and the neural mode are stripped from both sides.
func (c *Connector) SetSettings(ctx context.Context, index string, settings domain.Settings, opts SettingsOptions, storeID int) error {
	final := settings.Clone()

	if opts.MergeSettings {
		source := index
		if opts.MergeFrom != "" {
			source = opts.MergeFrom
		}
		online, err := c.GetSettings(ctx, source)
		if err != nil {
			return err
		}
		neural := online["mode"] == "neuralSearch"

		merged := stripOwnedSettings(online.Clone(), neural)
		for k, v := range final {
			merged[k] = v
		}
		final = stripOwnedSettings(merged, neural)
	}
	renameLegacySettings(final)

	start := time.Now()
	taskID, err := c.api.SetSettings(ctx, index, final, opts.ForwardToReplicas)
	observeAPI("set_settings", start, err)
	if err != nil {
		return fmt.Errorf("failed to set settings of %s: %w", index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

func stripOwnedSettings(s domain.Settings, neural bool) domain.Settings {
	for _, key := range ownedSettings {
		delete(s, key)
	}
	if neural {
		delete(s, "mode")
	}
	return s
}

// renameLegacySettings moves attributesToIndex to searchableAttributes.
func renameLegacySettings(s domain.Settings) {
	if v, ok := s["attributesToIndex"]; ok {
		if _, exists := s["searchableAttributes"]; !exists {
			s["searchableAttributes"] = v
		}
		delete(s, "attributesToIndex")
	}
}

// ListIndexes returns every index of the application.
func (c *Connector) ListIndexes(ctx context.Context) ([]repository.IndexInfo, error) {
	start := time.Now()
	indices, err := c.api.ListIndices(ctx)
	observeAPI("list_indices", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list indices: %w", err)
	}
	return indices, nil
}

// ValidateCredentials checks the configured key by listing indices.
func (c *Connector) ValidateCredentials(ctx context.Context) error {
	if _, err := c.api.ListIndices(ctx); err != nil {
		if repository.IsAuthError(err) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
		}
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	return nil
}

// DeleteIndex deletes an index. Deleting a missing index is not an error.
func (c *Connector) DeleteIndex(ctx context.Context, index string, storeID int) error {
	start := time.Now()
	taskID, err := c.api.DeleteIndex(ctx, index)
	observeAPI("delete_index", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete index %s: %w", index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// MoveIndex atomically replaces to with from.
func (c *Connector) MoveIndex(ctx context.Context, from, to string, storeID int) error {
	return c.operation(ctx, from, repository.IndexOperation{Operation: "move", Destination: to}, storeID, false)
}

// CopySynonyms copies the synonyms of from into to. A missing source copies nothing.
func (c *Connector) CopySynonyms(ctx context.Context, from, to string, storeID int) error {
	return c.operation(ctx, from, repository.IndexOperation{
		Operation:   "copy",
		Destination: to,
		Scope:       []string{"synonyms"},
	}, storeID, true)
}

// CopyQueryRules copies the query rules of from into to. A missing source copies nothing.
func (c *Connector) CopyQueryRules(ctx context.Context, from, to string, storeID int) error {
	return c.operation(ctx, from, repository.IndexOperation{
		Operation:   "copy",
		Destination: to,
		Scope:       []string{"rules"},
	}, storeID, true)
}

func (c *Connector) operation(ctx context.Context, from string, op repository.IndexOperation, storeID int, missingOK bool) error {
	start := time.Now()
	taskID, err := c.api.OperationIndex(ctx, from, op)
	observeAPI(op.Operation+"_index", start, err)
	if err != nil {
		if missingOK && repository.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to %s %s to %s: %w", op.Operation, from, op.Destination, err)
	}
	c.recordTask(storeID, from, taskID)
	return nil
}

// GetObjects fetches objects of one index by objectID.
func (c *Connector) GetObjects(ctx context.Context, index string, ids []string, attributes []string) ([]map[string]any, error) {
	requests := make([]repository.ObjectRequest, 0, len(ids))
	for _, id := range ids {
		requests = append(requests, repository.ObjectRequest{
			IndexName:            index,
			ObjectID:             id,
			AttributesToRetrieve: attributes,
		})
	}
	start := time.Now()
	results, err := c.api.GetObjects(ctx, requests)
	observeAPI("get_objects", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return make([]map[string]any, len(ids)), nil
		}
		return nil, fmt.Errorf("failed to get objects from %s: %w", index, err)
	}
	return results, nil
}

// SearchRules searches query rules; a missing index has none.
func (c *Connector) SearchRules(ctx context.Context, index string, query repository.RuleQuery) (*repository.RuleSearchResult, error) {
	start := time.Now()
	res, err := c.api.SearchRules(ctx, index, query)
	observeAPI("search_rules", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return &repository.RuleSearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to search rules of %s: %w", index, err)
	}
	return res, nil
}

// SaveRule saves one rule, forwarded to replicas.
func (c *Connector) SaveRule(ctx context.Context, index string, rule map[string]any, storeID int) error {
	start := time.Now()
	taskID, err := c.api.SaveRule(ctx, index, rule, true)
	observeAPI("save_rule", start, err)
	if err != nil {
		return fmt.Errorf("failed to save rule %v on %s: %w", rule["objectID"], index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// SaveRules saves rules in bulk, forwarded to replicas.
func (c *Connector) SaveRules(ctx context.Context, index string, rules []map[string]any, clearExisting bool, storeID int) error {
	if len(rules) == 0 && !clearExisting {
		return nil
	}
	start := time.Now()
	taskID, err := c.api.SaveRules(ctx, index, rules, true, clearExisting)
	observeAPI("save_rules", start, err)
	if err != nil {
		return fmt.Errorf("failed to save %d rules on %s: %w", len(rules), index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// DeleteRule deletes one rule, forwarded to replicas.
func (c *Connector) DeleteRule(ctx context.Context, index, objectID string, storeID int) error {
	start := time.Now()
	taskID, err := c.api.DeleteRule(ctx, index, objectID, true)
	observeAPI("delete_rule", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete rule %s on %s: %w", objectID, index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// SearchSynonyms returns one page of synonyms; a missing index has none.
func (c *Connector) SearchSynonyms(ctx context.Context, index string, page, hitsPerPage int) (*repository.SynonymSearchResult, error) {
	start := time.Now()
	res, err := c.api.SearchSynonyms(ctx, index, page, hitsPerPage)
	observeAPI("search_synonyms", start, err)
	if err != nil {
		if repository.IsNotFound(err) {
			return &repository.SynonymSearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to search synonyms of %s: %w", index, err)
	}
	return res, nil
}

// SaveSynonyms saves synonyms, forwarded to replicas.
func (c *Connector) SaveSynonyms(ctx context.Context, index string, synonyms []map[string]any, replaceExisting bool, storeID int) error {
	start := time.Now()
	taskID, err := c.api.SaveSynonyms(ctx, index, synonyms, true, replaceExisting)
	observeAPI("save_synonyms", start, err)
	if err != nil {
		return fmt.Errorf("failed to save %d synonyms on %s: %w", len(synonyms), index, err)
	}
	c.recordTask(storeID, index, taskID)
	return nil
}

// GenerateSecuredAPIKey derives a search key restricted by params:
// base64(hex(hmac_sha256(parentKey, query)) + query).
func GenerateSecuredAPIKey(parentKey string, params url.Values) string {
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(parentKey))
	mac.Write([]byte(query))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil)) + query))
}

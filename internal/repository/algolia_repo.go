package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// AlgoliaConnectionConfig holds connection settings for the search service REST API.
type AlgoliaConnectionConfig struct {
	ApplicationID string
	APIKey        string
	// BaseURL overrides https://{ApplicationID}.algolia.net, mainly for tests.
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// APIError is a non-2xx response from the search service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("algolia api error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the search service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsBadRequest reports whether err is a 400 from the search service.
func IsBadRequest(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest
}

// IsAuthError reports whether err is a 401 or 403 from the search service.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsTransient reports whether err is worth retrying: network failures,
// rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}

// Search service wire types.

type IndexInfo struct {
	Name      string   `json:"name"`
	Entries   int      `json:"entries"`
	UpdatedAt string   `json:"updatedAt"`
	Primary   string   `json:"primary,omitempty"`
	Replicas  []string `json:"replicas,omitempty"`
}

type BatchRequest struct {
	Action string         `json:"action"`
	Body   map[string]any `json:"body"`
}

// Batch actions.
const (
	ActionAddObject                   = "addObject"
	ActionPartialUpdateObjectNoCreate = "partialUpdateObjectNoCreate"
	ActionDeleteObject                = "deleteObject"
)

type IndexOperation struct {
	Operation   string   `json:"operation"` // move, copy
	Destination string   `json:"destination"`
	Scope       []string `json:"scope,omitempty"` // settings, synonyms, rules
}

type ObjectRequest struct {
	IndexName            string   `json:"indexName"`
	ObjectID             string   `json:"objectID"`
	AttributesToRetrieve []string `json:"attributesToRetrieve,omitempty"`
}

type RuleQuery struct {
	Query       string `json:"query"`
	Context     string `json:"context,omitempty"`
	Page        int    `json:"page"`
	HitsPerPage int    `json:"hitsPerPage"`
}

type RuleSearchResult struct {
	Hits    []map[string]any `json:"hits"`
	NbHits  int              `json:"nbHits"`
	Page    int              `json:"page"`
	NbPages int              `json:"nbPages"`
}

type SynonymSearchResult struct {
	Hits   []map[string]any `json:"hits"`
	NbHits int              `json:"nbHits"`
}

type taskResponse struct {
	TaskID int64 `json:"taskID"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// AlgoliaRepository is a thin REST client for the search service.
type AlgoliaRepository struct {
	client *resty.Client
}

// NewAlgoliaRepository creates a new client.
// Parameters:
//   - cfg: application id, admin key and transport settings.
//
// Returns:
//   - *AlgoliaRepository: client bound to the application host.
func NewAlgoliaRepository(cfg *AlgoliaConnectionConfig) *AlgoliaRepository {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.algolia.net", cfg.ApplicationID)
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("X-Algolia-Application-Id", cfg.ApplicationID)
	client.SetHeader("X-Algolia-API-Key", cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.RetryCount > 0 {
		client.SetRetryCount(cfg.RetryCount)
		client.SetRetryWaitTime(200 * time.Millisecond)
		client.AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	}

	return &AlgoliaRepository{client: client}
}

type call struct {
	method string
	path   string
	params map[string]string
	query  map[string]string
	body   any
	result any
}

func (r *AlgoliaRepository) do(ctx context.Context, c call) error {
	var apiErr apiErrorBody
	req := r.client.R().
		SetContext(ctx).
		SetError(&apiErr)
	if c.params != nil {
		req.SetPathParams(c.params)
	}
	if c.query != nil {
		req.SetQueryParams(c.query)
	}
	if c.body != nil {
		req.SetBody(c.body)
	}
	if c.result != nil {
		req.SetResult(c.result)
	}

	resp, err := req.Execute(c.method, c.path)
	if err != nil {
		return fmt.Errorf("failed to call algolia %s %s: %w", c.method, c.path, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

func indexParam(index string) map[string]string {
	return map[string]string{"index": index}
}

func flag(b bool) string {
	return strconv.FormatBool(b)
}

// ListIndices returns every index of the application.
func (r *AlgoliaRepository) ListIndices(ctx context.Context) ([]IndexInfo, error) {
	var resp struct {
		Items []IndexInfo `json:"items"`
	}
	if err := r.do(ctx, call{method: http.MethodGet, path: "/1/indexes", result: &resp}); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Batch sends write actions to one index and returns the task id.
func (r *AlgoliaRepository) Batch(ctx context.Context, index string, requests []BatchRequest) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/batch",
		params: indexParam(index),
		body:   map[string]any{"requests": requests},
		result: &resp,
	})
	return resp.TaskID, err
}

// GetSettings returns the settings of an index.
func (r *AlgoliaRepository) GetSettings(ctx context.Context, index string) (map[string]any, error) {
	var settings map[string]any
	err := r.do(ctx, call{
		method: http.MethodGet,
		path:   "/1/indexes/{index}/settings",
		params: indexParam(index),
		query:  map[string]string{"getVersion": "2"},
		result: &settings,
	})
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// SetSettings replaces the given settings keys on an index.
func (r *AlgoliaRepository) SetSettings(ctx context.Context, index string, settings map[string]any, forwardToReplicas bool) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPut,
		path:   "/1/indexes/{index}/settings",
		params: indexParam(index),
		query:  map[string]string{"forwardToReplicas": flag(forwardToReplicas)},
		body:   settings,
		result: &resp,
	})
	return resp.TaskID, err
}

// GetTaskStatus returns "published" once the task is applied.
func (r *AlgoliaRepository) GetTaskStatus(ctx context.Context, index string, taskID int64) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := r.do(ctx, call{
		method: http.MethodGet,
		path:   "/1/indexes/{index}/task/{task}",
		params: map[string]string{"index": index, "task": strconv.FormatInt(taskID, 10)},
		result: &resp,
	})
	return resp.Status, err
}

// DeleteIndex deletes an index.
func (r *AlgoliaRepository) DeleteIndex(ctx context.Context, index string) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodDelete,
		path:   "/1/indexes/{index}",
		params: indexParam(index),
		result: &resp,
	})
	return resp.TaskID, err
}

// OperationIndex copies or moves an index.
func (r *AlgoliaRepository) OperationIndex(ctx context.Context, index string, op IndexOperation) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/operation",
		params: indexParam(index),
		body:   op,
		result: &resp,
	})
	return resp.TaskID, err
}

// GetObjects fetches objects by id; missing objects come back as nil entries.
func (r *AlgoliaRepository) GetObjects(ctx context.Context, requests []ObjectRequest) ([]map[string]any, error) {
	var resp struct {
		Results []map[string]any `json:"results"`
	}
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/*/objects",
		body:   map[string]any{"requests": requests},
		result: &resp,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchRules searches the query rules of an index.
func (r *AlgoliaRepository) SearchRules(ctx context.Context, index string, query RuleQuery) (*RuleSearchResult, error) {
	var resp RuleSearchResult
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/rules/search",
		params: indexParam(index),
		body:   query,
		result: &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveRule creates or replaces one rule.
func (r *AlgoliaRepository) SaveRule(ctx context.Context, index string, rule map[string]any, forwardToReplicas bool) (int64, error) {
	objectID, _ := rule["objectID"].(string)
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPut,
		path:   "/1/indexes/{index}/rules/{objectID}",
		params: map[string]string{"index": index, "objectID": objectID},
		query:  map[string]string{"forwardToReplicas": flag(forwardToReplicas)},
		body:   rule,
		result: &resp,
	})
	return resp.TaskID, err
}

// SaveRules creates or replaces rules in bulk.
func (r *AlgoliaRepository) SaveRules(ctx context.Context, index string, rules []map[string]any, forwardToReplicas, clearExisting bool) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/rules/batch",
		params: indexParam(index),
		query: map[string]string{
			"forwardToReplicas":  flag(forwardToReplicas),
			"clearExistingRules": flag(clearExisting),
		},
		body:   rules,
		result: &resp,
	})
	return resp.TaskID, err
}

// DeleteRule deletes one rule.
func (r *AlgoliaRepository) DeleteRule(ctx context.Context, index, objectID string, forwardToReplicas bool) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodDelete,
		path:   "/1/indexes/{index}/rules/{objectID}",
		params: map[string]string{"index": index, "objectID": objectID},
		query:  map[string]string{"forwardToReplicas": flag(forwardToReplicas)},
		result: &resp,
	})
	return resp.TaskID, err
}

// SearchSynonyms returns one page of synonyms.
func (r *AlgoliaRepository) SearchSynonyms(ctx context.Context, index string, page, hitsPerPage int) (*SynonymSearchResult, error) {
	var resp SynonymSearchResult
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/synonyms/search",
		params: indexParam(index),
		body:   map[string]any{"query": "", "page": page, "hitsPerPage": hitsPerPage},
		result: &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveSynonyms saves synonyms in bulk, optionally replacing every existing one.
func (r *AlgoliaRepository) SaveSynonyms(ctx context.Context, index string, synonyms []map[string]any, forwardToReplicas, replaceExisting bool) (int64, error) {
	var resp taskResponse
	err := r.do(ctx, call{
		method: http.MethodPost,
		path:   "/1/indexes/{index}/synonyms/batch",
		params: indexParam(index),
		query: map[string]string{
			"forwardToReplicas":       flag(forwardToReplicas),
			"replaceExistingSynonyms": flag(replaceExisting),
		},
		body:   synonyms,
		result: &resp,
	})
	return resp.TaskID, err
}

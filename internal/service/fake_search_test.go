package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/repository"
)

type fakeIndex struct {
	objects  map[string]map[string]any
	settings map[string]any
	rules    map[string]map[string]any
	synonyms []map[string]any
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		objects:  make(map[string]map[string]any),
		settings: make(map[string]any),
		rules:    make(map[string]map[string]any),
	}
}

func (ix *fakeIndex) clone() *fakeIndex {
	out := newFakeIndex()
	for k, v := range ix.objects {
		out.objects[k] = v
	}
	for k, v := range ix.settings {
		out.settings[k] = v
	}
	for k, v := range ix.rules {
		out.rules[k] = v
	}
	out.synonyms = append(out.synonyms, ix.synonyms...)
	return out
}

// fakeSearch is an in-memory search service. Settings pushes overlay the
// current settings, every task is published immediately, and deleting an
// index that is still listed as a replica of another index is rejected.
type fakeSearch struct {
	mu      sync.Mutex
	indices map[string]*fakeIndex
	calls   []string
	task    int64
	// deleted lists "index:objectID" for every delete request, existing or not.
	deleted []string

	// pendingPolls makes GetTaskStatus answer "notPublished" that many times.
	pendingPolls int
	// fail maps a call name ("setSettings:idx", "batch:idx", "deleteIndex:idx")
	// to the error it returns; failTimes limits how often (0 = always).
	fail      map[string]error
	failTimes map[string]int
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		indices:   make(map[string]*fakeIndex),
		fail:      make(map[string]error),
		failTimes: make(map[string]int),
	}
}

func (f *fakeSearch) failOn(call string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[call] = err
	f.failTimes[call] = times
}

// record appends the call and returns its configured failure, if any.
func (f *fakeSearch) record(call string) error {
	f.calls = append(f.calls, call)
	err, ok := f.fail[call]
	if !ok {
		return nil
	}
	if n := f.failTimes[call]; n > 0 {
		if n == 1 {
			delete(f.fail, call)
		}
		f.failTimes[call] = n - 1
	}
	return err
}

func (f *fakeSearch) nextTask() int64 {
	f.task++
	return f.task
}

func (f *fakeSearch) index(name string) *fakeIndex {
	ix, ok := f.indices[name]
	if !ok {
		ix = newFakeIndex()
		f.indices[name] = ix
	}
	return ix
}

func notFound(index string) error {
	return &repository.APIError{StatusCode: http.StatusNotFound, Message: "Index " + index + " does not exist"}
}

// seed creates an index with settings.
func (f *fakeSearch) seed(name string, settings map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix := f.index(name)
	for k, v := range settings {
		ix.settings[k] = v
	}
}

func (f *fakeSearch) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indices[name]
	return ok
}

func (f *fakeSearch) settingsOf(name string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix, ok := f.indices[name]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(ix.settings))
	for k, v := range ix.settings {
		out[k] = v
	}
	return out
}

func (f *fakeSearch) objectIDs(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix, ok := f.indices[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ix.objects))
	for id := range ix.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeSearch) object(name, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ix, ok := f.indices[name]; ok {
		return ix.objects[id]
	}
	return nil
}

func (f *fakeSearch) ruleIDs(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix, ok := f.indices[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ix.rules))
	for id := range ix.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeSearch) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// callsWithPrefix returns the recorded calls that start with prefix, in order.
func (f *fakeSearch) callsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSearch) deletedObjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// putObjects stores records as-is.
func (f *fakeSearch) putObjects(name string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix := f.index(name)
	for _, id := range ids {
		ix.objects[id] = map[string]any{"objectID": id}
	}
}

func (f *fakeSearch) putRule(name string, rule map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index(name).rules[fmt.Sprint(rule["objectID"])] = rule
}

func (f *fakeSearch) putSynonyms(name string, synonyms ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ix := f.index(name)
	ix.synonyms = append(ix.synonyms, synonyms...)
}

func (f *fakeSearch) synonymsOf(name string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ix, ok := f.indices[name]; ok {
		return append([]map[string]any(nil), ix.synonyms...)
	}
	return nil
}

func (f *fakeSearch) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// attachedTo returns the primary listing name as a replica, or "".
func (f *fakeSearch) attachedTo(name string) string {
	for primary, ix := range f.indices {
		for _, entry := range stringList(ix.settings["replicas"]) {
			if domain.BareReplicaName(entry) == name {
				return primary
			}
		}
	}
	return ""
}

func (f *fakeSearch) ListIndices(ctx context.Context) ([]repository.IndexInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listIndices"); err != nil {
		return nil, err
	}
	out := make([]repository.IndexInfo, 0, len(f.indices))
	for name, ix := range f.indices {
		out = append(out, repository.IndexInfo{Name: name, Entries: len(ix.objects)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeSearch) Batch(ctx context.Context, index string, requests []repository.BatchRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("batch:" + index); err != nil {
		return 0, err
	}
	ix := f.index(index)
	for _, req := range requests {
		id := fmt.Sprint(req.Body["objectID"])
		switch req.Action {
		case repository.ActionAddObject:
			ix.objects[id] = req.Body
		case repository.ActionPartialUpdateObjectNoCreate:
			if current, ok := ix.objects[id]; ok {
				for k, v := range req.Body {
					current[k] = v
				}
			}
		case repository.ActionDeleteObject:
			f.deleted = append(f.deleted, index+":"+id)
			delete(ix.objects, id)
		}
	}
	return f.nextTask(), nil
}

func (f *fakeSearch) GetSettings(ctx context.Context, index string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("getSettings:" + index); err != nil {
		return nil, err
	}
	ix, ok := f.indices[index]
	if !ok {
		return nil, notFound(index)
	}
	out := make(map[string]any, len(ix.settings))
	for k, v := range ix.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSearch) SetSettings(ctx context.Context, index string, settings map[string]any, forwardToReplicas bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("setSettings:" + index); err != nil {
		return 0, err
	}
	ix := f.index(index)
	for k, v := range settings {
		ix.settings[k] = v
	}
	if replicas, ok := settings["replicas"]; ok {
		for _, entry := range stringList(replicas) {
			replica := f.index(domain.BareReplicaName(entry))
			replica.settings["primary"] = index
		}
	}
	return f.nextTask(), nil
}

func (f *fakeSearch) GetTaskStatus(ctx context.Context, index string, taskID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "waitTask:"+index)
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return "notPublished", nil
	}
	return TaskPublished, nil
}

func (f *fakeSearch) DeleteIndex(ctx context.Context, index string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("deleteIndex:" + index); err != nil {
		return 0, err
	}
	if _, ok := f.indices[index]; !ok {
		return 0, notFound(index)
	}
	if primary := f.attachedTo(index); primary != "" {
		return 0, &repository.APIError{
			StatusCode: http.StatusBadRequest,
			Message:    "Cannot delete a replica index attached to " + primary,
		}
	}
	delete(f.indices, index)
	return f.nextTask(), nil
}

func (f *fakeSearch) OperationIndex(ctx context.Context, index string, op repository.IndexOperation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op.Operation + ":" + index + "->" + op.Destination); err != nil {
		return 0, err
	}
	src, ok := f.indices[index]
	if !ok {
		return 0, notFound(index)
	}
	if op.Operation == "move" {
		moved := src.clone()
		if dst, exists := f.indices[op.Destination]; exists {
			if replicas, ok := dst.settings["replicas"]; ok {
				moved.settings["replicas"] = replicas
			}
		}
		f.indices[op.Destination] = moved
		delete(f.indices, index)
		return f.nextTask(), nil
	}

	dst := f.index(op.Destination)
	if len(op.Scope) == 0 {
		f.indices[op.Destination] = src.clone()
		return f.nextTask(), nil
	}
	for _, scope := range op.Scope {
		switch scope {
		case "synonyms":
			dst.synonyms = append([]map[string]any(nil), src.synonyms...)
		case "rules":
			dst.rules = make(map[string]map[string]any, len(src.rules))
			for k, v := range src.rules {
				dst.rules[k] = v
			}
		case "settings":
			for k, v := range src.settings {
				dst.settings[k] = v
			}
		}
	}
	return f.nextTask(), nil
}

func (f *fakeSearch) GetObjects(ctx context.Context, requests []repository.ObjectRequest) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("getObjects"); err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(requests))
	for i, req := range requests {
		if ix, ok := f.indices[req.IndexName]; ok {
			if obj, ok := ix.objects[req.ObjectID]; ok {
				out[i] = obj
			}
		}
	}
	return out, nil
}

func ruleHasContext(rule map[string]any, ruleContext string) bool {
	conditions, _ := rule["conditions"].([]any)
	for _, c := range conditions {
		if cond, ok := c.(map[string]any); ok && cond["context"] == ruleContext {
			return true
		}
	}
	return false
}

func (f *fakeSearch) SearchRules(ctx context.Context, index string, query repository.RuleQuery) (*repository.RuleSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("searchRules:" + index); err != nil {
		return nil, err
	}
	ix, ok := f.indices[index]
	if !ok {
		return nil, notFound(index)
	}
	ids := make([]string, 0, len(ix.rules))
	for id, rule := range ix.rules {
		if query.Context == "" || ruleHasContext(rule, query.Context) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	perPage := query.HitsPerPage
	if perPage <= 0 {
		perPage = 20
	}
	nbPages := (len(ids) + perPage - 1) / perPage
	res := &repository.RuleSearchResult{NbHits: len(ids), Page: query.Page, NbPages: nbPages}
	for i := query.Page * perPage; i < len(ids) && i < (query.Page+1)*perPage; i++ {
		res.Hits = append(res.Hits, ix.rules[ids[i]])
	}
	return res, nil
}

func (f *fakeSearch) SaveRule(ctx context.Context, index string, rule map[string]any, forwardToReplicas bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("saveRule:" + index); err != nil {
		return 0, err
	}
	f.index(index).rules[fmt.Sprint(rule["objectID"])] = rule
	return f.nextTask(), nil
}

func (f *fakeSearch) SaveRules(ctx context.Context, index string, rules []map[string]any, forwardToReplicas, clearExisting bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("saveRules:" + index); err != nil {
		return 0, err
	}
	ix := f.index(index)
	if clearExisting {
		ix.rules = make(map[string]map[string]any)
	}
	for _, rule := range rules {
		ix.rules[fmt.Sprint(rule["objectID"])] = rule
	}
	return f.nextTask(), nil
}

func (f *fakeSearch) DeleteRule(ctx context.Context, index, objectID string, forwardToReplicas bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("deleteRule:" + index + ":" + objectID); err != nil {
		return 0, err
	}
	ix, ok := f.indices[index]
	if !ok {
		return 0, notFound(index)
	}
	if _, ok := ix.rules[objectID]; !ok {
		return 0, &repository.APIError{StatusCode: http.StatusNotFound, Message: "rule does not exist"}
	}
	delete(ix.rules, objectID)
	return f.nextTask(), nil
}

func (f *fakeSearch) SearchSynonyms(ctx context.Context, index string, page, hitsPerPage int) (*repository.SynonymSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("searchSynonyms:" + index); err != nil {
		return nil, err
	}
	ix, ok := f.indices[index]
	if !ok {
		return nil, notFound(index)
	}
	res := &repository.SynonymSearchResult{NbHits: len(ix.synonyms)}
	for i := page * hitsPerPage; i < len(ix.synonyms) && i < (page+1)*hitsPerPage; i++ {
		res.Hits = append(res.Hits, ix.synonyms[i])
	}
	return res, nil
}

func (f *fakeSearch) SaveSynonyms(ctx context.Context, index string, synonyms []map[string]any, forwardToReplicas, replaceExisting bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("saveSynonyms:" + index); err != nil {
		return 0, err
	}
	ix := f.index(index)
	if replaceExisting {
		ix.synonyms = nil
	}
	ix.synonyms = append(ix.synonyms, synonyms...)
	return f.nextTask(), nil
}

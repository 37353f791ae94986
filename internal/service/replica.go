package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
	"github.com/timmy/catalogsync/internal/storage"
)

// MaxVirtualReplicas is the most virtual replicas one primary index may have.
const MaxVirtualReplicas = 20

// Ranking criteria following the sort criterion on a standard replica.
var standardRanking = []string{"typo", "geo", "words", "filters", "proximity", "attribute", "exact", "custom"}

// ReplicaManagerConfig configures replica deletion retries and snapshots.
type ReplicaManagerConfig struct {
	DeleteRetries       int
	DeleteRetryInterval time.Duration
	SnapshotSettings    bool
	SnapshotPrefix      string
}

// ReplicaSyncResult describes one sync.
type ReplicaSyncResult struct {
	StoreID  int      `json:"store_id"`
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas"`
	Deleted  []string `json:"deleted,omitempty"`
	Snapshot string   `json:"snapshot,omitempty"`
}

// ReplicaManager keeps the replicas of each store's product index in line with
// the configured sorts.
type ReplicaManager struct {
	connector *Connector
	namer     *IndexNamer
	stores    map[int]config.StoreConfig
	snapshots storage.ObjectStorage
	cfg       ReplicaManagerConfig
	now       func() time.Time
}

// NewReplicaManager creates a replica manager.
// Parameters:
//   - connector: search connector.
//   - namer: index name resolver.
//   - stores: configured stores with their sorts.
//   - snapshots: object storage for settings snapshots, may be nil.
//   - cfg: retry and snapshot settings.
//
// Returns:
//   - *ReplicaManager: ready to use manager.
func NewReplicaManager(connector *Connector, namer *IndexNamer, stores []config.StoreConfig, snapshots storage.ObjectStorage, cfg ReplicaManagerConfig) *ReplicaManager {
	m := make(map[int]config.StoreConfig, len(stores))
	for _, s := range stores {
		m[s.ID] = s
	}
	if cfg.DeleteRetries < 1 {
		cfg.DeleteRetries = 1
	}
	return &ReplicaManager{
		connector: connector,
		namer:     namer,
		stores:    m,
		snapshots: snapshots,
		cfg:       cfg,
		now:       time.Now,
	}
}

// primaryIndex returns the store's product index name.
func (m *ReplicaManager) primaryIndex(storeID int) (string, error) {
	name, err := m.namer.ComputeName(SuffixProducts, storeID, false)
	if err != nil {
		return "", domain.Permanent(err)
	}
	return name, nil
}

// desired returns the configured sorts of the store, one per replica name.
// It fails with domain.ErrReplicaLimitExceeded when too many are virtual.
func (m *ReplicaManager) desired(storeID int, primary string) ([]domain.ReplicaSpec, error) {
	store, ok := m.stores[storeID]
	if !ok {
		return nil, domain.Permanent(fmt.Errorf("%w: %d", domain.ErrUnknownStore, storeID))
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	specs := make([]domain.ReplicaSpec, 0, len(store.Sorts))
	virtual := 0
	for _, s := range store.Sorts {
		if !seen.Add(s.ReplicaName(primary)) {
			continue
		}
		if s.Virtual {
			virtual++
		}
		specs = append(specs, s)
	}
	if virtual > MaxVirtualReplicas {
		return nil, domain.Permanent(fmt.Errorf("%w: store %d configures %d virtual replicas, the maximum is %d",
			domain.ErrReplicaLimitExceeded, storeID, virtual, MaxVirtualReplicas))
	}
	return specs, nil
}

// isManaged reports whether a replicas entry follows the {primary}_{attr}_{dir} naming.
func isManaged(primary, entry string) bool {
	name := domain.BareReplicaName(entry)
	if !strings.HasPrefix(name, primary+"_") {
		return false
	}
	return strings.HasSuffix(name, "_"+domain.SortAsc) || strings.HasSuffix(name, "_"+domain.SortDesc)
}

// replicaEntries reads the replicas setting.
func replicaEntries(settings domain.Settings) []string {
	switch v := settings["replicas"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SyncReplicasToAlgolia makes the replicas of the store's product index match
// the configured sorts. Replicas that do not follow the managed naming are kept.
// primarySettings are the base settings of standard replicas; when nil the
// current primary settings are used.
func (m *ReplicaManager) SyncReplicasToAlgolia(ctx context.Context, storeID int, primarySettings domain.Settings) (err error) {
	_, err = m.Sync(ctx, storeID, primarySettings)
	return err
}

// Sync is SyncReplicasToAlgolia returning what changed.
func (m *ReplicaManager) Sync(ctx context.Context, storeID int, primarySettings domain.Settings) (result *ReplicaSyncResult, err error) {
	defer func() { ReplicaSyncs.WithLabelValues("sync", resultLabel(err)).Inc() }()

	primary, err := m.primaryIndex(storeID)
	if err != nil {
		return nil, err
	}
	specs, err := m.desired(storeID, primary)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldStoreID:   storeID,
		logger.FieldIndexName: primary,
		logger.FieldComponent: "replicas",
	})

	c := m.connector
	online, err := c.GetSettings(ctx, primary)
	if err != nil {
		return nil, err
	}
	if primarySettings == nil {
		primarySettings = online
	}

	current := replicaEntries(online)
	currentManaged := mapset.NewThreadUnsafeSet[string]()
	var entries []string
	for _, e := range current {
		if isManaged(primary, e) {
			currentManaged.Add(domain.BareReplicaName(e))
			continue
		}
		entries = append(entries, e)
	}
	desiredNames := mapset.NewThreadUnsafeSet[string]()
	for _, s := range specs {
		entries = append(entries, s.ReplicaEntry(primary))
		desiredNames.Add(s.ReplicaName(primary))
	}

	result = &ReplicaSyncResult{StoreID: storeID, Primary: primary, Replicas: entries}
	if !equalStrings(current, entries) {
		if err := m.pushReplicas(ctx, storeID, primary, entries, true); err != nil {
			return nil, err
		}
	}

	dropped := currentManaged.Difference(desiredNames).ToSlice()
	sort.Strings(dropped)
	for _, name := range dropped {
		if err := c.DeleteIndex(ctx, name, storeID); err != nil {
			return nil, err
		}
		if err := c.WaitLastTask(ctx, storeID, name, 0); err != nil {
			return nil, err
		}
		result.Deleted = append(result.Deleted, name)
	}

	for _, s := range specs {
		name := s.ReplicaName(primary)
		if err := c.SetSettings(ctx, name, replicaSettings(s, primarySettings), SettingsOptions{}, storeID); err != nil {
			return nil, err
		}
		if err := c.WaitLastTask(ctx, storeID, name, 0); err != nil {
			return nil, err
		}
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(specs),
	}).Info(ctx, "Replicas synced: deleted=%d", len(result.Deleted))
	return result, nil
}

// pushReplicas sets the replicas list of the primary and waits for it.
// A bad request means the remote replica state is inconsistent.
func (m *ReplicaManager) pushReplicas(ctx context.Context, storeID int, primary string, entries []string, forward bool) error {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	err := m.connector.SetSettings(ctx, primary, domain.Settings{"replicas": list}, SettingsOptions{ForwardToReplicas: forward}, storeID)
	if err != nil {
		if repository.IsBadRequest(err) {
			return domain.Permanent(fmt.Errorf("%w: %s rejected its replica list, run `indexer replicas rebuild`: %w",
				domain.ErrReplicaStateCorrupted, primary, err))
		}
		return err
	}
	return m.connector.WaitLastTask(ctx, storeID, primary, 0)
}

// replicaSettings returns the settings of one replica. Standard replicas copy
// the primary settings with ranking led by the sort; virtual replicas only
// override customRanking.
func replicaSettings(s domain.ReplicaSpec, primary domain.Settings) domain.Settings {
	criterion := s.RankingCriterion()
	if s.Virtual {
		ranking := []any{criterion}
		for _, r := range stringList(primary["customRanking"]) {
			if r != criterion {
				ranking = append(ranking, r)
			}
		}
		return domain.Settings{"customRanking": ranking}
	}

	settings := stripOwnedSettings(primary.Clone(), false)
	delete(settings, "primary")
	ranking := []any{criterion}
	for _, r := range standardRanking {
		ranking = append(ranking, r)
	}
	settings["ranking"] = ranking
	return settings
}

// DeleteReplicasFromAlgolia detaches the managed replicas from the store's
// primary index, waits for the detach, then deletes them.
func (m *ReplicaManager) DeleteReplicasFromAlgolia(ctx context.Context, storeID int) error {
	_, err := m.deleteReplicas(ctx, storeID, nil)
	return err
}

// deleteReplicas detaches the managed replicas still listed on the primary and
// deletes them together with detached, replicas an earlier attempt already
// detached. It returns the replicas that are detached but not yet deleted.
func (m *ReplicaManager) deleteReplicas(ctx context.Context, storeID int, detached []string) (remaining []string, err error) {
	defer func() { ReplicaSyncs.WithLabelValues("delete", resultLabel(err)).Inc() }()

	primary, err := m.primaryIndex(storeID)
	if err != nil {
		return detached, err
	}
	online, err := m.connector.GetSettings(ctx, primary)
	if err != nil {
		return detached, err
	}

	var keep, drop []string
	for _, e := range replicaEntries(online) {
		if isManaged(primary, e) {
			drop = append(drop, domain.BareReplicaName(e))
		} else {
			keep = append(keep, e)
		}
	}
	if len(drop) > 0 {
		if err := m.pushReplicas(ctx, storeID, primary, keep, false); err != nil {
			return detached, err
		}
	}

	pending := mapset.NewThreadUnsafeSet[string](detached...)
	pending.Append(drop...)
	names := pending.ToSlice()
	sort.Strings(names)
	for i, name := range names {
		if err := m.connector.DeleteIndex(ctx, name, storeID); err != nil {
			return names[i:], err
		}
		if err := m.connector.WaitLastTask(ctx, storeID, name, 0); err != nil {
			return names[i:], err
		}
	}
	if len(names) > 0 {
		logger.CtxInfo(ctx, "Replicas deleted: index=%s, count=%d", primary, len(names))
	}
	return nil, nil
}

// DeleteReplicasWithRetry retries replica deletion at a fixed interval, since a
// detached replica can stay attached server side for a while. Replicas detached
// by a failed attempt are deleted by the next one.
// It returns domain.ErrExceededRetries when every attempt failed.
func (m *ReplicaManager) DeleteReplicasWithRetry(ctx context.Context, storeID int) error {
	attempt := 0
	var detached []string
	op := func() error {
		attempt++
		remaining, err := m.deleteReplicas(ctx, storeID, detached)
		detached = remaining
		if err != nil && domain.IsPermanent(err) && !errors.Is(err, domain.ErrReplicaStateCorrupted) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.CtxWarn(ctx, "Replica deletion failed: store_id=%d, attempt=%d, error=%v", storeID, attempt, err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.DeleteRetryInterval), uint64(m.cfg.DeleteRetries-1)),
		ctx,
	)
	err := backoff.Retry(op, b)
	if err == nil || (domain.IsPermanent(err) && !errors.Is(err, domain.ErrReplicaStateCorrupted)) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: replica deletion for store %d after %d attempts: %w", domain.ErrExceededRetries, storeID, attempt, err)
}

// RebuildReplicas deletes and recreates the replicas of each store. The
// primary settings are snapshotted to object storage first when enabled.
func (m *ReplicaManager) RebuildReplicas(ctx context.Context, storeIDs []int) ([]*ReplicaSyncResult, error) {
	results := make([]*ReplicaSyncResult, 0, len(storeIDs))
	for _, storeID := range storeIDs {
		primary, err := m.primaryIndex(storeID)
		if err != nil {
			return results, err
		}
		if _, err := m.desired(storeID, primary); err != nil {
			return results, err
		}

		online, err := m.connector.GetSettings(ctx, primary)
		if err != nil {
			return results, err
		}

		var snapshot string
		if m.cfg.SnapshotSettings && m.snapshots != nil {
			snapshot, err = storage.SaveSnapshot(ctx, m.snapshots, m.cfg.SnapshotPrefix, primary, online, m.now())
			if err != nil {
				return results, fmt.Errorf("failed to snapshot settings of %s: %w", primary, err)
			}
			logger.CtxInfo(ctx, "Primary settings snapshotted: index=%s, key=%s", primary, snapshot)
		}

		if err := m.DeleteReplicasWithRetry(ctx, storeID); err != nil {
			return results, err
		}
		res, err := m.Sync(ctx, storeID, stripOwnedSettings(online.Clone(), false))
		if err != nil {
			return results, err
		}
		res.Snapshot = snapshot
		results = append(results, res)
	}
	return results, nil
}

// SyncStores syncs the replicas of each store from its current primary settings.
func (m *ReplicaManager) SyncStores(ctx context.Context, storeIDs []int) ([]*ReplicaSyncResult, error) {
	results := make([]*ReplicaSyncResult, 0, len(storeIDs))
	for _, storeID := range storeIDs {
		res, err := m.Sync(ctx, storeID, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

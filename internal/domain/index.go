package domain

import (
	"fmt"
	"strings"
)

// Record is one object sent to the search index. It always carries "objectID".
type Record map[string]any

// Settings is a search index settings document.
type Settings map[string]any

// Clone returns a shallow copy of the settings.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// IndexOptions describes the remote index an operation targets.
// Either Suffix or EnforcedName is set; IndexName is the resolved name.
type IndexOptions struct {
	StoreID      int    `json:"store_id"`
	Suffix       string `json:"suffix,omitempty"`
	IsTmp        bool   `json:"is_tmp"`
	EnforcedName string `json:"enforced_name,omitempty"`
	IndexName    string `json:"index_name,omitempty"`
}

// Validate checks that the options can produce an index name.
func (o IndexOptions) Validate() error {
	if o.Suffix == "" && o.EnforcedName == "" {
		return ErrMissingIndexSuffix
	}
	return nil
}

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ReplicaSpec is one configured sort that maps to a replica index.
type ReplicaSpec struct {
	Attribute string `json:"attribute" mapstructure:"attribute"`
	Direction string `json:"direction" mapstructure:"direction"`
	Label     string `json:"label" mapstructure:"label"`
	Virtual   bool   `json:"virtual" mapstructure:"virtual"`
}

// ReplicaName returns the replica index name for the given primary index.
func (r ReplicaSpec) ReplicaName(primary string) string {
	return primary + "_" + r.Attribute + "_" + r.Direction
}

// ReplicaEntry returns the value the primary's replicas setting holds for this sort.
func (r ReplicaSpec) ReplicaEntry(primary string) string {
	if r.Virtual {
		return VirtualReplica(r.ReplicaName(primary))
	}
	return r.ReplicaName(primary)
}

// RankingCriterion returns the ranking expression led by this sort, e.g. "asc(price)".
func (r ReplicaSpec) RankingCriterion() string {
	return fmt.Sprintf("%s(%s)", r.Direction, r.Attribute)
}

// VirtualReplica wraps a replica name the way the primary's replicas setting expects it.
func VirtualReplica(name string) string {
	return "virtual(" + name + ")"
}

// BareReplicaName strips the virtual(...) wrapper if present.
func BareReplicaName(entry string) string {
	if strings.HasPrefix(entry, "virtual(") && strings.HasSuffix(entry, ")") {
		return entry[len("virtual(") : len(entry)-1]
	}
	return entry
}

// IsVirtualReplica reports whether a replicas entry is a virtual replica.
func IsVirtualReplica(entry string) bool {
	return entry != BareReplicaName(entry)
}

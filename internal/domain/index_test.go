package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplicaSpec(t *testing.T) {
	const primary = "magento2_default_products"

	standard := ReplicaSpec{Attribute: "price", Direction: SortAsc}
	assert.Equal(t, primary+"_price_asc", standard.ReplicaName(primary))
	assert.Equal(t, primary+"_price_asc", standard.ReplicaEntry(primary))
	assert.Equal(t, "asc(price)", standard.RankingCriterion())

	virtual := ReplicaSpec{Attribute: "created_at", Direction: SortDesc, Virtual: true}
	assert.Equal(t, "virtual("+primary+"_created_at_desc)", virtual.ReplicaEntry(primary))
}

func TestBareReplicaName(t *testing.T) {
	testCases := []struct {
		entry   string
		bare    string
		virtual bool
	}{
		{"idx_price_asc", "idx_price_asc", false},
		{"virtual(idx_price_asc)", "idx_price_asc", true},
		{"virtual(idx", "virtual(idx", false},
	}
	for _, tc := range testCases {
		t.Run(tc.entry, func(t *testing.T) {
			assert.Equal(t, tc.bare, BareReplicaName(tc.entry))
			assert.Equal(t, tc.virtual, IsVirtualReplica(tc.entry))
		})
	}
}

func TestIndexOptionsValidate(t *testing.T) {
	assert.ErrorIs(t, IndexOptions{StoreID: 1}.Validate(), ErrMissingIndexSuffix)
	assert.NoError(t, IndexOptions{Suffix: "_products"}.Validate())
	assert.NoError(t, IndexOptions{EnforcedName: "legacy"}.Validate())
}

func TestSettingsClone(t *testing.T) {
	s := Settings{"hitsPerPage": 10}
	c := s.Clone()
	c["hitsPerPage"] = 20
	assert.Equal(t, 10, s["hitsPerPage"])
}

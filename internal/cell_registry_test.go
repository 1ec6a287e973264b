package internal

import (
	"testing"

	"github.com/lychee-technology/celldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistration(id string, version uint32) celldb.CellRegistration {
	return celldb.CellRegistration{
		CellID:        id,
		Name:          "cell " + id,
		Endpoint:      "memory://" + id,
		SchemaVersion: version,
		Capabilities:  []celldb.CellCapability{celldb.CapabilityBatchOperations},
		PerformanceHints: celldb.PerformanceHints{
			TypicalResponseTimeMs: 20,
			MaxConcurrentQueries:  4,
			PreferredBatchSize:    50,
		},
	}
}

func newTestRegistry(t *testing.T) *CellRegistry {
	t.Helper()
	r, err := NewCellRegistry()
	require.NoError(t, err)
	return r
}

func TestCellRegistry_RegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testRegistration("users-eu", 1)))

	got, ok := r.Resolve("users-eu")
	require.True(t, ok)
	assert.Equal(t, uint32(1), got.SchemaVersion)
	assert.Equal(t, "memory://users-eu", got.Endpoint)

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}

func TestCellRegistry_RefreshAndDowngrade(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testRegistration("a", 2)))

	same := testRegistration("a", 2)
	same.Name = "renamed"
	require.NoError(t, r.Register(same), "equal version refreshes the entry")
	got, _ := r.Resolve("a")
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, r.Register(testRegistration("a", 3)))

	err := r.Register(testRegistration("a", 1))
	require.Error(t, err)
	assert.Equal(t, celldb.ErrorKindRegistrationFailed, celldb.KindOf(err))
	assert.ErrorIs(t, err, &celldb.QueryError{Kind: celldb.ErrorKindRegistrationFailed, Code: celldb.ErrCodeSchemaDowngrade})

	got, _ = r.Resolve("a")
	assert.Equal(t, uint32(3), got.SchemaVersion, "rejected registration must not modify the entry")
}

func TestCellRegistry_RejectsMalformedRegistration(t *testing.T) {
	cases := map[string]func(*celldb.CellRegistration){
		"empty id":          func(r *celldb.CellRegistration) { r.CellID = "" },
		"bad id characters": func(r *celldb.CellRegistration) { r.CellID = "a b" },
		"unknown capability": func(r *celldb.CellRegistration) {
			r.Capabilities = []celldb.CellCapability{"time_travel"}
		},
		"duplicate capability": func(r *celldb.CellRegistration) {
			r.Capabilities = []celldb.CellCapability{celldb.CapabilityFullTextSearch, celldb.CapabilityFullTextSearch}
		},
		"zero concurrency": func(r *celldb.CellRegistration) { r.PerformanceHints.MaxConcurrentQueries = 0 },
		"zero batch size":  func(r *celldb.CellRegistration) { r.PerformanceHints.PreferredBatchSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t)
			reg := testRegistration("cell", 1)
			mutate(&reg)
			err := r.Register(reg)
			require.Error(t, err)
			assert.ErrorIs(t, err, &celldb.QueryError{Kind: celldb.ErrorKindRegistrationFailed, Code: celldb.ErrCodeInvalidRegistration})
			assert.Zero(t, r.Len())
		})
	}
}

func TestCellRegistry_NilCapabilitiesAccepted(t *testing.T) {
	r := newTestRegistry(t)
	reg := testRegistration("plain", 0)
	reg.Capabilities = nil
	require.NoError(t, r.Register(reg))
}

func TestCellRegistry_ListSortedAndIsolated(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(testRegistration(id, 1)))
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].CellID, list[1].CellID, list[2].CellID})

	list[0].Capabilities[0] = celldb.CapabilityGeospatialQueries
	got, _ := r.Resolve("a")
	assert.Equal(t, celldb.CapabilityBatchOperations, got.Capabilities[0])
}

func TestCellRegistry_ResolveAllUnknownCell(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(testRegistration("a", 1)))

	cells, err := r.ResolveAll([]string{"a"})
	require.NoError(t, err)
	assert.Len(t, cells, 1)

	_, err = r.ResolveAll([]string{"a", "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &celldb.QueryError{Kind: celldb.ErrorKindCellUnavailable, Code: celldb.ErrCodeUnknownCell})
	assert.False(t, celldb.IsTransient(err))
}

func TestCellRegistry_OnChange(t *testing.T) {
	r := newTestRegistry(t)
	var seen []string
	r.OnChange(func(reg celldb.CellRegistration) { seen = append(seen, reg.CellID) })

	require.NoError(t, r.Register(testRegistration("a", 1)))
	require.Error(t, r.Register(testRegistration("a", 0)))
	assert.Equal(t, []string{"a"}, seen)
}

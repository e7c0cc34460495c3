package records

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := LoadJSON(filepath.Join("testdata", "records.json"))
	require.NoError(t, err)
	return cat
}

func TestLoadJSON_FlattensCollections(t *testing.T) {
	cat := loadTestCatalog(t)

	assert.Equal(t, []string{Coverage, Members, Plans, Visits}, cat.Names())
	assert.Equal(t, 2, cat.Collection(Members).Len())
	assert.Equal(t, 2, cat.Collection(Visits).Len())
	assert.Equal(t, 2, cat.Collection(Plans).Len())
	assert.Equal(t, 4, cat.Collection(Coverage).Len())

	member, ok, err := cat.Collection(Members).FindByField(context.Background(), "member_id", "MBR156655633")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "EPO_CORE", member.String("plan_id"))
	_, hasVisits := member["visits"]
	assert.False(t, hasVisits)
}

func TestLoadJSON_Errors(t *testing.T) {
	_, err := LoadJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = ParseJSON([]byte(`{"members":[{"name":"x"}]}`))
	assert.ErrorContains(t, err, "member_id")

	_, err = ParseJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemorySource_Lookups(t *testing.T) {
	ctx := context.Background()
	visits := loadTestCatalog(t).Collection(Visits)

	rows, err := visits.FilterByField(ctx, "member_id", "MBR156655633")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	visit, ok, err := visits.FindByField(ctx, "visit_date", "2025-11-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Dr. Chen", visit.String("doctor"))
	deductible, ok := visit.Float("deductible")
	require.True(t, ok)
	assert.Equal(t, 500.0, deductible)

	// numbers match their plain rendering
	_, ok, err = visits.FindByField(ctx, "deductible", "500")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = visits.FindByField(ctx, "visit_date", "1999-01-01")
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err = visits.FilterByField(ctx, "nope", "x")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemorySource_ReturnsCopies(t *testing.T) {
	src := NewMemorySource(Record{"id": "a", "v": "1"})
	rec, ok, err := src.FindByField(context.Background(), "id", "a")
	require.NoError(t, err)
	require.True(t, ok)
	rec["v"] = "2"

	again, _, _ := src.FindByField(context.Background(), "id", "a")
	assert.Equal(t, "1", again.String("v"))
}

func TestMemorySource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewMemorySource().FindByField(ctx, "id", "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteSource_MatchesMemory(t *testing.T) {
	ctx := context.Background()
	cat := loadTestCatalog(t)

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Import(ctx, cat))

	coverage := store.Source(Coverage)
	rows, err := coverage.FilterByField(ctx, "plan_id", "EPO_CORE")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	pt, ok, err := coverage.FindByField(ctx, "procedure_code", "PT_GENERIC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pt.Bool("covered"))

	notCovered, err := coverage.FilterByField(ctx, "covered", "false")
	require.NoError(t, err)
	require.Len(t, notCovered, 1)
	assert.Equal(t, "COSMETIC", notCovered[0].String("procedure_code"))

	visit, ok, err := store.Source(Visits).FindByField(ctx, "outstanding_balance", "45.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-11-10", visit.String("visit_date"))

	// re-import is idempotent
	require.NoError(t, store.Import(ctx, cat))
	rows, err = store.Source(Members).FilterByField(ctx, "plan_id", "EPO_CORE")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSQLiteSource_RejectsBadField(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.Source(Members).FindByField(context.Background(), "x') OR 1=1 --", "a")
	assert.ErrorContains(t, err, "invalid field name")
}

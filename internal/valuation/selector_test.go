package valuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compsense/server/internal/models"
)

func newTestSelector() *Selector {
	return NewSelector(testConfig().Weights, 3, newTestLogger())
}

func defaultCriteria() SelectionCriteria {
	return SelectionCriteria{RadiusMiles: 1, MaxAgeDays: 365, TopK: 8, AsOf: testAsOf}
}

func TestSelector_Filters(t *testing.T) {
	pool := []models.SaleRecord{
		sale("near", 700000, 3200, 1, 0.001, 0),
		sale("near too", 700000, 3200, 2, -0.001, 0),
		sale("near three", 700000, 3200, 3, 0, 0.001),
		sale("no coordinates", 700000, 3200, 1, 0, 0, withoutCoordinates()),
		sale("far away", 700000, 3200, 1, 0.05, 0), // ~3.5 miles
		sale("stale", 700000, 3200, 14, 0.001, 0.001),
		sale("future", 700000, 3200, -1, 0.001, 0.001),
	}

	comps, err := newTestSelector().Select(testSubject(), pool, defaultCriteria())
	require.NoError(t, err)

	var addresses []string
	for _, c := range comps {
		addresses = append(addresses, c.Record.Address)
		assert.LessOrEqual(t, c.Distance, 1.0)
	}
	assert.ElementsMatch(t, []string{"near", "near too", "near three"}, addresses)
}

func TestSelector_InsufficientComparables(t *testing.T) {
	pool := []models.SaleRecord{
		sale("one", 700000, 3200, 1, 0.001, 0),
		sale("two", 700000, 3200, 1, -0.001, 0),
		sale("far", 700000, 3200, 1, 0.2, 0),
	}

	comps, err := newTestSelector().Select(testSubject(), pool, defaultCriteria())
	assert.Nil(t, comps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientComparables)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, verr.Found)
	assert.Equal(t, 3, verr.Required)
	assert.Equal(t, "20147", verr.SegmentKey)
}

func TestSelector_RanksBySimilarity(t *testing.T) {
	pool := []models.SaleRecord{
		sale("bigger", 900000, 4200, 1, 0.001, 0, withBeds(5), withBaths(4.5)),
		sale("identical", 720000, 3200, 1, 0, 0),
		sale("older", 650000, 3200, 1, 0.001, 0, withYearBuilt(1985)),
		sale("condo", 500000, 3200, 1, 0.001, 0, func(r *models.SaleRecord) { r.PropertyType = models.PropertyTypeCondo }),
	}

	comps, err := newTestSelector().Select(testSubject(), pool, defaultCriteria())
	require.NoError(t, err)
	require.Len(t, comps, 4)

	assert.Equal(t, "identical", comps[0].Record.Address)
	assert.Equal(t, 100.0, comps[0].SimilarityScore)
	for i := 1; i < len(comps); i++ {
		assert.GreaterOrEqual(t, comps[i-1].SimilarityScore, comps[i].SimilarityScore)
		assert.GreaterOrEqual(t, comps[i].SimilarityScore, 0.0)
		assert.LessOrEqual(t, comps[i].SimilarityScore, 100.0)
	}
}

func TestSelector_TieBreaks(t *testing.T) {
	pool := []models.SaleRecord{
		sale("older sale", 720000, 3200, 5, 0.002, 0),
		sale("newer sale", 720000, 3200, 2, 0.002, 0),
		sale("closer", 720000, 3200, 8, 0.001, 0),
	}

	comps, err := newTestSelector().Select(testSubject(), pool, defaultCriteria())
	require.NoError(t, err)
	require.Len(t, comps, 3)

	// Distance is also a similarity dimension, so the closest sale wins
	// outright; the other two tie on score and distance.
	assert.Equal(t, "closer", comps[0].Record.Address)
	assert.Equal(t, "newer sale", comps[1].Record.Address)
	assert.Equal(t, "older sale", comps[2].Record.Address)
	assert.Equal(t, comps[1].SimilarityScore, comps[2].SimilarityScore)
}

func TestSelector_TruncatesToTopK(t *testing.T) {
	pool := scenarioSales()
	criteria := defaultCriteria()
	criteria.TopK = 4

	comps, err := newTestSelector().Select(testSubject(), pool, criteria)
	require.NoError(t, err)
	assert.Len(t, comps, 4)
}

func TestDistanceMiles(t *testing.T) {
	subject := testSubject()
	// one minute of latitude is a nautical mile
	record := sale("north", 1, 1, 0, 1.0/60, 0)
	assert.InDelta(t, 1.1508, DistanceMiles(subject, record), 0.01)
}

func TestSelector_UnknownYearBuiltScoresAsWorstAgeMatch(t *testing.T) {
	pool := []models.SaleRecord{
		sale("known", 720000, 3200, 1, 0.001, 0),
		sale("unknown", 720000, 3200, 1, -0.001, 0, withYearBuilt(0)),
		sale("much older", 720000, 3200, 1, 0.001, 0, withYearBuilt(1960)),
	}

	comps, err := newTestSelector().Select(testSubject(), pool, defaultCriteria())
	require.NoError(t, err)
	require.Len(t, comps, 3)

	scores := make(map[string]float64)
	for _, c := range comps {
		scores[c.Record.Address] = c.SimilarityScore
	}
	assert.Equal(t, "known", comps[0].Record.Address)
	// a 55 year gap is the largest in the pool, so both get the full age penalty
	assert.Equal(t, scores["much older"], scores["unknown"])
	assert.Less(t, scores["unknown"], scores["known"])
}

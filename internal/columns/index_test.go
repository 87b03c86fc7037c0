package columns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/sdoh-analyst/internal/schema"
)

func sampleEntries() []Entry {
	return []Entry{
		{Table: "county_health", Column: "uninsured_rate", Description: "Percentage of residents without health insurance"},
		{Table: "county_health", Column: "obesity_rate", Description: "Adult obesity prevalence"},
		{Table: "acs_income", Column: "median_income", Description: "Median household income in dollars"},
		{Table: "acs_income", Column: "poverty_rate", Description: "Share of families below the poverty line"},
	}
}

func TestIndex_RanksBestMatchFirst(t *testing.T) {
	ix := NewIndex(0, -1)
	ix.Replace(sampleEntries())
	require.Equal(t, 4, ix.Len())

	got := ix.Search("which column has health insurance coverage?", 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "uninsured_rate", got[0].Column)
	assert.Equal(t, "county_health", got[0].Table)

	got = ix.Search("household income", 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "median_income", got[0].Column)

	got = ix.Search("families in poverty", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "poverty_rate", got[0].Column)
}

func TestIndex_NoMatchIsEmptyNotNil(t *testing.T) {
	ix := NewIndex(DefaultK, DefaultThreshold)
	ix.Replace(sampleEntries())

	got := ix.Search("zebra migration", 0)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	assert.Empty(t, ix.Search("   ", 0))
	assert.Empty(t, NewIndex(0, 0).Search("income", 0))
}

func TestIndex_ThresholdFilters(t *testing.T) {
	strict := NewIndex(DefaultK, 0.99)
	strict.Replace(sampleEntries())
	assert.Empty(t, strict.Search("income", 0))
}

func TestIndex_ReplaceDedupes(t *testing.T) {
	ix := NewIndex(0, 0)
	e := sampleEntries()
	ix.Replace(append(e, e[0], Entry{Table: "", Column: "x"}))
	assert.Equal(t, 4, ix.Len())
}

func TestIndex_KLimitsResults(t *testing.T) {
	ix := NewIndex(2, 0)
	ix.Replace(sampleEntries())
	assert.LessOrEqual(t, len(ix.Search("rate of county health and income", 0)), 2)
}

func TestEntryText(t *testing.T) {
	e := Entry{Table: "t", Column: "c", Description: "d"}
	assert.Equal(t, "Table: t, Column: c, Description: d", e.Text())
}

func TestReadCSV(t *testing.T) {
	in := "column,table,description\nuninsured_rate,county_health,Percent uninsured\n,county_health,skipped\nmedian_income,acs_income,\"Median income, dollars\"\n"
	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Table: "county_health", Column: "uninsured_rate", Description: "Percent uninsured"}, got[0])
	assert.Equal(t, "Median income, dollars", got[1].Description)

	headerless, err := ReadCSV(strings.NewReader("county_health,obesity_rate,Adult obesity\n"))
	require.NoError(t, err)
	require.Len(t, headerless, 1)
	assert.Equal(t, "obesity_rate", headerless[0].Column)
}

func TestFromSnapshot(t *testing.T) {
	snap := schema.New("public")
	snap.AddTable(schema.Table{Schema: "public", Name: "county_health", Columns: []schema.Column{
		{Name: "uninsured_rate", Type: "numeric", Description: "Percent uninsured"},
		{Name: "fips", Type: "text"},
	}})
	got := FromSnapshot(snap)
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Table: "county_health", Column: "uninsured_rate", Description: "Percent uninsured"}, got[0])
	assert.Nil(t, FromSnapshot(nil))
}

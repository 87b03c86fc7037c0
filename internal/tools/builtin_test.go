package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/basket/sdoh-analyst/internal/chart"
	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/geo"
	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/sqlguard"
	"github.com/basket/sdoh-analyst/internal/stats"
	"github.com/basket/sdoh-analyst/internal/warehouse"
)

// fakeSource is an in-memory warehouse.
type fakeSource struct {
	snap    *schema.Snapshot
	result  warehouse.Result
	err     error
	queries []string
}

func newFakeSource() *fakeSource {
	snap := schema.New("public")
	snap.AddTable(schema.Table{Name: "county_health", RowEstimate: 3100, Columns: []schema.Column{
		{Name: "fips", Type: "text"},
		{Name: "uninsured_rate", Type: "numeric", Description: "Share of residents without insurance"},
		{Name: "obesity_rate", Type: "numeric"},
	}})
	snap.AddTable(schema.Table{Name: "acs_income", Columns: []schema.Column{
		{Name: "fips", Type: "text"},
		{Name: "median_income", Type: "numeric"},
	}})
	return &fakeSource{
		snap: snap,
		result: warehouse.Result{
			Columns:  []string{"fips", "uninsured_rate"},
			Rows:     [][]any{{"01001", 8.1}},
			RowCount: 1,
		},
	}
}

func (f *fakeSource) Driver() string { return "fake" }
func (f *fakeSource) Snapshot(context.Context) (*schema.Snapshot, error) {
	return f.snap.Clone(), nil
}
func (f *fakeSource) Query(_ context.Context, stmt string, _ warehouse.QueryOptions) (warehouse.Result, error) {
	f.queries = append(f.queries, stmt)
	return f.result, f.err
}
func (f *fakeSource) ListFunctions(_ context.Context, prefix string) ([]stats.Function, error) {
	return stats.Builtins("public"), nil
}
func (f *fakeSource) Close() error { return nil }

type fakeGeo struct {
	report geo.Report
	err    error
}

func (f *fakeGeo) Analyze(context.Context, geo.Request) (geo.Report, error) { return f.report, f.err }

func newTestRegistry(t *testing.T, src *fakeSource, g geo.NeighborhoodAnalyzer) *Registry {
	t.Helper()
	ix := columns.NewIndex(0, 0)
	ix.Replace([]columns.Entry{
		{Table: "county_health", Column: "uninsured_rate", Description: "Share of residents without health insurance"},
		{Table: "acs_income", Column: "median_income", Description: "Median household income"},
	})
	r := NewRegistry()
	deps := Deps{
		Catalog: warehouse.NewCatalog(src, nil, nil, nil),
		Columns: ix,
		Geo:     g,
	}
	if err := RegisterAll(r, deps); err != nil {
		t.Fatalf("register all: %v", err)
	}
	r.Seal()
	return r
}

func invoke(t *testing.T, r *Registry, ctx context.Context, name, input string) Observation {
	t.Helper()
	d, err := r.Resolve(name)
	if err != nil {
		t.Fatalf("resolve %s: %v", name, err)
	}
	if err := r.ValidateInput(name, json.RawMessage(input)); err != nil {
		t.Fatalf("input for %s rejected by schema: %v", name, err)
	}
	return d.Handler.Invoke(ctx, json.RawMessage(input))
}

func TestRegisterAll_Catalog(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	names := strings.Join(r.Names(), ",")
	if strings.Contains(names, AnalyzeNeighborhood) {
		t.Fatalf("analyze_neighborhood needs a geo analyzer")
	}
	d, _ := r.Resolve(Query)
	if d.SQLField != "query" {
		t.Fatalf("sql_db_query must be gated on its query field")
	}
	for _, n := range []string{GenerateChart, MapData} {
		if d, _ := r.Resolve(n); !d.Terminal {
			t.Fatalf("%s should be terminal", n)
		}
	}
	if err := RegisterAll(NewRegistry(), Deps{}); err == nil {
		t.Fatalf("expected error without a catalog")
	}
}

func TestListAndDescribeTables(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	ctx := context.Background()

	obs := invoke(t, r, ctx, ListTables, `{}`)
	if !obs.OK || obs.Payload != "acs_income, county_health" {
		t.Fatalf("list tables = %+v", obs)
	}

	obs = invoke(t, r, ctx, DescribeTables, `{"table_names":"county_health"}`)
	if !obs.OK || !strings.Contains(obs.Render(), "Share of residents without insurance") {
		t.Fatalf("describe = %s", obs.Render())
	}

	obs = invoke(t, r, ctx, DescribeTables, `{"table_names":"county_health, zip_health"}`)
	if obs.Kind() != KindUnknownSchemaObject || !strings.Contains(obs.Failure.Message, "zip_health") {
		t.Fatalf("expected unknown_schema_object for zip_health, got %s", obs.Render())
	}
}

func TestColumnDescriptions(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	obs := invoke(t, r, context.Background(), ColumnDescriptions, `{"question":"health insurance coverage"}`)
	matches, ok := obs.Payload.([]columns.Match)
	if !obs.OK || !ok || len(matches) == 0 || matches[0].Column != "uninsured_rate" {
		t.Fatalf("unexpected matches %+v", obs)
	}

	obs = invoke(t, r, context.Background(), ColumnDescriptions, `{"question":"zebra migration"}`)
	if !obs.OK || obs.Render() != "[]" {
		t.Fatalf("no match should be an empty success, got %s", obs.Render())
	}
}

func TestQueryChecker(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	ctx := context.Background()

	obs := invoke(t, r, ctx, QueryChecker, `{"query":"SELECT fips FROM county_health"}`)
	v, ok := obs.Payload.(sqlguard.Verdict)
	if !obs.OK || !ok || !v.Approved {
		t.Fatalf("expected approval, got %+v", obs)
	}

	obs = invoke(t, r, ctx, QueryChecker, `{"query":"SELECT * FROM county_health"}`)
	v = obs.Payload.(sqlguard.Verdict)
	if !obs.OK || v.Approved || v.Reason == "" {
		t.Fatalf("checker reports a rejection as a successful verdict, got %+v", obs)
	}
}

func TestRunQuery_RequiresCoveringVerdict(t *testing.T) {
	src := newFakeSource()
	r := newTestRegistry(t, src, nil)
	stmt := "SELECT fips, uninsured_rate FROM county_health"
	input := `{"query":"` + stmt + `"}`

	obs := invoke(t, r, context.Background(), Query, input)
	if obs.Kind() != KindUnapprovedStatement {
		t.Fatalf("expected unapproved_statement without verdict, got %s", obs.Render())
	}

	other := sqlguard.WithVerdict(context.Background(), sqlguard.Verdict{Approved: true, Statement: "SELECT 1"})
	if obs := invoke(t, r, other, Query, input); obs.Kind() != KindUnapprovedStatement {
		t.Fatalf("verdict for another statement must not cover this one")
	}
	rejected := sqlguard.WithVerdict(context.Background(), sqlguard.Verdict{Approved: false, Statement: stmt})
	if obs := invoke(t, r, rejected, Query, input); obs.Kind() != KindUnapprovedStatement {
		t.Fatalf("rejected verdict must not run")
	}
	if len(src.queries) != 0 {
		t.Fatalf("warehouse was called without approval: %v", src.queries)
	}

	snap, _ := src.Snapshot(context.Background())
	v := sqlguard.New(sqlguard.DefaultLimits()).Validate(stmt, snap)
	obs = invoke(t, r, sqlguard.WithVerdict(context.Background(), v), Query, input)
	res, ok := obs.Payload.(warehouse.Result)
	if !obs.OK || !ok || res.RowCount != 1 {
		t.Fatalf("approved query failed: %s", obs.Render())
	}
	if len(src.queries) != 1 || src.queries[0] != stmt {
		t.Fatalf("statement was altered before execution: %v", src.queries)
	}
}

func TestRunQuery_TruncationAndErrors(t *testing.T) {
	src := newFakeSource()
	src.result.Truncated = true
	r := newTestRegistry(t, src, nil)
	stmt := "SELECT fips FROM county_health"
	ctx := sqlguard.WithVerdict(context.Background(), sqlguard.Verdict{Approved: true, Statement: stmt})

	obs := invoke(t, r, ctx, Query, `{"query":"`+stmt+`"}`)
	if !obs.OK || !obs.Degraded || len(obs.Warnings) != 1 {
		t.Fatalf("expected degraded result with warning, got %+v", obs)
	}

	src.err = context.DeadlineExceeded
	if obs := invoke(t, r, ctx, Query, `{"query":"`+stmt+`"}`); obs.Kind() != KindTimeout {
		t.Fatalf("expected timeout, got %s", obs.Render())
	}
	src.err = errors.New("relation does not exist")
	if obs := invoke(t, r, ctx, Query, `{"query":"`+stmt+`"}`); obs.Kind() != KindExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", obs.Render())
	}
}

func TestRunQuery_RedactsCredentials(t *testing.T) {
	src := newFakeSource()
	src.result = warehouse.Result{
		Columns:  []string{"fips", "contact"},
		Rows:     [][]any{{"01001", "password: correcthorse9"}, {"01003", "clinic@example.org"}},
		RowCount: 2,
	}
	r := newTestRegistry(t, src, nil)
	stmt := "SELECT fips FROM county_health"
	ctx := sqlguard.WithVerdict(context.Background(), sqlguard.Verdict{Approved: true, Statement: stmt})

	obs := invoke(t, r, ctx, Query, `{"query":"`+stmt+`"}`)
	if !obs.OK || !obs.Degraded || len(obs.Warnings) != 1 || !strings.Contains(obs.Warnings[0], "contact") {
		t.Fatalf("expected a redaction warning, got %+v", obs)
	}
	res := obs.Payload.(warehouse.Result)
	if res.Rows[0][1] != "[REDACTED]" || res.Rows[1][1] != "clinic@example.org" {
		t.Fatalf("rows = %v", res.Rows)
	}
}

func TestPearsonTools(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	ctx := context.Background()

	obs := invoke(t, r, ctx, PearsonWithP, `{"x":[1,2,3,4,5],"y":[2,4,5,4,5]}`)
	if !obs.OK {
		t.Fatalf("pearson failed: %s", obs.Render())
	}
	out := obs.Payload.(stats.CorrelationWithP)
	if out.R == nil || *out.R < 0.774 || *out.R > 0.775 {
		t.Fatalf("r = %v", out.R)
	}
	if out.P == nil {
		t.Fatalf("expected p-value")
	}

	obs = invoke(t, r, ctx, PearsonWithP, `{"x":[1,1,1],"y":[2,3,4]}`)
	if !obs.OK || obs.Render() != `{"correlation":null,"p_value":null,"n":3}` {
		t.Fatalf("degenerate input should give nulls, got %s", obs.Render())
	}

	obs = invoke(t, r, ctx, PearsonCorrelation, `{"x":[1,2],"y":[1,2,3]}`)
	if !obs.OK || obs.Render() != `{"correlation":null,"n":0}` {
		t.Fatalf("mismatched lengths should give null, got %s", obs.Render())
	}
}

func TestListStatFunctions(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	obs := invoke(t, r, context.Background(), ListStatFunctions, `{}`)
	text := obs.Render()
	if !strings.HasPrefix(text, "-- FUNCTIONS --") || !strings.Contains(text, "SELECT public.stat_pearson_correlation(1, 2);") {
		t.Fatalf("unexpected listing:\n%s", text)
	}
}

func TestGenerateChart(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	ctx := context.Background()

	obs := invoke(t, r, ctx, GenerateChart, `{"intent":"trend of correlation","data":{"columns":["year","correlation"],"rows":[[2018,-0.84],[2017,-0.81]]}}`)
	res, ok := obs.Payload.(chart.Result)
	if !obs.OK || !ok || res.Kind != chart.Line || res.Series.Points[0].Label != "2017" {
		t.Fatalf("chart from rows: %+v", obs)
	}

	obs = invoke(t, r, ctx, GenerateChart, `{"intent":"bar chart please","text":"values: (2019, 0.5), (2020, 0.6)"}`)
	res = obs.Payload.(chart.Result)
	if !obs.OK || res.Kind != chart.Bar || len(res.Series.Points) != 2 {
		t.Fatalf("chart from tuples: %+v", obs)
	}

	obs = invoke(t, r, ctx, GenerateChart, `{"intent":"plot","csv":"year,rate\n2020,1\n2021,2"}`)
	if !obs.OK {
		t.Fatalf("chart from csv: %s", obs.Render())
	}

	obs = invoke(t, r, ctx, GenerateChart, `{"intent":"draw something nice"}`)
	if obs.Kind() != KindInvalidInput {
		t.Fatalf("expected invalid_input without data, got %s", obs.Render())
	}
}

func TestMapData(t *testing.T) {
	r := newTestRegistry(t, newFakeSource(), nil)
	ctx := context.Background()

	obs := invoke(t, r, ctx, MapData, `{"location":{"name":"Home","lat":40,"lon":-75},"features":[
		{"name":"Clinic","latitude":40.01,"longitude":-75.01,"feature_group":"healthcare"},
		{"name":"Lost"}]}`)
	spec, ok := obs.Payload.(geo.MapSpec)
	if !obs.OK || !ok || !obs.Degraded || len(spec.GeoJSON.Features) != 1 {
		t.Fatalf("map: %+v", obs)
	}
	if spec.Center.Address != "Home" {
		t.Fatalf("location alias not used as center: %+v", spec.Center)
	}

	obs = invoke(t, r, ctx, MapData, `{"features":[]}`)
	if obs.Kind() != KindInvalidInput {
		t.Fatalf("expected invalid_input for empty map, got %s", obs.Render())
	}
}

func TestAnalyzeNeighborhood(t *testing.T) {
	g := &fakeGeo{report: geo.Report{Warnings: []string{"food_access: overpass returned HTTP 500"}}}
	r := newTestRegistry(t, newFakeSource(), g)
	ctx := context.Background()

	obs := invoke(t, r, ctx, AnalyzeNeighborhood, `{"latitude":40,"longitude":-75}`)
	if !obs.OK || !obs.Degraded || !strings.Contains(obs.Render(), "WARNING: food_access") {
		t.Fatalf("expected partial report, got %s", obs.Render())
	}

	g.err = &geo.InputError{Err: errors.New("radius too large")}
	if obs := invoke(t, r, ctx, AnalyzeNeighborhood, `{"latitude":40,"longitude":-75}`); obs.Kind() != KindInvalidInput {
		t.Fatalf("expected invalid_input, got %s", obs.Render())
	}
	g.err = context.DeadlineExceeded
	if obs := invoke(t, r, ctx, AnalyzeNeighborhood, `{"latitude":40,"longitude":-75}`); obs.Kind() != KindTimeout {
		t.Fatalf("expected timeout, got %s", obs.Render())
	}
}

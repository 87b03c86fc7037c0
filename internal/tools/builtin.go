package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/sdoh-analyst/internal/chart"
	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/geo"
	"github.com/basket/sdoh-analyst/internal/safety"
	"github.com/basket/sdoh-analyst/internal/sqlguard"
	"github.com/basket/sdoh-analyst/internal/stats"
	"github.com/basket/sdoh-analyst/internal/warehouse"
)

// Tool names.
const (
	ListTables          = "sql_db_list_tables"
	DescribeTables      = "sql_db_schema"
	ColumnDescriptions  = "database_column_descriptions"
	QueryChecker        = "sql_db_query_checker"
	Query               = "sql_db_query"
	PearsonCorrelation  = "stat_pearson_correlation"
	PearsonWithP        = "stat_pearson_correlation_with_p"
	ListStatFunctions   = "sql_db_list_statistical_functions"
	GenerateChart       = "generate_chart"
	MapData             = "map_data"
	AnalyzeNeighborhood = "analyze_neighborhood"
)

// Deps are the collaborators the built-in adapters need. Geo may be nil, in
// which case analyze_neighborhood is not registered.
type Deps struct {
	Catalog   *warehouse.Catalog
	Columns   *columns.Index
	Validator *sqlguard.Validator
	Query     warehouse.QueryOptions
	Geo       geo.NeighborhoodAnalyzer
	Logger    *slog.Logger
}

// RegisterAll registers every built-in tool in a stable order.
func RegisterAll(r *Registry, d Deps) error {
	if d.Catalog == nil {
		return fmt.Errorf("tools: catalog is required")
	}
	if d.Validator == nil {
		d.Validator = sqlguard.New(sqlguard.DefaultLimits())
	}
	if d.Columns == nil {
		d.Columns = columns.NewIndex(columns.DefaultK, columns.DefaultThreshold)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &adapters{Deps: d, logger: d.Logger.With("component", "tools")}

	descs := []Descriptor{
		{
			Name:        ListTables,
			Description: "List the tables in the dataset. Input is an empty object. Call this first when you do not know which tables exist.",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Handler:     HandlerFunc(a.listTables),
		},
		{
			Name:        DescribeTables,
			Description: "Describe tables: columns, types and dictionary descriptions. Input table_names is a comma-separated list. Check table names with sql_db_list_tables first.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"table_names":{"type":"string","minLength":1}},"required":["table_names"]}`),
			Handler:     HandlerFunc(a.describeTables),
		},
		{
			Name:        ColumnDescriptions,
			Description: "Search the data dictionary for tables and columns matching a natural-language concept. Use this first when column names are unknown.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string","minLength":1},"k":{"type":"integer","minimum":1,"maximum":50}},"required":["question"]}`),
			Handler:     HandlerFunc(a.columnDescriptions),
		},
		{
			Name:        QueryChecker,
			Description: "Check a SQL query without running it. Returns whether it would be approved and, if not, why. Use this before sql_db_query when unsure.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","minLength":1}},"required":["query"]}`),
			Handler:     HandlerFunc(a.checkQuery),
		},
		{
			Name:        Query,
			Description: "Run a single read-only SQL query and return columns and rows. Results are capped; select only the columns you need and aggregate where possible.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","minLength":1}},"required":["query"]}`),
			SQLField:    "query",
			Handler:     HandlerFunc(a.runQuery),
		},
		{
			Name:        PearsonCorrelation,
			Description: "Pearson correlation of two equal-length numeric arrays x and y. Returns null when the input is degenerate.",
			InputSchema: pairSchema,
			Handler:     HandlerFunc(a.pearson(false)),
		},
		{
			Name:        PearsonWithP,
			Description: "Pearson correlation and two-sided p-value of two equal-length numeric arrays x and y. Returns nulls when the input is degenerate.",
			InputSchema: pairSchema,
			Handler:     HandlerFunc(a.pearson(true)),
		},
		{
			Name:        ListStatFunctions,
			Description: "List statistical functions callable from SQL, with signatures and an example call.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"prefix":{"type":"string"}}}`),
			Handler:     HandlerFunc(a.listFunctions),
		},
		{
			Name: GenerateChart,
			Description: "Build a chart specification from the user's request plus data. Pass data as {columns, rows} or {years, values}, " +
				"or csv text with a header, or text containing (year, value) pairs. Ends the turn.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{
				"intent":{"type":"string","minLength":1},
				"chart_type":{"enum":["bar","line","scatter","pie"]},
				"data":{"type":"object"},
				"csv":{"type":"string"},
				"text":{"type":"string"}},"required":["intent"]}`),
			Terminal: true,
			Handler:  HandlerFunc(a.generateChart),
		},
		{
			Name: MapData,
			Description: "Package geographic features into a map. Features have name, latitude, longitude, feature_group and feature_subgroup. " +
				"Features from analyze_neighborhood can be passed as-is. Ends the turn.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{
				"title":{"type":"string"},
				"center":{"type":"object"},
				"features":{"type":"array","items":{"type":"object"}}},"required":["features"]}`),
			Terminal: true,
			Handler:  HandlerFunc(a.mapData),
		},
	}
	if d.Geo != nil {
		descs = append(descs, Descriptor{
			Name: AnalyzeNeighborhood,
			Description: "Score the social determinants of health around a point: nearby healthcare, education, food access, " +
				"transportation and more from OpenStreetMap. Radius is in meters (default 1000).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{
				"latitude":{"type":"number","minimum":-90,"maximum":90},
				"longitude":{"type":"number","minimum":-180,"maximum":180},
				"radius":{"type":"number","exclusiveMinimum":0,"maximum":10000}},"required":["latitude","longitude"]}`),
			Handler: HandlerFunc(a.analyzeNeighborhood),
		})
	}

	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

var pairSchema = json.RawMessage(`{"type":"object","properties":{
	"x":{"type":"array","items":{"type":"number"}},
	"y":{"type":"array","items":{"type":"number"}}},"required":["x","y"]}`)

type adapters struct {
	Deps
	logger *slog.Logger
}

func decode(tool string, input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, v); err != nil {
		return &InvalidInputError{Tool: tool, Message: err.Error()}
	}
	return nil
}

func (a *adapters) listTables(ctx context.Context, _ json.RawMessage) Observation {
	snap, err := a.Catalog.Snapshot(ctx)
	if err != nil {
		return FailErr(err)
	}
	names := snap.TableNames()
	if len(names) == 0 {
		return Success("(no tables)")
	}
	return Success(strings.Join(names, ", "))
}

func (a *adapters) describeTables(ctx context.Context, input json.RawMessage) Observation {
	var in struct {
		TableNames string `json:"table_names"`
	}
	if err := decode(DescribeTables, input, &in); err != nil {
		return FailErr(err)
	}
	snap, err := a.Catalog.Snapshot(ctx)
	if err != nil {
		return FailErr(err)
	}
	var names []string
	for _, n := range strings.Split(in.TableNames, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := snap.Table(n); !ok {
			return FailErr(&sqlguard.UnknownSchemaObjectError{Kind: "table", Name: n})
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return FailErr(&InvalidInputError{Tool: DescribeTables, Message: "table_names is empty"})
	}
	text, err := snap.Describe(names...)
	if err != nil {
		return FailErr(err)
	}
	return Success(text)
}

func (a *adapters) columnDescriptions(_ context.Context, input json.RawMessage) Observation {
	var in struct {
		Question string `json:"question"`
		K        int    `json:"k"`
	}
	if err := decode(ColumnDescriptions, input, &in); err != nil {
		return FailErr(err)
	}
	return Success(a.Columns.Search(in.Question, in.K))
}

func (a *adapters) checkQuery(ctx context.Context, input json.RawMessage) Observation {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(QueryChecker, input, &in); err != nil {
		return FailErr(err)
	}
	snap, err := a.Catalog.Snapshot(ctx)
	if err != nil {
		return FailErr(err)
	}
	return Success(a.Validator.Validate(in.Query, snap))
}

func (a *adapters) runQuery(ctx context.Context, input json.RawMessage) Observation {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(Query, input, &in); err != nil {
		return FailErr(err)
	}
	if v, ok := sqlguard.VerdictFrom(ctx); !ok || !v.Covers(in.Query) {
		return FailErr(&UnapprovedStatementError{Statement: in.Query})
	}
	res, err := a.Catalog.Source().Query(ctx, in.Query, a.Deps.Query)
	if err != nil {
		return FailErr(err)
	}
	var warnings []string
	if leaks := safety.RedactRows(res.Columns, res.Rows); len(leaks) > 0 {
		a.logger.Warn("query result redacted", "cells", len(leaks))
		warnings = append(warnings, safety.Summary(leaks))
	}
	if res.Truncated {
		warnings = append(warnings, fmt.Sprintf("result truncated to the first %d rows; aggregate or filter to see everything", res.RowCount))
	}
	if len(warnings) > 0 {
		return Partial(res, warnings...)
	}
	return Success(res)
}

func (a *adapters) pearson(withP bool) HandlerFunc {
	tool := PearsonCorrelation
	if withP {
		tool = PearsonWithP
	}
	return func(_ context.Context, input json.RawMessage) Observation {
		var in struct {
			X []float64 `json:"x"`
			Y []float64 `json:"y"`
		}
		if err := decode(tool, input, &in); err != nil {
			return FailErr(err)
		}
		if !withP {
			return Success(stats.Correlate(in.X, in.Y))
		}
		return Success(stats.CorrelateWithP(in.X, in.Y))
	}
}

func (a *adapters) listFunctions(ctx context.Context, input json.RawMessage) Observation {
	var in struct {
		Prefix string `json:"prefix"`
	}
	if err := decode(ListStatFunctions, input, &in); err != nil {
		return FailErr(err)
	}
	if in.Prefix == "" {
		in.Prefix = "stat"
	}
	fns, err := a.Catalog.Source().ListFunctions(ctx, in.Prefix)
	if err != nil {
		return FailErr(err)
	}
	return Success(stats.RenderFunctions(fns))
}

func (a *adapters) generateChart(_ context.Context, input json.RawMessage) Observation {
	var in struct {
		Intent    string      `json:"intent"`
		ChartType chart.Kind  `json:"chart_type"`
		Data      *chart.Data `json:"data"`
		CSV       string      `json:"csv"`
		Text      string      `json:"text"`
	}
	if err := decode(GenerateChart, input, &in); err != nil {
		return FailErr(err)
	}

	var (
		series chart.Series
		ok     bool
	)
	if in.Data != nil {
		s, err := chart.FromData(*in.Data)
		if err != nil {
			return FailErr(&InvalidInputError{Tool: GenerateChart, Message: err.Error()})
		}
		series, ok = s, true
	}
	if !ok && in.CSV != "" {
		series, ok = chart.ParseCSV(in.CSV)
	}
	for _, text := range []string{in.Text, in.Intent} {
		if ok || text == "" {
			continue
		}
		if series, ok = chart.ParseTuples(text); !ok {
			series, ok = chart.FindCSVBlock(text)
		}
	}
	if !ok {
		return FailErr(&InvalidInputError{Tool: GenerateChart, Message: "no numeric data found; pass data, csv, or (year, value) pairs"})
	}
	return Success(chart.Build(in.Intent, in.ChartType, series))
}

func (a *adapters) mapData(_ context.Context, input json.RawMessage) Observation {
	var in struct {
		Title    string      `json:"title"`
		Center   geo.Place   `json:"center"`
		Location geo.Place   `json:"location"`
		Features []geo.Place `json:"features"`
	}
	if err := decode(MapData, input, &in); err != nil {
		return FailErr(err)
	}
	if in.Center == nil {
		in.Center = in.Location
	}
	spec, dropped, err := geo.BuildMap(in.Title, in.Center, in.Features)
	if err != nil {
		return FailErr(&InvalidInputError{Tool: MapData, Message: err.Error()})
	}
	if dropped > 0 {
		return Partial(spec, fmt.Sprintf("%d feature(s) without coordinates were dropped", dropped))
	}
	return Success(spec)
}

func (a *adapters) analyzeNeighborhood(ctx context.Context, input json.RawMessage) Observation {
	var req geo.Request
	if err := decode(AnalyzeNeighborhood, input, &req); err != nil {
		return FailErr(err)
	}
	report, err := a.Geo.Analyze(ctx, req)
	if err != nil {
		if geo.IsInputError(err) {
			return FailErr(&InvalidInputError{Tool: AnalyzeNeighborhood, Message: err.Error()})
		}
		return FailErr(err)
	}
	if len(report.Warnings) > 0 {
		return Partial(report, report.Warnings...)
	}
	return Success(report)
}

package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	otelPkg "github.com/basket/sdoh-analyst/internal/otel"
)

const (
	DefaultRadius      = 1000.0
	walkingDistance    = 500.0
	maxWalkability     = 10
	featuresPerGroup   = 10
	defaultConcurrency = 3
)

// Request is the analysis input.
type Request struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Radius    float64 `json:"radius,omitempty" validate:"omitempty,gt=0,lte=10000"`
}

// InputError reports a request that failed validation.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return "invalid neighborhood request: " + e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// Element is an Overpass result element.
type Element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat,omitempty"`
	Lon    *float64          `json:"lon,omitempty"`
	Center *LatLon           `json:"center,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// LatLon is an Overpass centroid.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (e Element) position() (float64, float64, bool) {
	if e.Type == "node" {
		if e.Lat != nil && e.Lon != nil {
			return *e.Lat, *e.Lon, true
		}
		return 0, 0, false
	}
	if e.Center != nil {
		return e.Center.Lat, e.Center.Lon, true
	}
	return 0, 0, false
}

// Coordinates is a point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Feature is one amenity found near the center.
type Feature struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Coordinates     Coordinates       `json:"coordinates"`
	Distance        float64           `json:"distance"`
	Tags            map[string]string `json:"tags,omitempty"`
	FeatureGroup    string            `json:"feature_group"`
	SubFeatureGroup string            `json:"sub_feature_group,omitempty"`
}

// Metrics summarize one group. Distances are nil when the group is empty.
type Metrics struct {
	TotalCount  int      `json:"total_count"`
	AvgDistance *float64 `json:"avg_distance"`
	MinDistance *float64 `json:"min_distance"`
}

// Group is the per-category result. Error is set instead of the rest when
// the category could not be fetched.
type Group struct {
	Count    int       `json:"count"`
	Features []Feature `json:"features,omitempty"`
	Metrics  *Metrics  `json:"metrics,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Scores are on a 0-10 scale per group.
type Scores struct {
	Overall      float64            `json:"overall"`
	Walkability  int                `json:"walkability"`
	MetricGroups map[string]float64 `json:"metric_groups"`
}

// Center is the analyzed point.
type Center struct {
	Coordinates Coordinates `json:"coordinates"`
	Address     string      `json:"address"`
}

// Report is the full neighborhood analysis.
type Report struct {
	Center         Center           `json:"center"`
	Scores         Scores           `json:"scores"`
	MetricGroups   map[string]Group `json:"metric_groups"`
	AnalysisRadius float64          `json:"analysis_radius"`
	Timestamp      string           `json:"timestamp"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// Source fetches raw OSM data.
type Source interface {
	Elements(ctx context.Context, query string) ([]Element, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// NeighborhoodAnalyzer is what the analyze_neighborhood tool calls.
type NeighborhoodAnalyzer interface {
	Analyze(ctx context.Context, req Request) (Report, error)
}

// Analyzer computes reports from a Source.
type Analyzer struct {
	src         Source
	logger      *slog.Logger
	validate    *validator.Validate
	concurrency int
	now         func() time.Time
	metrics     *otelPkg.Metrics
}

func NewAnalyzer(src Source, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		src:         src,
		logger:      logger.With("component", "geo"),
		validate:    validator.New(),
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
}

// WithMetrics counts failed categories on m.
func (a *Analyzer) WithMetrics(m *otelPkg.Metrics) *Analyzer {
	a.metrics = m
	return a
}

func validateRequest(v *validator.Validate, req *Request) error {
	if err := v.Struct(req); err != nil {
		return &InputError{Err: err}
	}
	if req.Radius == 0 {
		req.Radius = DefaultRadius
	}
	return nil
}

// Analyze fetches every category concurrently. A category that fails is
// reported with score 0 and a warning; the rest of the report still stands.
// Only cancellation of ctx fails the whole analysis.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Report, error) {
	if err := validateRequest(a.validate, &req); err != nil {
		return Report{}, err
	}

	report := Report{
		Center: Center{
			Coordinates: Coordinates{Latitude: req.Latitude, Longitude: req.Longitude},
			Address:     "Unknown location",
		},
		MetricGroups:   make(map[string]Group, len(Categories)),
		AnalysisRadius: req.Radius,
	}

	box := BoundingBox(req.Latitude, req.Longitude, req.Radius)
	groups := make([]Group, len(Categories))
	scores := make([]float64, len(Categories))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	g.Go(func() error {
		addr, err := a.src.ReverseGeocode(gctx, req.Latitude, req.Longitude)
		if err != nil {
			a.logger.Warn("reverse geocode failed", "error", err)
			return nil
		}
		if addr != "" {
			report.Center.Address = addr
		}
		return nil
	})
	for i, c := range Categories {
		g.Go(func() error {
			elems, err := a.src.Elements(gctx, overpassQuery(c, box))
			if err != nil {
				a.logger.Warn("category fetch failed", "category", c.Name, "error", err)
				a.metrics.GeoCategoryFailed(gctx, c.Name)
				groups[i] = Group{Error: err.Error()}
				return nil
			}
			groups[i], scores[i] = summarize(c.Name, elems, req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("neighborhood analysis: %w", err)
	}

	report.Scores.MetricGroups = make(map[string]float64, len(Categories))
	total := 0.0
	walkable, walkableGroups := 0, 0
	for i, c := range Categories {
		report.MetricGroups[c.Name] = groups[i]
		report.Scores.MetricGroups[c.Name] = round1(scores[i])
		total += scores[i]
		if groups[i].Error != "" {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s", c.Name, groups[i].Error))
			continue
		}
		n := 0
		for _, f := range groups[i].Features {
			if f.Distance <= walkingDistance {
				n++
			}
		}
		if n > 0 {
			walkable += n
			walkableGroups++
		}
	}
	report.Scores.Overall = round1(total / float64(len(Categories)))
	report.Scores.Walkability = min(walkable+walkableGroups, maxWalkability)
	report.Timestamp = a.now().UTC().Format(time.RFC3339)
	return report, nil
}

// summarize turns elements into the sorted top features, metrics and score
// for one category.
func summarize(name string, elems []Element, req Request) (Group, float64) {
	var features []Feature
	for _, e := range elems {
		lat, lon, ok := e.position()
		if !ok {
			continue
		}
		featureName := e.Tags["name"]
		if featureName == "" {
			featureName = "Unnamed"
		}
		features = append(features, Feature{
			ID:              e.ID,
			Name:            featureName,
			Type:            e.Type,
			Coordinates:     Coordinates{Latitude: lat, Longitude: lon},
			Distance:        Haversine(req.Latitude, req.Longitude, lat, lon),
			Tags:            e.Tags,
			FeatureGroup:    name,
			SubFeatureGroup: SubGroup(e.Tags),
		})
	}
	sort.SliceStable(features, func(i, j int) bool { return features[i].Distance < features[j].Distance })

	count := len(features)
	metrics := &Metrics{TotalCount: count}
	score := 0.0
	if count > 0 {
		sum := 0.0
		for _, f := range features {
			sum += f.Distance
		}
		avg, nearest := round1(sum/float64(count)), round1(features[0].Distance)
		metrics.AvgDistance, metrics.MinDistance = &avg, &nearest

		countScore := min(float64(count)/5, 1) * 5
		proximity := 5 - min(features[0].Distance/req.Radius, 1)*5
		score = countScore + proximity
	}
	for i := range features {
		features[i].Distance = round1(features[i].Distance)
	}
	if len(features) > featuresPerGroup {
		features = features[:featuresPerGroup]
	}
	return Group{Count: count, Features: features, Metrics: metrics}, score
}

// IsInputError reports whether err is a request validation failure.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

package geo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Place is a loosely-typed map point as callers send it: lat/latitude,
// lon/lng/long/longitude, or a nested coordinates object all work.
type Place map[string]any

func (p Place) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func num(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func lookup(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := num(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// Position resolves the place's coordinates.
func (p Place) Position() (Coordinates, bool) {
	lat, okLat := lookup(p, "lat", "latitude")
	lon, okLon := lookup(p, "lon", "lng", "long", "longitude")
	if !okLat || !okLon {
		if c, ok := p["coordinates"].(map[string]any); ok {
			lat, okLat = lookup(c, "lat", "latitude")
			lon, okLon = lookup(c, "lon", "lng", "long", "longitude")
		}
	}
	if !okLat || !okLon || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: lat, Longitude: lon}, true
}

// GeoJSON types, enough for a point FeatureCollection.
type (
	FeatureCollection struct {
		Type     string       `json:"type"`
		Features []GeoFeature `json:"features"`
	}
	GeoFeature struct {
		Type       string         `json:"type"`
		Geometry   Point          `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	Point struct {
		Type        string     `json:"type"`
		Coordinates [2]float64 `json:"coordinates"` // lon, lat
	}
)

// MapSpec is the map_data payload a front end renders.
type MapSpec struct {
	Title   string            `json:"title,omitempty"`
	Center  Center            `json:"center"`
	Zoom    int               `json:"zoom"`
	Groups  []string          `json:"feature_groups,omitempty"`
	GeoJSON FeatureCollection `json:"geojson"`
}

// BuildMap converts places into a map spec. Places without usable
// coordinates are dropped and counted. center may be nil, in which case the
// centroid of the features is used.
func BuildMap(title string, center Place, places []Place) (MapSpec, int, error) {
	spec := MapSpec{
		Title:   title,
		Zoom:    14,
		GeoJSON: FeatureCollection{Type: "FeatureCollection", Features: []GeoFeature{}},
	}
	groups := map[string]struct{}{}
	dropped := 0
	var sumLat, sumLon float64
	for _, p := range places {
		pos, ok := p.Position()
		if !ok {
			dropped++
			continue
		}
		props := map[string]any{"name": p.str("name")}
		if props["name"] == "" {
			props["name"] = "Unknown"
		}
		if g := p.str("feature_group"); g != "" {
			props["feature_group"] = g
			groups[g] = struct{}{}
		}
		if sg := p.str("feature_subgroup", "sub_feature_group"); sg != "" {
			props["feature_subgroup"] = sg
		}
		if d, ok := lookup(p, "distance"); ok {
			props["distance"] = d
		}
		spec.GeoJSON.Features = append(spec.GeoJSON.Features, GeoFeature{
			Type:       "Feature",
			Geometry:   Point{Type: "Point", Coordinates: [2]float64{pos.Longitude, pos.Latitude}},
			Properties: props,
		})
		sumLat += pos.Latitude
		sumLon += pos.Longitude
	}

	n := len(spec.GeoJSON.Features)
	if pos, ok := center.Position(); ok {
		spec.Center = Center{Coordinates: pos, Address: center.str("name", "address")}
	} else if n > 0 {
		spec.Center = Center{Coordinates: Coordinates{Latitude: sumLat / float64(n), Longitude: sumLon / float64(n)}}
	} else {
		return MapSpec{}, dropped, fmt.Errorf("map needs a center or at least one feature with coordinates")
	}

	for g := range groups {
		spec.Groups = append(spec.Groups, g)
	}
	sort.Strings(spec.Groups)
	return spec, dropped, nil
}

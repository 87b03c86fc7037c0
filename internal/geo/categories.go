// Package geo scores the social-determinants-of-health amenities around a
// point using OpenStreetMap data.
package geo

import "fmt"

// Tag is one OpenStreetMap key=value filter.
type Tag struct {
	Key   string
	Value string
}

func (t Tag) String() string { return t.Key + "=" + t.Value }

// Category is an SDOH metric group and the tags that count toward it.
type Category struct {
	Name string
	Tags []Tag
}

func tags(kv ...string) []Tag {
	out := make([]Tag, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Tag{Key: kv[i], Value: kv[i+1]})
	}
	return out
}

// Categories are analyzed in this order.
var Categories = []Category{
	{Name: "healthcare", Tags: tags(
		"amenity", "hospital", "amenity", "clinic", "amenity", "doctors",
		"amenity", "dentist", "amenity", "pharmacy", "amenity", "health_post")},
	{Name: "education", Tags: tags(
		"amenity", "school", "amenity", "kindergarten", "amenity", "college",
		"amenity", "university", "amenity", "library")},
	{Name: "food_access", Tags: tags(
		"shop", "supermarket", "shop", "convenience", "shop", "grocery",
		"amenity", "food_bank", "amenity", "marketplace")},
	{Name: "economic_stability", Tags: tags(
		"amenity", "bank", "amenity", "atm", "amenity", "post_office",
		"shop", "mall", "shop", "department_store", "shop", "clothes")},
	{Name: "housing", Tags: tags(
		"building", "apartments", "building", "house", "building", "residential",
		"amenity", "social_facility")},
	{Name: "transportation", Tags: tags(
		"public_transport", "stop_position", "railway", "station", "amenity", "bus_station",
		"highway", "bus_stop", "amenity", "bicycle_rental", "amenity", "car_rental")},
	{Name: "environment", Tags: tags(
		"leisure", "park", "leisure", "garden", "leisure", "playground",
		"leisure", "nature_reserve", "landuse", "forest")},
	{Name: "community", Tags: tags(
		"amenity", "community_centre", "amenity", "place_of_worship",
		"amenity", "social_centre", "amenity", "theatre", "amenity", "arts_centre")},
	{Name: "safety", Tags: tags(
		"amenity", "police", "amenity", "fire_station", "amenity", "townhall",
		"emergency", "ambulance_station", "emergency", "fire_hydrant")},
}

var subGroupKeys = []string{
	"amenity", "shop", "leisure", "public_transport", "railway",
	"highway", "landuse", "building", "emergency",
}

// SubGroup labels a feature by the first populated tag among the common
// OSM classification keys.
func SubGroup(t map[string]string) string {
	for _, k := range subGroupKeys {
		if v := t[k]; v != "" {
			return v
		}
	}
	return ""
}

// overpassQuery selects nodes, ways and relations matching any of c's tags
// inside bbox, returning centroids for non-nodes.
func overpassQuery(c Category, b BBox) string {
	box := fmt.Sprintf("%.7f,%.7f,%.7f,%.7f", b.South, b.West, b.North, b.East)
	q := "[out:json][timeout:25];\n(\n"
	for _, t := range c.Tags {
		for _, kind := range []string{"node", "way", "relation"} {
			q += fmt.Sprintf("  %s[%q=%q](%s);\n", kind, t.Key, t.Value, box)
		}
	}
	return q + ");\nout center;\n"
}

package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func places(t *testing.T, raw string) []Place {
	t.Helper()
	var out []Place
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestBuildMap_AliasesAndDrops(t *testing.T) {
	ps := places(t, `[
		{"name":"Clinic","lat":40.1,"lng":-75.2,"feature_group":"healthcare","sub_feature_group":"clinic"},
		{"name":"Park","coordinates":{"latitude":40.2,"longitude":-75.1},"feature_group":"environment"},
		{"name":"Nowhere"},
		{"name":"Bad","latitude":200,"longitude":0}
	]`)
	spec, dropped, err := BuildMap("SDOH amenities", Place{"name": "Home", "latitude": 40.0, "longitude": -75.0}, ps)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	require.Len(t, spec.GeoJSON.Features, 2)

	f := spec.GeoJSON.Features[0]
	assert.Equal(t, [2]float64{-75.2, 40.1}, f.Geometry.Coordinates)
	assert.Equal(t, "clinic", f.Properties["feature_subgroup"])
	assert.Equal(t, "Home", spec.Center.Address)
	assert.Equal(t, 40.0, spec.Center.Coordinates.Latitude)
	assert.Equal(t, []string{"environment", "healthcare"}, spec.Groups)
}

func TestBuildMap_CentroidWhenNoCenter(t *testing.T) {
	ps := places(t, `[{"lat":10,"lon":20},{"lat":20,"lon":40}]`)
	spec, dropped, err := BuildMap("", nil, ps)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.InDelta(t, 15, spec.Center.Coordinates.Latitude, 1e-9)
	assert.InDelta(t, 30, spec.Center.Coordinates.Longitude, 1e-9)
	assert.Equal(t, "Unknown", spec.GeoJSON.Features[0].Properties["name"])
}

func TestBuildMap_NothingToShow(t *testing.T) {
	_, dropped, err := BuildMap("", nil, places(t, `[{"name":"x"}]`))
	assert.Error(t, err)
	assert.Equal(t, 1, dropped)
}

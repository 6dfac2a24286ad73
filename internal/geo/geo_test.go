package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/store"
)

func TestExportGeoJSON(t *testing.T) {
	snap := store.Snapshot{
		Participants: map[clock.ParticipantID]model.Participant{
			"site-a": {ID: "site-a", Callsign: "Bravo-2", Status: model.StatusOnline, TeamID: "team-1"},
		},
		Positions: map[clock.ParticipantID]model.PositionSample{
			"site-a": {
				ParticipantID: "site-a",
				Coordinate:    model.Coordinate{Latitude: 51.5, Longitude: -0.12},
				Heading:       90,
				Speed:         1.5,
			},
		},
		Markers: map[string]model.Marker{
			"site-a-1": {
				ID: "site-a-1", CreatorID: "site-a", Type: model.MarkerPin,
				Label: "RV point", Visibility: model.VisibilityAll,
				Coordinate: model.Coordinate{Latitude: 51.51, Longitude: -0.13},
			},
			"site-a-2": {
				ID: "site-a-2", Deleted: true,
				Coordinate: model.Coordinate{Latitude: 51.52, Longitude: -0.14},
			},
		},
	}

	data, err := ExportGeoJSON(snap)
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID       any `json:"id"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))

	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2, "deleted marker is excluded")

	byID := map[any]map[string]any{}
	for _, f := range fc.Features {
		byID[f.ID] = f.Properties
		assert.Equal(t, "Point", f.Geometry.Type)
	}
	assert.Equal(t, "RV point", byID["site-a-1"]["label"])
	assert.Equal(t, "Bravo-2", byID["site-a"]["callsign"])
	assert.Equal(t, "online", byID["site-a"]["status"])
}

func TestPointFromCoordinate_LonLatOrder(t *testing.T) {
	p := PointFromCoordinate(model.Coordinate{Latitude: 51.5, Longitude: -0.12})
	xy, ok := p.XY()
	require.True(t, ok)
	assert.Equal(t, -0.12, xy.X)
	assert.Equal(t, 51.5, xy.Y)
}

func TestHaversine(t *testing.T) {
	// One degree of longitude at the equator is about 111.2 km.
	d := Haversine(model.Coordinate{}, model.Coordinate{Longitude: 1})
	assert.InDelta(t, 111195, d, 100)

	// Zero distance.
	here := model.Coordinate{Latitude: 51.5, Longitude: -0.12}
	assert.Zero(t, Haversine(here, here))

	// Symmetric.
	there := model.Coordinate{Latitude: 48.85, Longitude: 2.35}
	assert.InDelta(t, Haversine(here, there), Haversine(there, here), 1e-9)
	// London to Paris is about 344 km.
	assert.InDelta(t, 344000, Haversine(here, there), 2000)
}

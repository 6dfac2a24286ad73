// Package geo converts the synchronized tactical picture into GeoJSON
// for debugging and external map tooling.
package geo

import (
	"encoding/json"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/store"
)

const earthRadiusMeters = 6371000

// PointFromCoordinate builds a simplefeatures point from a WGS84
// coordinate, GeoJSON axis order (lon, lat).
func PointFromCoordinate(c model.Coordinate) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: c.Longitude, Y: c.Latitude},
		Type: geom.DimXY,
	})
}

// ExportGeoJSON renders a snapshot as a GeoJSON feature collection:
// one point feature per live marker and per known position. Deleted
// markers are excluded.
func ExportGeoJSON(snap store.Snapshot) ([]byte, error) {
	var fc geom.GeoJSONFeatureCollection

	for _, m := range snap.Markers {
		if m.Deleted {
			continue
		}
		fc = append(fc, geom.GeoJSONFeature{
			Geometry: PointFromCoordinate(m.Coordinate).AsGeometry(),
			ID:       m.ID,
			Properties: map[string]any{
				"kind":       "marker",
				"type":       string(m.Type),
				"label":      m.Label,
				"color":      m.Color,
				"visibility": string(m.Visibility),
				"creator":    string(m.CreatorID),
				"team":       m.TeamID,
			},
		})
	}

	for id, pos := range snap.Positions {
		props := map[string]any{
			"kind":    "position",
			"heading": pos.Heading,
			"speed":   pos.Speed,
		}
		if p, ok := snap.Participants[id]; ok {
			props["callsign"] = p.Callsign
			props["status"] = string(p.Status)
			props["team"] = p.TeamID
		}
		fc = append(fc, geom.GeoJSONFeature{
			Geometry:   PointFromCoordinate(pos.Coordinate).AsGeometry(),
			ID:         string(id),
			Properties: props,
		})
	}

	return json.Marshal(fc)
}

// Haversine returns the great-circle distance between two coordinates
// in meters.
func Haversine(a, b model.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

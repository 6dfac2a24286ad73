// Package predict implements straight-line dead reckoning for
// position samples between updates. Extrapolation happens on a planar
// web-mercator projection and is capped: a sample older than the cap
// is reported stale and left where it was.
package predict

import (
	"math"
	"time"

	"github.com/wroge/wgs84"

	"github.com/tacmap/tacsync/internal/model"
)

// DefaultMaxExtrapolation bounds how far ahead of the last sample the
// predictor will project.
const DefaultMaxExtrapolation = 10 * time.Second

// Prediction is the display position derived from a sample.
type Prediction struct {
	Coordinate model.Coordinate
	Elapsed    time.Duration
	Stale      bool
}

// Predict extrapolates a participant's position from its last sample
// using heading and speed. Beyond maxExtrapolation the last reported
// coordinate is returned unchanged with Stale set; the consumer
// renders it faded rather than guessing further.
func Predict(sample model.PositionSample, now time.Time, maxExtrapolation time.Duration) Prediction {
	if maxExtrapolation <= 0 {
		maxExtrapolation = DefaultMaxExtrapolation
	}

	elapsed := now.Sub(sample.CapturedAt)
	p := Prediction{Coordinate: sample.Coordinate, Elapsed: elapsed}

	if elapsed <= 0 {
		return p
	}
	if elapsed > maxExtrapolation {
		p.Stale = true
		return p
	}
	if sample.Speed <= 0 {
		return p
	}

	distance := sample.Speed * elapsed.Seconds()
	// Heading is degrees clockwise from true north.
	bearing := sample.Heading * math.Pi / 180

	epsg := wgs84.EPSG()
	forward := epsg.Transform(4326, 3857)
	inverse := epsg.Transform(3857, 4326)

	x, y, _ := forward(sample.Coordinate.Longitude, sample.Coordinate.Latitude, 0)

	// Mercator meters stretch by 1/cos(lat); scale so the ground
	// distance is right at the sample's latitude.
	scale := 1 / math.Cos(sample.Coordinate.Latitude*math.Pi/180)
	x += distance * math.Sin(bearing) * scale
	y += distance * math.Cos(bearing) * scale

	lon, lat, _ := inverse(x, y, 0)
	p.Coordinate = model.Coordinate{Latitude: lat, Longitude: lon}
	return p
}

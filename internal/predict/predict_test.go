package predict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tacmap/tacsync/internal/model"
)

func sampleAt(lat, lon, heading, speed float64, capturedAt time.Time) model.PositionSample {
	return model.PositionSample{
		ParticipantID: "site-a",
		Coordinate:    model.Coordinate{Latitude: lat, Longitude: lon},
		Heading:       heading,
		Speed:         speed,
		CapturedAt:    capturedAt,
	}
}

func TestPredict_NorthboundMovesLatitude(t *testing.T) {
	start := time.Now()
	s := sampleAt(0, 0, 0, 10, start) // 10 m/s due north at the equator

	p := Predict(s, start.Add(5*time.Second), DefaultMaxExtrapolation)

	assert.False(t, p.Stale)
	// 50 m of latitude is about 0.00045 degrees.
	assert.InDelta(t, 0.00045, p.Coordinate.Latitude, 0.00005)
	assert.InDelta(t, 0.0, p.Coordinate.Longitude, 1e-9)
}

func TestPredict_EastboundMovesLongitude(t *testing.T) {
	start := time.Now()
	s := sampleAt(0, 0, 90, 10, start)

	p := Predict(s, start.Add(5*time.Second), DefaultMaxExtrapolation)

	assert.False(t, p.Stale)
	assert.InDelta(t, 0.00045, p.Coordinate.Longitude, 0.00005)
	assert.InDelta(t, 0.0, p.Coordinate.Latitude, 1e-9)
}

func TestPredict_MidLatitudeGroundDistance(t *testing.T) {
	start := time.Now()
	s := sampleAt(51.5, -0.12, 0, 20, start) // 20 m/s north in London

	p := Predict(s, start.Add(5*time.Second), DefaultMaxExtrapolation)

	// 100 m north is about 0.0009 degrees of latitude anywhere.
	assert.InDelta(t, 51.5+0.0009, p.Coordinate.Latitude, 0.0001)
}

func TestPredict_CapReturnsStaleUnmoved(t *testing.T) {
	start := time.Now()
	s := sampleAt(51.5, -0.12, 45, 10, start)

	p := Predict(s, start.Add(11*time.Second), 10*time.Second)

	assert.True(t, p.Stale)
	assert.Equal(t, s.Coordinate, p.Coordinate, "beyond the cap the position does not move")
	assert.Equal(t, 11*time.Second, p.Elapsed)
}

func TestPredict_ZeroSpeedHolds(t *testing.T) {
	start := time.Now()
	s := sampleAt(51.5, -0.12, 270, 0, start)

	p := Predict(s, start.Add(3*time.Second), DefaultMaxExtrapolation)

	assert.False(t, p.Stale)
	assert.Equal(t, s.Coordinate, p.Coordinate)
}

func TestPredict_FutureSampleUnmoved(t *testing.T) {
	start := time.Now()
	s := sampleAt(51.5, -0.12, 0, 10, start.Add(time.Minute))

	p := Predict(s, start, DefaultMaxExtrapolation)

	assert.False(t, p.Stale)
	assert.Equal(t, s.Coordinate, p.Coordinate)
}

func TestPredict_DefaultCapWhenUnset(t *testing.T) {
	start := time.Now()
	s := sampleAt(0, 0, 0, 10, start)

	p := Predict(s, start.Add(30*time.Second), 0)
	assert.True(t, p.Stale)
}

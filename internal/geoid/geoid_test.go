package geoid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroModelAlwaysReturnsZero(t *testing.T) {
	m := Zero()
	assert.Equal(t, 0.0, m.Undulation(1.0, 2.0))
}

func TestGridInterpolatesBetweenCorners(t *testing.T) {
	g := &Grid{
		LatMin: 0, LonMin: 0, LatStep: 1, LonStep: 1, NLat: 2, NLon: 2,
		Values: []float64{0, 10, 20, 30},
	}
	const d2r = math.Pi / 180.0
	assert.InDelta(t, 0.0, g.Undulation(0, 0), 1e-9)
	assert.InDelta(t, 30.0, g.Undulation(1*d2r, 1*d2r), 1e-9)
	assert.InDelta(t, 15.0, g.Undulation(0.5*d2r, 0.5*d2r), 1e-9)
}

func TestGridClampsOutOfRangeQueries(t *testing.T) {
	g := &Grid{
		LatMin: 0, LonMin: 0, LatStep: 1, LonStep: 1, NLat: 2, NLon: 2,
		Values: []float64{0, 10, 20, 30},
	}
	const d2r = math.Pi / 180.0
	assert.InDelta(t, 30.0, g.Undulation(5*d2r, 5*d2r), 1e-9)
}

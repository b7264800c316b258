// Package geoid supplies the ellipsoidal-to-orthometric height
// correction the solution writer applies to reported heights, kept as an
// external-collaborator interface rather than a bundled EGM96 grid, the
// same boundary spec.md draws around geoid readers. Grounded on the
// teacher's src/datum.go geoid table lookup shape (a lat/lon-indexed
// undulation grid with bilinear interpolation).
package geoid

// Model reports the geoid undulation (height of the geoid above the
// WGS84 ellipsoid, m) at a geodetic position, so
// orthometric_height = ellipsoidal_height - Undulation(lat, lon).
type Model interface {
	Undulation(lat, lon float64) float64
}

// zeroModel is the no-op default: ellipsoidal and orthometric heights
// coincide. Used when no EGM96/EGM2008 grid file is loaded, matching the
// teacher's behavior when its geoid pointer is nil (GeoidH returns 0).
type zeroModel struct{}

func (zeroModel) Undulation(float64, float64) float64 { return 0 }

// Zero returns the no-op Model.
func Zero() Model { return zeroModel{} }

// Grid is a simple lat/lon-gridded undulation table with bilinear
// interpolation, grounded on the teacher's EGM96 grid reader in
// src/datum.go (a regularly-spaced lat/lon array, no spherical-harmonic
// expansion).
type Grid struct {
	LatStep, LonStep           float64 // grid spacing (deg)
	LatMin, LonMin             float64 // grid origin (deg)
	NLat, NLon                 int
	Values                     []float64 // row-major, NLat rows x NLon cols
}

// Undulation bilinearly interpolates the undulation at (lat, lon),
// radians in, converted to the grid's degree spacing.
func (g *Grid) Undulation(lat, lon float64) float64 {
	const r2d = 180.0 / 3.14159265358979323846
	latDeg, lonDeg := lat*r2d, lon*r2d

	fi := (latDeg - g.LatMin) / g.LatStep
	fj := (lonDeg - g.LonMin) / g.LonStep
	i0 := clampInt(int(fi), 0, g.NLat-2)
	j0 := clampInt(int(fj), 0, g.NLon-2)
	di, dj := fi-float64(i0), fj-float64(j0)
	if di < 0 {
		di = 0
	} else if di > 1 {
		di = 1
	}
	if dj < 0 {
		dj = 0
	} else if dj > 1 {
		dj = 1
	}

	v00 := g.at(i0, j0)
	v01 := g.at(i0, j0+1)
	v10 := g.at(i0+1, j0)
	v11 := g.at(i0+1, j0+1)

	return v00*(1-di)*(1-dj) + v10*di*(1-dj) + v01*(1-di)*dj + v11*di*dj
}

func (g *Grid) at(i, j int) float64 {
	return g.Values[i*g.NLon+j]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

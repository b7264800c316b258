package gtime

import "math"

// WGS84 ellipsoid constants (spec.md GLOSSARY: ECEF).
const (
	RE_WGS84 = 6378137.0
	FE_WGS84 = 1.0 / 298.257223563
	OMGE     = 7.2921151467e-5
	PI       = 3.1415926535897932
)

// Vec3 is a 3-vector, used for ECEF/ENU/geodetic points.
type Vec3 [3]float64

// Mat3 is a row-major 3x3 matrix.
type Mat3 [9]float64

// Ecef2Pos converts an ECEF position to geodetic {lat,lon,h} (rad,rad,m) by
// Bowring's iteration. Grounded on src/common.go Ecef2Pos.
func Ecef2Pos(r Vec3) Vec3 {
	e2 := FE_WGS84 * (2.0 - FE_WGS84)
	r2 := r[0]*r[0] + r[1]*r[1]
	v := RE_WGS84
	z, zk := r[2], 0.0
	for math.Abs(z-zk) >= 1e-4 {
		zk = z
		sinp := z / math.Sqrt(r2+z*z)
		v = RE_WGS84 / math.Sqrt(1.0-e2*sinp*sinp)
		z = r[2] + v*e2*sinp
	}
	var pos Vec3
	switch {
	case r2 > 1e-12:
		pos[0] = math.Atan(z / math.Sqrt(r2))
		pos[1] = math.Atan2(r[1], r[0])
	case r[2] > 0:
		pos[0] = PI / 2
	default:
		pos[0] = -PI / 2
	}
	pos[2] = math.Sqrt(r2+z*z) - v
	return pos
}

// Pos2Ecef converts geodetic {lat,lon,h} to ECEF.
func Pos2Ecef(pos Vec3) Vec3 {
	sinp, cosp := math.Sin(pos[0]), math.Cos(pos[0])
	sinl, cosl := math.Sin(pos[1]), math.Cos(pos[1])
	e2 := FE_WGS84 * (2.0 - FE_WGS84)
	v := RE_WGS84 / math.Sqrt(1.0-e2*sinp*sinp)
	return Vec3{
		(v + pos[2]) * cosp * cosl,
		(v + pos[2]) * cosp * sinl,
		(v*(1.0-e2) + pos[2]) * sinp,
	}
}

// Xyz2Enu builds the ECEF-to-local-ENU rotation matrix for a geodetic {lat,lon}.
func Xyz2Enu(pos Vec3) Mat3 {
	sinp, cosp := math.Sin(pos[0]), math.Cos(pos[0])
	sinl, cosl := math.Sin(pos[1]), math.Cos(pos[1])
	// row-major: row0=east, row1=north, row2=up
	return Mat3{
		-sinl, cosl, 0,
		-sinp * cosl, -sinp * sinl, cosp,
		cosp * cosl, cosp * sinl, sinp,
	}
}

func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

func (m Mat3) Transpose() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Ecef2Enu rotates an ECEF vector into the local ENU frame at pos.
func Ecef2Enu(pos, r Vec3) Vec3 { return Xyz2Enu(pos).MulVec(r) }

// Enu2Ecef rotates a local ENU vector back into ECEF at pos.
func Enu2Ecef(pos, e Vec3) Vec3 { return Xyz2Enu(pos).Transpose().MulVec(e) }

// Cov2Enu rotates a 3x3 ECEF covariance into local ENU.
func Cov2Enu(pos Vec3, p Mat3) Mat3 {
	e := Xyz2Enu(pos)
	return matMul3(matMul3(e, p), e.Transpose())
}

func matMul3(a, b Mat3) Mat3 {
	var c Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[i*3+k] * b[k*3+j]
			}
			c[i*3+j] = s
		}
	}
	return c
}

// Rx, Ry, Rz build elementary rotation matrices (row-major) about the
// respective axis by angle t (rad).
func Rx(t float64) Mat3 {
	c, s := math.Cos(t), math.Sin(t)
	return Mat3{1, 0, 0, 0, c, s, 0, -s, c}
}

func Ry(t float64) Mat3 {
	c, s := math.Cos(t), math.Sin(t)
	return Mat3{c, 0, -s, 0, 1, 0, s, 0, c}
}

func Rz(t float64) Mat3 {
	c, s := math.Cos(t), math.Sin(t)
	return Mat3{c, s, 0, -s, c, 0, 0, 0, 1}
}

// GeoDist returns the geometric range and the rover-to-satellite
// line-of-sight unit vector, with the Sagnac (earth-rotation) correction
// applied the way a single range equation needs it.
func GeoDist(satPos, rcvPos Vec3) (r float64, e Vec3) {
	for i := 0; i < 3; i++ {
		e[i] = satPos[i] - rcvPos[i]
	}
	r = math.Sqrt(e[0]*e[0] + e[1]*e[1] + e[2]*e[2])
	if r <= 0 {
		return 0, e
	}
	for i := 0; i < 3; i++ {
		e[i] /= r
	}
	return r + OMGE*(satPos[0]*rcvPos[1]-satPos[1]*rcvPos[0])/299792458.0, e
}

// SatAzEl returns azimuth and elevation (rad) of a satellite-minus-receiver
// ECEF line-of-sight vector los, as seen from geodetic position pos.
func SatAzEl(pos, los Vec3) (az, el float64) {
	e := Ecef2Enu(pos, los)
	return satAzElFromEnu(e)
}

func satAzElFromEnu(e Vec3) (az, el float64) {
	enu2 := e[0]*e[0] + e[1]*e[1]
	if enu2 < 1e-12 {
		return 0, PI / 2
	}
	az = math.Atan2(e[0], e[1])
	if az < 0 {
		az += 2 * PI
	}
	el = math.Asin(e[2] / math.Sqrt(enu2+e[2]*e[2]))
	return az, el
}

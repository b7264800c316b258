// Package atmos implements the tropospheric and ionospheric delay models
// used to correct raw pseudorange/carrier-phase observations before they
// enter the positioning filters (spec.md 1, component E).
//
// Grounded on FengXuebin-gnssgo src/common.go (IonModel, IonMapf, IonPPP,
// TropModel, nmf/mapf/interpc, TropMapFunc): the teacher threads pos/azel
// as shared []float64 out-params; this package takes gtime.Vec3 and plain
// float64 returns throughout, with no package-level state (spec.md 9).
package atmos

import "math"

const (
	reWGS84    = 6378137.0
	hIon       = 350000.0 // ionosphere single-layer height (m)
	speedLight = 299792458.0
	d2r        = math.Pi / 180.0
	r2d        = 180.0 / math.Pi
)

// AzEl is an azimuth/elevation pair in radians.
type AzEl struct{ Az, El float64 }

// Pos is a geodetic position {lat,lon,h} in rad/rad/m.
type Pos struct{ Lat, Lon, Hgt float64 }

// IonModel computes the L1 ionospheric delay (m) via the Klobuchar broadcast
// model. ion carries the eight broadcast coefficients {a0..a3,b0..b3}; when
// all-zero (no valid broadcast set decoded yet) the 2004-01-01 default table
// is substituted, matching the teacher's fallback.
func IonModel(tow float64, ion [8]float64, pos Pos, azel AzEl) float64 {
	defaultIon := [8]float64{
		0.1118e-07, -0.7451e-08, -0.5961e-07, 0.1192e-06,
		0.1167e+06, -0.2294e+06, -0.1311e+06, 0.1049e+07,
	}
	if pos.Hgt < -1e3 || azel.El <= 0 {
		return 0.0
	}
	allZero := true
	for _, v := range ion {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		ion = defaultIon
	}

	// earth centered angle (semi-circle)
	psi := 0.0137/(azel.El/math.Pi+0.11) - 0.022

	// subionospheric latitude/longitude (semi-circle)
	phi := pos.Lat/math.Pi + psi*math.Cos(azel.Az)
	if phi > 0.416 {
		phi = 0.416
	} else if phi < -0.416 {
		phi = -0.416
	}
	lam := pos.Lon/math.Pi + psi*math.Sin(azel.Az)/math.Cos(phi*math.Pi)

	// geomagnetic latitude (semi-circle)
	phi += 0.064 * math.Cos((lam-1.617)*math.Pi)

	// local time (s), 0<=tt<86400
	tt := 43200.0*lam + tow
	tt -= math.Floor(tt/86400.0) * 86400.0

	// slant factor
	f := 1.0 + 16.0*math.Pow(0.53-azel.El/math.Pi, 3.0)

	amp := ion[0] + phi*(ion[1]+phi*(ion[2]+phi*ion[3]))
	per := ion[4] + phi*(ion[5]+phi*(ion[6]+phi*ion[7]))
	if amp < 0.0 {
		amp = 0.0
	}
	if per < 72000.0 {
		per = 72000.0
	}
	x := 2.0 * math.Pi * (tt - 50400.0) / per
	if math.Abs(x) < 1.57 {
		return speedLight * f * (5e-9 + amp*(1.0+x*x*(-0.5+x*x/24.0)))
	}
	return speedLight * f * 5e-9
}

// IonMapf computes the ionospheric delay mapping function under the
// single-layer model.
func IonMapf(pos Pos, azel AzEl) float64 {
	if pos.Hgt >= hIon {
		return 1.0
	}
	return 1.0 / math.Cos(math.Asin((reWGS84+pos.Hgt)/(reWGS84+hIon)*math.Sin(math.Pi/2.0-azel.El)))
}

// IonPPP computes the ionospheric pierce-point position and slant factor.
// re and hion are in the same units (conventionally km, matching the
// teacher); the pierce point is returned as {lat,lon} in radians (the
// height component is left at zero, as the single-layer model assumes the
// pierce point lies on the shell).
func IonPPP(pos Pos, azel AzEl, re, hion float64) (pp Pos, slant float64) {
	rp := re / (re + hion) * math.Cos(azel.El)
	ap := math.Pi/2.0 - azel.El - math.Asin(rp)
	sinap := math.Sin(ap)
	tanap := math.Tan(ap)
	cosaz := math.Cos(azel.Az)

	pp.Lat = math.Asin(math.Sin(pos.Lat)*math.Cos(ap) + math.Cos(pos.Lat)*sinap*cosaz)

	if (pos.Lat > 70.0*d2r && tanap*cosaz > math.Tan(math.Pi/2.0-pos.Lat)) ||
		(pos.Lat < -70.0*d2r && -tanap*cosaz > math.Tan(math.Pi/2.0+pos.Lat)) {
		pp.Lon = pos.Lon + math.Pi - math.Asin(sinap*math.Sin(azel.Az)/math.Cos(pp.Lat))
	} else {
		pp.Lon = pos.Lon + math.Asin(sinap*math.Sin(azel.Az)/math.Cos(pp.Lat))
	}
	return pp, 1.0 / math.Sqrt(1.0-rp*rp)
}

// TropModel computes the tropospheric delay (m) from a standard-atmosphere
// Saastamoinen model, given relative humidity humi (0-1).
func TropModel(pos Pos, azel AzEl, humi float64) float64 {
	const temp0 = 15.0 // sea-level temperature (deg C)

	if pos.Hgt < -100.0 || pos.Hgt > 1e4 || azel.El <= 0 {
		return 0.0
	}
	hgt := pos.Hgt
	if hgt < 0.0 {
		hgt = 0.0
	}

	pres := 1013.25 * math.Pow(1.0-2.2557e-5*hgt, 5.2568)
	temp := temp0 - 6.5e-3*hgt + 273.16
	e := 6.108 * humi * math.Exp((17.15*temp-4684.0)/(temp-38.45))

	z := math.Pi/2.0 - azel.El
	trph := 0.0022768 * pres / (1.0 - 0.00266*math.Cos(2.0*pos.Lat) - 0.00028*hgt/1e3) / math.Cos(z)
	trpw := 0.002277 * (1255.0/temp + 0.05) * e / math.Cos(z)
	return trph + trpw
}

// nmfCoef holds the NMF table from ref [5] table 3: hydro-ave-{a,b,c},
// hydro-amp-{a,b,c}, wet-{a,b,c} at latitude 15/30/45/60/75 degrees.
var nmfCoef = [9][5]float64{
	{1.2769934e-3, 1.2683230e-3, 1.2465397e-3, 1.2196049e-3, 1.2045996e-3},
	{2.9153695e-3, 2.9152299e-3, 2.9288445e-3, 2.9022565e-3, 2.9024912e-3},
	{62.610505e-3, 62.837393e-3, 63.721774e-3, 63.824265e-3, 64.258455e-3},

	{0.0000000e-0, 1.2709626e-5, 2.6523662e-5, 3.4000452e-5, 4.1202191e-5},
	{0.0000000e-0, 2.1414979e-5, 3.0160779e-5, 7.2562722e-5, 11.723375e-5},
	{0.0000000e-0, 9.0128400e-5, 4.3497037e-5, 84.795348e-5, 170.37206e-5},

	{5.8021897e-4, 5.6794847e-4, 5.8118019e-4, 5.9727542e-4, 6.1641693e-4},
	{1.4275268e-3, 1.5138625e-3, 1.4572752e-3, 1.5007428e-3, 1.7599082e-3},
	{4.3472961e-2, 4.6729510e-2, 4.3908931e-2, 4.4626982e-2, 5.4736038e-2},
}

var nmfHgtCoef = [3]float64{2.53e-5, 5.49e-3, 1.14e-3}

func interpc(coef [5]float64, lat float64) float64 {
	i := int(lat / 15.0)
	if i < 1 {
		return coef[0]
	} else if i > 4 {
		return coef[4]
	}
	return coef[i-1]*(1.0-lat/15.0+float64(i)) + coef[i]*(lat/15.0-float64(i))
}

func mapf(el, a, b, c float64) float64 {
	sinel := math.Sin(el)
	return (1.0 + a/(1.0+b/(1.0+c))) / (sinel + (a / (sinel + b/(sinel+c))))
}

// nmf evaluates the Niell Mapping Function, returning the hydrostatic
// mapping factor and (via the second return) the wet mapping factor.
// dayOfYear is the time-of-year in days (1-based, matching
// Time2DayOfYeay); hasWet controls whether the wet factor is computed.
func nmf(dayOfYear float64, pos Pos, azel AzEl, hasWet bool) (dry, wet float64) {
	el := azel.El
	lat := pos.Lat * r2d
	hgt := pos.Hgt

	if el <= 0.0 {
		return 0.0, 0.0
	}

	// year from doy 28, half a year added for southern latitudes
	lat2 := 0.0
	if lat < 0.0 {
		lat2 = 0.5
	}
	y := (dayOfYear-28.0)/365.25 + lat2
	cosy := math.Cos(2.0 * math.Pi * y)
	lat = math.Abs(lat)

	var ah, aw [3]float64
	for i := 0; i < 3; i++ {
		ah[i] = interpc(nmfCoef[i], lat) - interpc(nmfCoef[i+3], lat)*cosy
		aw[i] = interpc(nmfCoef[i+6], lat)
	}
	// ellipsoidal height used instead of height above sea level
	dm := (1.0/math.Sin(el) - mapf(el, nmfHgtCoef[0], nmfHgtCoef[1], nmfHgtCoef[2])) * hgt / 1e3

	if hasWet {
		wet = mapf(el, aw[0], aw[1], aw[2])
	}
	return mapf(el, ah[0], ah[1], ah[2]) + dm, wet
}

// TropMapFunc computes the tropospheric mapping function (NMF), returning
// the dry mapping factor and the wet mapping factor.
func TropMapFunc(dayOfYear float64, pos Pos, azel AzEl) (dry, wet float64) {
	if pos.Hgt < -1000.0 || pos.Hgt > 20000.0 {
		return 0.0, 0.0
	}
	return nmf(dayOfYear, pos, azel, true)
}

package solution

import (
	"fmt"
	"math"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/geoid"
)

// nmeaTalkerID is the teacher's NMEA_TID ("GP" in the original RTKLIB).
const nmeaTalkerID = "GP"

// nmeaSolQ maps a Quality to the NMEA GGA fix-quality digit, the
// teacher's nmea_solq table (indexed the other direction there).
func nmeaSolQ(q Quality) int {
	switch q {
	case QualityFixed:
		return 4
	case QualityFloat:
		return 5
	case QualityDGPS:
		return 2
	case QualityPPP:
		return 6
	case QualitySingle, QualitySBAS:
		return 1
	default:
		return 0
	}
}

// GGASentence formats r as a $GPGGA sentence, grounded on the teacher's
// OutSolNmeaGga. model supplies the geoid undulation for the orthometric
// height field; pass geoid.Zero() when none is available.
func GGASentence(r Record, model geoid.Model) string {
	if r.Quality == QualityNone {
		return checksummed(fmt.Sprintf("$%sGGA,,,,,,,,,,,,,,", nmeaTalkerID))
	}
	utc := r.Time.ToUTC()
	if utc.Sec >= 0.995 {
		utc = utc.Add(1 - utc.Sec)
	}
	ep := utc.Epoch()
	llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
	h := model.Undulation(llh[0], llh[1])

	latH, latM, latHemi := toDMS(llh[0], "N", "S")
	lonH, lonM, lonHemi := toDMS(llh[1], "E", "W")

	body := fmt.Sprintf("$%sGGA,%02.0f%02.0f%05.2f,%02.0f%010.7f,%s,%03.0f%010.7f,%s,%d,%02d,%.1f,%.3f,M,%.3f,M,%.1f,%04d",
		nmeaTalkerID, ep[3], ep[4], ep[5],
		latH, latM, latHemi, lonH, lonM, lonHemi,
		nmeaSolQ(r.Quality), r.NSats, 1.0, llh[2]-h, h, r.Age, 0)
	return checksummed(body)
}

// toDMS splits a radian geodetic coordinate into degrees/decimal-minutes
// and a hemisphere letter, the teacher's Deg2Dms applied inline.
func toDMS(rad float64, pos, neg string) (deg, min float64, hemi string) {
	hemi = pos
	if rad < 0 {
		hemi = neg
	}
	d := math.Abs(rad) * 180 / math.Pi
	deg = math.Floor(d)
	min = (d - deg) * 60.0
	return
}

// RMCSentence formats r as a $GPRMC sentence, grounded on the teacher's
// OutSolNmeaRmc. lastCourse carries the previously reported course over
// ground, since the teacher holds the last heading (dirp) when speed
// drops below 1 m/s rather than reporting a meaningless low-speed
// bearing; callers own that state across calls (no package-level dirp).
func RMCSentence(r Record, lastCourse float64) (sentence string, course float64) {
	if r.Quality == QualityNone {
		return checksummed(fmt.Sprintf("$%sRMC,,,,,,,,,,,,,", nmeaTalkerID)), lastCourse
	}
	utc := r.Time.ToUTC()
	if utc.Sec >= 0.995 {
		utc = utc.Add(1 - utc.Sec)
	}
	ep := utc.Epoch()
	llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
	enuV := gtime.Ecef2Enu(llh, gtime.Vec3(r.VelECEF))
	speed := math.Sqrt(enuV[0]*enuV[0] + enuV[1]*enuV[1])

	course = lastCourse
	if speed >= 1.0 {
		course = math.Atan2(enuV[0], enuV[1]) * 180 / math.Pi
		if course < 0 {
			course += 360
		}
	}
	const knot = 0.514444 // m/s per knot, teacher's KNOT2M

	mode := "A"
	switch r.Quality {
	case QualityDGPS, QualitySBAS:
		mode = "D"
	case QualityFloat, QualityFixed:
		mode = "R"
	case QualityPPP:
		mode = "P"
	}

	latH, latM, latHemi := toDMS(llh[0], "N", "S")
	lonH, lonM, lonHemi := toDMS(llh[1], "E", "W")

	body := fmt.Sprintf("$%sRMC,%02.0f%02.0f%05.2f,A,%02.0f%010.7f,%s,%03.0f%010.7f,%s,%4.2f,%4.2f,%02.0f%02.0f%02d,%.1f,%s,%s,%s",
		nmeaTalkerID, ep[3], ep[4], ep[5],
		latH, latM, latHemi, lonH, lonM, lonHemi,
		speed/knot, course, ep[2], ep[1], int(math.Mod(ep[0], 100.0)), 0.0, "E", mode, "A")
	return checksummed(body), course
}

// checksummed appends the NMEA XOR checksum and CRLF, the teacher's
// inline "for i=1..len(p) sum ^= p[i]" loop (skipping the leading '$').
func checksummed(body string) string {
	var sum byte
	for i := 1; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%s*%02X\r\n", body, sum)
}

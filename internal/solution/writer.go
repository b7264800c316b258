package solution

import (
	"fmt"
	"io"
	"math"

	"github.com/rtkgo/rtkcore/internal/geoid"
	"github.com/rtkgo/rtkcore/internal/gtime"
)

// Format selects the output layout, the teacher's SOLF_* (a subset:
// GSIF/SSS binary formats have no consumer in this module, see
// DESIGN.md).
type Format int

const (
	FormatLLH Format = iota
	FormatXYZ
	FormatENU
	FormatNMEA
)

// Writer formats a Record stream into one of the text output formats,
// grounded on the teacher's SolOpt + OutSolPos/OutSolEnu/OutSols.
type Writer struct {
	Format    Format
	BasePos   [3]float64 // ECEF, needed for FormatENU
	Degrees   bool       // LLH in degrees (true) vs radians (false)
	Height    string     // "ellipsoidal" or "geodetic" (geoid-corrected); not read by WriteHeader or WriteRecord
	TimeUTC   bool
	wroteHead bool
}

// WriteHeader writes the column header line, the teacher's OutSolHeader.
func (w *Writer) WriteHeader(out io.Writer) error {
	if w.wroteHead {
		return nil
	}
	w.wroteHead = true
	switch w.Format {
	case FormatLLH:
		_, err := fmt.Fprintln(out, "%  GPST                  latitude(deg) longitude(deg)  height(m)   Q  ns   sdn(m)   sde(m)   sdu(m)  sdne(m)  sdeu(m)  sdun(m) age(s)  ratio")
		return err
	case FormatXYZ:
		_, err := fmt.Fprintln(out, "%  GPST                  x-ecef(m)      y-ecef(m)      z-ecef(m)   Q  ns   sdx(m)   sdy(m)   sdz(m)  sdxy(m)  sdyz(m)  sdzx(m) age(s)  ratio")
		return err
	case FormatENU:
		_, err := fmt.Fprintln(out, "%  GPST                  e-baseline(m)  n-baseline(m)  u-baseline(m)   Q  ns   sde(m)   sdn(m)   sdu(m)  sden(m)  sdnu(m)  sdue(m) age(s)  ratio")
		return err
	}
	return nil
}

// WriteRecord writes one solution line, the teacher's OutSols. FormatNMEA
// writes one GGA sentence (GGASentence with a zero geoid model) instead
// of a column line.
func (w *Writer) WriteRecord(out io.Writer, r Record) error {
	t := r.Time
	if w.TimeUTC {
		t = t.ToUTC()
	}
	ep := t.Epoch()
	timestamp := fmt.Sprintf("%04.0f/%02.0f/%02.0f %02.0f:%02.0f:%09.6f", ep[0], ep[1], ep[2], ep[3], ep[4], ep[5])

	switch w.Format {
	case FormatLLH:
		return w.writeLLH(out, timestamp, r)
	case FormatXYZ:
		return w.writeXYZ(out, timestamp, r)
	case FormatENU:
		return w.writeENU(out, timestamp, r)
	case FormatNMEA:
		_, err := io.WriteString(out, GGASentence(r, geoid.Zero()))
		return err
	default:
		return fmt.Errorf("solution: unsupported text format %d", w.Format)
	}
}

func (w *Writer) writeLLH(out io.Writer, ts string, r Record) error {
	llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
	lat, lon := llh[0], llh[1]
	if w.Degrees {
		lat *= 180 / math.Pi
		lon *= 180 / math.Pi
	}
	enuCov := enuCovFromEcef(llh, r.Cov)
	_, err := fmt.Fprintf(out, "%s %14.9f %14.9f %10.4f  %d  %2d %8.4f %8.4f %8.4f %8.4f %8.4f %8.4f %6.2f %6.1f\n",
		ts, lat, lon, llh[2], int(r.Quality), r.NSats,
		sqrtAbs(enuCov[1]), sqrtAbs(enuCov[0]), sqrtAbs(enuCov[2]),
		sqrtAbs(enuCov[3]), sqrtAbs(enuCov[5]), sqrtAbs(enuCov[4]),
		r.Age, r.Ratio)
	return err
}

func (w *Writer) writeXYZ(out io.Writer, ts string, r Record) error {
	_, err := fmt.Fprintf(out, "%s %14.4f %14.4f %14.4f  %d  %2d %8.4f %8.4f %8.4f %8.4f %8.4f %8.4f %6.2f %6.1f\n",
		ts, r.Rr[0], r.Rr[1], r.Rr[2], int(r.Quality), r.NSats,
		sqrtAbs(r.Cov[0]), sqrtAbs(r.Cov[1]), sqrtAbs(r.Cov[2]),
		sqrtAbs(r.Cov[3]), sqrtAbs(r.Cov[4]), sqrtAbs(r.Cov[5]),
		r.Age, r.Ratio)
	return err
}

func (w *Writer) writeENU(out io.Writer, ts string, r Record) error {
	base := w.BasePos
	baseLLH := gtime.Ecef2Pos(gtime.Vec3(base))
	enu := gtime.Ecef2Enu(baseLLH, gtime.Vec3{r.Rr[0] - base[0], r.Rr[1] - base[1], r.Rr[2] - base[2]})
	enuCov := enuCovFromEcef(baseLLH, r.Cov)
	_, err := fmt.Fprintf(out, "%s %14.4f %14.4f %14.4f  %d  %2d %8.4f %8.4f %8.4f %8.4f %8.4f %8.4f %6.2f %6.1f\n",
		ts, enu[0], enu[1], enu[2], int(r.Quality), r.NSats,
		sqrtAbs(enuCov[0]), sqrtAbs(enuCov[1]), sqrtAbs(enuCov[2]),
		sqrtAbs(enuCov[3]), sqrtAbs(enuCov[4]), sqrtAbs(enuCov[5]),
		r.Age, r.Ratio)
	return err
}

// enuCovFromEcef rotates a compressed ECEF covariance into the local ENU
// frame at pos, the teacher's Cov2Sol + SolStd combination (here split
// out so both LLH and ENU output can share it).
func enuCovFromEcef(llh gtime.Vec3, c [6]float64) [6]float64 {
	p := gtime.Mat3{
		c[0], c[3], c[5],
		c[3], c[1], c[4],
		c[5], c[4], c[2],
	}
	q := gtime.Cov2Enu(llh, p)
	return [6]float64{q[0], q[4], q[8], q[1], q[5], q[2]}
}

func sqrtAbs(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

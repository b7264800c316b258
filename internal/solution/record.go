// Package solution formats processed fixes into the output formats RTKLIB
// consumers expect: plain-text LLH/XYZ/ENU position records, NMEA GGA/RMC
// sentences, and KML/GPX trajectories, grounded on the teacher's
// src/solution.go (OutSolPos/OutSolEnu/OutSolNmeaGga/OutSolNmeaRmc) and
// app/convkml.go / app/convgpx.go.
package solution

import (
	"github.com/rtkgo/rtkcore/internal/pntpos"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/store"
)

// Quality is the output quality code spec.md's file format names:
// {single=5, DGPS=4, float=2, fix=1, PPP=6, DR=7, sbas=3, none=0}, the
// teacher's SOLQ_* constants.
type Quality int

const (
	QualityNone   Quality = 0
	QualityFixed  Quality = 1
	QualityFloat  Quality = 2
	QualitySBAS   Quality = 3
	QualityDGPS   Quality = 4
	QualitySingle Quality = 5
	QualityPPP    Quality = 6
	QualityDR     Quality = 7
)

// Record is one epoch's solution in the output layout shared by every
// text format: position, compressed covariance, and the quality/ratio/age
// metadata every LLH/XYZ/ENU line carries. Grounded on the teacher's Sol
// struct (src/rtklib.go).
type Record struct {
	Time    store.Gtime
	Rr      [3]float64 // ECEF position (m)
	Cov     [6]float64 // {xx,yy,zz,xy,yz,zx} position covariance (m^2)
	VelECEF [3]float64 // ECEF velocity (m/s), zero if not estimated
	Quality Quality
	NSats   int
	Age     float64 // age of differential (s), 0 for single-point
	Ratio   float64 // AR ratio, 0 if ambiguity resolution wasn't attempted
}

// FromRTK converts an internal/rtk.Solution (relative-positioning result)
// into a Record, the teacher's solution assignment at the end of
// RelativePos.
func FromRTK(sol rtk.Solution, age float64) Record {
	q := QualityFloat
	if sol.Quality == rtk.QualityFixed {
		q = QualityFixed
	} else if sol.Quality == rtk.QualityNone {
		q = QualityNone
	}
	return Record{
		Time:    sol.Time,
		Rr:      sol.Rr,
		Cov:     sol.Cov,
		Quality: q,
		NSats:   sol.NSats,
		Age:     age,
		Ratio:   sol.Ratio,
	}
}

// FromPntpos converts an internal/pntpos.Solution (single-point fix) into
// a Record, the teacher's solution assignment at the end of PntPos.
func FromPntpos(sol pntpos.Solution) Record {
	q := QualitySingle
	if sol.Quality == pntpos.QualitySBAS {
		q = QualitySBAS
	} else if sol.Quality == pntpos.QualityNone {
		q = QualityNone
	}
	return Record{
		Time:    sol.Time,
		Rr:      [3]float64{sol.Rr[0], sol.Rr[1], sol.Rr[2]},
		Cov:     sol.Qr,
		VelECEF: [3]float64{sol.Rr[3], sol.Rr[4], sol.Rr[5]},
		Quality: q,
		NSats:   sol.NumSats,
	}
}

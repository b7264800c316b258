// Package pntpos implements the single-point positioner: iterated weighted
// least squares over pseudorange (and, once converged, Doppler) residuals
// producing a standalone position/velocity/clock-bias fix, with chi-square
// and GDOP solution validation and RAIM failure-detection-and-exclusion
// (spec.md 1, component F).
//
// Grounded on FengXuebin-gnssgo src/pntpos.go (VarianceErr, Prange,
// Residuals, ValSol, EstimatePos, RaimFde, ResidualDop, EstVel, PntPos) and
// src/common.go (SatExclude, DOPs, the chisqr table): the teacher threads
// state through shared flat arrays and *float64 out-params; this package
// returns values and takes internal/linalg's gonum-backed least squares
// instead of the teacher's hand-rolled LSQ/MatInv.
package pntpos

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/rtkgo/rtkcore/internal/atmos"
	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/linalg"
	"github.com/rtkgo/rtkcore/internal/satpos"
	"github.com/rtkgo/rtkcore/internal/store"
)

// nx is the number of estimated parameters: receiver XYZ, GPS clock bias,
// plus one inter-system time-offset state per non-GPS constellation group
// (GLO, GAL, CMP, IRN).
const nx = 8

const (
	maxIter    = 10
	errIono    = 5.0
	errTrop    = 3.0
	errSaas    = 0.3
	errBrdcIon = 0.5
	errCBias   = 0.3
	relHumi    = 0.7
	minEl      = 5.0 * math.Pi / 180.0
	maxVarEph  = 300.0 * 300.0
)

// IonoOpt selects the ionospheric correction model.
type IonoOpt int

const (
	IonoOff IonoOpt = iota
	IonoBroadcast
	IonoIFLC // iono-free dual-frequency combination
)

// TropOpt selects the tropospheric correction model.
type TropOpt int

const (
	TropOff TropOpt = iota
	TropSaastamoinen
)

// EphOpt selects which ephemeris source the satellite-state evaluator uses.
type EphOpt int

const (
	EphBroadcast EphOpt = iota
	EphPrecise
	EphSBAS
)

// ErrorFactors holds the per-system pseudorange error-model scale factors
// and the {a,b} elevation-dependence coefficients from spec.md 4.F, matching
// the teacher's PrcOpt.Err[0..2] slots (factor, constant term, elevation
// term).
type ErrorFactors struct {
	A, B float64 // constant and elevation-dependent terms (m)
}

// Options configures one Position call. In a zero Options the ionosphere
// and troposphere corrections and the elevation mask are off; only the
// error factors (100, 0.003) and MaxGDOP (30) fall back to defaults.
// DefaultOptions gives broadcast ionosphere, Saastamoinen troposphere and
// a 15-degree elevation mask.
type Options struct {
	ElevationMask float64
	SNRMask       float64 // 0 disables the SNR test
	IonoOpt       IonoOpt
	TropOpt       TropOpt
	EphOpt        EphOpt
	Err           ErrorFactors
	MaxGDOP       float64
	RAIM          bool
	Excluded      map[int]bool // satellites forced out regardless of health
}

// DefaultOptions returns spec.md 4.F's single-point defaults.
func DefaultOptions() Options {
	return Options{
		ElevationMask: 15.0 * math.Pi / 180.0,
		IonoOpt:       IonoBroadcast,
		TropOpt:       TropSaastamoinen,
		MaxGDOP:       30.0,
		Err:           ErrorFactors{A: 100.0, B: 0.003},
	}
}

// Quality flags the solution category, mirroring the teacher's SOLQ_*.
type Quality int

const (
	QualityNone Quality = iota
	QualitySingle
	QualitySBAS
)

// Solution is a single-point position/velocity/clock-bias fix.
type Solution struct {
	Time         store.Gtime
	Rr           [6]float64 // ECEF position (0:3) and velocity (3:6) (m, m/s)
	Qr           [6]float64 // position covariance {xx,yy,zz,xy,yz,zx}
	Qv           [6]float64 // velocity covariance, same layout
	ClockBias    [5]float64 // {GPS, GLO-GPS, GAL-GPS, BDS-GPS, IRN-GPS} offsets (s)
	NumSats      int
	Quality      Quality
	SatAzEl      map[int][2]float64
	SatValid     map[int]bool
	SatResidual  map[int]float64
}

// perSatState is the satellite position/clock/variance/health bundle
// computed once per epoch and reused across iterations.
type perSatState struct {
	sat     int
	sys     int
	pos     gtime.Vec3
	vel     gtime.Vec3
	clkBias float64
	clkVar  float64
	posVar  float64
	healthy bool
}

func satState(t store.Gtime, obsTime store.Gtime, sat int, eph *store.EphStore, opt Options) (perSatState, bool) {
	sys, _ := store.SatSys(sat)
	st := perSatState{sat: sat, sys: sys}

	switch {
	case sys == store.SysGLO:
		g, ok := eph.GLOAt(sat, t)
		if !ok {
			return st, false
		}
		s, err := satpos.GlonassPos(t, g)
		if err != nil {
			return st, false
		}
		st.pos, st.vel, st.clkBias, st.posVar, st.clkVar = s.Pos, s.Vel, s.ClockBias, s.VarPos, s.VarClk
		st.healthy = g.Svh == 0
	case opt.EphOpt == EphSBAS || sys == store.SysSBS:
		s0, ok := eph.SBSAt(sat, t)
		if !ok {
			return st, false
		}
		s, err := satpos.SbasPos(t, s0)
		if err != nil {
			return st, false
		}
		st.pos, st.vel, st.clkBias, st.posVar, st.clkVar = s.Pos, s.Vel, s.ClockBias, s.VarPos, s.VarClk
		st.healthy = s0.Svh == 0
	default:
		e, ok := eph.GPSAt(sat, t)
		if !ok {
			return st, false
		}
		s, err := satpos.BroadcastPos(t, e)
		if err != nil {
			return st, false
		}
		st.pos, st.vel, st.clkBias, st.posVar, st.clkVar = s.Pos, s.Vel, s.ClockBias, s.VarPos, s.VarClk
		svh := e.Svh
		if sys == store.SysQZS {
			svh &^= 0x01 // mask QZSS LEX health bit
		}
		st.healthy = svh == 0
	}
	if st.posVar > maxVarEph {
		st.healthy = false
	}
	return st, true
}

// varianceErr is the measurement-noise model of spec.md 4.F: elevation term
// scaled by a per-system error factor, with the variance multiplied by 9
// (standard deviation tripled) for the iono-free combination.
func varianceErr(opt Options, el float64, sys int) float64 {
	fact := 1.0
	switch sys {
	case store.SysGLO:
		fact = 1.5
	case store.SysSBS:
		fact = 3.0
	case store.SysIRN:
		fact = 1.5
	}
	if el < minEl {
		el = minEl
	}
	a, b := opt.Err.A, opt.Err.B
	if a == 0 && b == 0 {
		a, b = 100.0, 0.003
	}
	v := a * a * (1.0 + 1.0/(math.Sin(el)*math.Sin(el))) * b * b
	if opt.IonoOpt == IonoIFLC {
		v *= 9.0
	}
	return fact * fact * v
}

// timeOffsetIndex maps a non-GPS system to its clock-offset state slot
// (4..7 of the 8-state vector), or -1 for GPS/QZS/SBS which share state 3.
func timeOffsetIndex(sys int) int {
	switch sys {
	case store.SysGLO:
		return 4
	case store.SysGAL:
		return 5
	case store.SysCMP:
		return 6
	case store.SysIRN:
		return 7
	}
	return -1
}

type obsResidual struct {
	sat     int
	az, el  float64
	valid   bool
	resid   float64
}

// residuals builds the weighted design matrix and residual vector for one
// iteration, mirroring the teacher's Residuals.
func residuals(iter int, obs []store.Obs, states map[int]perSatState, rr [3]float64, x []float64, opt Options, ion [8]float64, eph *store.EphStore) (h *mat.Dense, v *mat.VecDense, diag []obsResidual) {
	pos := gtime.Ecef2Pos(gtime.Vec3{rr[0], rr[1], rr[2]})
	rows := make([][]float64, 0, len(obs)+nx-3)
	vs := make([]float64, 0, len(obs)+nx-3)
	variances := make([]float64, 0, len(obs)+nx-3)
	diag = make([]obsResidual, len(obs))
	var mask [nx - 3]bool

	for i, o := range obs {
		st, ok := states[o.Sat]
		if !ok || !st.healthy {
			continue
		}
		if opt.Excluded[o.Sat] {
			continue
		}
		r, los := gtime.GeoDist(st.pos, gtime.Vec3{rr[0], rr[1], rr[2]})
		if r <= 0 {
			continue
		}
		var az, el float64
		if iter > 0 {
			az, el = gtime.SatAzEl(pos, los)
			if el < opt.ElevationMask {
				continue
			}
			if opt.SNRMask > 0 && float64(o.SNR[0])*0.001 < opt.SNRMask {
				continue
			}
		}
		P := o.P[0]
		if P == 0 {
			continue
		}
		var dion, vion, dtrp, vtrp float64
		if iter > 0 {
			ap := atmos.Pos{Lat: pos[0], Lon: pos[1], Hgt: pos[2]}
			aa := atmos.AzEl{Az: az, El: el}
			switch opt.IonoOpt {
			case IonoBroadcast:
				_, tow := t2gpst(o.Time)
				dion = atmos.IonModel(tow, ion, ap, aa)
				vion = (dion * errBrdcIon) * (dion * errBrdcIon)
			case IonoOff:
				vion = errIono * errIono
			}
			switch opt.TropOpt {
			case TropSaastamoinen:
				dtrp = atmos.TropModel(ap, aa, relHumi)
				vtrp = (errSaas / (math.Sin(el) + 0.1)) * (errSaas / (math.Sin(el) + 0.1))
			case TropOff:
				vtrp = errTrop * errTrop
			}
		}
		row := make([]float64, nx)
		for j := 0; j < 3; j++ {
			row[j] = -los[j]
		}
		row[3] = 1.0
		vv := P - (r + x[3] - 299792458.0*st.clkBias + dion + dtrp)
		if idx := timeOffsetIndex(st.sys); idx >= 0 {
			vv -= x[idx]
			row[idx] = 1.0
			mask[idx-3] = true
		} else {
			mask[0] = true
		}
		rows = append(rows, row)
		vs = append(vs, vv)
		variances = append(variances, varianceErr(opt, el, st.sys)+st.posVar+st.clkVar+vion+vtrp+errCBias*errCBias)
		diag[i] = obsResidual{sat: o.Sat, az: az, el: el, valid: true, resid: vv}
	}
	// rank-deficiency constraints for unobserved system-offset states
	for i := 0; i < nx-3; i++ {
		if mask[i] {
			continue
		}
		row := make([]float64, nx)
		row[i+3] = 1.0
		rows = append(rows, row)
		vs = append(vs, 0.0)
		variances = append(variances, 0.01)
	}

	n := len(rows)
	hd := mat.NewDense(n, nx, nil)
	vd := mat.NewVecDense(n, nil)
	for i, row := range rows {
		sig := math.Sqrt(variances[i])
		for j := 0; j < nx; j++ {
			hd.Set(i, j, row[j]/sig)
		}
		vd.SetVec(i, vs[i]/sig)
	}
	return hd, vd, diag
}

func t2gpst(t store.Gtime) (week int, tow float64) { return t.ToGPST() }

// chisqr is the chi-square(n), alpha=0.001 table, teacher's common.go
// chisqr.
var chisqr = [100]float64{
	10.8, 13.8, 16.3, 18.5, 20.5, 22.5, 24.3, 26.1, 27.9, 29.6,
	31.3, 32.9, 34.5, 36.1, 37.7, 39.3, 40.8, 42.3, 43.8, 45.3,
	46.8, 48.3, 49.7, 51.2, 52.6, 54.1, 55.5, 56.9, 58.3, 59.7,
	61.1, 62.5, 63.9, 65.2, 66.6, 68.0, 69.3, 70.7, 72.1, 73.4,
	74.7, 76.0, 77.3, 78.6, 80.0, 81.3, 82.6, 84.0, 85.4, 86.7,
	88.0, 89.3, 90.6, 91.9, 93.3, 94.7, 96.0, 97.4, 98.7, 100,
	101, 102, 103, 104, 105, 107, 108, 109, 110, 112,
	113, 114, 115, 116, 118, 119, 120, 122, 123, 125,
	126, 127, 128, 129, 131, 132, 133, 134, 135, 137,
	138, 139, 140, 142, 143, 144, 145, 147, 148, 149,
}

func dops(diag []obsResidual, elmin float64) (gdop float64) {
	rows := make([][4]float64, 0, len(diag))
	for _, d := range diag {
		if !d.valid || d.el < elmin || d.el <= 0 {
			continue
		}
		cosel, sinel := math.Cos(d.el), math.Sin(d.el)
		rows = append(rows, [4]float64{cosel * math.Sin(d.az), cosel * math.Cos(d.az), sinel, 1.0})
	}
	if len(rows) < 4 {
		return 0
	}
	h := mat.NewDense(len(rows), 4, nil)
	for i, r := range rows {
		for j := 0; j < 4; j++ {
			h.Set(i, j, r[j])
		}
	}
	var q mat.Dense
	q.Mul(h.T(), h)
	var inv mat.Dense
	if err := inv.Inverse(&q); err != nil {
		return 0
	}
	return math.Sqrt(inv.At(0, 0) + inv.At(1, 1) + inv.At(2, 2) + inv.At(3, 3))
}

// estimatePos runs the iterated weighted least squares of spec.md 4.F.
func estimatePos(obs []store.Obs, states map[int]perSatState, opt Options, ion [8]float64, eph *store.EphStore, sol *Solution) error {
	var x [nx]float64
	x[0], x[1], x[2] = sol.Rr[0], sol.Rr[1], sol.Rr[2]
	var lastDiag []obsResidual
	var q *mat.SymDense

	for iter := 0; iter < maxIter; iter++ {
		rr := [3]float64{x[0], x[1], x[2]}
		h, v, diag := residuals(iter, obs, states, rr, x[:], opt, ion, eph)
		rows, _ := h.Dims()
		if rows < nx {
			return fmt.Errorf("pntpos: lack of valid satellites (%d < %d)", rows, nx)
		}
		dx, qq, err := linalg.WeightedLeastSquares(h, v)
		if err != nil {
			return fmt.Errorf("pntpos: %w", err)
		}
		for j := 0; j < nx; j++ {
			x[j] += dx[j]
		}
		lastDiag, q = diag, qq
		norm := 0.0
		for _, d := range dx {
			norm += d * d
		}
		if math.Sqrt(norm) < 1e-4 {
			sol.Time = sol.Time.Add(-x[3] / 299792458.0)
			sol.ClockBias[0] = x[3] / 299792458.0
			sol.ClockBias[1] = x[4] / 299792458.0
			sol.ClockBias[2] = x[5] / 299792458.0
			sol.ClockBias[3] = x[6] / 299792458.0
			sol.ClockBias[4] = x[7] / 299792458.0
			sol.Rr[0], sol.Rr[1], sol.Rr[2] = x[0], x[1], x[2]
			sol.Qr[0], sol.Qr[1], sol.Qr[2] = q.At(0, 0), q.At(1, 1), q.At(2, 2)
			sol.Qr[3], sol.Qr[4], sol.Qr[5] = q.At(0, 1), q.At(1, 2), q.At(0, 2)

			ns := 0
			sol.SatAzEl = map[int][2]float64{}
			sol.SatValid = map[int]bool{}
			sol.SatResidual = map[int]float64{}
			for _, d := range lastDiag {
				if !d.valid {
					continue
				}
				sol.SatAzEl[d.sat] = [2]float64{d.az, d.el}
				sol.SatValid[d.sat] = true
				sol.SatResidual[d.sat] = d.resid
				ns++
			}
			sol.NumSats = ns

			vv := 0.0
			for i := 0; i < v.Len(); i++ {
				vv += v.AtVec(i) * v.AtVec(i)
			}
			nv := rows
			if nv > nx && vv > chisqr[min(nv-nx-1, 99)] {
				return fmt.Errorf("pntpos: chi-square test failed (nv=%d vv=%.1f)", nv, vv)
			}
			gdop := dops(lastDiag, opt.ElevationMask)
			maxGdop := opt.MaxGDOP
			if maxGdop == 0 {
				maxGdop = 30.0
			}
			if gdop <= 0 || gdop > maxGdop {
				return fmt.Errorf("pntpos: gdop test failed (gdop=%.1f)", gdop)
			}
			sol.Quality = QualitySingle
			if opt.EphOpt == EphSBAS {
				sol.Quality = QualitySBAS
			}
			return nil
		}
	}
	return fmt.Errorf("pntpos: iteration did not converge after %d steps", maxIter)
}

// raimFDE retries estimatePos with each satellite excluded in turn, keeping
// the result with the smallest RMS residual among solutions using >= 5
// satellites (spec.md 4.F RAIM).
func raimFDE(obs []store.Obs, states map[int]perSatState, opt Options, ion [8]float64, eph *store.EphStore, sol *Solution) error {
	type candidate struct {
		sol *Solution
		rms float64
		ex  int
	}
	var best *candidate
	for i, o := range obs {
		trial := make([]store.Obs, 0, len(obs)-1)
		for j, oo := range obs {
			if j != i {
				trial = append(trial, oo)
			}
		}
		trialSol := *sol
		trialSol.Rr = sol.Rr
		if err := estimatePos(trial, states, opt, ion, eph, &trialSol); err != nil {
			continue
		}
		if trialSol.NumSats < 5 {
			continue
		}
		rms := 0.0
		for _, r := range trialSol.SatResidual {
			rms += r * r
		}
		rms = math.Sqrt(rms / float64(trialSol.NumSats))
		if best == nil || rms < best.rms {
			best = &candidate{sol: &trialSol, rms: rms, ex: o.Sat}
		}
	}
	if best == nil {
		return fmt.Errorf("pntpos: raim found no valid 1-satellite-excluded solution")
	}
	*sol = *best.sol
	return nil
}

// estVel estimates receiver velocity from Doppler, mirroring the teacher's
// ResidualDop/EstVel. Frequencies are approximated by each system's nominal
// primary carrier (GLONASS FDMA channel offsets are not modelled, since the
// observation record carries no channel number independent of the
// ephemeris).
func estVel(obs []store.Obs, states map[int]perSatState, sol *Solution) {
	pos := gtime.Ecef2Pos(gtime.Vec3{sol.Rr[0], sol.Rr[1], sol.Rr[2]})
	enu := gtime.Xyz2Enu(pos)
	var x [4]float64

	for iter := 0; iter < maxIter; iter++ {
		rows := make([][4]float64, 0, len(obs))
		vs := make([]float64, 0, len(obs))
		for _, o := range obs {
			st, ok := states[o.Sat]
			if !ok || !st.healthy || o.D[0] == 0 {
				continue
			}
			freq := nominalFreq(st.sys)
			if freq == 0 {
				continue
			}
			azel, ok := sol.SatAzEl[o.Sat]
			if !ok {
				continue
			}
			cosel := math.Cos(azel[1])
			a := gtime.Vec3{math.Sin(azel[0]) * cosel, math.Cos(azel[0]) * cosel, math.Sin(azel[1])}
			e := enu.Transpose().MulVec(a)
			vs3 := gtime.Vec3{st.vel[0] - x[0], st.vel[1] - x[1], st.vel[2] - x[2]}
			rate := e[0]*vs3[0] + e[1]*vs3[1] + e[2]*vs3[2]
			rate += 7.2921151467e-5 / 299792458.0 * (st.vel[1]*sol.Rr[0] + st.pos[1]*x[0] - st.vel[0]*sol.Rr[1] - st.pos[0]*x[1])

			v := -o.D[0]*299792458.0/freq - (rate + x[3] - 299792458.0*0)
			rows = append(rows, [4]float64{-e[0], -e[1], -e[2], 1.0})
			vs = append(vs, v)
		}
		if len(rows) < 4 {
			return
		}
		h := mat.NewDense(len(rows), 4, nil)
		vd := mat.NewVecDense(len(vs), vs)
		for i, r := range rows {
			for j := 0; j < 4; j++ {
				h.Set(i, j, r[j])
			}
		}
		dx, q, err := linalg.WeightedLeastSquares(h, vd)
		if err != nil {
			return
		}
		for j := 0; j < 4; j++ {
			x[j] += dx[j]
		}
		norm := 0.0
		for _, d := range dx[:4] {
			norm += d * d
		}
		if math.Sqrt(norm) < 1e-6 {
			sol.Rr[3], sol.Rr[4], sol.Rr[5] = x[0], x[1], x[2]
			sol.Qv[0], sol.Qv[1], sol.Qv[2] = q.At(0, 0), q.At(1, 1), q.At(2, 2)
			sol.Qv[3], sol.Qv[4], sol.Qv[5] = q.At(0, 1), q.At(1, 2), q.At(0, 2)
			return
		}
	}
}

func nominalFreq(sys int) float64 {
	switch sys {
	case store.SysGLO:
		return 1.60200e9
	case store.SysCMP:
		return 1.561098e9
	default:
		return 1.57542e9
	}
}

// Position computes a single-point fix from one epoch's (deduplicated,
// time-sorted) observations, using ephs for satellite-state evaluation and
// ion for the broadcast ionosphere coefficients.
func Position(obs []store.Obs, ephs *store.EphStore, opt Options, ion [8]float64, prevRr [3]float64) (Solution, error) {
	if len(obs) == 0 {
		return Solution{Quality: QualityNone}, fmt.Errorf("pntpos: no observation data")
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Sat < obs[j].Sat })

	t := obs[0].Time
	states := make(map[int]perSatState, len(obs))
	for _, o := range obs {
		if _, ok := states[o.Sat]; ok {
			continue
		}
		if st, ok := satState(t, t, o.Sat, ephs, opt); ok {
			states[o.Sat] = st
		}
	}

	sol := Solution{Time: t}
	sol.Rr[0], sol.Rr[1], sol.Rr[2] = prevRr[0], prevRr[1], prevRr[2]

	err := estimatePos(obs, states, opt, ion, ephs, &sol)
	if err != nil && opt.RAIM && len(obs) >= 6 {
		err = raimFDE(obs, states, opt, ion, ephs, &sol)
	}
	if err != nil {
		return sol, err
	}
	estVel(obs, states, &sol)
	return sol, nil
}

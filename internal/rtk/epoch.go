package rtk

import (
	"fmt"
	"math"
	"sort"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/linalg"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/rtkgo/rtkcore/internal/taxonomy"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Quality mirrors the teacher's solution-quality codes this module
// produces (SOLQ_NONE/FIX/FLOAT).
type Quality int

const (
	QualityNone Quality = iota
	QualityFloat
	QualityFixed
)

// Solution is one epoch's relative-positioning result.
type Solution struct {
	Time    store.Gtime
	Rr      [3]float64 // ECEF position (fixed if Quality==QualityFixed, else float)
	Qr      [3]float64 // position variance diagonal
	Cov     [6]float64 // position covariance, compressed as {xx,yy,zz,xy,yz,zx} (teacher's Sol.Qr layout)
	Quality Quality
	Ratio   float64 // ambiguity-resolution ratio-test value, 0 if not attempted
	NSats   int
	NFixedAmb int
}

// Resolver fixes double-differenced integer ambiguities from a filter's
// float state and covariance, implemented by internal/ambiguity. Kept as
// an interface here so the Kalman core has no dependency on the LAMBDA
// search itself (the same external-collaborator-boundary pattern used by
// internal/rtcmssr.Decoder).
type Resolver interface {
	Resolve(f *Filter) (fixed bool, xa []float64, pa *mat.SymDense, ratio float64, nFixed int)
}

// ValidPos runs the post-fit residual chi-square gate: every DD residual
// must satisfy v^2 <= thres^2*R. Grounded on the teacher's (*Rtk) ValidPos.
func ValidPos(rows []ddRow, v []float64, thres float64) (bool, error) {
	fact := thres * thres
	for i, row := range rows {
		r := row.varRef + row.varOther
		if v[i]*v[i] > fact*r {
			return false, fmt.Errorf("rtk: large residual sat=%d ref=%d freq=%d v=%.3f std=%.3f", row.sat, row.refSat, row.freq, v[i], math.Sqrt(r))
		}
	}
	return true, nil
}

// HoldAmb applies a pseudo-measurement constraining every held ambiguity
// to its fixed-solution value, feeding the fixed values back into the
// float filter so future epochs start from them (teacher's HoldAmb).
func (f *Filter) HoldAmb(xa []float64) error {
	var coeffRows []map[int]float64
	var resid []float64
	for k := range f.Layout.AmbSlots() {
		st, ok := f.Sat[k.Sat]
		if !ok || st.FixState[k.Freq] != 2 || st.El < f.Cfg.ElevationMaskHold {
			continue
		}
		st.FixState[k.Freq] = 3
	}
	// constrain pairs sharing a reference within each (sysGroup,freq)
	type heldIdx struct {
		idx int
		el  float64
	}
	byGroup := map[refKey][]heldIdx{}
	for k, idx := range f.Layout.AmbSlots() {
		st, ok := f.Sat[k.Sat]
		if !ok || st.FixState[k.Freq] != 3 {
			continue
		}
		key := refKey{sysGroup(st.Sys), k.Freq, true}
		byGroup[key] = append(byGroup[key], heldIdx{idx, st.El})
	}
	for _, idxs := range byGroup {
		if len(idxs) < 2 {
			continue
		}
		// Highest-elevation ambiguity is the hold reference, the same
		// deterministic ordering internal/rtk/measure.go's
		// DoubleDifference uses —
		// picking idxs[0] straight out of map-iteration order would make
		// the hold reference non-reproducible across runs.
		sort.Slice(idxs, func(i, j int) bool { return idxs[i].el > idxs[j].el })
		ref := idxs[0].idx
		for _, other := range idxs[1:] {
			coeffRows = append(coeffRows, map[int]float64{ref: 1, other.idx: -1})
			resid = append(resid, (xa[ref] - xa[other.idx]) - (f.X[ref] - f.X[other.idx]))
		}
	}
	if len(resid) == 0 {
		return nil
	}
	n := len(f.X)
	h := mat.NewDense(len(resid), n, nil)
	for i, c := range coeffRows {
		for j, v := range c {
			h.Set(i, j, v)
		}
	}
	v := mat.NewVecDense(len(resid), resid)
	r := mat.NewSymDense(len(resid), nil)
	const varHoldAmb = 0.01 * 0.01
	for i := range resid {
		r.SetSym(i, i, varHoldAmb)
	}
	p := f.P
	xp, pp, err := linalg.KalmanUpdate(f.X, p, h, v, r)
	if err != nil {
		nerr := taxonomy.NewNumericFailureError("hold-amb update", err)
		f.LogWarn(nerr, nil)
		return nerr
	}
	f.X, f.P = xp, pp
	return nil
}

// LogWarn emits a structured warning for one of spec.md 7's taxonomized
// events when f.Log is set; nil is the silent default (SPEC_FULL.md
// AMBIENT STACK Logging). Exported so internal/ambiguity can report the
// events it detects (LAMBDA factorisation/covariance-inversion failure)
// through the same Filter-scoped logger rather than its own.
func (f *Filter) LogWarn(err error, fields logrus.Fields) {
	if f.Log == nil {
		return
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = "rtk"
	f.Log.WithFields(fields).WithError(err).Warn("rtk event")
}

// Epoch runs one full relative-positioning cycle: time update, iterative
// measurement update against common rover/base satellites, float-solution
// validation, optional integer ambiguity resolution via resolver, and
// fix-and-hold. Grounded on the teacher's (*Rtk) RelativePos.
func (f *Filter) Epoch(t store.Gtime, roverObs, baseObs []store.Obs, satStates map[int]SatGeom, ion [8]float64, doy float64, resolver Resolver) (Solution, error) {
	if f.Cfg.PPP {
		return f.epochPPP(t, roverObs, satStates, doy)
	}
	rover := obsBySat(roverObs)
	base := obsBySat(baseObs)
	common := commonSats(rover, base, satStates)
	if len(common) < 4 {
		err := taxonomy.NewDataGapError("only %d common satellites, need >=4", len(common))
		f.LogWarn(err, logrus.Fields{"epoch": t.String(), "nsat": len(common)})
		return Solution{Time: t, Quality: QualityNone}, err
	}

	tt := 1.0
	if f.haveEpoch {
		tt = t.Sub(f.t0)
		if tt <= 0 || tt > 300 {
			tt = 1.0
		}
	}

	llh := gtime.Ecef2Pos(gtimeVec3(f.Rb))
	rbLLH := [3]float64{llh[0], llh[1], llh[2]}

	wavelen := func(sat, freq int) float64 {
		sys := satStates[sat].Sys
		return nominalWavelength(sys, freq)
	}
	f.UpdateState(tt, rover, base, common, wavelen)

	satSys := map[int]int{}
	for sat, g := range satStates {
		satSys[sat] = g.Sys
	}

	const niter = 4
	var rows []ddRow
	var v *mat.VecDense
	for iter := 0; iter < niter; iter++ {
		rr := [3]float64{f.X[0], f.X[1], f.X[2]}
		rPos := gtime.Ecef2Pos(gtimeVec3(rr))
		roverLLH := [3]float64{rPos[0], rPos[1], rPos[2]}

		geomRover := map[int]stationGeom{}
		geomBase := map[int]stationGeom{}
		codeResR := map[int][]float64{}
		codeResB := map[int][]float64{}
		phaseResR := map[int][]float64{}
		phaseResB := map[int][]float64{}
		nf := f.Cfg.nf()
		for _, sat := range common {
			sg := satStates[sat]
			gr := geomFrom(rr, sg)
			gb := geomFrom(f.Rb, sg)
			geomRover[sat] = gr
			geomBase[sat] = gb
			wl := func(freq int) float64 { return wavelen(sat, freq) }
			cr, pr := undiffResidual(rr, roverLLH, sg, gr, rover[sat], nf, ion, f.Cfg.Trop, 0, doy, wl)
			cb, pb := undiffResidual(f.Rb, rbLLH, sg, gb, base[sat], nf, ion, f.Cfg.Trop, 0, doy, wl)
			codeResR[sat], phaseResR[sat] = cr, pr
			codeResB[sat], phaseResB[sat] = cb, pb
		}
		bl, _ := baselineLen(rr[:], f.Rb)
		rows = DoubleDifference(f, common, geomRover, geomBase, satSys, codeResR, codeResB, phaseResR, phaseResB, bl)
		if cResid, cCoef, cVar, ok := ConstBaselineLen(f); ok {
			rows = append(rows, ddRow{resid: cResid, coeffs: cCoef, varRef: cVar, varOther: 0})
		}
		if len(rows) == 0 {
			err := taxonomy.NewDataGapError("no valid double-difference observations")
			f.LogWarn(err, logrus.Fields{"epoch": t.String()})
			return Solution{Time: t, Quality: QualityNone}, err
		}

		n := len(f.X)
		h := mat.NewDense(len(rows), n, nil)
		resid := make([]float64, len(rows))
		r := mat.NewSymDense(len(rows), nil)
		for i, row := range rows {
			for j, c := range row.coeffs {
				h.Set(i, j, c)
			}
			resid[i] = row.resid
			r.SetSym(i, i, row.varRef+row.varOther)
		}
		v = mat.NewVecDense(len(rows), resid)
		xp, pp, err := linalg.KalmanUpdate(f.X, f.P, h, v, r)
		if err != nil {
			nerr := taxonomy.NewNumericFailureError("kalman update", err)
			f.LogWarn(nerr, logrus.Fields{"epoch": t.String()})
			return Solution{Time: t, Quality: QualityNone}, nerr
		}
		f.X, f.P = xp, pp
	}

	if ok, verr := ValidPos(rows, v.RawVector().Data, 4.0); !ok {
		f.LogWarn(verr, logrus.Fields{"epoch": t.String()})
		return Solution{Time: t, Quality: QualityNone}, verr
	}

	for _, row := range rows {
		if st, ok := f.Sat[row.sat]; ok && row.isPhase {
			st.Valid[row.freq] = true
			if st.Lock[row.freq] >= f.Cfg.MinLockAR && st.El >= f.Cfg.ElevationMaskAR {
				st.FixState[row.freq] = 1
			}
		}
	}

	sol := Solution{Time: t, Quality: QualityFloat, NSats: len(common)}
	for i := 0; i < 3; i++ {
		sol.Rr[i] = f.X[i]
		sol.Qr[i] = f.P.At(i, i)
	}
	sol.Cov = compressCov3(f.P)
	f.t0, f.haveEpoch = t, true

	if resolver != nil {
		if fixed, xa, pa, ratio, nFixed := resolver.Resolve(f); fixed {
			sol.Ratio = ratio
			sol.NFixedAmb = nFixed
			sol.Quality = QualityFixed
			for i := 0; i < 3; i++ {
				sol.Rr[i] = xa[i]
				sol.Qr[i] = pa.At(i, i)
			}
			sol.Cov = compressCov3(pa)
			for k, idx := range f.Layout.AmbSlots() {
				if st, ok := f.Sat[k.Sat]; ok && idx < len(xa) {
					if st.FixState[k.Freq] == 1 {
						st.FixState[k.Freq] = 2
					}
				}
			}
			f.Nfix++
			if f.Nfix >= f.Cfg.MinFixToHold {
				if err := f.HoldAmb(xa); err != nil {
					return sol, err
				}
			}
		} else {
			f.Nfix = 0
			if ratio > 0 {
				f.LogWarn(&taxonomy.AmbiguityValidationError{Ratio: ratio, Threshold: f.Cfg.ThresholdAR}, logrus.Fields{"epoch": t.String()})
			}
		}
	}
	return sol, nil
}

// minSatsPPP is PPP's analogue of the DD path's len(common)<4 gate: three
// position unknowns plus the receiver clock-offset state need at least
// one redundant satellite to be observable in a single epoch.
const minSatsPPP = 5

// epochPPP is Epoch's undifferenced iono-free counterpart: no base
// observations, no double-difference step, a receiver clock-offset state
// absorbs what differencing would otherwise cancel. Always emits a float
// solution — PPP convergence to an integer-fixable ambiguity takes many
// epochs and isn't attempted here (SPEC_FULL.md's PPP mode scope; see
// DESIGN.md). Grounded on the teacher's src/ppp.go pppos, trimmed to the
// position/clock/ambiguity states this module's layout allocates.
func (f *Filter) epochPPP(t store.Gtime, roverObs []store.Obs, satStates map[int]SatGeom, doy float64) (Solution, error) {
	rover := obsBySat(roverObs)
	var common []int
	for sat := range rover {
		if _, ok := satStates[sat]; ok {
			common = append(common, sat)
		}
	}
	if len(common) < minSatsPPP {
		err := taxonomy.NewDataGapError("only %d satellites tracked, need >=%d for PPP", len(common), minSatsPPP)
		f.LogWarn(err, logrus.Fields{"epoch": t.String(), "nsat": len(common)})
		return Solution{Time: t, Quality: QualityNone}, err
	}

	tt := 1.0
	if f.haveEpoch {
		tt = t.Sub(f.t0)
		if tt <= 0 || tt > 300 {
			tt = 1.0
		}
	}

	wavelen := func(sat, freq int) float64 {
		sys := satStates[sat].Sys
		return nominalWavelength(sys, freq)
	}
	f.UpdateStatePPP(tt, rover, common, wavelen)

	clkIdx := f.Layout.ClkIndex()
	const niter = 4
	var rows []ddRow
	var v *mat.VecDense
	for iter := 0; iter < niter; iter++ {
		rr := [3]float64{f.X[0], f.X[1], f.X[2]}
		rPos := gtime.Ecef2Pos(gtimeVec3(rr))
		roverLLH := [3]float64{rPos[0], rPos[1], rPos[2]}

		rows = rows[:0]
		for _, sat := range common {
			sg := satStates[sat]
			gr := geomFrom(rr, sg)
			if gr.el < f.Cfg.ElevationMask {
				continue
			}
			ru := rover[sat]
			wl := func(fq int) float64 { return wavelen(sat, fq) }
			codeIF, phaseIF, ok := ionoFreeCombo(ru, wl)
			if !ok {
				continue
			}
			st := f.status(sat)
			st.Az, st.El = gr.az, gr.el
			st.Sys = sg.Sys
			codeRes, phaseRes := undifferencedIFResidual(roverLLH, sg, gr, codeIF, phaseIF, f.Cfg.Trop, doy, f.X[clkIdx])
			e := unitLOS(rr, gr)

			if math.Abs(codeRes) <= f.Cfg.MaxInnovation*10 { // code gate is 10x the phase gate; RtkVarianceErr weights code noise at 100x phase
				rows = append(rows, ddRow{
					resid: codeRes, sat: sat, freq: 0, isPhase: false,
					coeffs: map[int]float64{0: e[0], 1: e[1], 2: e[2], clkIdx: 1},
					varRef: RtkVarianceErr(f.Cfg, false, gr.el, 0, 0, 0),
				})
			} else if f.Log != nil {
				oe := &taxonomy.OutlierRejectedError{Sat: sat, Freq: 0, IsPhase: false, Residual: codeRes}
				f.Log.WithFields(logrus.Fields{"component": "rtk", "sat": sat}).WithError(oe).Warn("outlier rejected")
			}

			aIdx, haveAmb := f.Layout.LookupAmb(sat, 0)
			if !haveAmb {
				continue
			}
			if math.Abs(phaseRes) <= f.Cfg.MaxInnovation {
				st.RejectCount[0] = 0
				rows = append(rows, ddRow{
					resid: phaseRes, sat: sat, freq: 0, isPhase: true,
					coeffs: map[int]float64{0: e[0], 1: e[1], 2: e[2], clkIdx: 1, aIdx: 1},
					varRef: RtkVarianceErr(f.Cfg, true, gr.el, 0, 0, 0),
				})
			} else {
				st.RejectCount[0]++
				if f.Log != nil {
					oe := &taxonomy.OutlierRejectedError{Sat: sat, Freq: 0, IsPhase: true, Residual: phaseRes}
					f.Log.WithFields(logrus.Fields{"component": "rtk", "sat": sat}).WithError(oe).Warn("outlier rejected")
				}
			}
		}
		if len(rows) == 0 {
			err := taxonomy.NewDataGapError("no valid undifferenced observations")
			f.LogWarn(err, logrus.Fields{"epoch": t.String()})
			return Solution{Time: t, Quality: QualityNone}, err
		}

		n := len(f.X)
		h := mat.NewDense(len(rows), n, nil)
		resid := make([]float64, len(rows))
		r := mat.NewSymDense(len(rows), nil)
		for i, row := range rows {
			for j, c := range row.coeffs {
				h.Set(i, j, c)
			}
			resid[i] = row.resid
			r.SetSym(i, i, row.varRef+row.varOther)
		}
		v = mat.NewVecDense(len(rows), resid)
		xp, pp, err := linalg.KalmanUpdate(f.X, f.P, h, v, r)
		if err != nil {
			nerr := taxonomy.NewNumericFailureError("kalman update", err)
			f.LogWarn(nerr, logrus.Fields{"epoch": t.String()})
			return Solution{Time: t, Quality: QualityNone}, nerr
		}
		f.X, f.P = xp, pp
	}

	if ok, verr := ValidPos(rows, v.RawVector().Data, 4.0); !ok {
		f.LogWarn(verr, logrus.Fields{"epoch": t.String()})
		return Solution{Time: t, Quality: QualityNone}, verr
	}

	for _, row := range rows {
		if st, ok := f.Sat[row.sat]; ok && row.isPhase {
			st.Valid[row.freq] = true
		}
	}

	sol := Solution{Time: t, Quality: QualityFloat, NSats: len(common)}
	for i := 0; i < 3; i++ {
		sol.Rr[i] = f.X[i]
		sol.Qr[i] = f.P.At(i, i)
	}
	sol.Cov = compressCov3(f.P)
	f.t0, f.haveEpoch = t, true
	return sol, nil
}

// compressCov3 packs a covariance matrix's top-left 3x3 (position) block
// into the teacher's {xx,yy,zz,xy,yz,zx} layout, for consumers (e.g.
// internal/postproc's forward/backward smoother) that need the
// off-diagonal terms a bare variance diagonal loses.
func compressCov3(p *mat.SymDense) [6]float64 {
	return [6]float64{p.At(0, 0), p.At(1, 1), p.At(2, 2), p.At(0, 1), p.At(1, 2), p.At(2, 0)}
}

func obsBySat(obs []store.Obs) map[int]store.Obs {
	m := make(map[int]store.Obs, len(obs))
	for _, o := range obs {
		m[o.Sat] = o
	}
	return m
}

func commonSats(rover, base map[int]store.Obs, states map[int]SatGeom) []int {
	var out []int
	for sat := range rover {
		if _, ok := base[sat]; !ok {
			continue
		}
		if _, ok := states[sat]; !ok {
			continue
		}
		out = append(out, sat)
	}
	return out
}

// nominalWavelength returns the L1/L2-class carrier wavelength for sys's
// primary/secondary frequency, the same simplification internal/pntpos
// documents for Doppler velocity: a per-system nominal carrier rather
// than resolving the exact signal from the observation code tag.
func nominalWavelength(sys, freq int) float64 {
	const c = speedOfLight
	switch sys {
	case store.SysGLO:
		if freq == 0 {
			return c / 1602.0e6
		}
		return c / 1246.0e6
	default:
		if freq == 0 {
			return c / 1575.42e6
		}
		return c / 1227.60e6
	}
}

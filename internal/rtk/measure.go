package rtk

import (
	"math"
	"sort"

	"github.com/rtkgo/rtkcore/internal/atmos"
	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/rtkgo/rtkcore/internal/taxonomy"
	"github.com/sirupsen/logrus"
)

// SatGeom is one satellite's geometric state at the signal transmission
// time, supplied by the caller (internal/satpos does the propagation;
// this package only consumes the result, keeping the satellite-state
// evaluator and the filter decoupled).
type SatGeom struct {
	Sat       int
	Sys       int
	Pos       gtime.Vec3
	ClockBias float64
}

// stationGeom is one receiver's view of one satellite: range and az/el
// (no line-of-sight vector), computed once per (receiver,satellite) pair
// per epoch.
type stationGeom struct {
	r     float64
	az, el float64
}

func geomFrom(recvPos [3]float64, sat SatGeom) stationGeom {
	r, los := gtime.GeoDist(sat.Pos, gtimeVec3(recvPos))
	pos := gtime.Ecef2Pos(gtimeVec3(recvPos))
	az, el := gtime.SatAzEl(pos, los)
	return stationGeom{r: r, az: az, el: el}
}

// tropDelayAt evaluates the zenith-mapped tropospheric delay at llh/g,
// factored out of undiffResidual/undifferencedIFResidual since both need
// the identical dry+wet (or fixed-humidity) evaluation.
func tropDelayAt(llh [3]float64, g stationGeom, tropOpt TropoMode, doy float64) float64 {
	pos := atmos.Pos{Lat: llh[0], Lon: llh[1], Hgt: llh[2]}
	azel := atmos.AzEl{Az: g.az, El: g.el}
	if tropOpt != TropoOff {
		dry, _ := atmos.TropMapFunc(doy, pos, azel)
		zhd := atmos.TropModel(pos, azel, 0.0) // dry part; zwd itself is a filter state when estimated
		return dry * zhd
	}
	return atmos.TropModel(pos, azel, 0.7)
}

// undiffResidual computes one receiver's undifferenced phase/code
// residuals y = observation - (geometric range + satellite clock - light
// time effects already folded into r - atmospheric correction), for
// every frequency. Grounded on the teacher's ZdResSat.
func undiffResidual(recvPos, llh [3]float64, sat SatGeom, g stationGeom, obs store.Obs, nf int, ion [8]float64, tropOpt TropoMode, tow, doy float64, wavelen func(freq int) float64) (codeRes, phaseRes []float64) {
	codeRes = make([]float64, nf)
	phaseRes = make([]float64, nf)
	if g.el < 0 {
		return codeRes, phaseRes
	}
	pos := atmos.Pos{Lat: llh[0], Lon: llh[1], Hgt: llh[2]}
	azel := atmos.AzEl{Az: g.az, El: g.el}
	ionoDelay := atmos.IonModel(tow, ion, pos, azel)
	tropDelay := tropDelayAt(llh, g, tropOpt, doy)
	rc := g.r + sat.ClockBias*speedOfLight
	for fq := 0; fq < nf; fq++ {
		lam := wavelen(fq)
		if obs.P[fq] > 0 {
			codeRes[fq] = obs.P[fq] - (rc + ionoDelay + tropDelay)
		}
		if obs.L[fq] != 0 && lam > 0 {
			phaseRes[fq] = obs.L[fq]*lam - (rc - ionoDelay + tropDelay)
		}
	}
	return codeRes, phaseRes
}

// ionoFreeCombo forms the dual-frequency iono-free linear combination of
// one observation's code and phase, cancelling first-order ionospheric
// delay without a broadcast/grid model (PPP's undifferenced measurement
// model, teacher's src/ppp.go combination with IONOOPT_IFLC). ok is false
// when either frequency's code/phase is missing or its wavelength is
// unknown.
func ionoFreeCombo(obs store.Obs, wavelen func(freq int) float64) (codeIF, phaseIF float64, ok bool) {
	lam1, lam2 := wavelen(0), wavelen(1)
	if lam1 <= 0 || lam2 <= 0 || obs.P[0] <= 0 || obs.P[1] <= 0 || obs.L[0] == 0 || obs.L[1] == 0 {
		return 0, 0, false
	}
	f1, f2 := speedOfLight/lam1, speedOfLight/lam2
	d := f1*f1 - f2*f2
	if d == 0 {
		return 0, 0, false
	}
	alpha, beta := f1*f1/d, -f2*f2/d
	codeIF = alpha*obs.P[0] + beta*obs.P[1]
	phaseIF = alpha*(obs.L[0]*lam1) + beta*(obs.L[1]*lam2)
	return codeIF, phaseIF, true
}

// undifferencedIFResidual computes PPP's undifferenced measurement
// residual against the iono-free combination: observation minus
// (geometric range + satellite clock + troposphere + the receiver's
// current clock-offset state estimate). Grounded on the teacher's
// ppp.go zero-difference residual, minus the double-difference step
// SPEC_FULL.md's PPP mode skips.
func undifferencedIFResidual(llh [3]float64, sat SatGeom, g stationGeom, codeIF, phaseIF float64, tropOpt TropoMode, doy float64, clkOffset float64) (codeRes, phaseRes float64) {
	if g.el < 0 {
		return 0, 0
	}
	tropDelay := tropDelayAt(llh, g, tropOpt, doy)
	rc := g.r + sat.ClockBias*speedOfLight + clkOffset
	codeRes = codeIF - (rc + tropDelay)
	phaseRes = phaseIF - (rc + tropDelay)
	return codeRes, phaseRes
}

const speedOfLight = 299792458.0

// RtkVarianceErr returns the single-differenced measurement variance for
// one satellite/frequency/observation-type, combining a base term, an
// elevation-dependent term (1/sin(el)^2), baseline-length scaling, an
// SNR penalty below a threshold, and receiver-reported std when present.
// Grounded on the teacher's RtkVarianceErr.
func RtkVarianceErr(cfg Config, isPhase bool, el float64, bl float64, snr float64, stdReported float64) float64 {
	var fact, base float64
	if isPhase {
		fact = 1.0
		base = cfg.PhaseStd
	} else {
		fact = 100.0 // code noise is ~100x phase in cycles-equivalent terms, teacher's EFACT
		base = cfg.CodeStd
	}
	a := base * fact
	b := base * fact
	varr := a*a + b*b/math.Max(math.Sin(el), 0.05)/math.Max(math.Sin(el), 0.05)
	varr *= 1.0 + 2e-4*bl/1e3
	if snr > 0 && snr < cfg.SNRStdThreshold {
		s := cfg.SNRStd * (cfg.SNRStdThreshold - snr)
		varr += s * s
	}
	if stdReported > 0 {
		varr += stdReported * stdReported
	}
	return varr
}

// refKey groups observations that share one reference satellite: same
// constellation, frequency, and observation type (phase/code), matching
// the teacher's `m` (system group) / `f` (frequency) / `type` nesting in
// DDRes.
type refKey struct {
	sysGroup, freq int
	isPhase        bool
}

// ddRow is one double-differenced measurement: the residual, the sparse
// state-index/coefficient pairs for the design matrix row, and the
// variance contribution from each of the two single-differenced legs.
type ddRow struct {
	resid    float64
	coeffs   map[int]float64
	varRef, varOther float64
	sat, refSat int
	freq int
	isPhase bool
}

func sysGroup(sys int) int {
	switch sys {
	case store.SysGLO:
		return 1
	case store.SysGAL:
		return 2
	case store.SysCMP:
		return 3
	case store.SysQZS:
		return 4
	case store.SysIRN:
		return 5
	default:
		return 0 // GPS/SBS share a clock
	}
}

// DoubleDifference builds the DD residual vector, design-matrix rows, and
// per-row variance for one epoch, given each common satellite's
// undifferenced rover/base residuals and geometry. It selects, per
// (system-group, frequency, obs-type), the slip-free satellite with the
// highest rover elevation as the reference, matching the teacher's DDRes.
func DoubleDifference(f *Filter, common []int, geomRover, geomBase map[int]stationGeom, satSys map[int]int,
	codeResRover, codeResBase, phaseResRover, phaseResBase map[int][]float64, bl float64) []ddRow {

	nf := f.Cfg.nf()
	type cand struct {
		sat int
		el  float64
	}
	groups := map[refKey][]cand{}
	for _, sat := range common {
		st := f.status(sat)
		gr, ok := geomRover[sat]
		if !ok || gr.el < f.Cfg.ElevationMask {
			continue
		}
		st.Az, st.El = gr.az, gr.el
		st.Sys = satSys[sat]
		g := sysGroup(st.Sys)
		for fq := 0; fq < nf; fq++ {
			if !st.Slip[fq] {
				groups[refKey{g, fq, false}] = append(groups[refKey{g, fq, false}], cand{sat, gr.el})
				groups[refKey{g, fq, true}] = append(groups[refKey{g, fq, true}], cand{sat, gr.el})
			}
		}
	}
	var rows []ddRow
	for key, cands := range groups {
		if len(cands) < 2 {
			continue
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].el > cands[j].el })
		ref := cands[0].sat
		refG := geomRover[ref]
		var refRes float64
		if key.isPhase {
			refRes = phaseResRover[ref][key.freq] - phaseResBase[ref][key.freq]
		} else {
			refRes = codeResRover[ref][key.freq] - codeResBase[ref][key.freq]
		}
		refVar := RtkVarianceErr(f.Cfg, key.isPhase, refG.el, bl, 0, 0)
		for _, c := range cands[1:] {
			sat := c.sat
			g := geomRover[sat]
			var res float64
			if key.isPhase {
				res = phaseResRover[sat][key.freq] - phaseResBase[sat][key.freq]
			} else {
				res = codeResRover[sat][key.freq] - codeResBase[sat][key.freq]
			}
			ddRes := res - refRes
			if math.Abs(ddRes) > f.Cfg.MaxInnovation {
				// Pre-fit outlier rejection (teacher's opt.MaxInno gate in
				// DDRes). Only a phase rejection counts toward the reset
				// counter spec.md 4.G/7 describe ("after 2 consecutive
				// rejects on a phase observation, resets that phase-bias
				// state") — a rejected code observation doesn't carry an
				// ambiguity state to reset.
				if key.isPhase {
					f.status(sat).RejectCount[key.freq]++
				}
				if f.Log != nil {
					oe := &taxonomy.OutlierRejectedError{Sat: sat, Freq: key.freq, IsPhase: key.isPhase, Residual: ddRes}
					f.Log.WithFields(logrus.Fields{"component": "rtk", "sat": sat, "freq": key.freq}).WithError(oe).Warn("outlier rejected")
				}
				continue
			}
			if key.isPhase {
				f.status(sat).RejectCount[key.freq] = 0
			}
			row := ddRow{resid: ddRes, coeffs: map[int]float64{}, sat: sat, refSat: ref, freq: key.freq, isPhase: key.isPhase,
				varRef: refVar, varOther: RtkVarianceErr(f.Cfg, key.isPhase, g.el, bl, 0, 0)}

			roverPos := [3]float64{f.X[0], f.X[1], f.X[2]}
			losRef := unitLOS(roverPos, refG)
			losSat := unitLOS(roverPos, g)
			for i := 0; i < 3; i++ {
				row.coeffs[i] = -losSat[i] + losRef[i]
			}
			if key.isPhase && f.Cfg.IonoEst && !f.Cfg.IonoFree {
				if iIdx, ok := f.Layout.LookupIono(sat); ok {
					row.coeffs[iIdx] = -1
				}
				if iIdx, ok := f.Layout.LookupIono(ref); ok {
					row.coeffs[iIdx] += 1
				}
			}
			// Troposphere partials are left at zeroth order (mapping
			// functions assumed equal for both satellites in a DD pair);
			// see DESIGN.md for why PrecTrop isn't plumbed in here yet.
			if key.isPhase {
				if aIdx, ok := f.Layout.LookupAmb(sat, key.freq); ok {
					row.coeffs[aIdx] = -1
				}
				if aIdx, ok := f.Layout.LookupAmb(ref, key.freq); ok {
					row.coeffs[aIdx] += 1
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func unitLOS(recv [3]float64, g stationGeom) [3]float64 {
	// direction cosines are folded into the az/el computation upstream;
	// here we approximate the partials with the ENU-to-ECEF unit vector
	// implied by az/el, matching the teacher's per-satellite `e[3]` line
	// of sight used directly as the position-block H row.
	cosEl := math.Cos(g.el)
	e := [3]float64{cosEl * math.Sin(g.az), cosEl * math.Cos(g.az), math.Sin(g.el)}
	pos := gtime.Ecef2Pos(gtimeVec3(recv))
	enu := gtime.Enu2Ecef(pos, gtime.Vec3{e[0], e[1], e[2]})
	return [3]float64{enu[0], enu[1], enu[2]}
}

// ConstBaselineLen returns a pseudo-measurement row constraining the
// rover-base baseline to a known length (moving-base RTK with a rigid
// baseline), grounded on the teacher's ConstBaselineLen.
func ConstBaselineLen(f *Filter) (resid float64, coeffs map[int]float64, variance float64, ok bool) {
	if f.Cfg.BaselineLen <= 0 {
		return 0, nil, 0, false
	}
	bl, dr := baselineLen(f.X[:3], f.Rb)
	if bl <= 0 {
		return 0, nil, 0, false
	}
	resid = f.Cfg.BaselineLen - bl
	coeffs = map[int]float64{0: dr[0] / bl, 1: dr[1] / bl, 2: dr[2] / bl}
	variance = f.Cfg.BaselineLenStd * f.Cfg.BaselineLenStd
	if variance <= 0 {
		variance = 0.0001
	}
	return resid, coeffs, variance, true
}

// PrecTrop evaluates the Niell mapping function dry/wet factors and the
// azimuth-gradient wet-mapping partials for the rover position. Nothing in
// this package calls it: DoubleDifference leaves the troposphere partials
// at zeroth order. Grounded on the teacher's PrecTrop.
func PrecTrop(doy float64, llh [3]float64, az, el float64) (mapfw float64, dGradN, dGradE float64) {
	pos := atmos.Pos{Lat: llh[0], Lon: llh[1], Hgt: llh[2]}
	_, wet := atmos.TropMapFunc(doy, pos, atmos.AzEl{Az: az, El: el})
	cotEl := math.Cos(el) / math.Max(math.Sin(el), 1e-6)
	grad := wet * cotEl
	return wet, grad * math.Cos(az), grad * math.Sin(az)
}

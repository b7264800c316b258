package rtk

import (
	"math"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const (
	varPosInit   = 900000.0 // m^2, position-unknown fallback (teacher's VAR_POS=9000 for a known seed; widened for cold start)
	varVelInit   = 100.0
	varAccInit   = 100.0
	varIonoInit  = 25.0
	varTropInit  = 0.15 * 0.15
	varGradInit  = 0.001 * 0.001
	varGloInit   = 1.0
	varClkInit   = 3600.0 // m^2, teacher's VAR_CLK for an undisciplined receiver clock
	prnAccel     = 3.0  // process noise on acceleration states, (m/s^3)^2/s -- teacher's static PRN_ACCH/PRN_ACCV
	prnIono      = 1e-3 // (m/s)^2 ionosphere random-walk
	prnTrop      = 1e-4 // (m/sqrt(s))^2 zwd random-walk
	prnGrad      = 1e-5
	prnGloBias   = 1e-6
)

// SatStatus tracks per-satellite, per-frequency bookkeeping needed across
// epochs for cycle-slip detection and ambiguity fix/hold state (teacher's
// Ssat array entry, keyed here by satellite number instead of a fixed
// MAXSAT array slot).
type SatStatus struct {
	Sys       int
	Az, El    float64
	Slip        []bool // per frequency, this epoch
	Lock        []int  // consecutive slip-free epoch count, 0 after a reset (the resolver's lock staggering can set it negative)
	Outage      []int  // epochs since last observation
	Valid       []bool
	FixState    []int // 0=none,1=float,2=fix,3=hold
	RejectCount []int // consecutive pre-fit outlier rejections on a phase observation, per frequency
	prevPhase   []float64
	prevCode    []float64
	prevLLI     []uint8
	prevGF      float64
	havePrev    bool
}

func newSatStatus(nf int) *SatStatus {
	return &SatStatus{
		Slip: make([]bool, nf), Lock: make([]int, nf), Outage: make([]int, nf),
		Valid: make([]bool, nf), FixState: make([]int, nf), RejectCount: make([]int, nf),
		prevPhase: make([]float64, nf), prevCode: make([]float64, nf), prevLLI: make([]uint8, nf),
	}
}

// Filter is the relative-positioning Kalman state: state vector, symmetric
// covariance, the index layout, and per-satellite tracking bookkeeping.
// Grounded on the teacher's Rtk struct (X, P, Ssat, Opt, Rb, Nfix).
type Filter struct {
	Cfg    Config
	Layout *Layout

	X []float64
	P *mat.SymDense

	Rb [3]float64 // base station position, ECEF

	Sat map[int]*SatStatus

	Nfix int // consecutive validated fixed-solution epochs

	// Log, when set, receives structured entries for the events spec.md 7
	// taxonomizes (OutlierRejected, AmbiguityValidationFail, NumericFailure,
	// DataGap), per SPEC_FULL.md's AMBIENT STACK Logging entry. Nil
	// disables it; the zero Filter value logs nothing.
	Log *logrus.Entry

	t0 store.Gtime
	haveEpoch bool
}

// NewFilter builds an empty filter seeded at rr (an a-priori rover
// position, typically from internal/pntpos).
func NewFilter(cfg Config, rr, rb [3]float64) *Filter {
	l := NewLayout(cfg)
	f := &Filter{Cfg: cfg, Layout: l, Rb: rb, Sat: map[int]*SatStatus{}}
	f.X = make([]float64, l.Len())
	f.P = mat.NewSymDense(l.Len(), nil)
	for i := 0; i < 3; i++ {
		f.X[i] = rr[i]
		f.P.SetSym(i, i, varPosInit)
	}
	if cfg.Trop == TropoEstimate || cfg.Trop == TropoEstimateGradient {
		f.X[l.TropIndex()] = 0.15
		f.P.SetSym(l.TropIndex(), l.TropIndex(), varTropInit)
	}
	return f
}

// growState extends X/P to newLen, preserving existing entries and zeroing
// the rest (spec.md 9, bounded growth, not a fixed MAXSAT reservation).
func (f *Filter) growState(newLen int) {
	n := len(f.X)
	if newLen <= n {
		return
	}
	nx := make([]float64, newLen)
	copy(nx, f.X)
	np := mat.NewSymDense(newLen, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			np.SetSym(i, j, f.P.At(i, j))
		}
	}
	f.X, f.P = nx, np
}

func (f *Filter) status(sat int) *SatStatus {
	s, ok := f.Sat[sat]
	if !ok {
		s = newSatStatus(f.Layout.Nf())
		f.Sat[sat] = s
	}
	return s
}

// UpdatePos performs the time update of the position (and, when dynamics
// are enabled, velocity/acceleration) block: F=I with velocity/acceleration
// coupling rows, process noise injected on the acceleration states only.
// Grounded on the teacher's (*Rtk) UpdatePos.
func (f *Filter) UpdatePos(tt float64) {
	np := f.Cfg.nPos()
	if !f.Cfg.Dynamics || np != 9 {
		if !f.haveEpoch {
			for i := 0; i < 3; i++ {
				f.P.SetSym(i, i, varPosInit)
			}
		}
		return
	}
	// x' = x + v*tt + 0.5*a*tt^2 ; v' = v + a*tt ; a unchanged (random walk)
	for i := 0; i < 3; i++ {
		pos, vel, acc := i, 3+i, 6+i
		f.X[pos] += f.X[vel]*tt + 0.5*f.X[acc]*tt*tt
		f.X[vel] += f.X[acc] * tt
		if !f.haveEpoch {
			f.P.SetSym(vel, vel, varVelInit)
			f.P.SetSym(acc, acc, varAccInit)
		} else {
			f.P.SetSym(acc, acc, f.P.At(acc, acc)+prnAccel*math.Abs(tt))
		}
	}
}

// UpdateIon applies random-walk process noise to every tracked
// ionosphere state, scaled by elapsed time and (loosely) by the
// baseline length via bl, resetting states that have gone stale for
// GapResetIono epochs. Grounded on (*Rtk) UpdateIon.
func (f *Filter) UpdateIon(tt, bl float64, common []int) {
	if !f.Cfg.IonoEst || f.Cfg.IonoFree {
		return
	}
	for _, sat := range common {
		if _, grown, ok := f.Layout.Iono(sat); ok && grown {
			f.growState(f.Layout.Len())
		}
	}
	for sat, idx := range f.Layout.ionoIdx {
		st := f.status(sat)
		if st.Outage[0] > f.Cfg.GapResetIono {
			f.X[idx] = 0
			f.P.SetSym(idx, idx, varIonoInit)
			continue
		}
		if f.X[idx] == 0 {
			f.P.SetSym(idx, idx, varIonoInit)
			continue
		}
		scale := 1.0 + bl/5e4
		f.P.SetSym(idx, idx, f.P.At(idx, idx)+prnIono*scale*math.Abs(tt))
	}
}

// UpdateTrop grows the rover zenith wet delay (and gradient, if enabled)
// process noise, scaled by baseline length the way longer baselines see
// more decorrelated troposphere. Grounded on (*Rtk) UpdateTrop.
func (f *Filter) UpdateTrop(tt, bl float64) {
	if f.Cfg.Trop == TropoOff {
		return
	}
	idx := f.Layout.TropIndex()
	cold := f.X[idx] == 0
	if cold {
		f.X[idx] = 0.15
		f.P.SetSym(idx, idx, varTropInit)
	} else {
		f.P.SetSym(idx, idx, f.P.At(idx, idx)+prnTrop*(1.0+bl/1e5)*math.Abs(tt))
	}
	if f.Cfg.Trop == TropoEstimateGradient {
		for k := 1; k < 3; k++ {
			if cold {
				f.P.SetSym(idx+k, idx+k, varGradInit)
			} else {
				f.P.SetSym(idx+k, idx+k, f.P.At(idx+k, idx+k)+prnGrad*math.Abs(tt))
			}
		}
	}
}

// UpdateRcvBias grows the GLONASS receiver inter-frequency hardware bias
// process noise, or holds it fixed once the fixed solution has enough
// consecutive epochs (teacher's Nfix>=MinFix branch). Grounded on
// (*Rtk) UpdateRcvBias.
func (f *Filter) UpdateRcvBias(tt float64) {
	if !f.Cfg.GloIFB {
		return
	}
	for fq := 0; fq < f.Cfg.nf(); fq++ {
		idx := f.Layout.GloBiasIndex(fq)
		if f.X[idx] == 0 {
			f.P.SetSym(idx, idx, varGloInit)
			continue
		}
		if f.Nfix >= f.Cfg.MinFixToHold {
			continue // hold
		}
		f.P.SetSym(idx, idx, f.P.At(idx, idx)+prnGloBias*math.Abs(tt))
	}
}

// UpdateClk resets the receiver clock-offset state to a wide prior every
// epoch: an undisciplined receiver oscillator's offset isn't a smooth
// random walk the way troposphere/ionosphere states are, so this carries
// no inter-epoch memory at all (teacher's PPP clock state, re-initialized
// each epoch rather than propagated).
func (f *Filter) UpdateClk() {
	idx := f.Layout.ClkIndex()
	if idx < 0 {
		return
	}
	f.X[idx] = 0
	f.P.SetSym(idx, idx, varClkInit)
}

// detectSlipLL flags an LLI-indicated slip: either receiver reports a
// loss-of-lock bit on the current epoch (teacher's DetectSlp_ll).
func detectSlipLL(lliRover, lliBase uint8) bool {
	return lliRover&1 != 0 || lliBase&1 != 0
}

// detectSlipGF flags a geometry-free-combination jump between two
// frequencies' carrier phase, vs. the previous epoch's GF value
// (teacher's DetectSlp_gf), in cycles converted to meters by the caller.
func detectSlipGF(gfNow, gfPrev float64, threshold float64) bool {
	if gfPrev == 0 {
		return false
	}
	return math.Abs(gfNow-gfPrev) > threshold
}

// dopplerPhaseSlips flags, per satellite and frequency, a doppler-vs-phase
// inconsistency: the teacher's own check (src/rtkpos.go DetectSlp_dop) is
// compiled out because an absolute per-satellite threshold false-triggers
// on a receiver-wide clock jump that shifts every satellite's
// doppler-minus-phase difference by the same amount. Subtracting the
// epoch's mean difference per spec.md 4.G cancels that common-mode shift
// instead of trying to predict it, so only a satellite-specific anomaly
// trips the threshold.
func dopplerPhaseSlips(rover map[int]store.Obs, common []int, statusOf func(sat int) *SatStatus, nf int, tt, threshold float64, wavelen func(sat, freq int) float64) map[int][]bool {
	type sample struct {
		sat  int
		diff float64
	}
	samples := make([][]sample, nf)
	for _, sat := range common {
		ru, ok := rover[sat]
		if !ok {
			continue
		}
		st := statusOf(sat)
		if !st.havePrev || tt <= 0 {
			continue
		}
		for fq := 0; fq < nf; fq++ {
			if wavelen(sat, fq) <= 0 || ru.L[fq] == 0 || ru.D[fq] == 0 || st.prevPhase[fq] == 0 {
				continue
			}
			dph := ru.L[fq] - st.prevPhase[fq] // observed phase increment (cycles)
			dpt := -ru.D[fq] * tt              // doppler-projected phase increment (cycles)
			samples[fq] = append(samples[fq], sample{sat, dph - dpt})
		}
	}
	slips := map[int][]bool{}
	for fq, ss := range samples {
		if len(ss) == 0 {
			continue
		}
		var sum float64
		for _, s := range ss {
			sum += s.diff
		}
		mean := sum / float64(len(ss))
		for _, s := range ss {
			if math.Abs(s.diff-mean) <= threshold {
				continue
			}
			if slips[s.sat] == nil {
				slips[s.sat] = make([]bool, nf)
			}
			slips[s.sat][fq] = true
		}
	}
	return slips
}

// UpdateBias runs cycle-slip detection for every observed satellite and
// frequency, resets the ambiguity state on a detected slip, outage, or
// two consecutive pre-fit outlier rejections of a phase observation, and (re)initializes freshly
// reset or newly seen ambiguities from phase-minus-code. Grounded on
// (*Rtk) UpdateBias.
func (f *Filter) UpdateBias(tt float64, rover, base map[int]store.Obs, common []int, wavelen func(sat, freq int) float64) {
	nf := f.Cfg.nf()
	seen := map[int]bool{}
	dopSlip := dopplerPhaseSlips(rover, common, f.status, nf, tt, f.Cfg.DopplerThreshold, wavelen)
	for _, sat := range common {
		seen[sat] = true
		ru, ok1 := rover[sat]
		bu, ok2 := base[sat]
		if !ok1 || !ok2 {
			continue
		}
		st := f.status(sat)
		for fq := 0; fq < nf; fq++ {
			idx, grown, ok := f.Layout.Amb(sat, fq)
			if !ok {
				continue
			}
			if grown {
				f.growState(f.Layout.Len())
			}
			lam := wavelen(sat, fq)
			if lam <= 0 {
				continue
			}
			slip := detectSlipLL(ru.LLI[fq], bu.LLI[fq])
			if !slip && nf >= 2 && fq == 0 {
				gfNow := (ru.L[0]-bu.L[0])*wavelen(sat, 0) - (ru.L[1]-bu.L[1])*wavelen(sat, 1)
				slip = detectSlipGF(gfNow, st.prevGF, 0.05)
				st.prevGF = gfNow
			}
			if !slip && dopSlip[sat] != nil && dopSlip[sat][fq] {
				slip = true
			}
			reset := slip || st.Outage[fq] > f.Cfg.MaxOutage || f.X[idx] == 0 || st.RejectCount[fq] >= 2
			if reset {
				dPhase := (ru.L[fq] - bu.L[fq]) * lam
				dCode := ru.P[fq] - bu.P[fq]
				f.X[idx] = dPhase - dCode
				f.P.SetSym(idx, idx, varIonoInit*4)
				st.Lock[fq] = 0
				st.FixState[fq] = 0
				st.RejectCount[fq] = 0
			} else {
				st.Lock[fq]++
			}
			st.Outage[fq] = 0
			st.Slip[fq] = slip
			st.prevPhase[fq] = ru.L[fq]
			st.prevCode[fq] = ru.P[fq]
			st.prevLLI[fq] = ru.LLI[fq]
		}
		st.havePrev = true
	}
	for sat, st := range f.Sat {
		if seen[sat] {
			continue
		}
		for fq := 0; fq < nf; fq++ {
			st.Outage[fq]++
		}
	}
}

// UpdateBiasPPP is UpdateBias's single-receiver counterpart for PPP mode:
// cycle-slip detection has no base observation to difference against, so
// LLI and the L1/L2 geometry-free combination are evaluated on the rover
// alone, and a reset (re)initializes the one iono-free ambiguity slot
// Config.IonoFree's nf()==1 collapses (sat,freq=0) to from
// phase-minus-code of the iono-free combination. Grounded on the same
// src/rtkpos.go UpdateBias the RTK path uses, with the base-differenced
// terms dropped per SPEC_FULL.md's PPP mode.
func (f *Filter) UpdateBiasPPP(tt float64, rover map[int]store.Obs, common []int, wavelen func(sat, freq int) float64) {
	seen := map[int]bool{}
	for _, sat := range common {
		ru, ok := rover[sat]
		if !ok {
			continue
		}
		seen[sat] = true
		st := f.status(sat)
		idx, grown, ok := f.Layout.Amb(sat, 0)
		if !ok {
			continue
		}
		if grown {
			f.growState(f.Layout.Len())
		}
		lam1, lam2 := wavelen(sat, 0), wavelen(sat, 1)
		slip := detectSlipLL(ru.LLI[0], 0)
		if !slip && lam1 > 0 && lam2 > 0 && ru.L[0] != 0 && ru.L[1] != 0 {
			gfNow := ru.L[0]*lam1 - ru.L[1]*lam2
			slip = detectSlipGF(gfNow, st.prevGF, 0.05)
			st.prevGF = gfNow
		}
		reset := slip || st.Outage[0] > f.Cfg.MaxOutage || f.X[idx] == 0 || st.RejectCount[0] >= 2
		if reset {
			if codeIF, phaseIF, ok := ionoFreeCombo(ru, func(fq int) float64 { return wavelen(sat, fq) }); ok {
				f.X[idx] = phaseIF - codeIF
			}
			f.P.SetSym(idx, idx, varIonoInit*4)
			st.Lock[0] = 0
			st.FixState[0] = 0
			st.RejectCount[0] = 0
		} else {
			st.Lock[0]++
		}
		st.Outage[0] = 0
		st.Slip[0] = slip
		st.prevPhase[0] = ru.L[0]
		st.prevCode[0] = ru.P[0]
		st.prevLLI[0] = ru.LLI[0]
		st.havePrev = true
	}
	for sat, st := range f.Sat {
		if seen[sat] {
			continue
		}
		st.Outage[0]++
	}
}

// UpdateState runs the full per-epoch time update in the teacher's
// order: position, ionosphere, troposphere, GLONASS h/w bias, then
// phase-bias. Grounded on (*Rtk) UpdateState.
func (f *Filter) UpdateState(tt float64, rover, base map[int]store.Obs, common []int, wavelen func(sat, freq int) float64) {
	f.UpdatePos(tt)
	bl, _ := baselineLen(f.X[:3], f.Rb)
	if f.Cfg.IonoEst {
		f.UpdateIon(tt, bl, common)
	}
	if f.Cfg.Trop != TropoOff {
		f.UpdateTrop(tt, bl)
	}
	if f.Cfg.GloIFB {
		f.UpdateRcvBias(tt)
	}
	f.UpdateBias(tt, rover, base, common, wavelen)
	f.haveEpoch = true
}

// UpdateStatePPP is UpdateState's PPP counterpart: position, troposphere,
// and the receiver clock-offset time update, then the single-receiver
// ambiguity reset/reinit pass — no ionosphere or GLONASS h/w bias state
// (the iono-free combination cancels the former; PPP here is GPS/Galileo-
// centric and doesn't estimate the latter).
func (f *Filter) UpdateStatePPP(tt float64, rover map[int]store.Obs, common []int, wavelen func(sat, freq int) float64) {
	f.UpdatePos(tt)
	if f.Cfg.Trop != TropoOff {
		f.UpdateTrop(tt, 0)
	}
	f.UpdateClk()
	f.UpdateBiasPPP(tt, rover, common, wavelen)
	f.haveEpoch = true
}

// baselineLen returns the rover-minus-base baseline length and vector,
// grounded on the teacher's CalcBaseLineLen.
func baselineLen(rr []float64, rb [3]float64) (float64, [3]float64) {
	var dr [3]float64
	for i := 0; i < 3; i++ {
		dr[i] = rr[i] - rb[i]
	}
	return math.Sqrt(dr[0]*dr[0] + dr[1]*dr[1] + dr[2]*dr[2]), dr
}

func gtimeVec3(v [3]float64) gtime.Vec3 { return gtime.Vec3{v[0], v[1], v[2]} }

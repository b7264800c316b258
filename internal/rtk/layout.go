// Package rtk implements the relative-positioning Kalman filter core:
// double-differenced carrier-phase/pseudorange processing between a rover
// and a base station, producing a float solution each epoch and handing
// its ambiguity-bearing state/covariance block to an integer ambiguity
// resolver (spec.md 1, component G).
//
// Grounded on FengXuebin-gnssgo src/rtkpos.go: the state-index macros
// (RNF/RNP/RNT/RNL/RNB/RNI/RNR/RNX, RII/RIT/RIL/RIB), the per-block time
// update (UpdatePos/UpdateIon/UpdateTrop/UpdateRcvBias/UpdateBias,
// DetectSlp_ll/DetectSlp_gf), the undifferenced/double-differenced
// residual model (ZdResSat/ZDRes/DDRes/DDCovariance/RtkVarianceErr), the
// baseline-length constraint (ConstBaselineLen/PrecTrop), and the
// per-epoch driver (RelativePos).
//
// The teacher reserves a dense MAXSAT*NFREQ slice of the state vector for
// every possible satellite whether or not it has ever been observed, and
// indexes into it by arithmetic (RIB). This package instead allocates
// ionosphere/ambiguity state slots lazily, the first time a satellite is
// actually seen, keyed by a map (spec.md 9, "growable containers with a
// memory bound" — mirroring internal/store.ObsStore's bounded Append
// rather than a fixed-size reservation). The state vector and covariance
// grow via growState as new satellites appear, bounded by MaxTrackedSats.
package rtk

import "github.com/rtkgo/rtkcore/internal/store"

// MaxTrackedSats bounds how many distinct satellites a Layout will ever
// allocate ionosphere/ambiguity slots for in one run, the growable-state
// analogue of store.ObsStore's MaxLen.
const MaxTrackedSats = store.MaxSat

// TropoMode selects how many tropospheric parameters are estimated for
// the rover. The base station's wet delay is assumed known/fixed: this
// module estimates baselines against surveyed or SPP-derived base
// positions, not receiver pairs with independently unknown troposphere
// (a deliberate simplification of the teacher's per-receiver-pair RIT,
// documented in DESIGN.md).
type TropoMode int

const (
	TropoOff TropoMode = iota
	TropoEstimate
	TropoEstimateGradient
)

// Config collects the processing options that shape the state layout and
// measurement model, mirroring the teacher's PrcOpt fields this package
// actually consumes. Defined locally rather than in internal/config
// (which embeds it as a field), matching the pattern already used by pntpos.Options.
type Config struct {
	Dynamics  bool      // estimate velocity+acceleration (9-state position block) vs. position-only (3-state)
	Nf        int       // number of carrier frequencies processed (1 or 2); ignored when IonoFree is set
	IonoFree  bool      // use the iono-free linear combination instead of per-satellite ionosphere states
	IonoEst   bool      // estimate per-satellite ionospheric delay states (ignored when IonoFree)
	Trop      TropoMode
	GloIFB    bool // estimate GLONASS receiver inter-frequency hardware bias (one state per frequency)
	PPP       bool // undifferenced iono-free processing against a rover-only feed, no base/double-difference step (SPEC_FULL.md PPP mode); reserves a receiver clock-offset state
	ElevationMask     float64 // rad
	ElevationMaskAR   float64 // rad, minimum elevation to use a satellite as an AR reference/target
	ElevationMaskHold float64 // rad, minimum elevation to hold an ambiguity
	MaxInnovation     float64 // m, pre-fit outlier rejection threshold
	ThresholdAR       float64 // ratio-test threshold
	MinLockAR         int     // epochs an ambiguity must be slip-free before it can be fixed
	MinFixToHold      int     // consecutive validated fixes required before fix-and-hold kicks in
	MaxOutage         int     // epochs without an observation before resetting a slip-tracking state
	GapResetIono      int     // epochs without an observation before resetting an ionosphere state
	CodeStd           float64 // code observation std (m) at zenith
	PhaseStd          float64 // phase observation std (cycles) at zenith
	SNRStd            float64 // extra std factor applied below SNRStdThreshold
	SNRStdThreshold   float64 // dB-Hz
	BaselineLen       float64 // m; 0 disables the moving-base baseline-length constraint
	BaselineLenStd    float64 // m
	DopplerThreshold  float64 // cycles; max allowed deviation of a satellite's doppler-vs-phase difference from the epoch mean before it's treated as a cycle slip
}

// DefaultConfig mirrors the teacher's typical kinematic dual-frequency
// RTK defaults.
func DefaultConfig() Config {
	return Config{
		Dynamics:          false,
		Nf:                2,
		IonoEst:           false,
		Trop:              TropoOff,
		ElevationMask:     10 * d2r,
		ElevationMaskAR:   15 * d2r,
		ElevationMaskHold: 20 * d2r,
		MaxInnovation:     30.0,
		ThresholdAR:       3.0,
		MinLockAR:         5,
		MinFixToHold:      20,
		MaxOutage:         5,
		GapResetIono:      120,
		CodeStd:           0.3,
		PhaseStd:          0.003,
		SNRStd:            2.0,
		SNRStdThreshold:   35.0,
		DopplerThreshold:  1.5,
	}
}

const d2r = 3.14159265358979323846 / 180.0

func (c Config) nf() int {
	if c.IonoFree {
		return 1
	}
	if c.Nf < 1 {
		return 1
	}
	return c.Nf
}

func (c Config) nPos() int {
	if c.Dynamics {
		return 9
	}
	return 3
}

func (c Config) nTrop() int {
	switch c.Trop {
	case TropoEstimate:
		return 1
	case TropoEstimateGradient:
		return 3
	default:
		return 0
	}
}

func (c Config) nGloBias() int {
	if !c.GloIFB {
		return 0
	}
	return c.nf()
}

// nClk is 1 when PPP reserves a receiver clock-offset state (cancelled by
// differencing in RTK mode, so absent there), 0 otherwise.
func (c Config) nClk() int {
	if !c.PPP {
		return 0
	}
	return 1
}

// AmbKey identifies one phase-bias (ambiguity) state slot.
type AmbKey struct {
	Sat, Freq int
}

// Layout assigns state-vector indices to the position/troposphere/
// GLONASS-bias fixed block and lazily to per-satellite ionosphere and
// per-(satellite,frequency) ambiguity blocks.
type Layout struct {
	cfg Config

	nPos, nTrop, nGlo, nClk int
	fixedLen                int // nPos+nTrop+nGlo+nClk, the always-present prefix (no per-satellite ionosphere: see below)

	ionoIdx map[int]int   // sat -> index, only when cfg.IonoEst
	ambIdx  map[AmbKey]int

	next int // next free index for growth
}

// NewLayout builds the fixed-block layout. Per-satellite ionosphere and
// ambiguity slots are assigned on demand via Iono/Amb as satellites are
// observed.
func NewLayout(cfg Config) *Layout {
	l := &Layout{cfg: cfg, ionoIdx: map[int]int{}, ambIdx: map[AmbKey]int{}}
	l.nPos = cfg.nPos()
	l.nTrop = cfg.nTrop()
	l.nGlo = cfg.nGloBias()
	l.nClk = cfg.nClk()
	l.fixedLen = l.nPos + l.nTrop + l.nGlo + l.nClk
	l.next = l.fixedLen
	return l
}

func (l *Layout) PosIndex() int { return 0 }

func (l *Layout) TropIndex() int {
	if l.nTrop == 0 {
		return -1
	}
	return l.nPos
}

func (l *Layout) GloBiasIndex(freq int) int {
	if l.nGlo == 0 {
		return -1
	}
	return l.nPos + l.nTrop + freq
}

// ClkIndex returns the receiver clock-offset state index, -1 when the
// layout wasn't built with Config.PPP set.
func (l *Layout) ClkIndex() int {
	if l.nClk == 0 {
		return -1
	}
	return l.nPos + l.nTrop + l.nGlo
}

// Iono returns the state index for sat's ionospheric delay, allocating
// a new slot the first time sat is seen. ok is false when ionosphere
// states aren't estimated or the tracked-satellite bound is reached.
func (l *Layout) Iono(sat int) (idx int, grown bool, ok bool) {
	if !l.cfg.IonoEst || l.cfg.IonoFree {
		return -1, false, false
	}
	if i, seen := l.ionoIdx[sat]; seen {
		return i, false, true
	}
	if len(l.ionoIdx)+len(l.ambIdx) >= MaxTrackedSats*l.cfg.nf() {
		return -1, false, false
	}
	idx = l.next
	l.ionoIdx[sat] = idx
	l.next++
	return idx, true, true
}

// Amb returns the state index for (sat,freq)'s phase-bias ambiguity,
// allocating a new slot the first time it's seen.
func (l *Layout) Amb(sat, freq int) (idx int, grown bool, ok bool) {
	k := AmbKey{sat, freq}
	if i, seen := l.ambIdx[k]; seen {
		return i, false, true
	}
	if len(l.ambIdx) >= MaxTrackedSats*l.cfg.nf() {
		return -1, false, false
	}
	idx = l.next
	l.ambIdx[k] = idx
	l.next++
	return idx, true, true
}

// LookupAmb returns the existing ambiguity index for (sat,freq) without
// allocating one.
func (l *Layout) LookupAmb(sat, freq int) (int, bool) {
	i, ok := l.ambIdx[AmbKey{sat, freq}]
	return i, ok
}

// LookupIono returns the existing ionosphere index for sat without
// allocating one.
func (l *Layout) LookupIono(sat int) (int, bool) {
	i, ok := l.ionoIdx[sat]
	return i, ok
}

// Len returns the current full state-vector length.
func (l *Layout) Len() int { return l.next }

// Nf returns the number of frequency channels the layout was built for.
func (l *Layout) Nf() int { return l.cfg.nf() }

// AmbSlots returns every allocated (sat,freq)->index pair, for the
// ambiguity resolver's reference-satellite selection (DDIndex analogue).
func (l *Layout) AmbSlots() map[AmbKey]int {
	out := make(map[AmbKey]int, len(l.ambIdx))
	for k, v := range l.ambIdx {
		out[k] = v
	}
	return out
}

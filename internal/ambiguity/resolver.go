package ambiguity

import (
	"math"
	"sort"

	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/rtkgo/rtkcore/internal/taxonomy"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// groupOf maps a satellite system constant to one of the six ambiguity
// groups the teacher's DDIndex fixes independently (GPS/SBS share one
// clock, GLONASS/Galileo/BeiDou/QZSS/IRNSS each get their own), matching
// internal/rtk's sysGroup convention.
func groupOf(sys int) int {
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
		return 0
	}
}

// Config tunes the ratio test and partial-fix/hold behavior. Most fields
// mirror internal/rtk.Config's AR-related knobs; a Resolver is built
// directly from the filter's own Config via NewResolver, so callers
// rarely construct this by hand.
type Config struct {
	MinRatio     float64 // floor of the ratio-test threshold
	MaxRatio     float64 // ceiling of the ratio-test threshold
	PartialRatio float64 // fraction of threshold that's "close enough" to retry with one satellite excluded
	GainHoldAmb  float64 // scales the fractional leftover removed from each fixed GLONASS bias in xa (SBAS biases are not adjusted)
}

// DefaultConfig returns teacher-typical AR tuning (single flat threshold,
// since nothing in the retrieval pack demonstrates the polynomial table
// spec.md 4.H describes; see DESIGN.md for that Open Question decision).
func DefaultConfig() Config {
	return Config{MinRatio: 3.0, MaxRatio: 3.0, PartialRatio: 0.9, GainHoldAmb: 1.0}
}

// Resolver implements rtk.Resolver: LAMBDA/MLAMBDA integer ambiguity
// resolution with partial-fix retries, grounded on the teacher's
// (*Rtk).ResolveAmb_LAMBDA, DDIndex, and RestoreAmb.
type Resolver struct {
	Cfg Config

	lastFixed bool
	excCursor int // round-robin cursor into the last attempt's candidate satellite list
}

// NewResolver builds a Resolver with the given tuning.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{Cfg: cfg}
}

// ddPair is one single-differenced-bias pair contributing a row of the
// DD transformation matrix D (teacher's ix[nb*2], ix[nb*2+1]).
type ddPair struct {
	refIdx, otherIdx int
	refSat, otherSat int
	freq             int
}

// buildPairs selects, per (group, frequency), the first qualifying bias
// in satellite-number order as the reference and pairs every other
// qualifying bias against it.
// exclude optionally drops one satellite (the round-robin excsat retry).
// Grounded on the teacher's DDIndex.
func buildPairs(f *rtk.Filter, minLock int, elMask float64, exclude int) []ddPair {
	nf := f.Layout.Nf()
	type cand struct {
		sat, idx int
		el       float64
	}
	byGroupFreq := map[[2]int][]cand{}
	for k, idx := range f.Layout.AmbSlots() {
		if k.Sat == exclude {
			continue
		}
		st, ok := f.Sat[k.Sat]
		if !ok || k.Freq >= nf {
			continue
		}
		if !st.Valid[k.Freq] || st.Slip[k.Freq] || st.Lock[k.Freq] <= 0 || st.El < elMask {
			continue
		}
		if st.Lock[k.Freq] < minLock {
			continue
		}
		g := groupOf(st.Sys)
		key := [2]int{g, k.Freq}
		byGroupFreq[key] = append(byGroupFreq[key], cand{k.Sat, idx, st.El})
	}
	var pairs []ddPair
	for key, cands := range byGroupFreq {
		if len(cands) < 2 {
			continue
		}
		// The lowest-numbered qualifying satellite is the DD reference, so
		// the choice does not depend on map-iteration order.
		sort.Slice(cands, func(i, j int) bool { return cands[i].sat < cands[j].sat })
		ref := cands[0]
		for _, other := range cands[1:] {
			pairs = append(pairs, ddPair{refIdx: ref.idx, otherIdx: other.idx, refSat: ref.sat, otherSat: other.sat, freq: key[1]})
		}
	}
	return pairs
}

// ratioThreshold maps the number of fixed ambiguities into [MinRatio,
// MaxRatio]. spec.md 4.H describes a published third-degree polynomial
// fit over five coefficients for this mapping, but neither the teacher
// (which uses one flat rtk.Opt.ThresAr[0]) nor original_source/ supplies
// that table, so this is a documented approximation: the threshold
// relaxes smoothly from MaxRatio toward MinRatio as nb grows, since more
// simultaneous ambiguities make a fixed, conservative ratio increasingly
// hard to clear. See DESIGN.md.
func ratioThreshold(cfg Config, nb int) float64 {
	if cfg.MaxRatio <= cfg.MinRatio {
		return cfg.MinRatio
	}
	relax := 1.0 / (1.0 + float64(nb)/10.0)
	return cfg.MinRatio + (cfg.MaxRatio-cfg.MinRatio)*relax
}

// attempt runs one LAMBDA pass for the given pair set, returning the
// fixed integer bias vector (b1), the float-domain D matrix, Qb, and the
// ratio-test inputs.
func attempt(f *rtk.Filter, pairs []ddPair) (d *mat.Dense, y *mat.VecDense, qb *mat.SymDense, b1 []float64, ratio float64, ok bool, err error) {
	nb := len(pairs)
	n := len(f.X)
	if nb == 0 {
		return nil, nil, nil, nil, 0, false, nil
	}
	d = mat.NewDense(nb, n, nil)
	yv := make([]float64, nb)
	for i, p := range pairs {
		d.Set(i, p.refIdx, 1)
		d.Set(i, p.otherIdx, -1)
		yv[i] = f.X[p.refIdx] - f.X[p.otherIdx]
	}
	y = mat.NewVecDense(nb, yv)

	var dp mat.Dense
	dp.Mul(d, f.P) // nb x n
	var dpdt mat.Dense
	dpdt.Mul(&dp, d.T()) // nb x nb
	qb = mat.NewSymDense(nb, nil)
	for i := 0; i < nb; i++ {
		for j := i; j < nb; j++ {
			qb.SetSym(i, j, dpdt.At(i, j))
		}
	}

	cands, s, lerr := Lambda(yv, qb, 2)
	if lerr != nil {
		nerr := taxonomy.NewNumericFailureError("lambda factorisation", lerr)
		f.LogWarn(nerr, logrus.Fields{"nb": nb})
		return d, y, qb, nil, 0, false, nerr
	}
	ratio = 999.9
	if s[0] > 0 {
		ratio = s[1] / s[0]
		if ratio > 999.9 {
			ratio = 999.9
		}
	}
	b1 = make([]float64, nb)
	for i := 0; i < nb; i++ {
		b1[i] = cands.At(i, 0)
	}
	return d, y, qb, b1, ratio, true, nil
}

// Resolve implements rtk.Resolver. It runs the LAMBDA search against the
// current float state, retries with lock-counter staggering if the
// previous epoch was fixed and this one's first pass fails, then retries
// once more excluding a round-robin satellite if the ratio was close,
// and on success builds the fixed state/covariance and applies GLONASS
// fractional-bias absorption to the returned xa. It does not change f's
// state vector or covariance: fix-and-hold is applied by rtk.Filter.Epoch
// through HoldAmb, and SBAS biases are not adjusted.
// Grounded on the teacher's ResolveAmb_LAMBDA + RestoreAmb + HoldAmb.
func (r *Resolver) Resolve(f *rtk.Filter) (fixed bool, xa []float64, pa *mat.SymDense, ratioOut float64, nFixed int) {
	cfg := r.Cfg
	pairs := buildPairs(f, 1, f.Cfg.ElevationMaskAR, -1)
	d, y, qb, b1, ratio, ok, err := attempt(f, pairs)
	threshold := ratioThreshold(cfg, len(pairs))
	success := ok && err == nil && ratio >= threshold && ratio > 0

	if !success && r.lastFixed {
		// just-added ambiguities (lock==0) are already excluded by
		// buildPairs, but stagger their lock counters to negative values
		// so they re-enter eligibility on a spread of future epochs
		// instead of all at once, per spec's partial-fix retry text.
		staggerJustAdded(f)
		retried := buildPairs(f, 1, f.Cfg.ElevationMaskAR, -1)
		if len(retried) >= 4 {
			d, y, qb, b1, ratio, ok, err = attempt(f, retried)
			pairs = retried
			threshold = ratioThreshold(cfg, len(pairs))
			success = ok && err == nil && ratio >= threshold && ratio > 0
		}
	}

	if !success && ok && err == nil && ratio >= threshold*cfg.PartialRatio && len(pairs) > 2 {
		// close but not over: round-robin exclude one satellite and retry.
		excludeSats := satsInPairs(pairs)
		if len(excludeSats) > 0 {
			sat := excludeSats[r.excCursor%len(excludeSats)]
			r.excCursor++
			retryPairs := buildPairs(f, 1, f.Cfg.ElevationMaskAR, sat)
			if len(retryPairs) >= 2 {
				d2, y2, qb2, b12, ratio2, ok2, err2 := attempt(f, retryPairs)
				threshold2 := ratioThreshold(cfg, len(retryPairs))
				if ok2 && err2 == nil && ratio2 >= threshold2 {
					d, y, qb, b1, ratio, pairs, success = d2, y2, qb2, b12, ratio2, retryPairs, true
				}
			}
		}
	}

	r.lastFixed = success
	if !success {
		return false, nil, nil, ratio, 0
	}

	n := len(f.X)
	qbInv, err := invertSym(qb)
	if err != nil {
		f.LogWarn(taxonomy.NewNumericFailureError("ambiguity covariance inversion", err), logrus.Fields{"nb": len(pairs)})
		return false, nil, nil, ratio, 0
	}
	diff := mat.NewVecDense(len(pairs), nil)
	for i := range pairs {
		diff.SetVec(i, y.AtVec(i)-b1[i])
	}
	var pdt mat.Dense
	pdt.Mul(f.P, d.T()) // n x nb
	var gain mat.Dense
	gain.Mul(&pdt, qbInv) // n x nb
	var dx mat.VecDense
	dx.MulVec(&gain, diff) // n x 1

	xa = make([]float64, n)
	for i := 0; i < n; i++ {
		xa[i] = f.X[i] - dx.AtVec(i)
	}
	var ghd mat.Dense
	ghd.Mul(&gain, d) // n x n
	pa = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := f.P.At(i, j) - dotRow(&ghd, i, f.P, j, n)
			pa.SetSym(i, j, v)
		}
	}

	absorbGloIFB(f, pairs, xa, cfg.GainHoldAmb)

	return true, xa, pa, ratio, len(pairs)
}

func dotRow(ghd *mat.Dense, i int, p *mat.SymDense, j, n int) float64 {
	var sum float64
	for k := 0; k < n; k++ {
		sum += ghd.At(i, k) * p.At(k, j)
	}
	return sum
}

// staggerJustAdded sets every freshly reset ambiguity's lock counter to a
// distinct negative value so they ramp back to eligibility (lock>0) on a
// spread of future epochs rather than all together.
func staggerJustAdded(f *rtk.Filter) {
	i := 0
	for _, st := range f.Sat {
		for fq, lk := range st.Lock {
			if lk == 0 {
				i++
				st.Lock[fq] = -i
			}
		}
	}
}

func satsInPairs(pairs []ddPair) []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range pairs {
		if !seen[p.otherSat] {
			seen[p.otherSat] = true
			out = append(out, p.otherSat)
		}
	}
	return out
}

func invertSym(a *mat.SymDense) (*mat.Dense, error) {
	n, _ := a.Dims()
	dense := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dense.Set(i, j, a.At(i, j))
		}
	}
	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(dense); err != nil {
		return nil, err
	}
	return inv, nil
}

// absorbGloIFB subtracts gain times the fractional part of each fixed
// GLONASS bias in xa, pulling it toward its nearest integer. Neither the
// teacher nor original_source/ demonstrates this step (see DESIGN.md).
// Only xa is adjusted: there is no separate per-satellite
// inter-channel-bias state, the adjusted values reach the float filter
// only when rtk.Filter.Epoch holds xa through HoldAmb, and SBAS biases
// are not adjusted.
func absorbGloIFB(f *rtk.Filter, pairs []ddPair, xa []float64, gain float64) {
	if gain == 0 {
		return
	}
	for _, p := range pairs {
		st, ok := f.Sat[p.otherSat]
		if !ok || st.Sys != store.SysGLO {
			continue
		}
		frac := xa[p.otherIdx] - roundF(xa[p.otherIdx])
		if math.Abs(frac) < 1e-9 {
			continue
		}
		xa[p.otherIdx] -= gain * frac
	}
}

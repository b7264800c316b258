package postproc

import (
	"github.com/rtkgo/rtkcore/internal/linalg"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/taxonomy"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// dtTol is the time-match tolerance (s) between a forward and a backward
// epoch before they're treated as the same instant, the teacher's DTTOL.
const dtTol = 0.025

// valComb degrades a combined fix to float when the forward/backward
// solutions disagree by more than 4-sigma, grounded on the teacher's
// ValComb.
func valComb(f, b rtk.Solution) bool {
	for i := 0; i < 3; i++ {
		dr := f.Rr[i] - b.Rr[i]
		v := f.Qr[i] + b.Qr[i]
		if dr*dr > 16.0*v {
			return false
		}
	}
	return true
}

func cov3(c [6]float64) *mat.SymDense {
	m := mat.NewSymDense(3, nil)
	m.SetSym(0, 0, c[0])
	m.SetSym(1, 1, c[1])
	m.SetSym(2, 2, c[2])
	m.SetSym(0, 1, c[3])
	m.SetSym(1, 2, c[4])
	m.SetSym(0, 2, c[5])
	return m
}

func uncompress(m *mat.SymDense) [6]float64 {
	return [6]float64{m.At(0, 0), m.At(1, 1), m.At(2, 2), m.At(0, 1), m.At(1, 2), m.At(0, 2)}
}

// Combine merges a forward and a backward Run into one smoothed
// solution series by matching epochs pairwise from opposite ends of
// time, running internal/linalg.Smoother on the position state of every
// matched pair of equal quality, and falling through to whichever side
// has no match at an endpoint. A matched pair of unequal quality is not
// smoothed: the better-quality side is kept as it is. A pair whose
// smoother fails is dropped from the output. Grounded on the teacher's CombResult + ValComb. log, when
// non-nil, receives one structured entry per pair whose smoother failed
// (SPEC_FULL.md AMBIENT STACK Logging); nil disables it.
func Combine(fwd, bwd Run, log *logrus.Entry) ([]rtk.Solution, error) {
	var out []rtk.Solution
	i, j := 0, len(bwd.Solutions)-1
	for i < len(fwd.Solutions) && j >= 0 {
		sf := fwd.Solutions[i]
		sb := bwd.Solutions[j]
		tt := sf.Time.Sub(sb.Time)

		switch {
		case tt < -dtTol:
			out = append(out, sf)
			i++
		case tt > dtTol:
			out = append(out, sb)
			j--
		case qualityPriority(sf.Quality) < qualityPriority(sb.Quality):
			out = append(out, sf)
			i++
			j--
		case qualityPriority(sf.Quality) > qualityPriority(sb.Quality):
			out = append(out, sb)
			i++
			j--
		default:
			merged, err := smoothPair(sf, sb, tt)
			if err != nil {
				if log != nil {
					nerr := taxonomy.NewNumericFailureError("forward/backward smoother", err)
					log.WithFields(logrus.Fields{"component": "postproc", "epoch": sf.Time.String()}).WithError(nerr).Warn("combine pair skipped")
				}
				i++
				j--
				continue
			}
			out = append(out, merged)
			i++
			j--
		}
	}
	for ; i < len(fwd.Solutions); i++ {
		out = append(out, fwd.Solutions[i])
	}
	for ; j >= 0; j-- {
		out = append(out, bwd.Solutions[j])
	}
	return out, nil
}

func smoothPair(sf, sb rtk.Solution, tt float64) (rtk.Solution, error) {
	qf := cov3(sf.Cov)
	qb := cov3(sb.Cov)
	xs, qs, err := linalg.Smoother(sf.Rr[:], qf, sb.Rr[:], qb)
	if err != nil {
		return rtk.Solution{}, err
	}
	merged := sf
	merged.Time = sf.Time.Add(-tt / 2.0)
	copy(merged.Rr[:], xs)
	merged.Cov = uncompress(qs)
	for i := 0; i < 3; i++ {
		merged.Qr[i] = qs.At(i, i)
	}
	if merged.Quality == rtk.QualityFixed && !valComb(sf, sb) {
		merged.Quality = rtk.QualityFloat
	}
	return merged, nil
}

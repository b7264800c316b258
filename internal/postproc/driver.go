// Package postproc drives internal/rtk through a batch of epochs in
// forward, backward, or combined forward/backward mode, the way
// post-processing tools (as opposed to a real-time rover) run the same
// estimator over already-recorded data.
//
// Grounded on the teacher's src/postpos.go, but its package-level
// mutable state (solf/solb/rbf/rbb/isolf/isolb/revs/...) is replaced
// with an explicit Driver/session object per spec.md Design Note 9 —
// the same departure already applied throughout this module (see
// DESIGN.md's Open Question decisions).
package postproc

import (
	"fmt"

	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/sirupsen/logrus"
)

// Epoch is one synchronized rover/base observation batch plus the
// satellite geometry and ionosphere model needed to process it,
// supplied by the caller (internal/rinex + internal/satpos do the
// actual decoding/propagation; this package only consumes the result,
// the same external-collaborator-boundary pattern internal/rtk uses for
// SatGeom).
type Epoch struct {
	Time      store.Gtime
	RoverObs  []store.Obs
	BaseObs   []store.Obs
	SatStates map[int]rtk.SatGeom
	Ion       [8]float64
	DOY       float64
}

// EpochSource yields one Epoch at a time in the order it should be
// processed. Forward processing takes epochs in chronological order;
// backward processing takes them in reverse — callers build distinct
// sources rather than this package reinterpreting a single ordering,
// keeping the direction concern out of the driver.
type EpochSource interface {
	Next() (Epoch, bool, error)
}

// SliceSource is the common EpochSource: a pre-materialized, already
// time-ordered (or reverse-time-ordered, for backward runs) epoch list.
type SliceSource struct {
	Epochs []Epoch
	i      int
}

func (s *SliceSource) Next() (Epoch, bool, error) {
	if s.i >= len(s.Epochs) {
		return Epoch{}, false, nil
	}
	e := s.Epochs[s.i]
	s.i++
	return e, true, nil
}

// Reverse returns epochs in reverse chronological order, for a backward
// pass over the same data RunForward consumed.
func Reverse(epochs []Epoch) []Epoch {
	out := make([]Epoch, len(epochs))
	for i, e := range epochs {
		out[len(epochs)-1-i] = e
	}
	return out
}

// Run is one directional pass's result: the solutions in processing
// order, and the base-station position used for each (the teacher's
// parallel solf/rbf or solb/rbb arrays, here one struct per epoch).
type Run struct {
	Solutions []rtk.Solution
	BasePos   [][3]float64
}

// Driver runs internal/rtk.Filter across a batch of epochs. Resolver may
// be nil to skip ambiguity resolution (float-only processing).
type Driver struct {
	Cfg      rtk.Config
	Resolver rtk.Resolver

	// Log, when set, is attached to every filter this Driver builds and
	// also receives one entry per skipped epoch (SPEC_FULL.md AMBIENT
	// STACK Logging). Nil disables both.
	Log *logrus.Entry
}

// NewDriver builds a Driver with the given filter configuration and
// (optional) ambiguity resolver.
func NewDriver(cfg rtk.Config, resolver rtk.Resolver) *Driver {
	return &Driver{Cfg: cfg, Resolver: resolver}
}

// RunDirectional processes every epoch from src through a fresh filter
// seeded at roverSeed/basePos, in the order src yields them, collecting
// one Solution per successfully processed epoch (epochs that error out —
// too few common satellites, a failed validation gate — are skipped,
// matching the teacher's `continue` on a zero-return RtkPos/RelativePos).
// Grounded on the teacher's ProcPos (mode==0 branch, one direction).
func (d *Driver) RunDirectional(src EpochSource, roverSeed, basePos [3]float64) (Run, error) {
	f := rtk.NewFilter(d.Cfg, roverSeed, basePos)
	f.Log = d.Log
	var run Run
	for {
		ep, ok, err := src.Next()
		if err != nil {
			return run, err
		}
		if !ok {
			break
		}
		sol, err := f.Epoch(ep.Time, ep.RoverObs, ep.BaseObs, ep.SatStates, ep.Ion, ep.DOY, d.Resolver)
		if err != nil {
			if d.Log != nil {
				d.Log.WithFields(logrus.Fields{"component": "postproc", "epoch": ep.Time.String()}).WithError(err).Warn("epoch skipped")
			}
			continue
		}
		run.Solutions = append(run.Solutions, sol)
		run.BasePos = append(run.BasePos, f.Rb)
	}
	return run, nil
}

// qualityPriority ranks solution quality the way the teacher's `pri`
// table does for its static-mode "keep the best" comparison: fixed
// beats float beats none.
func qualityPriority(q rtk.Quality) int {
	switch q {
	case rtk.QualityFixed:
		return 2
	case rtk.QualityFloat:
		return 1
	default:
		return 0
	}
}

// SelectStatic picks one representative solution from a run the way
// static-mode post-processing reports a single averaged/best fix per
// session: the best-quality solution seen, breaking ties by earliest
// time. Grounded on the teacher's solstatic branch in ProcPos/CombResult
// (`pri[stat] <= pri[sol.Stat]`, keep earliest `time`).
func SelectStatic(sols []rtk.Solution) (rtk.Solution, error) {
	if len(sols) == 0 {
		return rtk.Solution{}, fmt.Errorf("postproc: no solutions to select from")
	}
	best := sols[0]
	for _, s := range sols[1:] {
		if qualityPriority(s.Quality) > qualityPriority(best.Quality) {
			best = s
			continue
		}
		if qualityPriority(s.Quality) == qualityPriority(best.Quality) && s.Time.Before(best.Time) {
			best = s
		}
	}
	return best, nil
}

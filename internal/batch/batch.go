// Package batch turns a pair of already-parsed RINEX observation streams
// plus a shared ephemeris/precise/ionosphere store into the
// internal/postproc.EpochSource the batch driver consumes: grouping raw
// observation records into synchronized rover/base epochs and evaluating
// each epoch's per-satellite geometry, the glue src/postpos.go's
// ReadObsNav + a per-epoch satposs call provides in the teacher.
package batch

import (
	"sort"

	"github.com/rtkgo/rtkcore/internal/postproc"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/satpos"
	"github.com/rtkgo/rtkcore/internal/store"
)

// syncTolerance is how close two observation timestamps must be to be
// treated as the same epoch, the teacher's DTTOL.
const syncTolerance = 0.005

// timeGroup is one epoch's worth of observations from a single receiver.
type timeGroup struct {
	Time store.Gtime
	Obs  []store.Obs
}

// groupByTime buckets a flat observation list into per-epoch slices,
// ordered by time (RINEX records are already time-ordered within a
// file, so this only needs to detect boundaries).
func groupByTime(obs []store.Obs) []timeGroup {
	var out []timeGroup
	for _, o := range obs {
		n := len(out)
		if n > 0 && absf(out[n-1].Time.Sub(o.Time)) < syncTolerance {
			out[n-1].Obs = append(out[n-1].Obs, o)
			continue
		}
		out = append(out, timeGroup{Time: o.Time, Obs: []store.Obs{o}})
	}
	return out
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// BuildEpochs synchronizes rover and base observation records into
// postproc.Epoch values, pairing each rover epoch with the closest base
// epoch within syncTolerance (base-less single-receiver runs pass a nil
// baseObs). Satellite geometry for each epoch is resolved from eph/pephs
// via SatStates, the same per-epoch evaluation internal/rtkserver's
// SatStateFunc performs for a live feed.
func BuildEpochs(roverObs, baseObs []store.Obs, st *store.Store, ion [8]float64) ([]postproc.Epoch, error) {
	roverEpochs := groupByTime(roverObs)
	baseEpochs := groupByTime(baseObs)
	sort.SliceStable(baseEpochs, func(i, j int) bool { return baseEpochs[i].Time.Before(baseEpochs[j].Time) })

	epochs := make([]postproc.Epoch, 0, len(roverEpochs))
	bi := 0
	for _, re := range roverEpochs {
		var be []store.Obs
		for bi < len(baseEpochs) && baseEpochs[bi].Time.Before(re.Time) && absf(baseEpochs[bi].Time.Sub(re.Time)) >= syncTolerance {
			bi++
		}
		if bi < len(baseEpochs) && absf(baseEpochs[bi].Time.Sub(re.Time)) < syncTolerance {
			be = baseEpochs[bi].Obs
		}

		sats, err := SatStates(re.Time, re.Obs, be, st)
		if err != nil {
			continue
		}
		epochs = append(epochs, postproc.Epoch{
			Time:      re.Time,
			RoverObs:  re.Obs,
			BaseObs:   be,
			SatStates: sats,
			Ion:       ion,
			DOY:       re.Time.DOY(),
		})
	}
	return epochs, nil
}

// SatStates evaluates position and clock bias for every satellite
// observed by rover or base at t. Grounded on the teacher's satposs: a
// precise ephemeris in st.Precise that covers t is used first; otherwise
// the broadcast model is evaluated, SSR-corrected when a correction is
// present.
func SatStates(t store.Gtime, roverObs, baseObs []store.Obs, st *store.Store) (map[int]rtk.SatGeom, error) {
	seen := map[int]bool{}
	for _, o := range roverObs {
		seen[o.Sat] = true
	}
	for _, o := range baseObs {
		seen[o.Sat] = true
	}

	out := make(map[int]rtk.SatGeom, len(seen))
	for sat := range seen {
		sys, _ := store.SatSys(sat)
		if ps, perr := satpos.PrecisePos(st.Precise.Ephs, sat, t); perr == nil {
			out[sat] = rtk.SatGeom{Sat: sat, Sys: sys, Pos: ps.Pos, ClockBias: ps.ClockBias}
			continue
		}
		var state satpos.State
		var err error
		switch sys {
		case store.SysGLO:
			g, ok := st.Eph.GLOAt(sat, t)
			if !ok {
				continue
			}
			state, err = satpos.GlonassPos(t, g)
		case store.SysSBS:
			s, ok := st.Eph.SBSAt(sat, t)
			if !ok {
				continue
			}
			state, err = satpos.SbasPos(t, s)
		default:
			e, ok := st.Eph.GPSAt(sat, t)
			if !ok {
				continue
			}
			state, err = satpos.BroadcastPos(t, e)
		}
		if err != nil {
			continue
		}
		if c, ok := st.SSR[sat]; ok && c.Updated {
			state = satpos.ApplySSR(state, state.Vel, c, t)
		}
		out[sat] = rtk.SatGeom{Sat: sat, Sys: sys, Pos: state.Pos, ClockBias: state.ClockBias}
	}
	return out, nil
}

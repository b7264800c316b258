package batch

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func t0() store.Gtime {
	return gtime.FromEpoch([6]float64{2024, 1, 15, 0, 0, 0})
}

func obsAt(t store.Gtime, sat int) store.Obs {
	return store.Obs{Time: t, Sat: sat}
}

func TestGroupByTimeSplitsOnTimeBoundary(t *testing.T) {
	base := t0()
	obs := []store.Obs{
		obsAt(base, 1), obsAt(base, 2),
		obsAt(base.Add(1), 1), obsAt(base.Add(1), 2), obsAt(base.Add(1), 3),
	}
	groups := groupByTime(obs)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Obs, 2)
	assert.Len(t, groups[1].Obs, 3)
}

func TestBuildEpochsPairsNearbyBaseEpoch(t *testing.T) {
	base := t0()
	roverObs := []store.Obs{obsAt(base, 1), obsAt(base.Add(1), 1)}
	baseObs := []store.Obs{obsAt(base, 1), obsAt(base.Add(1), 1)}

	st := store.New()
	epochs, err := BuildEpochs(roverObs, baseObs, st, [8]float64{})

	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Len(t, epochs[0].BaseObs, 1)
	assert.Len(t, epochs[1].BaseObs, 1)
}

func TestBuildEpochsLeavesBaseObsEmptyWithoutMatch(t *testing.T) {
	base := t0()
	roverObs := []store.Obs{obsAt(base, 1)}
	baseObs := []store.Obs{obsAt(base.Add(30), 1)}

	st := store.New()
	epochs, err := BuildEpochs(roverObs, baseObs, st, [8]float64{})

	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.Empty(t, epochs[0].BaseObs)
}

func TestSatStatesSkipsSatellitesWithoutEphemeris(t *testing.T) {
	st := store.New()
	sats, err := SatStates(t0(), []store.Obs{obsAt(t0(), store.SatNo(store.SysGPS, 1))}, nil, st)
	require.NoError(t, err)
	assert.Empty(t, sats)
}

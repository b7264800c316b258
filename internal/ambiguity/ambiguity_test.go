package ambiguity

import (
	"math"
	"testing"

	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLambdaFixesWellSeparatedFloatAmbiguities(t *testing.T) {
	a := []float64{5.02, 3.98, -2.01}
	q := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		q.SetSym(i, i, 0.0009)
	}
	f, s, err := Lambda(a, q, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, f.At(0, 0), 1e-9)
	assert.InDelta(t, 4.0, f.At(1, 0), 1e-9)
	assert.InDelta(t, -2.0, f.At(2, 0), 1e-9)
	assert.Less(t, s[0], s[1])
}

func TestLambdaSingleAmbiguity(t *testing.T) {
	q := mat.NewSymDense(1, []float64{0.01})
	f, s, err := Lambda([]float64{7.1}, q, 2)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, f.At(0, 0), 1e-9)
	assert.GreaterOrEqual(t, s[1], s[0])
}

func TestRatioThresholdMonotonicDecreasing(t *testing.T) {
	cfg := Config{MinRatio: 2.0, MaxRatio: 3.0}
	t1 := ratioThreshold(cfg, 2)
	t2 := ratioThreshold(cfg, 20)
	assert.Greater(t, t1, t2)
	assert.GreaterOrEqual(t, t2, cfg.MinRatio)
	assert.LessOrEqual(t, t1, cfg.MaxRatio)
}

func TestRatioThresholdFlatWhenRangeIsZero(t *testing.T) {
	cfg := Config{MinRatio: 3.0, MaxRatio: 3.0}
	assert.Equal(t, 3.0, ratioThreshold(cfg, 1))
	assert.Equal(t, 3.0, ratioThreshold(cfg, 50))
}

func newTestFilter(t *testing.T) (*rtk.Filter, []int, []int) {
	t.Helper()
	cfg := rtk.DefaultConfig()
	cfg.Nf = 1
	cfg.ElevationMaskAR = 15 * math.Pi / 180
	f := rtk.NewFilter(cfg, [3]float64{-2700000, -4300000, 3900000}, [3]float64{-2700100, -4300100, 3900100})

	sats := []int{store.SatNo(store.SysGPS, 1), store.SatNo(store.SysGPS, 2), store.SatNo(store.SysGPS, 3)}
	var idxs []int
	for _, sat := range sats {
		idx, _, ok := f.Layout.Amb(sat, 0)
		require.True(t, ok)
		idxs = append(idxs, idx)
	}

	n := f.Layout.Len()
	x := make([]float64, n)
	copy(x, f.X)
	p := mat.NewSymDense(n, nil)
	for i := 0; i < len(f.X); i++ {
		for j := i; j < len(f.X); j++ {
			p.SetSym(i, j, f.P.At(i, j))
		}
	}
	f.X, f.P = x, p

	truth := []float64{5.02, 3.98, -2.01}
	for i, idx := range idxs {
		f.X[idx] = truth[i]
		f.P.SetSym(idx, idx, 0.0009)
	}
	for _, sat := range sats {
		f.Sat[sat] = &rtk.SatStatus{
			Sys: store.SysGPS, El: 60 * math.Pi / 180,
			Slip: []bool{false}, Lock: []int{5}, Outage: []int{0},
			Valid: []bool{true}, FixState: []int{1},
		}
	}
	return f, sats, idxs
}

func TestBuildPairsSelectsReferenceAndPairsTheRest(t *testing.T) {
	f, _, _ := newTestFilter(t)
	pairs := buildPairs(f, 1, f.Cfg.ElevationMaskAR, -1)
	assert.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.NotEqual(t, p.refIdx, p.otherIdx)
	}
}

func TestBuildPairsExcludesSlippedOrLowElevation(t *testing.T) {
	f, sats, _ := newTestFilter(t)
	f.Sat[sats[1]].Slip[0] = true
	f.Sat[sats[2]].El = 1 * math.Pi / 180
	pairs := buildPairs(f, 1, f.Cfg.ElevationMaskAR, -1)
	assert.Empty(t, pairs) // only one candidate (sats[0]) left, can't form a pair
}

func TestBuildPairsHonorsExclude(t *testing.T) {
	f, sats, _ := newTestFilter(t)
	pairs := buildPairs(f, 1, f.Cfg.ElevationMaskAR, sats[0])
	assert.Len(t, pairs, 1)
	for _, p := range pairs {
		assert.NotEqual(t, sats[0], p.refSat)
		assert.NotEqual(t, sats[0], p.otherSat)
	}
}

func TestResolveFixesWellConditionedAmbiguities(t *testing.T) {
	f, _, _ := newTestFilter(t)
	r := NewResolver(DefaultConfig())
	fixed, xa, pa, ratio, nFixed := r.Resolve(f)
	require.True(t, fixed)
	assert.Equal(t, 2, nFixed)
	assert.Greater(t, ratio, 0.0)
	assert.Len(t, xa, len(f.X))
	assert.NotNil(t, pa)
}

func TestResolveFailsWithFewerThanTwoCandidates(t *testing.T) {
	f, sats, _ := newTestFilter(t)
	delete(f.Sat, sats[1])
	delete(f.Sat, sats[2])
	r := NewResolver(DefaultConfig())
	fixed, _, _, _, nFixed := r.Resolve(f)
	assert.False(t, fixed)
	assert.Equal(t, 0, nFixed)
}

func TestAbsorbGloIFBLeavesNonGlonassUntouched(t *testing.T) {
	f, sats, idxs := newTestFilter(t)
	xa := make([]float64, len(f.X))
	copy(xa, f.X)
	xa[idxs[1]] = 4.3
	pairs := []ddPair{{refIdx: idxs[0], otherIdx: idxs[1], refSat: sats[0], otherSat: sats[1], freq: 0}}
	absorbGloIFB(f, pairs, xa, 1.0)
	assert.Equal(t, 4.3, xa[idxs[1]]) // GPS, not GLONASS: untouched
}

func TestAbsorbGloIFBFoldsFractionalPartForGlonass(t *testing.T) {
	f, sats, idxs := newTestFilter(t)
	f.Sat[sats[1]].Sys = store.SysGLO
	xa := make([]float64, len(f.X))
	copy(xa, f.X)
	xa[idxs[1]] = 4.3
	pairs := []ddPair{{refIdx: idxs[0], otherIdx: idxs[1], refSat: sats[0], otherSat: sats[1], freq: 0}}
	absorbGloIFB(f, pairs, xa, 1.0)
	assert.InDelta(t, 4.0, xa[idxs[1]], 1e-9)
}

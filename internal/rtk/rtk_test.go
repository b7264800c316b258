package rtk

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutFixedBlockSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dynamics = true
	cfg.Trop = TropoEstimateGradient
	cfg.GloIFB = true
	l := NewLayout(cfg)

	assert.Equal(t, 9, l.nPos)
	assert.Equal(t, 3, l.nTrop)
	assert.Equal(t, 2, l.nGlo) // Nf=2
	assert.Equal(t, 9+3+2, l.Len())
	assert.Equal(t, 9, l.TropIndex())
	assert.Equal(t, 12, l.GloBiasIndex(0))
	assert.Equal(t, 13, l.GloBiasIndex(1))
}

func TestLayoutLazyAmbiguityAllocation(t *testing.T) {
	cfg := DefaultConfig()
	l := NewLayout(cfg)
	base := l.Len()

	idx1, grown1, ok := l.Amb(10, 0)
	require.True(t, ok)
	assert.True(t, grown1)
	assert.Equal(t, base, idx1)

	idx1again, grown2, ok := l.Amb(10, 0)
	require.True(t, ok)
	assert.False(t, grown2)
	assert.Equal(t, idx1, idx1again)

	idx2, grown3, ok := l.Amb(10, 1)
	require.True(t, ok)
	assert.True(t, grown3)
	assert.Equal(t, idx1+1, idx2)
}

func TestLayoutIonoDisabledWhenIonoFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IonoEst = true
	cfg.IonoFree = true
	l := NewLayout(cfg)
	_, _, ok := l.Iono(5)
	assert.False(t, ok)
}

func TestNewFilterSeedsPositionAndTroposphere(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trop = TropoEstimate
	rr := [3]float64{-2700000, -4300000, 3900000}
	rb := [3]float64{-2700100, -4300100, 3900100}
	f := NewFilter(cfg, rr, rb)

	for i := 0; i < 3; i++ {
		assert.Equal(t, rr[i], f.X[i])
	}
	assert.Equal(t, 0.15, f.X[f.Layout.TropIndex()])
	assert.Greater(t, f.P.At(0, 0), 0.0)
}

func TestUpdatePosStaticKeepsPositionUnchanged(t *testing.T) {
	cfg := DefaultConfig() // Dynamics=false
	rr := [3]float64{1, 2, 3}
	f := NewFilter(cfg, rr, [3]float64{0, 0, 0})
	f.haveEpoch = true
	f.UpdatePos(1.0)
	assert.Equal(t, rr[0], f.X[0])
	assert.Equal(t, rr[1], f.X[1])
	assert.Equal(t, rr[2], f.X[2])
}

func TestUpdatePosDynamicsPropagatesVelocity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dynamics = true
	f := NewFilter(cfg, [3]float64{0, 0, 0}, [3]float64{0, 0, 0})
	f.haveEpoch = true
	f.X[3] = 2.0 // velocity x
	f.UpdatePos(1.0)
	assert.InDelta(t, 2.0, f.X[0], 1e-9)
}

func TestDetectSlipLL(t *testing.T) {
	assert.True(t, detectSlipLL(1, 0))
	assert.True(t, detectSlipLL(0, 1))
	assert.False(t, detectSlipLL(0, 0))
	assert.False(t, detectSlipLL(2, 0)) // half-cycle bit, not the LLI-slip bit
}

func TestDetectSlipGF(t *testing.T) {
	assert.False(t, detectSlipGF(0.02, 0, 0.05)) // no previous value yet
	assert.False(t, detectSlipGF(0.02, 0.01, 0.05))
	assert.True(t, detectSlipGF(0.20, 0.01, 0.05))
}

func TestUpdateBiasInitializesFromPhaseMinusCode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nf = 1
	f := NewFilter(cfg, [3]float64{0, 0, 0}, [3]float64{0, 0, 0})

	sat := store.SatNo(store.SysGPS, 5)
	lam := nominalWavelength(store.SysGPS, 0)
	// same phase on both receivers (dPhase=0), a 5m code-side offset
	// (dCode=5) => phase-minus-code ambiguity state = dPhase-dCode = -5.
	rover := map[int]store.Obs{sat: {Sat: sat, L: [store.NFreq + store.NExObs]float64{0}, P: [store.NFreq + store.NExObs]float64{5}}}
	base := map[int]store.Obs{sat: {Sat: sat, L: [store.NFreq + store.NExObs]float64{0}, P: [store.NFreq + store.NExObs]float64{0}}}

	wavelen := func(s, fq int) float64 { return lam }
	f.UpdateBias(1.0, rover, base, []int{sat}, wavelen)

	idx, ok := f.Layout.LookupAmb(sat, 0)
	require.True(t, ok)
	assert.InDelta(t, -5.0, f.X[idx], 1e-6)

	st := f.status(sat)
	assert.Equal(t, 0, st.Lock[0]) // just (re)initialized
}

func TestBaselineLen(t *testing.T) {
	bl, dr := baselineLen([]float64{3, 4, 0}, [3]float64{0, 0, 0})
	assert.InDelta(t, 5.0, bl, 1e-9)
	assert.Equal(t, [3]float64{3, 4, 0}, dr)
}

func TestConstBaselineLenDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()
	f := NewFilter(cfg, [3]float64{10, 0, 0}, [3]float64{0, 0, 0})
	_, _, _, ok := ConstBaselineLen(f)
	assert.False(t, ok)
}

func TestConstBaselineLenResidual(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaselineLen = 5.0
	cfg.BaselineLenStd = 0.01
	f := NewFilter(cfg, [3]float64{3, 4, 0}, [3]float64{0, 0, 0})
	resid, coeffs, variance, ok := ConstBaselineLen(f)
	require.True(t, ok)
	assert.InDelta(t, 0.0, resid, 1e-9) // already at the constrained length
	assert.InDelta(t, 0.0001, variance, 1e-9)
	assert.Len(t, coeffs, 3)
}

func TestRtkVarianceErrPenalizesLowElevationAndSNR(t *testing.T) {
	cfg := DefaultConfig()
	hi := RtkVarianceErr(cfg, true, 80*d2r, 1000, 45, 0)
	lo := RtkVarianceErr(cfg, true, 10*d2r, 1000, 45, 0)
	assert.Greater(t, lo, hi)

	noSNR := RtkVarianceErr(cfg, true, 45*d2r, 1000, 0, 0)
	weakSNR := RtkVarianceErr(cfg, true, 45*d2r, 1000, 20, 0)
	assert.Greater(t, weakSNR, noSNR)
}

func TestEpochRejectsTooFewSatellites(t *testing.T) {
	cfg := DefaultConfig()
	f := NewFilter(cfg, [3]float64{1, 2, 3}, [3]float64{0, 0, 0})
	_, err := f.Epoch(store.Gtime{}, nil, nil, nil, [8]float64{}, 1.0, nil)
	assert.Error(t, err)
}

func TestLayoutReservesClkIndexOnlyWhenPPP(t *testing.T) {
	cfg := DefaultConfig()
	l := NewLayout(cfg)
	assert.Equal(t, -1, l.ClkIndex())
	assert.Equal(t, 0, l.nClk)

	cfg.PPP = true
	lp := NewLayout(cfg)
	assert.Equal(t, lp.nPos+lp.nTrop+lp.nGlo, lp.ClkIndex())
	assert.Equal(t, 1, lp.nClk)
	assert.Equal(t, lp.nPos+lp.nTrop+lp.nGlo+1, lp.fixedLen)
}

func TestUpdateClkNoopWithoutPPP(t *testing.T) {
	cfg := DefaultConfig()
	f := NewFilter(cfg, [3]float64{0, 0, 0}, [3]float64{0, 0, 0})
	f.UpdateClk() // must not panic: ClkIndex() is -1
}

func TestUpdateClkResetsStateAndVariance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PPP = true
	f := NewFilter(cfg, [3]float64{0, 0, 0}, [3]float64{0, 0, 0})
	idx := f.Layout.ClkIndex()
	f.X[idx] = 42.0
	f.UpdateClk()
	assert.Equal(t, 0.0, f.X[idx])
	assert.Equal(t, varClkInit, f.P.At(idx, idx))
}

func TestIonoFreeComboCancelsIonosphericTerm(t *testing.T) {
	lam1 := nominalWavelength(store.SysGPS, 0)
	lam2 := nominalWavelength(store.SysGPS, 1)
	wavelen := func(fq int) float64 {
		if fq == 0 {
			return lam1
		}
		return lam2
	}
	// equal code/phase on both frequencies (no ionospheric divergence):
	// the iono-free combination should reduce to that same common value.
	obs := store.Obs{
		P: [store.NFreq + store.NExObs]float64{20000000, 20000000},
		L: [store.NFreq + store.NExObs]float64{20000000 / lam1, 20000000 / lam2},
	}
	codeIF, phaseIF, ok := ionoFreeCombo(obs, wavelen)
	require.True(t, ok)
	assert.InDelta(t, 20000000, codeIF, 1e-3)
	assert.InDelta(t, 20000000, phaseIF, 1e-3)
}

func TestIonoFreeComboFalseWhenSecondFrequencyMissing(t *testing.T) {
	lam1 := nominalWavelength(store.SysGPS, 0)
	wavelen := func(fq int) float64 {
		if fq == 0 {
			return lam1
		}
		return 0 // L2 not tracked
	}
	obs := store.Obs{P: [store.NFreq + store.NExObs]float64{20000000}, L: [store.NFreq + store.NExObs]float64{1e8}}
	_, _, ok := ionoFreeCombo(obs, wavelen)
	assert.False(t, ok)
}

func TestUpdateBiasPPPInitializesFromIonoFreePhaseMinusCode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PPP = true
	cfg.IonoFree = true
	f := NewFilter(cfg, [3]float64{0, 0, 0}, [3]float64{0, 0, 0})

	sat := store.SatNo(store.SysGPS, 5)
	lam1 := nominalWavelength(store.SysGPS, 0)
	lam2 := nominalWavelength(store.SysGPS, 1)
	rover := map[int]store.Obs{
		sat: {
			Sat: sat,
			P:   [store.NFreq + store.NExObs]float64{20000000, 20000000},
			L:   [store.NFreq + store.NExObs]float64{20000005 / lam1, 20000005 / lam2},
		},
	}
	wavelen := func(s, fq int) float64 {
		if fq == 0 {
			return lam1
		}
		return lam2
	}
	f.UpdateBiasPPP(1.0, rover, []int{sat}, wavelen)

	idx, ok := f.Layout.LookupAmb(sat, 0)
	require.True(t, ok)
	assert.InDelta(t, 5.0, f.X[idx], 1e-3) // phaseIF - codeIF = 5m

	st := f.status(sat)
	assert.Equal(t, 0, st.Lock[0]) // just (re)initialized
}

func TestEpochPPPRejectsTooFewSatellites(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PPP = true
	f := NewFilter(cfg, [3]float64{1, 2, 3}, [3]float64{0, 0, 0})
	_, err := f.Epoch(store.Gtime{}, nil, nil, nil, [8]float64{}, 1.0, nil)
	assert.Error(t, err)
}

package postproc

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epochAt(sec float64) Epoch {
	return Epoch{Time: gtime.Time{}.Add(sec)}
}

func TestSliceSourceYieldsInOrderThenExhausts(t *testing.T) {
	src := &SliceSource{Epochs: []Epoch{epochAt(0), epochAt(1)}}
	e1, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, e1.Time.Sub(gtime.Time{}))

	_, ok, _ = src.Next()
	require.True(t, ok)

	_, ok, _ = src.Next()
	assert.False(t, ok)
}

func TestReverseFlipsOrder(t *testing.T) {
	fwd := []Epoch{epochAt(0), epochAt(1), epochAt(2)}
	rev := Reverse(fwd)
	assert.Equal(t, 2.0, rev[0].Time.Sub(gtime.Time{}))
	assert.Equal(t, 0.0, rev[2].Time.Sub(gtime.Time{}))
}

func TestSelectStaticPrefersFixedThenEarliest(t *testing.T) {
	sols := []rtk.Solution{
		{Time: gtime.Time{}.Add(10), Quality: rtk.QualityFloat},
		{Time: gtime.Time{}.Add(5), Quality: rtk.QualityFixed},
		{Time: gtime.Time{}.Add(20), Quality: rtk.QualityFixed},
	}
	best, err := SelectStatic(sols)
	require.NoError(t, err)
	assert.Equal(t, rtk.QualityFixed, best.Quality)
	assert.Equal(t, 5.0, best.Time.Sub(gtime.Time{}))
}

func TestSelectStaticErrorsOnEmpty(t *testing.T) {
	_, err := SelectStatic(nil)
	assert.Error(t, err)
}

func TestValCombDegradesOnLargeDisagreement(t *testing.T) {
	sf := rtk.Solution{Rr: [3]float64{0, 0, 0}, Qr: [3]float64{0.01, 0.01, 0.01}}
	sb := rtk.Solution{Rr: [3]float64{10, 0, 0}, Qr: [3]float64{0.01, 0.01, 0.01}}
	assert.False(t, valComb(sf, sb))

	sbClose := rtk.Solution{Rr: [3]float64{0.01, 0, 0}, Qr: [3]float64{0.01, 0.01, 0.01}}
	assert.True(t, valComb(sf, sbClose))
}

func TestCombineMatchesOverlappingEpochsAndSmooths(t *testing.T) {
	t0 := gtime.Time{}.Add(100)
	fwd := Run{Solutions: []rtk.Solution{
		{Time: t0, Rr: [3]float64{1, 2, 3}, Qr: [3]float64{1, 1, 1}, Cov: [6]float64{1, 1, 1, 0, 0, 0}, Quality: rtk.QualityFixed},
	}}
	bwd := Run{Solutions: []rtk.Solution{
		{Time: t0, Rr: [3]float64{1.02, 2.02, 3.02}, Qr: [3]float64{1, 1, 1}, Cov: [6]float64{1, 1, 1, 0, 0, 0}, Quality: rtk.QualityFixed},
	}}
	out, err := Combine(fwd, bwd, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 1.01, out[0].Rr[0], 1e-6)
	assert.Equal(t, rtk.QualityFixed, out[0].Quality)
}

func TestCombineFallsThroughToOneSidedTail(t *testing.T) {
	fwd := Run{Solutions: []rtk.Solution{
		{Time: gtime.Time{}.Add(0), Rr: [3]float64{1, 1, 1}, Cov: [6]float64{1, 1, 1, 0, 0, 0}},
		{Time: gtime.Time{}.Add(100), Rr: [3]float64{2, 2, 2}},
	}}
	bwd := Run{Solutions: []rtk.Solution{
		{Time: gtime.Time{}.Add(0), Rr: [3]float64{1, 1, 1}, Cov: [6]float64{1, 1, 1, 0, 0, 0}},
	}}
	out, err := Combine(fwd, bwd, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

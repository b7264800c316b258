package main

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXYZAcceptsThreeCommaSeparatedFloats(t *testing.T) {
	v, err := parseXYZ("1.5, -2.25,3")
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1.5, -2.25, 3}, v)
}

func TestParseXYZRejectsWrongFieldCount(t *testing.T) {
	_, err := parseXYZ("1,2")
	assert.Error(t, err)
}

func TestParseXYZRejectsNonNumeric(t *testing.T) {
	_, err := parseXYZ("1,x,3")
	assert.Error(t, err)
}

func TestReverseSolutionsFlipsOrder(t *testing.T) {
	sols := []rtk.Solution{{NSats: 1}, {NSats: 2}, {NSats: 3}}
	out := reverseSolutions(sols)
	assert.Equal(t, []int{3, 2, 1}, []int{out[0].NSats, out[1].NSats, out[2].NSats})
}

func TestFirstEpochKeepsOnlyLeadingMatchingTimestamp(t *testing.T) {
	t0 := gtime.FromEpoch([6]float64{2024, 1, 15, 0, 0, 0})
	obs := []store.Obs{
		{Time: t0, Sat: 1},
		{Time: t0, Sat: 2},
		{Time: t0.Add(1), Sat: 1},
	}
	out := firstEpoch(obs)
	assert.Len(t, out, 2)
}

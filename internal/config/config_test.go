package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
}

func TestValidateRejectsOutOfRangeElevationMask(t *testing.T) {
	o := DefaultOptions()
	o.ElevationMaskDeg = 95
	assert.Error(t, o.Validate())
}

func TestValidateRejectsMaxRatioBelowMinRatio(t *testing.T) {
	o := DefaultOptions()
	o.MinRatio = 5
	o.MaxRatio = 2
	assert.Error(t, o.Validate())
}

func TestValidateRejectsZeroNumFreq(t *testing.T) {
	o := DefaultOptions()
	o.NumFreq = 0
	assert.Error(t, o.Validate())
}

func TestBuildConvertsDegreesToRadiansForCorePackages(t *testing.T) {
	o := DefaultOptions()
	o.ElevationMaskDeg = 10
	sess, err := Build(o)
	require.NoError(t, err)
	assert.InDelta(t, 0.17453, sess.RTK.ElevationMask, 1e-4)
	assert.InDelta(t, 0.17453, sess.Pntpos.ElevationMask, 1e-4)
}

func TestBuildRejectsInvalidOptions(t *testing.T) {
	o := DefaultOptions()
	o.CodeStd = -1
	_, err := Build(o)
	assert.Error(t, err)
}

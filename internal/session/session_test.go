package session

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsValidatedSessionWithEmptyStore(t *testing.T) {
	s, err := New(config.DefaultOptions(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Store)
	assert.Equal(t, 0, s.Store.Rover.Len())
	assert.NotNil(t, s.Geoid)
	assert.Equal(t, 0.0, s.Geoid.Undulation(0.1, 0.2))
}

func TestNewAssignsARunID(t *testing.T) {
	s, err := New(config.DefaultOptions(), nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotNil(t, s.Log)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	o := config.DefaultOptions()
	o.ElevationMaskDeg = -5
	_, err := New(o, nil, nil)
	assert.Error(t, err)
}

func TestCloseClearsStore(t *testing.T) {
	s, err := New(config.DefaultOptions(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Nil(t, s.Store)
}

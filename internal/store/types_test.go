package store

import (
	"testing"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/stretchr/testify/assert"
)

func TestEphStoreRingBoundsPerSatelliteEntries(t *testing.T) {
	e := NewEphStore(2)
	sat := 1
	for i := 0; i < 5; i++ {
		toe := gtime.Time{}.Add(float64(i) * 7200)
		e.AppendGPS(Eph{Sat: sat, Iode: i, Toe: toe, Ttr: toe})
	}
	eph, ok := e.GPSAt(sat, gtime.Time{}.Add(4*7200))
	assert.True(t, ok)
	assert.Equal(t, 4, eph.Iode)
	// only the last 2 of 5 appends survive the ring.
	_, oldOk := e.GPSAt(sat, gtime.Time{}.Add(0))
	assert.True(t, oldOk) // GPSAt always finds the closest surviving entry
	assert.Equal(t, 2, len(e.gps[sat]))
}

func TestEphStoreRingDefaultsToTwoWhenTooSmall(t *testing.T) {
	e := NewEphStore(0)
	assert.Equal(t, 2, e.ringSize)
	e2 := NewEphStore(4)
	assert.Equal(t, 4, e2.ringSize)
}

func TestUniqueNavDedupesAllThreeConstellations(t *testing.T) {
	e := NewEphStore(4)
	toe := gtime.Time{}.Add(3600)
	e.AppendGPS(Eph{Sat: 1, Iode: 5, Toe: toe, Ttr: toe})
	e.AppendGPS(Eph{Sat: 1, Iode: 5, Toe: toe, Ttr: toe})
	e.AppendGLO(GEph{Sat: 2, Iode: 7, Toe: toe, Tof: toe})
	e.AppendGLO(GEph{Sat: 2, Iode: 7, Toe: toe, Tof: toe})
	e.AppendSBS(SEph{Sat: 3, T0: toe, Tof: toe})
	e.AppendSBS(SEph{Sat: 3, T0: toe, Tof: toe})

	e.UniqueNav()

	assert.Len(t, e.gps[1], 1)
	assert.Len(t, e.glo[2], 1)
	assert.Len(t, e.sbs[3], 1)
}

package rtkserver

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/solution"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	satState := func(t store.Gtime, roverObs, baseObs []store.Obs, st *store.Store) (map[int]rtk.SatGeom, [8]float64, float64, error) {
		return nil, [8]float64{}, 0, assert.AnError
	}
	return New(cfg, satState, nil, nil, nil, nil, [3]float64{0, 0, 0}, [3]float64{100, 0, 0})
}

func TestDrainLatestKeepsOnlyNewestBatch(t *testing.T) {
	ch := make(chan ObsBatch, 4)
	ch <- ObsBatch{BasePos: [3]float64{1, 0, 0}}
	ch <- ObsBatch{BasePos: [3]float64{2, 0, 0}}
	ch <- ObsBatch{BasePos: [3]float64{3, 0, 0}}

	var dst ObsBatch
	var have bool
	drainLatest(ch, &dst, &have)

	assert.True(t, have)
	assert.Equal(t, [3]float64{3, 0, 0}, dst.BasePos)
	assert.Len(t, ch, 0)
}

func TestDrainAndProcessReturnsFalseWithoutBothSides(t *testing.T) {
	s := newTestServer(t, Config{})
	s.haveRover = true
	s.haveBase = false
	_, ok := s.drainAndProcess()
	assert.False(t, ok)
}

func TestDrainAndProcessAppliesMovingBasePositionEvenOnFilterError(t *testing.T) {
	s := newTestServer(t, Config{})
	s.roverCh <- ObsBatch{Obs: []store.Obs{{}}}
	s.baseCh <- ObsBatch{Obs: []store.Obs{{}}, BasePos: [3]float64{7, 8, 9}}

	_, ok := s.drainAndProcess()

	assert.False(t, ok) // satState always errors in the test fixture
	assert.Equal(t, [3]float64{7, 8, 9}, s.filter.Rb)
}

func TestDrainAndProcessIgnoresZeroBasePos(t *testing.T) {
	s := newTestServer(t, Config{})
	s.filter.Rb = [3]float64{100, 0, 0}
	s.roverCh <- ObsBatch{Obs: []store.Obs{{}}}
	s.baseCh <- ObsBatch{Obs: []store.Obs{{}}}

	s.drainAndProcess()

	assert.Equal(t, [3]float64{100, 0, 0}, s.filter.Rb)
}

func TestSendNmeaOffWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{NmeaMode: NmeaOff})
	s.SetBaseUplink(&buf)

	s.sendNmea(solution.Record{Quality: solution.QualitySingle})

	assert.Equal(t, 0, buf.Len())
}

func TestSendNmeaFixedUsesConfiguredPosition(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{NmeaMode: NmeaFixed, NmeaFixedPos: [3]float64{-2700000, -4300000, 3800000}})
	s.SetBaseUplink(&buf)

	s.sendNmea(solution.Record{Quality: solution.QualityFixed, Rr: [3]float64{1, 2, 3}})

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "$GPGGA,"))
	require.True(t, strings.HasSuffix(out, "\r\n"))
}

func TestSendNmeaSingleUsesCurrentSolution(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{NmeaMode: NmeaSingle})
	s.SetBaseUplink(&buf)

	s.sendNmea(solution.Record{Quality: solution.QualityFixed, Rr: [3]float64{100, 0, 0}})

	assert.True(t, strings.HasPrefix(buf.String(), "$GPGGA,"))
}

func TestSendNmeaNoneQualityStillEmitsEmptySentence(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{NmeaMode: NmeaSingle})
	s.SetBaseUplink(&buf)

	s.sendNmea(solution.Record{Quality: solution.QualityNone})

	assert.True(t, strings.HasPrefix(buf.String(), "$GPGGA,,,,,,,,,,,,,,*"))
}

func TestSendResetAndCurrentTriggersResetWhenBaselineExceedsThreshold(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{
		NmeaMode:               NmeaResetAndCurrent,
		BaselineResetThreshold: 10,
		ResetCommand:           "RESET\r\n",
	})
	s.SetBaseUplink(&buf)
	s.filter.Rb = [3]float64{0, 0, 0}

	s.sendNmea(solution.Record{Quality: solution.QualityFixed, Rr: [3]float64{100, 0, 0}})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "RESET\r\n$GPGGA,"))
	assert.False(t, s.lastReset.IsZero())
}

func TestSendResetAndCurrentDoesNotRetriggerWithinMinInterval(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{
		NmeaMode:               NmeaResetAndCurrent,
		BaselineResetThreshold: 10,
		ResetCommand:           "RESET\r\n",
	})
	s.SetBaseUplink(&buf)
	s.filter.Rb = [3]float64{0, 0, 0}
	s.lastReset = time.Now()

	s.sendNmea(solution.Record{Quality: solution.QualityFixed, Rr: [3]float64{100, 0, 0}})

	assert.False(t, strings.HasPrefix(buf.String(), "RESET"))
	assert.True(t, strings.HasPrefix(buf.String(), "$GPGGA,"))
}

func TestSendResetAndCurrentSkipsResetWhenBaselineWithinThreshold(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{
		NmeaMode:               NmeaResetAndCurrent,
		BaselineResetThreshold: 1000,
		ResetCommand:           "RESET\r\n",
	})
	s.SetBaseUplink(&buf)
	s.filter.Rb = [3]float64{0, 0, 0}

	s.sendNmea(solution.Record{Quality: solution.QualityFixed, Rr: [3]float64{1, 0, 0}})

	assert.False(t, strings.Contains(buf.String(), "RESET"))
}

func TestSeedFromNMEASetsFilterPositionFromGGA(t *testing.T) {
	s := newTestServer(t, Config{})
	line := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

	err := s.SeedFromNMEA(line)

	require.NoError(t, err)
	assert.NotEqual(t, 0.0, s.filter.X[0])
	assert.NotEqual(t, 0.0, s.filter.X[1])
	assert.NotEqual(t, 0.0, s.filter.X[2])
}

func TestSeedFromNMEARejectsNonGGASentence(t *testing.T) {
	s := newTestServer(t, Config{})
	line := "$GPGLL,4807.038,N,01131.000,E,123519,A*10"

	err := s.SeedFromNMEA(line)

	assert.Error(t, err)
}

func TestAddSolutionWriterWritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t, Config{})
	w := &solution.Writer{Format: solution.FormatXYZ}
	s.AddSolutionWriter(&buf, w)

	assert.Contains(t, buf.String(), "x-ecef")
}

package solution

import (
	"strings"
	"testing"

	"github.com/rtkgo/rtkcore/internal/geoid"
	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/pntpos"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		Time:    gtime.Time{}.Add(100),
		Rr:      [3]float64{-2694892.5, -4296396.8, 3854300.8}, // roughly a mid-latitude station
		Cov:     [6]float64{0.01, 0.01, 0.01, 0, 0, 0},
		Quality: QualityFixed,
		NSats:   9,
		Age:     1.0,
		Ratio:   5.5,
	}
}

func TestFromRTKMapsQuality(t *testing.T) {
	fixed := FromRTK(rtk.Solution{Quality: rtk.QualityFixed}, 1.0)
	assert.Equal(t, QualityFixed, fixed.Quality)
	float := FromRTK(rtk.Solution{Quality: rtk.QualityFloat}, 1.0)
	assert.Equal(t, QualityFloat, float.Quality)
	none := FromRTK(rtk.Solution{Quality: rtk.QualityNone}, 1.0)
	assert.Equal(t, QualityNone, none.Quality)
}

func TestFromPntposMapsQuality(t *testing.T) {
	single := FromPntpos(pntpos.Solution{Quality: pntpos.QualitySingle})
	assert.Equal(t, QualitySingle, single.Quality)
	sbas := FromPntpos(pntpos.Solution{Quality: pntpos.QualitySBAS})
	assert.Equal(t, QualitySBAS, sbas.Quality)
}

func TestWriterLLHProducesOneDataLineAfterHeader(t *testing.T) {
	w := &Writer{Format: FormatLLH, Degrees: true}
	var b strings.Builder
	require.NoError(t, w.WriteHeader(&b))
	require.NoError(t, w.WriteRecord(&b, sampleRecord()))
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "%"))
	assert.Contains(t, lines[1], " 1 ") // quality code for fixed
}

func TestWriterHeaderIsIdempotent(t *testing.T) {
	w := &Writer{Format: FormatXYZ}
	var b strings.Builder
	require.NoError(t, w.WriteHeader(&b))
	require.NoError(t, w.WriteHeader(&b))
	assert.Equal(t, 1, strings.Count(b.String(), "\n"))
}

func TestWriterENUUsesBasePosition(t *testing.T) {
	w := &Writer{Format: FormatENU, BasePos: [3]float64{-2694890.0, -4296395.0, 3854299.0}}
	var b strings.Builder
	require.NoError(t, w.WriteRecord(&b, sampleRecord()))
	assert.NotEmpty(t, b.String())
}

func TestGGASentenceHasValidChecksumFormat(t *testing.T) {
	s := GGASentence(sampleRecord(), geoid.Zero())
	assert.True(t, strings.HasPrefix(s, "$GPGGA,"))
	assert.Contains(t, s, "*")
	assert.True(t, strings.HasSuffix(s, "\r\n"))
}

func TestGGASentenceNoneQualityOmitsFields(t *testing.T) {
	r := sampleRecord()
	r.Quality = QualityNone
	s := GGASentence(r, geoid.Zero())
	assert.True(t, strings.HasPrefix(s, "$GPGGA,,,,,,,,,,,,,,*"))
	assert.True(t, strings.HasSuffix(s, "\r\n"))
}

func TestRMCSentenceHoldsCourseBelowSpeedThreshold(t *testing.T) {
	r := sampleRecord()
	_, course := RMCSentence(r, 45.0)
	assert.Equal(t, 45.0, course) // zero velocity stays below the 1 m/s gate
}

func TestWriteKMLWrapsTrackAndPoints(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteKML(&b, []Record{sampleRecord()}, true))
	out := b.String()
	assert.Contains(t, out, "<LineString>")
	assert.Contains(t, out, "<Placemark>")
}

func TestWriteGPXWrapsTrackSegment(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteGPX(&b, []Record{sampleRecord()}, true))
	out := b.String()
	assert.Contains(t, out, "<trkseg>")
	assert.Contains(t, out, "<trkpt")
}

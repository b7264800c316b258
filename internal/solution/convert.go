package solution

import (
	"fmt"
	"io"
	"math"

	"github.com/rtkgo/rtkcore/internal/gtime"
)

// WriteKML writes a track Placemark over rs (one LineString through every
// position) followed by one point Placemark per record, grounded on the
// teacher's OutTrackKml/OutPointKml/SaveKml (app/convkml.go). outAlt
// includes the ellipsoidal height as KML altitude when true.
func WriteKML(out io.Writer, rs []Record, outAlt bool) error {
	if _, err := io.WriteString(out, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(out, "<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n<Document>\n"); err != nil {
		return err
	}
	if err := writeKMLTrack(out, rs, outAlt); err != nil {
		return err
	}
	for _, r := range rs {
		if err := writeKMLPoint(out, r, outAlt); err != nil {
			return err
		}
	}
	_, err := io.WriteString(out, "</Document>\n</kml>\n")
	return err
}

func writeKMLTrack(out io.Writer, rs []Record, outAlt bool) error {
	if _, err := io.WriteString(out, "<Placemark>\n<name>track</name>\n<LineString>\n<coordinates>\n"); err != nil {
		return err
	}
	for _, r := range rs {
		if r.Quality == QualityNone {
			continue
		}
		llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
		alt := 0.0
		if outAlt {
			alt = llh[2]
		}
		if _, err := fmt.Fprintf(out, "%.9f,%.9f,%.3f\n", deg(llh[1]), deg(llh[0]), alt); err != nil {
			return err
		}
	}
	_, err := io.WriteString(out, "</coordinates>\n</LineString>\n</Placemark>\n")
	return err
}

func writeKMLPoint(out io.Writer, r Record, outAlt bool) error {
	if r.Quality == QualityNone {
		return nil
	}
	llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
	alt := 0.0
	if outAlt {
		alt = llh[2]
	}
	_, err := fmt.Fprintf(out, "<Placemark>\n<TimeStamp><when>%s</when></TimeStamp>\n<Point>\n<coordinates>%.9f,%.9f,%.3f</coordinates>\n</Point>\n</Placemark>\n",
		isoTime(r.Time), deg(llh[1]), deg(llh[0]), alt)
	return err
}

// WriteGPX writes rs as a single GPX track segment, grounded on the
// teacher's OutTrack/SaveGpx (app/convgpx.go).
func WriteGPX(out io.Writer, rs []Record, outAlt bool) error {
	if _, err := io.WriteString(out, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<gpx version=\"1.1\">\n<trk>\n<trkseg>\n"); err != nil {
		return err
	}
	for _, r := range rs {
		if r.Quality == QualityNone {
			continue
		}
		llh := gtime.Ecef2Pos(gtime.Vec3(r.Rr))
		if _, err := fmt.Fprintf(out, "<trkpt lat=\"%.9f\" lon=\"%.9f\">\n", deg(llh[0]), deg(llh[1])); err != nil {
			return err
		}
		if outAlt {
			if _, err := fmt.Fprintf(out, "<ele>%.3f</ele>\n", llh[2]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(out, "<time>%s</time>\n</trkpt>\n", isoTime(r.Time)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(out, "</trkseg>\n</trk>\n</gpx>\n")
	return err
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }

func isoTime(t gtime.Time) string {
	ep := t.ToUTC().Epoch()
	return fmt.Sprintf("%04.0f-%02.0f-%02.0fT%02.0f:%02.0f:%06.3fZ", ep[0], ep[1], ep[2], ep[3], ep[4], ep[5])
}

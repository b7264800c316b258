package rtkserver

import (
	"fmt"
	"math"

	"github.com/adrianmo/go-nmea"
	"github.com/rtkgo/rtkcore/internal/gtime"
)

// SeedFromNMEA parses one NMEA line and, if it's a GGA fix with a valid
// quality indicator, seeds the filter's rover position from it — grounded
// on bramburn-go_ntrip/main_rtk.go's updateStatusFromNMEA, which decodes
// an externally-supplied GGA fix the same way. Used to bootstrap a rover
// position before the first processed epoch (e.g. from the receiver's own
// internal single-point fix) rather than starting from the zero vector.
func (s *Server) SeedFromNMEA(line string) error {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return fmt.Errorf("rtkserver: parse nmea: %w", err)
	}
	gga, ok := sentence.(nmea.GGA)
	if !ok || sentence.DataType() != nmea.TypeGGA {
		return fmt.Errorf("rtkserver: not a GGA sentence")
	}
	if gga.FixQuality == nmea.Invalid {
		return fmt.Errorf("rtkserver: GGA fix quality invalid")
	}

	pos := gtime.Vec3{
		gga.Latitude * math.Pi / 180,
		gga.Longitude * math.Pi / 180,
		gga.Altitude,
	}
	ecef := gtime.Pos2Ecef(pos)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.X[0], s.filter.X[1], s.filter.X[2] = ecef[0], ecef[1], ecef[2]
	return nil
}

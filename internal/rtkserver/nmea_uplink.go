package rtkserver

import (
	"io"
	"math"
	"time"

	"github.com/rtkgo/rtkcore/internal/geoid"
	"github.com/rtkgo/rtkcore/internal/solution"
)

// predictSpeedThreshold is the teacher's 10 m/s gate for forward-
// predicting the up-linked position by one baseline-reset distance.
const predictSpeedThreshold = 10.0

// sendNmea implements spec.md 4.J's four up-link modes, the teacher's
// SendNmea.
func (s *Server) sendNmea(rec solution.Record) {
	if s.baseUplink == nil || s.cfg.NmeaMode == NmeaOff {
		return
	}
	switch s.cfg.NmeaMode {
	case NmeaFixed:
		s.writeGGA(solution.Record{
			Time:    rec.Time,
			Rr:      s.cfg.NmeaFixedPos,
			Quality: solution.QualitySingle,
			NSats:   0,
		})
	case NmeaSingle:
		s.writeGGA(rec)
	case NmeaResetAndCurrent:
		s.sendResetAndCurrent(rec)
	}
}

func (s *Server) writeGGA(rec solution.Record) {
	sentence := solution.GGASentence(rec, geoid.Zero())
	io.WriteString(s.baseUplink, sentence) // best-effort: uplink loss doesn't stop processing
}

// sendResetAndCurrent emits a reset command whenever the baseline exceeds
// BaselineResetThreshold and at least minIntReset has elapsed since the
// last reset, then sends the current (optionally forward-predicted)
// solution, the teacher's SendNmea "mode==2" branch.
func (s *Server) sendResetAndCurrent(rec solution.Record) {
	s.mu.Lock()
	baseline := math.Sqrt(
		sq(rec.Rr[0]-s.filter.Rb[0]) + sq(rec.Rr[1]-s.filter.Rb[1]) + sq(rec.Rr[2]-s.filter.Rb[2]))
	dynamics := s.filter.Cfg.Dynamics
	var vel [3]float64
	if dynamics && len(s.filter.X) >= 6 {
		vel = [3]float64{s.filter.X[3], s.filter.X[4], s.filter.X[5]}
	}
	s.mu.Unlock()

	if s.cfg.BaselineResetThreshold > 0 && baseline > s.cfg.BaselineResetThreshold &&
		time.Since(s.lastReset) >= minIntReset {
		if s.cfg.ResetCommand != "" {
			io.WriteString(s.baseUplink, s.cfg.ResetCommand)
		}
		s.lastReset = time.Now()
	}

	out := rec
	speed := math.Sqrt(sq(vel[0]) + sq(vel[1]) + sq(vel[2]))
	if speed > predictSpeedThreshold && s.cfg.BaselineResetThreshold > 0 {
		// predict forward by one baseline-reset distance along the
		// current velocity direction, the teacher's speed>10 m/s branch.
		scale := s.cfg.BaselineResetThreshold / speed
		out.Rr[0] += vel[0] * scale
		out.Rr[1] += vel[1] * scale
		out.Rr[2] += vel[2] * scale
	}
	s.writeGGA(out)
}

func sq(v float64) float64 { return v * v }

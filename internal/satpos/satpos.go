// Package satpos evaluates satellite position, velocity, clock bias and
// variance at a requested time from broadcast ephemerides, precise
// ephemerides (Neville polynomial interpolation), SBAS GEO state-vector
// ephemerides, or SSR corrections (spec.md 1, component D). SBAS fast and
// long-term corrections are not applied anywhere in this package.
//
// Grounded on FengXuebin-gnssgo src/ephemeris.go (Eph2Pos, Eph2Clk,
// GEph2Pos, GEph2Clk, SEph2Pos, SEph2Clk, var_uraeph, var_urassr) and
// src/preceph.go (PEphPos, PEphClk, InterpPol): the teacher threads output
// through `*float64`/`[]float64` out-params on a shared `*Nav`; this
// package returns a State value computed from the store types directly, no
// package-level ephemeris-selection state (spec.md 9).
package satpos

import (
	"fmt"
	"math"
	"sort"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/rtcmssr"
	"github.com/rtkgo/rtkcore/internal/store"
)

const (
	muGPS   = 3.9860050e14
	muGLO   = 3.9860044e14
	muGAL   = 3.986004418e14
	muCMP   = 3.986004418e14
	omgeGAL = 7.2921151467e-5
	omgeCMP = 7.292115e-5
	j2GLO   = 1.0826257e-3
	omgeGLO = 7.292115e-5
	reGLO   = 6378136.0
	sin5    = -0.0871557427476582
	cos5    = 0.9961946980917456
	errEphGLO  = 5.0
	tstepGLO   = 60.0
	rtolKepler = 1e-13
	maxIterKepler = 30
	nmax     = 10
	maxdte   = 900.0
	extErrClk = 1e-3
	extErrEph = 5e-7
	defURASSR = 0.15
)

// ErrNoData is returned when no usable ephemeris/precise-orbit data
// covers the requested time.
var ErrNoData = fmt.Errorf("satpos: no ephemeris data for requested time")

// State is a satellite's evaluated kinematic and clock state at one
// instant (spec.md 3).
type State struct {
	Pos      gtime.Vec3
	Vel      gtime.Vec3
	ClockBias float64
	VarPos   float64
	VarClk   float64
}

// varURAEph converts a URA/SISA index to position-variance (m^2), per
// src/ephemeris.go var_uraeph.
func varURAEph(sys, ura int) float64 {
	values := []float64{2.4, 3.4, 4.85, 6.85, 9.65, 13.65, 24, 48, 96, 192, 384, 768, 1536, 3072, 6144}
	if sys == store.SysGAL {
		switch {
		case ura <= 49:
			return sqr(float64(ura) * 0.01)
		case ura <= 74:
			return sqr(0.5 + float64(ura-50)*0.02)
		case ura <= 99:
			return sqr(1.0 + float64(ura-75)*0.04)
		case ura <= 125:
			return sqr(2.0 + float64(ura-100)*0.16)
		}
		return sqr(500.0)
	}
	if ura < 0 || ura > 14 {
		return sqr(6144.0)
	}
	return sqr(values[ura])
}

func sqr(x float64) float64 { return x * x }

// BroadcastPos evaluates a GPS/Galileo/QZSS/BeiDou/NavIC Keplerian
// ephemeris at t, per src/ephemeris.go Eph2Pos/Eph2Clk.
func BroadcastPos(t gtime.Time, e store.Eph) (State, error) {
	sys, prn := store.SatSys(e.Sat)
	var mu, omge float64
	switch sys {
	case store.SysGAL:
		mu, omge = muGAL, omgeGAL
	case store.SysCMP:
		mu, omge = muCMP, omgeCMP
	default: // GPS, QZSS, NavIC
		mu, omge = muGPS, 7.2921151467e-5
	}

	tk := t.Sub(e.Toe)
	m := e.M0 + (math.Sqrt(mu/(e.A*e.A*e.A))+e.Deln)*tk
	ek, prevEk := m, 0.0
	n := 0
	for ; math.Abs(ek-prevEk) > rtolKepler && n < maxIterKepler; n++ {
		prevEk = ek
		ek -= (ek - e.E*math.Sin(ek) - m) / (1.0 - e.E*math.Cos(ek))
	}
	if n >= maxIterKepler {
		return State{}, fmt.Errorf("satpos: kepler iteration overflow sat=%d", e.Sat)
	}
	sinE, cosE := math.Sin(ek), math.Cos(ek)

	u := math.Atan2(math.Sqrt(1-e.E*e.E)*sinE, cosE-e.E) + e.Omg
	r := e.A * (1 - e.E*cosE)
	inc := e.I0 + e.Idot*tk
	sin2u, cos2u := math.Sin(2*u), math.Cos(2*u)
	u += e.Cus*sin2u + e.Cuc*cos2u
	r += e.Crs*sin2u + e.Crc*cos2u
	inc += e.Cis*sin2u + e.Cic*cos2u
	x, y := r*math.Cos(u), r*math.Sin(u)
	cosi := math.Cos(inc)

	var pos gtime.Vec3
	if sys == store.SysCMP && (prn <= 5 || prn >= 59) {
		// BeiDou GEO: orbit computed in an inertial-like frame, then rotated
		// by -5deg about X and by the earth's rotation (spec.md 4.C note).
		o := e.OMG0 + e.OMGd*tk - omge*e.Toes
		sinO, cosO := math.Sin(o), math.Cos(o)
		xg := x*cosO - y*cosi*sinO
		yg := x*sinO + y*cosi*cosO
		zg := y * math.Sin(inc)
		sino, coso := math.Sin(omge*tk), math.Cos(omge*tk)
		pos = gtime.Vec3{
			xg*coso + yg*sino*cos5 + zg*sino*sin5,
			-xg*sino + yg*coso*cos5 + zg*coso*sin5,
			-yg*sin5 + zg*cos5,
		}
	} else {
		o := e.OMG0 + (e.OMGd-omge)*tk - omge*e.Toes
		sinO, cosO := math.Sin(o), math.Cos(o)
		pos = gtime.Vec3{x*cosO - y*cosi*sinO, x*sinO + y*cosi*cosO, y * math.Sin(inc)}
	}

	tc := t.Sub(e.Toc)
	clk := e.F0 + e.F1*tc + e.F2*tc*tc
	clk -= 2.0 * math.Sqrt(mu*e.A) * e.E * sinE / sqr(299792458.0)

	return State{Pos: pos, ClockBias: clk, VarPos: varURAEph(sys, e.Sva), VarClk: varURAEph(sys, e.Sva)}, nil
}

// gloAccel is the GLONASS orbit differential equation, per
// src/ephemeris.go Deq.
func gloAccel(x, acc [3]float64, posIn [3]float64) [6]float64 {
	r2 := posIn[0]*posIn[0] + posIn[1]*posIn[1] + posIn[2]*posIn[2]
	if r2 <= 0 {
		return [6]float64{}
	}
	r3 := r2 * math.Sqrt(r2)
	omg2 := sqr(omgeGLO)
	a := 1.5 * j2GLO * muGLO * sqr(reGLO) / r2 / r3
	b := 5.0 * posIn[2] * posIn[2] / r2
	c := -muGLO/r3 - a*(1.0-b)
	return [6]float64{
		x[3], x[4], x[5],
		(c+omg2)*posIn[0] + 2.0*omgeGLO*x[4] + acc[0],
		(c+omg2)*posIn[1] - 2.0*omgeGLO*x[3] + acc[1],
		(c-2.0*a)*posIn[2] + acc[2],
	}
}

func gloDeq(x [6]float64, acc [3]float64) [6]float64 {
	return gloAccel([3]float64{x[3], x[4], x[5]}, acc, [3]float64{x[0], x[1], x[2]})
}

// gloRK4Step integrates the GLONASS state x over step h with a classical
// 4th-order Runge-Kutta step, per src/ephemeris.go Glorbit.
func gloRK4Step(x [6]float64, acc [3]float64, h float64) [6]float64 {
	add := func(a, b [6]float64, s float64) [6]float64 {
		var r [6]float64
		for i := range r {
			r[i] = a[i] + b[i]*s
		}
		return r
	}
	k1 := gloDeq(x, acc)
	k2 := gloDeq(add(x, k1, h/2), acc)
	k3 := gloDeq(add(x, k2, h/2), acc)
	k4 := gloDeq(add(x, k3, h), acc)
	var out [6]float64
	for i := range out {
		out[i] = x[i] + (k1[i]+2*k2[i]+2*k3[i]+k4[i])*h/6
	}
	return out
}

// GlonassPos integrates a GLONASS state-vector ephemeris to t, per
// src/ephemeris.go GEph2Pos/GEph2Clk.
func GlonassPos(t gtime.Time, g store.GEph) (State, error) {
	dt := t.Sub(g.Toe)
	clk := -g.Taun + g.Gamn*dt

	x := [6]float64{g.Pos[0], g.Pos[1], g.Pos[2], g.Vel[0], g.Vel[1], g.Vel[2]}
	step := tstepGLO
	if dt < 0 {
		step = -tstepGLO
	}
	for remaining := dt; math.Abs(remaining) > 1e-9; remaining -= step {
		h := step
		if math.Abs(remaining) < tstepGLO {
			h = remaining
		}
		x = gloRK4Step(x, g.Acc, h)
	}
	return State{
		Pos:       gtime.Vec3{x[0], x[1], x[2]},
		Vel:       gtime.Vec3{x[3], x[4], x[5]},
		ClockBias: clk,
		VarPos:    sqr(errEphGLO),
		VarClk:    sqr(errEphGLO),
	}, nil
}

// SbasPos evaluates an SBAS/GEO state-vector ephemeris at t by second-order
// Taylor expansion, per src/ephemeris.go SEph2Pos/SEph2Clk.
func SbasPos(t gtime.Time, s store.SEph) (State, error) {
	dt := t.Sub(s.T0)
	var pos gtime.Vec3
	for i := 0; i < 3; i++ {
		pos[i] = s.Pos[i] + s.Vel[i]*dt + s.Acc[i]*dt*dt/2.0
	}
	clk := s.Af0 + s.Af1*dt
	return State{Pos: pos, ClockBias: clk, VarPos: varURAEph(store.SysSBS, s.Sva), VarClk: varURAEph(store.SysSBS, s.Sva)}, nil
}

// interpPol is Neville's algorithm for polynomial interpolation/
// extrapolation at x=0, per src/preceph.go InterpPol.
func interpPol(x []float64, y []float64) float64 {
	n := len(x)
	yy := append([]float64(nil), y...)
	for j := 1; j < n; j++ {
		for i := 0; i < n-j; i++ {
			yy[i] = (x[i+j]*yy[i] - x[i]*yy[i+1]) / (x[i+j] - x[i])
		}
	}
	return yy[0]
}

const earthRotRate = 7.2921151467e-5

// PrecisePos interpolates a satellite's position from a time-sorted
// PreciseStore using (nmax+1)-point Neville interpolation with an
// earth-rotation correction, and its clock by linear/extrapolated
// interpolation, per src/preceph.go PEphPos.
func PrecisePos(samples []store.PEphSample, sat int, t gtime.Time) (State, error) {
	n := len(samples)
	if n < nmax+1 {
		return State{}, ErrNoData
	}
	if samples[0].Time.Sub(t) > maxdte || t.Sub(samples[n-1].Time) > maxdte {
		return State{}, ErrNoData
	}
	idx := sort.Search(n, func(i int) bool { return samples[i].Time.Sub(t) >= 0 })
	index := idx - 1
	if index < 0 {
		index = 0
	}
	i := index - (nmax+1)/2
	if i < 0 {
		i = 0
	} else if i+nmax >= n {
		i = n - nmax - 1
	}

	tt := make([]float64, nmax+1)
	px, py, pz := make([]float64, nmax+1), make([]float64, nmax+1), make([]float64, nmax+1)
	for j := 0; j <= nmax; j++ {
		s := samples[i+j]
		p, ok := s.Pos[sat]
		if !ok || (p[0] == 0 && p[1] == 0 && p[2] == 0) {
			return State{}, ErrNoData
		}
		tt[j] = samples[i+j].Time.Sub(t)
		sinl, cosl := math.Sin(earthRotRate*tt[j]), math.Cos(earthRotRate*tt[j])
		px[j] = cosl*p[0] - sinl*p[1]
		py[j] = sinl*p[0] + cosl*p[1]
		pz[j] = p[2]
	}

	pos := gtime.Vec3{interpPol(tt, px), interpPol(tt, py), interpPol(tt, pz)}

	var varPos float64
	if std, ok := samples[index].Std[sat]; ok {
		v := math.Sqrt(sqr(float64(std[0])) + sqr(float64(std[1])) + sqr(float64(std[2])))
		if tt[0] > 0 {
			v += extErrEph * sqr(tt[0]) / 2
		} else if tt[nmax] < 0 {
			v += extErrEph * sqr(tt[nmax]) / 2
		}
		varPos = sqr(v)
	}

	t0 := t.Sub(samples[index].Time)
	t1 := t.Sub(samples[min(index+1, n-1)].Time)
	c0 := samples[index].Pos[sat][3]
	c1 := samples[min(index+1, n-1)].Pos[sat][3]

	var clk float64
	switch {
	case t0 <= 0:
		clk = c0
	case t1 >= 0:
		clk = c1
	case c0 != 0 && c1 != 0:
		clk = (c1*t0 - c0*t1) / (t0 - t1)
	}
	return State{Pos: pos, ClockBias: clk, VarPos: varPos, VarClk: extErrClk}, nil
}

// ApplySSR rotates an SSR orbit correction from the along-track/cross-track/
// radial frame into ECEF and applies the clock-correction polynomial, per
// spec.md "SSR correction" (4.D): "orbit correction rotated into
// radial/along/cross frame; clock correction polynomial in time".
func ApplySSR(base State, vel gtime.Vec3, c store.SSRCorrection, tRef gtime.Time) State {
	radial := normalize(base.Pos)
	crossRaw := cross(base.Pos, vel)
	cross_ := normalize(crossRaw)
	along := normalize(cross(cross_, radial))

	dEph := c.Deph
	dt := tRef.Sub(c.T0[0])
	for i := 0; i < 3; i++ {
		dEph[i] += c.DdEph[i] * dt
	}
	corr := gtime.Vec3{
		radial[0]*dEph[0] + along[0]*dEph[1] + cross_[0]*dEph[2],
		radial[1]*dEph[0] + along[1]*dEph[1] + cross_[1]*dEph[2],
		radial[2]*dEph[0] + along[2]*dEph[1] + cross_[2]*dEph[2],
	}
	out := base
	for i := 0; i < 3; i++ {
		out.Pos[i] -= corr[i]
	}

	tc := tRef.Sub(c.T0[1])
	out.ClockBias -= (c.Dclk[0] + c.Dclk[1]*tc + c.Dclk[2]*tc*tc) / 299792458.0
	if c.URA > 0 {
		out.VarPos = varURASSR(c.URA)
	}
	return out
}

// varURASSR converts an RTCM SSR URA class/value (DF389) to variance (m^2),
// per src/ephemeris.go var_urassr.
func varURASSR(ura int) float64 {
	if ura <= 0 {
		return sqr(defURASSR)
	}
	if ura >= 63 {
		return sqr(5.4665)
	}
	std := (math.Pow(3.0, float64((ura>>3)&7))*(1.0+float64(ura&7)/4.0) - 1.0) * 1e-3
	return sqr(std)
}

func cross(a, b gtime.Vec3) gtime.Vec3 {
	return gtime.Vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func normalize(v gtime.Vec3) gtime.Vec3 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return gtime.Vec3{v[0] / n, v[1] / n, v[2] / n}
}

// UpdateFromRTCM merges a decoded RTCM3 SSR Update into the session's SSR
// correction table (spec.md 1: the core consumes the external collaborator's
// decoded output, never the raw bits).
func UpdateFromRTCM(dst map[int]store.SSRCorrection, u rtcmssr.Update) {
	rtcmssr.Apply(dst, u)
}

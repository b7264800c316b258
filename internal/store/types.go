// Package store holds the in-memory observation/ephemeris/correction model:
// growable, geometrically-resized sequences of observations (per
// rover/base), per-satellite ephemeris rings, precise-orbit/clock tables,
// IONEX TEC grids, and SBAS/SSR correction tables (spec.md 3, 4.B).
//
// Grounded on FengXuebin-gnssgo src/types.go (ObsD, Obs, Eph, GEph, SEph,
// PEph, PClk, Tec, SbsMsg, Nav) and src/common.go (SortObs, UniqNav,
// the combine-precise merge loop). The teacher's flat fixed-size arrays
// (Nav.Pcvs [MAXSAT]Pcv, Nav.Ssr [MAXSAT]SSR) and package-level globals
// are replaced by an explicit Store value owned by a session context
// (spec.md 9).
package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rtkgo/rtkcore/internal/gtime"
)

// Satellite system bit flags (spec.md GLOSSARY; dense numbering
// GPS->GLONASS->Galileo->QZSS->BeiDou->IRNSS->SBAS, spec.md 3).
const (
	SysNone = 0x00
	SysGPS  = 0x01
	SysSBS  = 0x02
	SysGLO  = 0x04
	SysGAL  = 0x08
	SysQZS  = 0x10
	SysCMP  = 0x20
	SysIRN  = 0x40
	SysAll  = 0xFF
)

const (
	MinPRNGPS, MaxPRNGPS = 1, 32
	MinPRNGLO, MaxPRNGLO = 1, 27
	MinPRNGAL, MaxPRNGAL = 1, 36
	MinPRNQZS, MaxPRNQZS = 193, 202
	MinPRNCMP, MaxPRNCMP = 1, 63
	MinPRNIRN, MaxPRNIRN = 1, 14
	MinPRNSBS, MaxPRNSBS = 120, 158

	NSatGPS = MaxPRNGPS - MinPRNGPS + 1
	NSatGLO = MaxPRNGLO - MinPRNGLO + 1
	NSatGAL = MaxPRNGAL - MinPRNGAL + 1
	NSatQZS = MaxPRNQZS - MinPRNQZS + 1
	NSatCMP = MaxPRNCMP - MinPRNCMP + 1
	NSatIRN = MaxPRNIRN - MinPRNIRN + 1
	NSatSBS = MaxPRNSBS - MinPRNSBS + 1

	MaxSat = NSatGPS + NSatGLO + NSatGAL + NSatQZS + NSatCMP + NSatIRN + NSatSBS
	NFreq  = 3
	NExObs = 3
)

// SatNo maps (system, prn) to the dense satellite number in [1,MaxSat], 0 on
// failure. Grounded on src/common.go SatNo.
func SatNo(sys, prn int) int {
	if prn <= 0 {
		return 0
	}
	switch sys {
	case SysGPS:
		if prn < MinPRNGPS || prn > MaxPRNGPS {
			return 0
		}
		return prn - MinPRNGPS + 1
	case SysGLO:
		if prn < MinPRNGLO || prn > MaxPRNGLO {
			return 0
		}
		return NSatGPS + prn - MinPRNGLO + 1
	case SysGAL:
		if prn < MinPRNGAL || prn > MaxPRNGAL {
			return 0
		}
		return NSatGPS + NSatGLO + prn - MinPRNGAL + 1
	case SysQZS:
		if prn < MinPRNQZS || prn > MaxPRNQZS {
			return 0
		}
		return NSatGPS + NSatGLO + NSatGAL + prn - MinPRNQZS + 1
	case SysCMP:
		if prn < MinPRNCMP || prn > MaxPRNCMP {
			return 0
		}
		return NSatGPS + NSatGLO + NSatGAL + NSatQZS + prn - MinPRNCMP + 1
	case SysIRN:
		if prn < MinPRNIRN || prn > MaxPRNIRN {
			return 0
		}
		return NSatGPS + NSatGLO + NSatGAL + NSatQZS + NSatCMP + prn - MinPRNIRN + 1
	case SysSBS:
		if prn < MinPRNSBS || prn > MaxPRNSBS {
			return 0
		}
		return NSatGPS + NSatGLO + NSatGAL + NSatQZS + NSatCMP + NSatIRN + prn - MinPRNSBS + 1
	}
	return 0
}

// SatSys is the inverse of SatNo: it returns the system flag and, via the
// prn out-param, the PRN within that system.
func SatSys(sat int) (sys, prn int) {
	n := sat
	switch {
	case n <= 0:
		return SysNone, 0
	case n <= NSatGPS:
		return SysGPS, n + MinPRNGPS - 1
	case n <= NSatGPS+NSatGLO:
		return SysGLO, n - NSatGPS + MinPRNGLO - 1
	case n <= NSatGPS+NSatGLO+NSatGAL:
		return SysGAL, n - (NSatGPS + NSatGLO) + MinPRNGAL - 1
	case n <= NSatGPS+NSatGLO+NSatGAL+NSatQZS:
		return SysQZS, n - (NSatGPS + NSatGLO + NSatGAL) + MinPRNQZS - 1
	case n <= NSatGPS+NSatGLO+NSatGAL+NSatQZS+NSatCMP:
		return SysCMP, n - (NSatGPS + NSatGLO + NSatGAL + NSatQZS) + MinPRNCMP - 1
	case n <= NSatGPS+NSatGLO+NSatGAL+NSatQZS+NSatCMP+NSatIRN:
		return SysIRN, n - (NSatGPS + NSatGLO + NSatGAL + NSatQZS + NSatCMP) + MinPRNIRN - 1
	case n <= MaxSat:
		return SysSBS, n - (NSatGPS + NSatGLO + NSatGAL + NSatQZS + NSatCMP + NSatIRN) + MinPRNSBS - 1
	}
	return SysNone, 0
}

// Receiver identifies which end of the baseline an observation belongs to.
type Receiver int

const (
	Rover Receiver = 1
	Base  Receiver = 2
)

// LLI bit flags (loss-of-lock indicator, spec.md GLOSSARY).
const (
	LLISlip     uint8 = 1
	LLIHalfCyc  uint8 = 2
	LLIBOCSlip  uint8 = 4
	LLIHalfSub1 uint8 = 8
)

// Obs is a single-satellite, single-epoch observation record (spec.md 3).
type Obs struct {
	Time Gtime
	Rcv  Receiver
	Sat  int
	SNR  [NFreq + NExObs]uint16  // 0.001 dB-Hz units
	LLI  [NFreq + NExObs]uint8
	Code [NFreq + NExObs]uint8  // observation-code tag
	L    [NFreq + NExObs]float64 // carrier phase (cycles)
	P    [NFreq + NExObs]float64 // pseudorange (m)
	D    [NFreq + NExObs]float64 // doppler (Hz)
	StdL [NFreq + NExObs]float32 // receiver-reported phase std (cycles)
	StdP [NFreq + NExObs]float32 // receiver-reported code std (m)
}

type Gtime = gtime.Time

// ErrResourceExhausted is surfaced when a growable container cannot grow;
// per spec.md 7 this is fatal to the owning session, and the container is
// left empty to avoid partially-grown state (spec.md 4.B).
var ErrResourceExhausted = errors.New("store: resource exhausted")

// ObsStore is a growable, geometrically-resized sequence of observations.
// MaxLen, when non-zero, bounds growth so a pathological input surfaces
// ErrResourceExhausted instead of exhausting process memory (spec.md 4.B).
type ObsStore struct {
	data   []Obs
	MaxLen int
}

func (s *ObsStore) Append(o ...Obs) error {
	if s.MaxLen > 0 && len(s.data)+len(o) > s.MaxLen {
		s.data = nil
		return fmt.Errorf("%w: observation store exceeded %d records", ErrResourceExhausted, s.MaxLen)
	}
	s.data = append(s.data, o...)
	return nil
}

func (s *ObsStore) Data() []Obs { return s.data }
func (s *ObsStore) Len() int    { return len(s.data) }

// Sort stable-sorts by (time, satellite, receiver) and returns the number
// of distinct rover epochs (spec.md 4.B, "sort_observations").
func (s *ObsStore) Sort() (nepoch int) {
	sort.SliceStable(s.data, func(i, j int) bool {
		a, b := s.data[i], s.data[j]
		if d := a.Time.Sub(b.Time); d != 0 {
			return d < 0
		}
		if a.Sat != b.Sat {
			return a.Sat < b.Sat
		}
		return a.Rcv < b.Rcv
	})
	out := s.data[:0]
	var last Gtime
	first := true
	for _, o := range s.data {
		if !first && isDuplicate(out[len(out)-1], o) {
			continue
		}
		out = append(out, o)
		if o.Rcv == Rover && (first || o.Time.Sub(last) > 1e-9) {
			nepoch++
			last = o.Time
		}
		first = false
	}
	s.data = out
	return nepoch
}

func isDuplicate(a, b Obs) bool {
	return a.Sat == b.Sat && a.Rcv == b.Rcv && a.Time.Sub(b.Time) < 1e-9 && a.Time.Sub(b.Time) > -1e-9
}

// Eph is a GPS/QZS/GAL/BDS/IRN broadcast ephemeris record.
type Eph struct {
	Sat            int
	Iode, Iodc     int
	Sva, Svh       int
	Week, Code     int
	Toe, Toc, Ttr  Gtime
	A, E, I0       float64
	OMG0, Omg, M0  float64
	Deln, OMGd, Idot float64
	Crc, Crs, Cuc, Cus, Cic, Cis float64
	Toes, Fit      float64
	F0, F1, F2     float64
	Tgd            [6]float64
}

// GEph is a GLONASS broadcast ephemeris record (state-vector form).
type GEph struct {
	Sat           int
	Iode          int
	Frq           int
	Svh, Sva, Age int
	Toe, Tof      Gtime
	Pos, Vel, Acc [3]float64
	Taun, Gamn    float64
	DTaun         float64
}

// SEph is an SBAS ephemeris record (state-vector form, same shape as GEph).
type SEph struct {
	Sat      int
	T0, Tof  Gtime
	Sva, Svh int
	Pos, Vel, Acc [3]float64
	Af0, Af1 float64
}

// EphStore is a per-satellite ring of broadcast ephemerides. spec.md 3
// guarantees it never shrinks below a two-slot current/previous pair;
// server mode extends to four.
type EphStore struct {
	ringSize int
	gps      map[int][]Eph
	glo      map[int][]GEph
	sbs      map[int][]SEph
}

func NewEphStore(ringSize int) *EphStore {
	if ringSize < 2 {
		ringSize = 2
	}
	return &EphStore{
		ringSize: ringSize,
		gps:      make(map[int][]Eph),
		glo:      make(map[int][]GEph),
		sbs:      make(map[int][]SEph),
	}
}

// AppendGPS writes eph into sat's ring, write-once-then-swap: once the
// ring holds ringSize entries the oldest slot is evicted to make room,
// instead of growing the slice unboundedly (spec.md "Patterns requiring
// re-architecture": "replace with a per-satellite ring of size 2
// (broadcast) or 4 (server)").
func (e *EphStore) AppendGPS(eph Eph) {
	list := append(e.gps[eph.Sat], eph)
	if len(list) > e.ringSize {
		list = list[len(list)-e.ringSize:]
	}
	e.gps[eph.Sat] = list
}

func (e *EphStore) AppendGLO(eph GEph) {
	list := append(e.glo[eph.Sat], eph)
	if len(list) > e.ringSize {
		list = list[len(list)-e.ringSize:]
	}
	e.glo[eph.Sat] = list
}

func (e *EphStore) AppendSBS(eph SEph) {
	list := append(e.sbs[eph.Sat], eph)
	if len(list) > e.ringSize {
		list = list[len(list)-e.ringSize:]
	}
	e.sbs[eph.Sat] = list
}

// UniqueNav sorts each satellite's ephemeris sequence by (toe, ttr) and
// collapses entries within 1ns that share IODE (spec.md 4.B, unique_nav),
// applied to all three constellations GPSAt/GLOAt/SBSAt look up.
func (e *EphStore) UniqueNav() {
	for sat, list := range e.gps {
		sort.SliceStable(list, func(i, j int) bool {
			if d := list[i].Toe.Sub(list[j].Toe); d != 0 {
				return d < 0
			}
			return list[i].Ttr.Sub(list[j].Ttr) < 0
		})
		out := list[:0]
		for _, eph := range list {
			if n := len(out); n > 0 && out[n-1].Iode == eph.Iode && out[n-1].Toe.Sub(eph.Toe) < 1e-9 && out[n-1].Toe.Sub(eph.Toe) > -1e-9 {
				continue
			}
			out = append(out, eph)
		}
		e.gps[sat] = out
	}
	for sat, list := range e.glo {
		sort.SliceStable(list, func(i, j int) bool {
			if d := list[i].Toe.Sub(list[j].Toe); d != 0 {
				return d < 0
			}
			return list[i].Tof.Sub(list[j].Tof) < 0
		})
		out := list[:0]
		for _, eph := range list {
			if n := len(out); n > 0 && out[n-1].Iode == eph.Iode && out[n-1].Toe.Sub(eph.Toe) < 1e-9 && out[n-1].Toe.Sub(eph.Toe) > -1e-9 {
				continue
			}
			out = append(out, eph)
		}
		e.glo[sat] = out
	}
	for sat, list := range e.sbs {
		sort.SliceStable(list, func(i, j int) bool {
			if d := list[i].T0.Sub(list[j].T0); d != 0 {
				return d < 0
			}
			return list[i].Tof.Sub(list[j].Tof) < 0
		})
		out := list[:0]
		for _, eph := range list {
			if n := len(out); n > 0 && out[n-1].T0.Sub(eph.T0) < 1e-9 && out[n-1].T0.Sub(eph.T0) > -1e-9 {
				continue
			}
			out = append(out, eph)
		}
		e.sbs[sat] = out
	}
}

// GPSAt returns the broadcast ephemeris for sat whose toe is closest to t,
// before or after it, for use by the satellite-state evaluator.
func (e *EphStore) GPSAt(sat int, t Gtime) (Eph, bool) {
	list := e.gps[sat]
	if len(list) == 0 {
		return Eph{}, false
	}
	best := 0
	bestDt := absf(list[0].Toe.Sub(t))
	for i := 1; i < len(list); i++ {
		if dt := absf(list[i].Toe.Sub(t)); dt < bestDt {
			bestDt, best = dt, i
		}
	}
	return list[best], true
}

func (e *EphStore) GLOAt(sat int, t Gtime) (GEph, bool) {
	list := e.glo[sat]
	if len(list) == 0 {
		return GEph{}, false
	}
	best := 0
	bestDt := absf(list[0].Toe.Sub(t))
	for i := 1; i < len(list); i++ {
		if dt := absf(list[i].Toe.Sub(t)); dt < bestDt {
			bestDt, best = dt, i
		}
	}
	return list[best], true
}

// SBSAt returns the SBAS state-vector ephemeris for sat whose t0 is closest
// to t.
func (e *EphStore) SBSAt(sat int, t Gtime) (SEph, bool) {
	list := e.sbs[sat]
	if len(list) == 0 {
		return SEph{}, false
	}
	best := 0
	bestDt := absf(list[0].T0.Sub(t))
	for i := 1; i < len(list); i++ {
		if dt := absf(list[i].T0.Sub(t)); dt < bestDt {
			bestDt, best = dt, i
		}
	}
	return list[best], true
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// PEphSample is a precise-orbit sample at a single time for all satellites.
type PEphSample struct {
	Time Gtime
	Pos  map[int][4]float64 // x,y,z,clock-bias
	Std  map[int][4]float32
	Vel  map[int][4]float64
}

// PClkSample is a precise-clock sample at a single time for all satellites.
type PClkSample struct {
	Time Gtime
	Clk  map[int]float64
	Std  map[int]float32
}

// PreciseStore holds time-sorted precise-orbit and precise-clock sequences
// (spec.md 3).
type PreciseStore struct {
	Ephs []PEphSample
	Clks []PClkSample
}

func (p *PreciseStore) AppendEph(s PEphSample) { p.Ephs = append(p.Ephs, s) }
func (p *PreciseStore) AppendClk(s PClkSample) { p.Clks = append(p.Clks, s) }

// CombinePrecise sorts samples by time and merges adjacent equal-time
// samples, copying non-zero per-satellite fields from the later sample into
// the earlier one (spec.md 4.B, combine_precise).
func (p *PreciseStore) CombinePrecise() {
	sort.SliceStable(p.Ephs, func(i, j int) bool { return p.Ephs[i].Time.Sub(p.Ephs[j].Time) < 0 })
	out := p.Ephs[:0]
	for _, s := range p.Ephs {
		if n := len(out); n > 0 && sameInstant(out[n-1].Time, s.Time) {
			mergeEph(&out[n-1], s)
			continue
		}
		out = append(out, s)
	}
	p.Ephs = out

	sort.SliceStable(p.Clks, func(i, j int) bool { return p.Clks[i].Time.Sub(p.Clks[j].Time) < 0 })
	outc := p.Clks[:0]
	for _, s := range p.Clks {
		if n := len(outc); n > 0 && sameInstant(outc[n-1].Time, s.Time) {
			mergeClk(&outc[n-1], s)
			continue
		}
		outc = append(outc, s)
	}
	p.Clks = outc
}

func sameInstant(a, b Gtime) bool { d := a.Sub(b); return d < 1e-9 && d > -1e-9 }

func mergeEph(dst *PEphSample, src PEphSample) {
	if dst.Pos == nil {
		dst.Pos = map[int][4]float64{}
	}
	for sat, v := range src.Pos {
		if v != [4]float64{} {
			dst.Pos[sat] = v
		}
	}
}

func mergeClk(dst *PClkSample, src PClkSample) {
	if dst.Clk == nil {
		dst.Clk = map[int]float64{}
	}
	for sat, v := range src.Clk {
		if v != 0 {
			dst.Clk[sat] = v
		}
	}
}

// TecMap is an IONEX TEC grid at a single epoch (spec.md 3).
type TecMap struct {
	Time   Gtime
	NData  [3]int // nlat, nlon, nhgt
	Lats   [3]float64
	Lons   [3]float64
	Hgts   [3]float64
	Radius float64
	Data   []float64
	RMS    []float32
}

func (t *TecMap) Index(i, j, k int) int {
	return i + j*t.NData[0] + k*t.NData[0]*t.NData[1]
}

// SBASMessage is an undecoded SBAS message (spec.md 3).
type SBASMessage struct {
	Week, Tow int
	PRN       uint8
	Msg       [29]uint8 // 28 payload bytes + 6-bit trailer padded
}

// SSRCorrection is a per-satellite SSR correction record (spec.md 3).
type SSRCorrection struct {
	T0      [6]Gtime
	UpdInt  [6]float64
	IOD     [6]int
	IODE    int
	URA     int
	Deph    [3]float64
	DdEph   [3]float64
	Dclk    [3]float64
	CBias   map[uint8]float32
	PBias   map[uint8]float64
	Updated bool
}

// Store is the session-owned aggregate of all of the above, replacing the
// teacher's package-level globals (spec.md 9).
type Store struct {
	Rover   ObsStore
	BaseObs ObsStore
	Eph     *EphStore
	Precise PreciseStore
	Ionex   []TecMap
	SBAS    []SBASMessage
	SSR     map[int]SSRCorrection
}

func New() *Store {
	return &Store{
		Eph: NewEphStore(2),
		SSR: make(map[int]SSRCorrection),
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("store{rover=%d base=%d peph=%d pclk=%d ionex=%d sbas=%d}",
		s.Rover.Len(), s.BaseObs.Len(), len(s.Precise.Ephs), len(s.Precise.Clks), len(s.Ionex), len(s.SBAS))
}

// Package ionex decodes IONEX ionospheric TEC grid files into a sequence of
// store.TecMap values.
//
// Grounded on FengXuebin-gnssgo src/ionex.go (ReadIonexHeader, ReadIonexDcb,
// ReadIonexBody, CombineTec): the teacher threads header state through
// pointer out-params into a shared *Nav; this Reader collects the same
// fields into a struct and returns TecMap values the caller appends to its
// own store.Store (spec.md 9).
package ionex

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
)

// Dcb is one satellite's differential code bias read from a DCB aux block.
type Dcb struct {
	Sat int
	Val float64
	RMS float64
}

// Reader decodes one IONEX file.
type Reader struct {
	sc   *bufio.Scanner
	line int

	Version float64
	Lats    [3]float64
	Lons    [3]float64
	Hgts    [3]float64
	Radius  float64
	Nexp    float64
	DCB     []Dcb
}

// NewReader reads the IONEX header (including an inline DIFFERENTIAL CODE
// BIASES aux block, if present) and returns a Reader positioned at the
// first TEC/RMS map.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{sc: bufio.NewScanner(r), Nexp: -1.0}
	rd.sc.Buffer(make([]byte, 4096), 1<<20)
	for rd.sc.Scan() {
		rd.line++
		line := rd.sc.Text()
		if len(line) < 61 {
			continue
		}
		label := strings.TrimSpace(line[60:])
		switch {
		case label == "IONEX VERSION / TYPE":
			if len(line) > 20 && line[20] == 'I' {
				rd.Version = num(line, 0, 8)
			}
		case label == "BASE RADIUS":
			rd.Radius = num(line, 0, 8)
		case label == "HGT1 / HGT2 / DHGT":
			rd.Hgts = [3]float64{num(line, 2, 8), num(line, 8, 14), num(line, 14, 20)}
		case label == "LAT1 / LAT2 / DLAT":
			rd.Lats = [3]float64{num(line, 2, 8), num(line, 8, 14), num(line, 14, 20)}
		case label == "LON1 / LON2 / DLON":
			rd.Lons = [3]float64{num(line, 2, 8), num(line, 8, 14), num(line, 14, 20)}
		case label == "EXPONENT":
			rd.Nexp = num(line, 0, 6)
		case label == "START OF AUX DATA" && strings.Contains(line, "DIFFERENTIAL CODE BIASES"):
			rd.readDCB()
		case label == "END OF HEADER":
			return rd, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

func (r *Reader) readDCB() {
	for r.sc.Scan() {
		r.line++
		line := r.sc.Text()
		if len(line) < 61 {
			continue
		}
		label := strings.TrimSpace(line[60:])
		if label == "END OF AUX DATA" {
			return
		}
		if label != "PRN / BIAS / RMS" {
			continue
		}
		id := strings.TrimSpace(field(line, 3, 6))
		sat := satIDToNo(id)
		if sat == 0 {
			continue
		}
		r.DCB = append(r.DCB, Dcb{Sat: sat, Val: num(line, 6, 16), RMS: num(line, 16, 26)})
	}
}

func field(s string, a, b int) string {
	if a > len(s) {
		return ""
	}
	if b > len(s) {
		b = len(s)
	}
	return strings.TrimSpace(s[a:b])
}

func num(s string, a, b int) float64 {
	v, _ := strconv.ParseFloat(field(s, a, b), 64)
	return v
}

func satIDToNo(id string) int {
	if len(id) < 3 {
		return 0
	}
	prn, err := strconv.Atoi(strings.TrimSpace(id[1:3]))
	if err != nil {
		return 0
	}
	var sys int
	switch id[0] {
	case 'G', ' ':
		sys = store.SysGPS
	case 'R':
		sys = store.SysGLO
	case 'E':
		sys = store.SysGAL
	case 'J':
		sys = store.SysQZS
		prn += 192
	case 'C':
		sys = store.SysCMP
	case 'I':
		sys = store.SysIRN
	default:
		return 0
	}
	return store.SatNo(sys, prn)
}

// nitem returns the number of grid points spanned by a {start,end,step}
// range inclusive of both ends.
func nitem(rng [3]float64) int {
	return getIndex(rng[1], rng) + 1
}

// getIndex returns the grid index of value within rng, or -1 if out of
// range. Handles both increasing and decreasing (south-to-north-negative)
// step conventions.
func getIndex(value float64, rng [3]float64) int {
	if rng[2] == 0 {
		return 0
	}
	if rng[2] > 0 && (value < rng[0] || rng[1] < value) {
		return -1
	}
	if rng[2] < 0 && (value < rng[1] || rng[0] < value) {
		return -1
	}
	return int(math.Floor((value-rng[0])/rng[2] + 0.5))
}

func dataIndex(i, j, k int, ndata [3]int) int {
	if i < 0 || ndata[0] <= i || j < 0 || ndata[1] <= j || k < 0 || ndata[2] <= k {
		return -1
	}
	return i + ndata[0]*(j+ndata[1]*k)
}

func newTecMap(lats, lons, hgts [3]float64, radius float64) store.TecMap {
	ndata := [3]int{nitem(lats), nitem(lons), nitem(hgts)}
	n := ndata[0] * ndata[1] * ndata[2]
	return store.TecMap{
		NData: ndata, Lats: lats, Lons: lons, Hgts: hgts, Radius: radius,
		Data: make([]float64, n), RMS: make([]float32, n),
	}
}

// ReadMaps decodes every TEC/RMS map in the body, returning them as
// time-ordered TecMap values with RMS merged into the matching TEC epoch by
// nearest-timestamp lookup (spec.md 4.B).
func (r *Reader) ReadMaps() ([]store.TecMap, error) {
	var maps []store.TecMap
	dtype := 0 // 0 none, 1 tec, 2 rms
	var cur *store.TecMap

	for {
		line, ok := r.nextNonEmpty()
		if !ok {
			break
		}
		if len(line) < 61 {
			continue
		}
		label := strings.TrimSpace(line[60:])
		switch {
		case label == "START OF TEC MAP":
			m := newTecMap(r.Lats, r.Lons, r.Hgts, r.Radius)
			maps = append(maps, m)
			cur = &maps[len(maps)-1]
			dtype = 1
		case label == "END OF TEC MAP":
			dtype, cur = 0, nil
		case label == "START OF RMS MAP":
			dtype, cur = 2, nil
		case label == "END OF RMS MAP":
			dtype, cur = 0, nil
		case label == "EPOCH OF CURRENT MAP":
			ep := [6]float64{num(line, 0, 6), num(line, 6, 12), num(line, 12, 18), num(line, 18, 24), num(line, 24, 30), num(line, 30, 36)}
			t := gtime.FromEpoch(ep)
			if dtype == 2 {
				cur = nearestMap(maps, t)
			} else if cur != nil {
				cur.Time = t
			}
		case label == "LAT/LON1/LON2/DLON/H" && cur != nil:
			if err := r.readLatRow(line, cur, dtype); err != nil {
				return maps, err
			}
		}
	}
	return maps, nil
}

func nearestMap(maps []store.TecMap, t gtime.Time) *store.TecMap {
	for i := len(maps) - 1; i >= 0; i-- {
		if math.Abs(maps[i].Time.Sub(t)) < 1.0 {
			return &maps[i]
		}
	}
	return nil
}

func (r *Reader) readLatRow(header string, m *store.TecMap, dtype int) error {
	lat := num(header, 2, 8)
	lon0, lon1, dlon := num(header, 8, 14), num(header, 14, 20), num(header, 20, 26)
	hgt := num(header, 26, 32)

	i := getIndex(lat, m.Lats)
	k := getIndex(hgt, m.Hgts)
	n := nitem([3]float64{lon0, lon1, dlon})

	var row string
	for cnt := 0; cnt < n; cnt++ {
		if cnt%16 == 0 {
			line, ok := r.nextNonEmpty()
			if !ok {
				return fmt.Errorf("ionex: line %d: truncated TEC row", r.line)
			}
			row = line
		}
		j := getIndex(lon0+dlon*float64(cnt), m.Lons)
		idx := dataIndex(i, j, k, m.NData)
		if idx < 0 {
			continue
		}
		col := (cnt % 16) * 5
		x := num(row, col, col+5)
		if x == 9999.0 {
			continue
		}
		scaled := x * math.Pow(10, r.Nexp)
		if dtype == 1 {
			m.Data[idx] = scaled
		} else {
			m.RMS[idx] = float32(scaled)
		}
	}
	return nil
}

func (r *Reader) nextNonEmpty() (string, bool) {
	for r.sc.Scan() {
		r.line++
		line := r.sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, true
	}
	return "", false
}

// CombineTec sorts maps by time and drops duplicate-time entries, keeping
// the later one (spec.md 4.B, combtec).
func CombineTec(maps []store.TecMap) []store.TecMap {
	sort.SliceStable(maps, func(i, j int) bool { return maps[i].Time.Sub(maps[j].Time) < 0 })
	out := maps[:0]
	for _, m := range maps {
		if n := len(out); n > 0 && out[n-1].Time.Sub(m.Time) == 0 {
			out[n-1] = m
			continue
		}
		out = append(out, m)
	}
	return out
}

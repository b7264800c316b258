package rinex

import (
	"io"
	"math"
	"strings"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
)

// linesPerRecord is the number of continuation lines a broadcast nav record
// spans after its PRN/epoch line: 7 for GPS/GAL/QZS/BDS/IRN, 3 for
// GLONASS/SBAS (spec.md 4.C: "emit an ephemeris record when 8 lines (4 for
// GLONASS/SBAS) have been consumed").
func linesPerRecord(sys int) int {
	if sys == store.SysGLO || sys == store.SysSBS {
		return 3
	}
	return 7
}

// ReadNav decodes the NAV/GNAV/HNAV body (after ReadHeader) into the
// EphStore, returning the number of records added.
func (r *Reader) ReadNav(eph *store.EphStore) (int, error) {
	n := 0
	for {
		line, err := r.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		var sys int
		var prn int
		var rest string
		var toc gtime.Time
		if r.hdr.Version >= 3 {
			if len(line) < 4 {
				r.Stats.SkippedNav++
				continue
			}
			sys = sysFromChar(line[0])
			prn = parseInt(field(line, 1, 3))
			toc = parseEpochTime(field(line, 4, 23))
			rest = line[23:]
		} else {
			sys = r.hdr.Sys
			if sys == 0 {
				sys = store.SysGPS
			}
			prn = parseInt(field(line, 0, 2))
			toc = parseEpochTimeV2(field(line, 2, 22))
			rest = line[22:]
		}
		sat := store.SatNo(sys, prn)
		if sat == 0 {
			r.Stats.SkippedNav++
			r.skipLines(linesPerRecord(sys))
			continue
		}
		data := []float64{parseFloat(field(rest, 0, 19)), parseFloat(field(rest, 19, 38)), parseFloat(field(rest, 38, 57))}
		for i := 0; i < linesPerRecord(sys); i++ {
			l, err := r.readLine()
			if err != nil {
				break
			}
			for c := 0; c < 4; c++ {
				start := 4 + c*19
				if start >= len(l) {
					break
				}
				data = append(data, parseFloat(field(l, start, start+19)))
			}
		}
		switch sys {
		case store.SysGLO:
			g, ok := decodeGEph(r.hdr.Version, sat, toc, data)
			if !ok {
				r.Stats.SkippedNav++
				continue
			}
			eph.AppendGLO(g)
		case store.SysSBS:
			s, ok := decodeSEph(sat, toc, data)
			if !ok {
				r.Stats.SkippedNav++
				continue
			}
			eph.AppendSBS(s)
		default:
			e, ok := decodeEph(r.hdr.Version, sat, toc, data)
			if !ok {
				r.Stats.SkippedNav++
				continue
			}
			eph.AppendGPS(e)
		}
		n++
	}
	return n, nil
}

func (r *Reader) skipLines(n int) {
	for i := 0; i < n; i++ {
		if _, err := r.readLine(); err != nil {
			return
		}
	}
}

// decodeEph lays out the 29 broadcast fields per constellation. Grounded on
// src/renix.go DecodeEph.
func decodeEph(ver float64, sat int, toc gtime.Time, d []float64) (store.Eph, bool) {
	sys, _ := store.SatSys(sat)
	if sys&(store.SysGPS|store.SysGAL|store.SysQZS|store.SysCMP|store.SysIRN) == 0 {
		return store.Eph{}, false
	}
	for len(d) < 29 {
		d = append(d, 0)
	}
	var e store.Eph
	e.Sat = sat
	e.Toc = toc
	e.F0, e.F1, e.F2 = d[0], d[1], d[2]
	e.A = d[10] * d[10]
	e.E = d[8]
	e.I0 = d[15]
	e.OMG0 = d[13]
	e.Omg = d[17]
	e.M0 = d[6]
	e.Deln = d[5]
	e.OMGd = d[18]
	e.Idot = d[19]
	e.Crc, e.Crs, e.Cuc, e.Cus, e.Cic, e.Cis = d[16], d[4], d[7], d[9], d[12], d[14]

	switch sys {
	case store.SysGPS, store.SysQZS:
		e.Iode = int(d[3])
		e.Iodc = int(d[26])
		e.Toes = d[11]
		e.Week = int(d[21])
		e.Toe = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[11]), toc)
		e.Ttr = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[27]), toc)
		e.Code = int(d[20])
		e.Svh = int(d[24])
		e.Sva = uraIndex(d[23])
		if sys == store.SysGPS {
			e.Fit = d[28]
		} else {
			e.Fit = 2.0
			if d[28] == 0 {
				e.Fit = 1.0
			}
		}
	case store.SysGAL:
		e.Iode = int(d[3])
		e.Toes = d[11]
		e.Week = int(d[21])
		e.Toe = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[11]), toc)
		e.Ttr = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[27]), toc)
		e.Code = int(d[20])
		e.Svh = int(d[24])
		e.Sva = sisaIndex(d[23])
		e.Tgd[0], e.Tgd[1] = d[25], d[26]
	case store.SysCMP:
		e.Toc = gtime.BDTtoGPST(e.Toc) // header epoch is read as a BDT clock reading
		e.Iode = int(d[3])
		e.Iodc = int(d[28])
		e.Toes = d[11]
		e.Week = int(d[21])
		e.Toe = gtime.AdjWeekTime(gtime.BDTtoGPST(gtime.FromBDT(e.Week, d[11])), toc)
		e.Ttr = gtime.AdjWeekTime(gtime.BDTtoGPST(gtime.FromBDT(e.Week, d[27])), toc)
		e.Svh = int(d[24])
		e.Sva = uraIndex(d[23])
		e.Tgd[0], e.Tgd[1] = d[25], d[26]
	case store.SysIRN:
		e.Iode = int(d[3])
		e.Toes = d[11]
		e.Week = int(d[21])
		e.Toe = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[11]), toc)
		e.Ttr = gtime.AdjWeekTime(gtime.FromGPST(e.Week, d[27]), toc)
		e.Svh = int(d[24])
		e.Sva = uraIndex(d[23])
		e.Tgd[0] = d[25]
	}
	return e, true
}

// decodeGEph lays out the 4-line GLONASS record. Grounded on
// src/renix.go DecodeGEph.
func decodeGEph(ver float64, sat int, toc gtime.Time, d []float64) (store.GEph, bool) {
	sys, _ := store.SatSys(sat)
	if sys != store.SysGLO {
		return store.GEph{}, false
	}
	for len(d) < 15 {
		d = append(d, 0)
	}
	var g store.GEph
	g.Sat = sat

	week, tow := toc.ToGPST()
	tocRounded := gtime.FromGPST(week, math.Floor((tow+450.0)/900.0)*900)
	dow := int(math.Floor(tow / 86400.0))

	tod := math.Mod(d[2], 86400.0)
	if ver <= 2.99 {
		tod = d[2]
	}
	tof := gtime.FromGPST(week, tod+float64(dow)*86400.0)

	g.Toe = gtime.FromUTC(tocRounded)
	g.Tof = gtime.FromUTC(tof)
	g.Iode = int(math.Mod(tow+10800.0, 86400.0)/900.0 + 0.5)
	g.Taun = -d[0]
	g.Gamn = d[1]
	g.Pos = [3]float64{d[3] * 1e3, d[7] * 1e3, d[11] * 1e3}
	g.Vel = [3]float64{d[4] * 1e3, d[8] * 1e3, d[12] * 1e3}
	g.Acc = [3]float64{d[5] * 1e3, d[9] * 1e3, d[13] * 1e3}
	g.Svh = int(d[6])
	g.Frq = int(d[10])
	g.Age = int(d[14])
	if g.Frq > 128 {
		g.Frq -= 256
	}
	return g, true
}

// decodeSEph lays out the 4-line SBAS/GEO record. Grounded on
// src/renix.go DecodeSEph.
func decodeSEph(sat int, toc gtime.Time, d []float64) (store.SEph, bool) {
	sys, _ := store.SatSys(sat)
	if sys != store.SysSBS {
		return store.SEph{}, false
	}
	for len(d) < 15 {
		d = append(d, 0)
	}
	var s store.SEph
	s.Sat = sat
	s.T0 = toc
	s.Af0, s.Af1 = d[0], d[1]
	s.Pos = [3]float64{d[3] * 1e3, d[7] * 1e3, d[11] * 1e3}
	s.Vel = [3]float64{d[4] * 1e3, d[8] * 1e3, d[12] * 1e3}
	s.Acc = [3]float64{d[5] * 1e3, d[9] * 1e3, d[13] * 1e3}
	s.Svh = int(d[6])
	return s, true
}

func uraIndex(v float64) int {
	ura := []float64{2.4, 3.4, 4.85, 6.85, 9.65, 13.65, 24, 48, 96, 192, 384, 768, 1536, 3072, 6144}
	for i, u := range ura {
		if v <= u {
			return i
		}
	}
	return 15
}

func sisaIndex(v float64) int {
	switch {
	case v < 0 || v > 6000:
		return 255
	case v <= 49:
		return int(v / 0.01)
	case v <= 149.5:
		return int((v-50)/0.02) + 50
	case v <= 249.5:
		return int((v-150)/0.04) + 100
	case v <= 500:
		return int((v-250)/0.16) + 125
	}
	return 255
}

// Package sp3 decodes precise orbit files in SP3-a/b/c/d format into a
// store.PreciseStore.
//
// Grounded on FengXuebin-gnssgo src/preceph.go (ReadSp3Header, ReadSp3Body,
// ReadSp3): the teacher's package-level ReadSp3 walking a glob of files and
// writing into a shared *Nav is replaced by a Reader bound to one
// io.Reader, so a caller decides how files are discovered and merged
// (spec.md 9).
package sp3

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
)

// posSentinel marks an unset position/clock field in the SP3 body.
const posSentinel = 999999.999999

// Reader decodes one SP3 file's header and epoch body.
type Reader struct {
	sc   *bufio.Scanner
	line int

	version byte
	ctype   byte // 'P' position-only, 'V' position+velocity
	tsys    string
	bfact   [2]float64
	nsat    int
	sats    []int
	pending string // one epoch line consumed while probing the header/body boundary
}

// NewReader wraps r and reads the SP3 header, leaving the scanner
// positioned at the first epoch record.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{sc: bufio.NewScanner(r)}
	rd.sc.Buffer(make([]byte, 4096), 1<<20)
	if err := rd.readHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) next() (string, bool) {
	if !r.sc.Scan() {
		return "", false
	}
	r.line++
	return r.sc.Text(), true
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

func intField(s string, a, b int) int {
	v, _ := strconv.Atoi(field(s, a, b))
	return v
}

// codeToSys maps an SP3 satellite-id letter to a system bitflag. 'L' (LEO,
// SP3-d) has no analogue in this model and is reported as SysNone.
func codeToSys(c byte) int {
	switch c {
	case 'G', ' ':
		return store.SysGPS
	case 'R':
		return store.SysGLO
	case 'E':
		return store.SysGAL
	case 'J':
		return store.SysQZS
	case 'C':
		return store.SysCMP
	case 'I':
		return store.SysIRN
	}
	return store.SysNone
}

// readHeader consumes the SP3 header block (lines 1..22-ish, terminated by
// the first "*  " epoch record), per src/preceph.go ReadSp3Header.
func (r *Reader) readHeader() error {
	first := true
	for {
		line, ok := r.next()
		if !ok {
			return io.ErrUnexpectedEOF
		}
		if len(line) >= 2 && line[0] == '*' && line[1] == ' ' {
			// first epoch record: push back by re-reading it as the body's
			// first line via a one-line buffer.
			r.pending = line
			return nil
		}
		if len(line) < 2 {
			continue
		}
		switch {
		case first:
			first = false
			if len(line) > 2 {
				r.ctype = line[2]
			}
		case line[:2] == "+ ":
			if r.nsat == 0 {
				r.nsat = intField(line, 3, 6)
			}
			for j := 0; j < 17 && len(r.sats) < r.nsat; j++ {
				off := 9 + 3*j
				if off+3 > len(line) {
					break
				}
				sys := codeToSys(line[off])
				prn := intField(line, off+1, off+3)
				if sys == store.SysSBS {
					prn += 100
				} else if sys == store.SysQZS {
					prn += 192
				}
				if sat := store.SatNo(sys, prn); sat != 0 {
					r.sats = append(r.sats, sat)
				}
			}
		case line[:2] == "%c":
			r.tsys = field(line, 9, 12)
		case line[:2] == "%f":
			if r.bfact[0] == 0 {
				r.bfact[0] = num(line, 3, 13)
				r.bfact[1] = num(line, 14, 26)
			}
		}
	}
}

// NextEpoch decodes one "* <epoch>" record plus its P/V lines into a
// PEphSample. Returns io.EOF when the "EOF" sentinel line or end of input is
// reached.
func (r *Reader) NextEpoch() (store.PEphSample, error) {
	line := r.pending
	r.pending = ""
	if line == "" {
		var ok bool
		line, ok = r.next()
		if !ok {
			return store.PEphSample{}, io.EOF
		}
	}
	if strings.HasPrefix(line, "EOF") {
		return store.PEphSample{}, io.EOF
	}
	if len(line) < 3 || line[0] != '*' {
		return store.PEphSample{}, fmt.Errorf("sp3: line %d: expected epoch record, got %q", r.line, line)
	}
	ep := [6]float64{
		num(line, 3, 7), num(line, 8, 10), num(line, 11, 13),
		num(line, 14, 16), num(line, 17, 19), num(line, 20, 31),
	}
	t := gtime.FromEpoch(ep)
	if r.tsys == "UTC" {
		t = gtime.FromUTC(t)
	}

	sample := store.PEphSample{Time: t, Pos: map[int][4]float64{}, Std: map[int][4]float32{}, Vel: map[int][4]float64{}}
	n := r.nsat
	if r.ctype == 'V' {
		n *= 2
	}
	for i := 0; i < n; i++ {
		l, ok := r.next()
		if !ok {
			break
		}
		if len(l) < 4 || (l[0] != 'P' && l[0] != 'V') {
			i--
			continue
		}
		sys := codeToSys(l[1])
		if l[1] == ' ' {
			sys = store.SysGPS
		}
		prn := intField(l, 2, 4)
		if sys == store.SysSBS {
			prn += 100
		} else if sys == store.SysQZS {
			prn += 192
		}
		sat := store.SatNo(sys, prn)
		if sat == 0 {
			continue
		}
		var pos, std [4]float64
		for j := 0; j < 4; j++ {
			v := num(l, 4+j*14, 18+j*14)
			w := 2
			if j == 3 {
				w = 3
			}
			s := num(l, 61+j*3, 61+j*3+w)
			pos[j] = v
			std[j] = s
		}
		if l[0] == 'P' {
			for j := 0; j < 3; j++ {
				if pos[j] != 0 && math.Abs(pos[j]-posSentinel) >= 1e-6 {
					sample.Pos[sat] = addComponent(sample.Pos[sat], j, pos[j]*1e3)
				}
			}
			if pos[3] != 0 && math.Abs(pos[3]-posSentinel) >= 1e-6 {
				sample.Pos[sat] = addComponent(sample.Pos[sat], 3, pos[3]*1e-6)
			}
			var sf [4]float32
			for j := 0; j < 4; j++ {
				base := r.bfact[0]
				scale := 1e-3
				if j == 3 {
					base = r.bfact[1]
					scale = 1e-12
				}
				if base > 0 && std[j] > 0 {
					sf[j] = float32(math.Pow(base, std[j]) * scale)
				}
			}
			sample.Std[sat] = sf
		} else {
			for j := 0; j < 3; j++ {
				if pos[j] != 0 && math.Abs(pos[j]-posSentinel) >= 1e-6 {
					sample.Vel[sat] = addComponent(sample.Vel[sat], j, pos[j]*0.1)
				}
			}
			if pos[3] != 0 && math.Abs(pos[3]-posSentinel) >= 1e-6 {
				sample.Vel[sat] = addComponent(sample.Vel[sat], 3, pos[3]*1e-10)
			}
		}
	}
	return sample, nil
}

func addComponent(v [4]float64, j int, x float64) [4]float64 {
	v[j] = x
	return v
}

// ReadAll drains the reader's remaining epoch records into dst.
func (r *Reader) ReadAll(dst *store.PreciseStore) (int, error) {
	n := 0
	for {
		s, err := r.NextEpoch()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		dst.AppendEph(s)
		n++
	}
}

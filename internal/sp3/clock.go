package sp3

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/store"
)

// ClockReader decodes a RINEX clock (.clk) file's "AS" satellite-clock
// records into PClkSample values, skipping AR (receiver clock) records.
//
// Grounded on FengXuebin-gnssgo src/renix.go ReadRnxClk: the teacher folds
// clock-file header parsing into the shared RINEX header state machine;
// this reader only needs the body, since the clock file's "# OF SOLN SATS"
// header carries nothing this model requires.
type ClockReader struct {
	sc   *bufio.Scanner
	line int
}

// NewClockReader skips the clock file header (terminated by END OF HEADER)
// and returns a reader positioned at the first AS/AR record.
func NewClockReader(r io.Reader) (*ClockReader, error) {
	cr := &ClockReader{sc: bufio.NewScanner(r)}
	cr.sc.Buffer(make([]byte, 4096), 1<<20)
	for cr.sc.Scan() {
		cr.line++
		if strings.Contains(cr.sc.Text(), "END OF HEADER") {
			return cr, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

// ReadAll decodes every AS record in the file, coalescing records that
// share an epoch into one PClkSample the way src/renix.go ReadRnxClk does
// (a new sample only when the epoch advances by more than 1ns).
func (cr *ClockReader) ReadAll(dst *store.PreciseStore) (int, error) {
	var cur *store.PClkSample
	n := 0
	for cr.sc.Scan() {
		cr.line++
		line := cr.sc.Text()
		if len(line) < 2 || line[:2] != "AS" {
			continue
		}
		satID := strings.TrimSpace(field(line, 3, 7))
		sat := satIDToNo(satID)
		if sat == 0 {
			continue
		}
		ep := [6]float64{
			num(line, 8, 12), num(line, 13, 15), num(line, 16, 18),
			num(line, 19, 21), num(line, 22, 24), num(line, 25, 34),
		}
		t := gtime.FromEpoch(ep)
		bias := num(line, 40, 59)
		sigma := num(line, 60, 79)

		if cur == nil || t.Sub(cur.Time) > 1e-9 || t.Sub(cur.Time) < -1e-9 {
			if cur != nil {
				dst.AppendClk(*cur)
				n++
			}
			cur = &store.PClkSample{Time: t, Clk: map[int]float64{}, Std: map[int]float32{}}
		}
		cur.Clk[sat] = bias
		cur.Std[sat] = float32(sigma)
	}
	if cur != nil {
		dst.AppendClk(*cur)
		n++
	}
	return n, nil
}

// satIDToNo parses a RINEX clock-file satellite id such as "G01", "R14",
// "C06" into the dense satellite number.
func satIDToNo(id string) int {
	if len(id) < 3 {
		return 0
	}
	prn, err := strconv.Atoi(strings.TrimSpace(id[1:3]))
	if err != nil {
		return 0
	}
	sys := codeToSys(id[0])
	if sys == store.SysQZS {
		prn += 192
	} else if sys == store.SysSBS {
		prn += 100
	}
	return store.SatNo(sys, prn)
}

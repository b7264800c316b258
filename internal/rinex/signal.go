package rinex

import (
	"strings"

	"github.com/rtkgo/rtkcore/internal/store"
)

// obsType classifies an observation column: 'C' code, 'L' phase, 'D'
// doppler, 'S' SNR (spec.md 3).
type obsType byte

const (
	typeCode    obsType = 'C'
	typePhase   obsType = 'L'
	typeDoppler obsType = 'D'
	typeSNR     obsType = 'S'
)

// column describes one declared observation column from a SYS / # / OBS
// TYPES header line, resolved to a (type, frequency-index) slot.
type column struct {
	Type     obsType
	Freq     int // index into the NFreq+NExObs slot array
	Code     string
	Priority int
	Shift    float64
	Extended bool // true if this column spilled into the NExObs pool
}

// SignalIndex maps a system's declared observation columns to slots,
// resolving duplicate (type,freq) claims by priority (spec.md 4.C: "If two
// columns claim the same (type, freq-index), the one with higher priority
// fills the native slot; the other goes into the extended-slot pool").
type SignalIndex struct {
	Columns []column
}

// bandFreqIndex gives the frequency-index for each RINEX-3 band digit, per
// system. Index 0 is reserved for L1/E1/B1, etc.
func bandFreqIndex(sys int, band byte) int {
	switch sys {
	case store.SysGPS, store.SysQZS:
		switch band {
		case '1':
			return 0
		case '2':
			return 1
		case '5':
			return 2
		}
	case store.SysGLO:
		switch band {
		case '1':
			return 0
		case '2':
			return 1
		case '3':
			return 2
		}
	case store.SysGAL:
		switch band {
		case '1':
			return 0
		case '7':
			return 1
		case '5':
			return 2
		case '6':
			return 3
		case '8':
			return 4
		}
	case store.SysCMP:
		switch band {
		case '2', '1':
			return 0
		case '7':
			return 1
		case '6':
			return 2
		case '5':
			return 3
		}
	case store.SysIRN:
		switch band {
		case '5':
			return 0
		case '9':
			return 1
		}
	case store.SysSBS:
		switch band {
		case '1':
			return 0
		case '5':
			return 1
		}
	}
	return -1
}

// codePriority ranks tracking-channel letters within a band; earlier in the
// string wins the native slot, ties broken by declaration order.
const codePriorityGPS = "PYWCSLXIQZ MN"

func priority(attr byte) int {
	if idx := strings.IndexByte(codePriorityGPS, attr); idx >= 0 {
		return len(codePriorityGPS) - idx
	}
	return 0
}

// BuildSignalIndex parses a RINEX-3 style "C1C L1C D1C S1C ..." observation
// type list for one system into a SignalIndex (spec.md 4.C).
func BuildSignalIndex(sys int, codes []string) SignalIndex {
	var idx SignalIndex
	occupied := map[[2]int]int{} // (type,freq) -> column index currently holding native slot
	nExt := 0
	for _, code := range codes {
		if len(code) < 2 {
			continue
		}
		t := obsType(code[0])
		band := code[1]
		var attr byte
		if len(code) >= 3 {
			attr = code[2]
		}
		freq := bandFreqIndex(sys, band)
		if freq < 0 {
			continue
		}
		pri := priority(attr)
		col := column{Type: t, Freq: freq, Code: code, Priority: pri}
		key := [2]int{int(t), freq}
		if prevIdx, ok := occupied[key]; ok {
			prev := idx.Columns[prevIdx]
			if pri > prev.Priority {
				// new column wins the native slot; demote the old one.
				idx.Columns[prevIdx].Extended = true
				idx.Columns[prevIdx].Freq = store.NFreq + nExt
				nExt++
				occupied[key] = len(idx.Columns)
				idx.Columns = append(idx.Columns, col)
			} else {
				col.Extended = true
				if nExt < store.NExObs {
					col.Freq = store.NFreq + nExt
					nExt++
				}
				idx.Columns = append(idx.Columns, col)
			}
			continue
		}
		occupied[key] = len(idx.Columns)
		idx.Columns = append(idx.Columns, col)
	}
	return idx
}

// ConvertV2Code maps a RINEX-2.xx two-character observation code to its
// RINEX-3 three-character equivalent for the given system, honouring the
// v2.12 "reject plain C1" rule and the P1/P2 precise-code mapping (spec.md
// 4.C).
func ConvertV2Code(ver float64, sys int, code string) (string, bool) {
	if len(code) != 2 {
		return "", false
	}
	if code == "C1" && ver >= 2.12 {
		return "", false
	}
	band, typ := code[0], code[1]
	switch code {
	case "P1":
		switch sys {
		case store.SysGPS, store.SysQZS:
			return "C1W", true
		case store.SysGLO:
			return "C1P", true
		}
	case "P2":
		switch sys {
		case store.SysGPS, store.SysQZS:
			return "C2W", true
		case store.SysGLO:
			return "C2P", true
		}
	}
	switch band {
	case 'C', 'P', 'L', 'D', 'S':
		// band is actually the type letter in the 2-char scheme, typ is the band digit
		t, digit := band, typ
		var attr byte = 'C'
		switch digit {
		case '1':
			attr = 'C'
			if sys == store.SysGLO {
				attr = 'C'
			}
		case '2':
			attr = 'W'
			if sys == store.SysGLO {
				attr = 'C'
			}
		case '5', '7', '8', '6':
			attr = 'Q'
		}
		return string([]byte{t, digit, attr}), true
	}
	return "", false
}

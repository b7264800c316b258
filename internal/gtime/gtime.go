// Package gtime implements epoch arithmetic and GNSS time-scale
// conversions with a two-part (whole seconds + fractional second)
// representation, preserving sub-nanosecond precision over multi-decade
// spans.
//
// Grounded on FengXuebin-gnssgo src/common.go (Epoch2Time, Time2Epoch,
// GpsT2Time, Time2GpsT, GsT2Time, BDT2Time, TimeAdd, TimeDiff,
// GpsT2Utc, AdjGpsWeek): the teacher's package-level functions operating
// on a flat Gtime{Time uint64, Sec float64} struct are kept as methods
// on a Go Time value type so callers can't accidentally share mutable
// state (spec.md 9, "process-wide mutable state").
package gtime

import (
	"fmt"
	"math"
	"time"
)

// Time is an instant represented as whole seconds since 1970-01-01 on the
// GPST-continuous scale plus a fractional remainder in [0, 1). All internal computation uses
// GPST; other scales convert at the boundary (spec.md 3, "Time invariant").
type Time struct {
	Sec  int64   // whole seconds since 1970-01-01 00:00:00 UTC, GPST-continuous
	Frac float64 // fractional second, always in [0, 1)
}

// leapSeconds is ordered newest-first; each entry is {year,mon,day,hour,min,sec,leapsec}.
// Grounded on src/common.go's built-in leapsecond table (used when no leap-second
// file is supplied).
var leapSeconds = [][7]float64{
	{2017, 1, 1, 0, 0, 0, -18},
	{2015, 7, 1, 0, 0, 0, -17},
	{2012, 7, 1, 0, 0, 0, -16},
	{2009, 1, 1, 0, 0, 0, -15},
	{2006, 1, 1, 0, 0, 0, -14},
	{1999, 1, 1, 0, 0, 0, -13},
	{1997, 7, 1, 0, 0, 0, -12},
	{1996, 1, 1, 0, 0, 0, -11},
	{1994, 7, 1, 0, 0, 0, -10},
	{1993, 7, 1, 0, 0, 0, -9},
	{1992, 7, 1, 0, 0, 0, -8},
	{1991, 1, 1, 0, 0, 0, -7},
	{1990, 1, 1, 0, 0, 0, -6},
	{1988, 1, 1, 0, 0, 0, -5},
	{1985, 7, 1, 0, 0, 0, -4},
	{1983, 7, 1, 0, 0, 0, -3},
	{1982, 7, 1, 0, 0, 0, -2},
	{1981, 7, 1, 0, 0, 0, -1},
}

const (
	secPerWeek = 86400 * 7
	secPerDay  = 86400
)

// FromEpoch builds a Time from a calendar epoch {year,mon,day,hour,min,sec}
// expressed in whatever scale the caller intends to treat as GPST-continuous
// (callers normalize to GPST via ToGPST-family helpers below).
func FromEpoch(ep [6]float64) Time {
	days := []int{1, 32, 60, 91, 121, 152, 182, 213, 244, 274, 305, 335}
	year, mon, day := int(ep[0]), int(ep[1]), int(ep[2])
	if year < 1970 || year > 2099 || mon < 1 || mon > 12 {
		return Time{}
	}
	var d int
	if year%4 == 0 && mon >= 3 {
		d = (year-1970)*365 + (year-1969)/4 + days[mon-1] + day - 2 + 1
	} else {
		d = (year-1970)*365 + (year-1969)/4 + days[mon-1] + day - 2
	}
	sec := math.Floor(ep[5])
	t := Time{Sec: int64(d)*secPerDay + int64(ep[3])*3600 + int64(ep[4])*60 + int64(sec)}
	t.Frac = ep[5] - sec
	return t
}

// Epoch returns the calendar representation {year,mon,day,hour,min,sec}.
func (t Time) Epoch() [6]float64 {
	mday := []int{
		31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31,
		31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31,
	}
	days := t.Sec / secPerDay
	sec := t.Sec - days*secPerDay
	mon := 0
	dayOfYear := int(days % 1461)
	for ; mon < 48; mon++ {
		if dayOfYear >= mday[mon] {
			dayOfYear -= mday[mon]
		} else {
			break
		}
	}
	var ep [6]float64
	ep[0] = float64(1970 + int(days)/1461*4 + mon/12)
	ep[1] = float64(mon%12 + 1)
	ep[2] = float64(dayOfYear + 1)
	ep[3] = float64(sec / 3600)
	ep[4] = float64(sec % 3600 / 60)
	ep[5] = float64(sec%60) + t.Frac
	return ep
}

// DOY returns the day of year (1.0-based, fractional part holds the
// time of day), the input internal/atmos.TropMapFunc's mapping function
// wants.
func (t Time) DOY() float64 {
	ep := t.Epoch()
	jan1 := FromEpoch([6]float64{ep[0], 1, 1, 0, 0, 0})
	return t.Sub(jan1)/secPerDay + 1
}

var (
	epochGPST0 = FromEpoch([6]float64{1980, 1, 6, 0, 0, 0})
	epochGST0  = FromEpoch([6]float64{1999, 8, 22, 0, 0, 0}) // Galileo time origin (= GPST-13s at epoch)
	epochBDT0  = FromEpoch([6]float64{2006, 1, 1, 0, 0, 0})
)

// FromGPST builds a Time from GPS week number and time-of-week (seconds).
func FromGPST(week int, sec float64) Time {
	return addWeekSec(epochGPST0, week, sec)
}

// ToGPST returns the GPS week number and time-of-week (seconds).
func (t Time) ToGPST() (week int, tow float64) {
	return weekSec(t, epochGPST0)
}

// FromGST builds a Time from Galileo System Time week/tow.
func FromGST(week int, sec float64) Time { return addWeekSec(epochGST0, week, sec) }

// ToGST returns Galileo System Time week/tow.
func (t Time) ToGST() (week int, tow float64) { return weekSec(t, epochGST0) }

// FromBDT builds a Time from BeiDou Time week/tow.
func FromBDT(week int, sec float64) Time { return addWeekSec(epochBDT0, week, sec) }

// ToBDT returns BeiDou Time week/tow.
func (t Time) ToBDT() (week int, tow float64) { return weekSec(t, epochBDT0) }

func addWeekSec(origin Time, week int, sec float64) Time {
	if sec < -1e9 || sec > 1e9 {
		sec = 0
	}
	t := origin
	t.Sec += int64(secPerWeek)*int64(week) + int64(sec)
	t.Frac = sec - math.Trunc(sec)
	return t
}

func weekSec(t, origin Time) (int, float64) {
	delta := t.Sec - origin.Sec
	w := int(delta / secPerWeek)
	tow := float64(delta) - float64(w)*secPerWeek + t.Frac
	return w, tow
}

// Add returns t+sec, renormalising the fractional part into [0,1) and
// carrying overflow into the whole-second count. The delta is split before
// being combined so precision is preserved for multi-decade spans.
func (t Time) Add(sec float64) Time {
	whole := math.Floor(sec)
	t.Sec += int64(whole)
	t.Frac += sec - whole
	carry := math.Floor(t.Frac)
	t.Sec += int64(carry)
	t.Frac -= carry
	return t
}

// Sub returns t1-t2 in seconds. Exact for deltas <= 2^31 s.
func (t1 Time) Sub(t2 Time) float64 {
	return float64(t1.Sec-t2.Sec) + (t1.Frac - t2.Frac)
}

// Before reports whether t occurs strictly before u.
func (t Time) Before(u Time) bool { return t.Sub(u) < 0 }

// leapSecondsAt returns the UTC-GPST leap second offset (negative) applicable at t (GPST).
func leapSecondsAt(t Time) float64 {
	for _, ls := range leapSeconds {
		ep := [6]float64{ls[0], ls[1], ls[2], ls[3], ls[4], ls[5]}
		tr := FromEpoch(ep).Add(-ls[6])
		if t.Sub(tr) >= 0 {
			return ls[6]
		}
	}
	return 0
}

// ToUTC converts a GPST instant to UTC, inserting leap seconds.
func (t Time) ToUTC() Time {
	tu := t.Add(leapSecondsAt(t))
	// The leap table is keyed by GPST, so an instant that just crossed a
	// leap boundary needs the adjustment re-applied once.
	if ls := leapSecondsAt(tu.Add(1)); ls != leapSecondsAt(t) {
		tu = t.Add(ls)
	}
	return tu
}

// FromUTC converts a UTC instant to GPST.
func FromUTC(t Time) Time {
	return t.Add(-leapSecondsAt(t))
}

// GPSTtoBDT converts a GPST instant to GPST-referenced BDT (14s offset).
func (t Time) GPSTtoBDT() Time { return t.Add(-14.0) }

// BDTtoGPST converts a BDT-epoch instant back to GPST.
func BDTtoGPST(t Time) Time { return t.Add(14.0) }

// AdjWeek snaps t's time-of-week component by +/-604800s relative to a
// reference instant when the raw delta exceeds +/-302400s (week handover,
// spec.md 4.A).
func AdjWeek(t, ref float64) float64 {
	switch {
	case t-ref > secPerWeek/2:
		return t - secPerWeek
	case t-ref < -secPerWeek/2:
		return t + secPerWeek
	default:
		return t
	}
}

// AdjWeekTime snaps the Time t by +/-one week relative to a reference
// instant ref, the Time-valued counterpart of AdjWeek used when laying out
// broadcast ephemeris toe/ttr against toc (spec.md 4.C).
func AdjWeekTime(t, ref Time) Time {
	d := t.Sub(ref)
	switch {
	case d > secPerWeek/2:
		return t.Add(-secPerWeek)
	case d < -secPerWeek/2:
		return t.Add(secPerWeek)
	default:
		return t
	}
}

// AdjDayTime is the Time-valued counterpart of AdjDay.
func AdjDayTime(t, ref Time) Time {
	d := t.Sub(ref)
	switch {
	case d > secPerDay/2:
		return t.Add(-secPerDay)
	case d < -secPerDay/2:
		return t.Add(secPerDay)
	default:
		return t
	}
}

// AdjDay snaps t by +/-86400s relative to ref when the delta exceeds
// +/-43200s (day handover, spec.md 4.A).
func AdjDay(t, ref float64) float64 {
	switch {
	case t-ref > secPerDay/2:
		return t - secPerDay
	case t-ref < -secPerDay/2:
		return t + secPerDay
	default:
		return t
	}
}

// AdjGPSWeek resolves a truncated (10-bit broadcast) week number against
// the host's current date, choosing the candidate closest to "now".
func AdjGPSWeek(week int) int {
	now := FromUTC(TimeFromStd(time.Now()))
	w0, _ := now.ToGPST()
	if w0 < 1560 {
		w0 = 1560
	}
	return week + (w0-week+512)/1024*1024
}

// TimeFromStd converts a Go standard library time.Time (treated as UTC) into
// a gtime.Time.
func TimeFromStd(tt time.Time) Time {
	u := tt.UTC()
	ep := [6]float64{
		float64(u.Year()), float64(u.Month()), float64(u.Day()),
		float64(u.Hour()), float64(u.Minute()), float64(u.Second()) + float64(u.Nanosecond())*1e-9,
	}
	return FromEpoch(ep)
}

// String renders the instant as "2006/01/02 15:04:05.000" GPST.
func (t Time) String() string {
	ep := t.Epoch()
	return fmt.Sprintf("%04.0f/%02.0f/%02.0f %02.0f:%02.0f:%06.3f", ep[0], ep[1], ep[2], ep[3], ep[4], ep[5])
}

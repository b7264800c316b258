// Package config assembles and validates the processing options a
// session needs before it can run: internal/pntpos's single-point
// options, internal/rtk's Kalman-filter options, and
// internal/ambiguity's resolver tuning. Grounded on the teacher's
// src/rtkcmn.go prcopt_t/solopt_t plus its opt.go key=value option-file
// reader — here expressed as one validated Go struct instead of a
// giant flat option table, with go-playground/validator enforcing the
// range invariants the teacher's loadopts/checkopt scatter across ad
// hoc if-checks.
package config

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/rtkgo/rtkcore/internal/ambiguity"
	"github.com/rtkgo/rtkcore/internal/pntpos"
	"github.com/rtkgo/rtkcore/internal/rtk"
)

// Options is the complete, user-facing processing configuration. Angles
// are in degrees here (the way a user names them in a config file or on
// the command line); Build converts to the radians the core packages
// expect, the same degrees-at-the-edge/radians-in-the-core split the
// teacher's opt2buf/buf2opt keeps around its "0-360" option strings.
type Options struct {
	// Positioning mode.
	Dynamics bool `validate:"-"`
	NumFreq  int  `validate:"min=1,max=3"`
	IonoFree bool `validate:"-"`

	// Elevation/SNR gates (degrees / dB-Hz).
	ElevationMaskDeg     float64 `validate:"min=0,max=90"`
	ElevationMaskARDeg   float64 `validate:"min=0,max=90"`
	ElevationMaskHoldDeg float64 `validate:"min=0,max=90"`
	SNRMask              float64 `validate:"min=0,max=60"`

	// Ambiguity resolution.
	MinRatio     float64 `validate:"min=1"`
	MaxRatio     float64 `validate:"min=1"`
	PartialRatio float64 `validate:"min=0,max=1"`
	MinLockAR    int     `validate:"min=1"`
	MinFixToHold int     `validate:"min=0"`

	// Observation error model.
	CodeStd  float64 `validate:"gt=0"`
	PhaseStd float64 `validate:"gt=0"`

	// Single-point positioning.
	MaxGDOP float64 `validate:"gt=0"`
	RAIM    bool    `validate:"-"`
}

// DefaultOptions mirrors the teacher's typical kinematic dual-frequency
// RTK + broadcast single-point defaults, recomposed from each package's
// own DefaultConfig/DefaultOptions so this package never invents a
// number the core packages don't already default to.
func DefaultOptions() Options {
	rtkCfg := rtk.DefaultConfig()
	pntCfg := pntpos.DefaultOptions()
	arCfg := ambiguity.DefaultConfig()
	const r2d = 180 / math.Pi
	return Options{
		Dynamics:             rtkCfg.Dynamics,
		NumFreq:              rtkCfg.Nf,
		IonoFree:             rtkCfg.IonoFree,
		ElevationMaskDeg:     rtkCfg.ElevationMask * r2d,
		ElevationMaskARDeg:   rtkCfg.ElevationMaskAR * r2d,
		ElevationMaskHoldDeg: rtkCfg.ElevationMaskHold * r2d,
		SNRMask:              pntCfg.SNRMask,
		MinRatio:             arCfg.MinRatio,
		MaxRatio:             arCfg.MaxRatio,
		PartialRatio:         arCfg.PartialRatio,
		MinLockAR:            rtkCfg.MinLockAR,
		MinFixToHold:         rtkCfg.MinFixToHold,
		CodeStd:              rtkCfg.CodeStd,
		PhaseStd:             rtkCfg.PhaseStd,
		MaxGDOP:              pntCfg.MaxGDOP,
		RAIM:                 pntCfg.RAIM,
	}
}

// Validate checks every range invariant via struct tags, the teacher's
// scattered checkopt bounds collected into one pass.
func (o Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("config: invalid options: %w", err)
	}
	if o.MaxRatio < o.MinRatio {
		return fmt.Errorf("config: invalid options: MaxRatio (%.2f) below MinRatio (%.2f)", o.MaxRatio, o.MinRatio)
	}
	return nil
}

// Session is the validated, radians-converted option bundle each core
// package's constructor takes, the teacher's prcopt_t passed by pointer
// into RtkInit/PntPos/rtkpos.
type Session struct {
	RTK        rtk.Config
	Pntpos     pntpos.Options
	Ambiguity  ambiguity.Config
}

// Build validates o and converts it into the Session the core packages
// consume.
func Build(o Options) (Session, error) {
	if err := o.Validate(); err != nil {
		return Session{}, err
	}
	const d2r = math.Pi / 180

	rtkCfg := rtk.DefaultConfig()
	rtkCfg.Dynamics = o.Dynamics
	rtkCfg.Nf = o.NumFreq
	rtkCfg.IonoFree = o.IonoFree
	rtkCfg.ElevationMask = o.ElevationMaskDeg * d2r
	rtkCfg.ElevationMaskAR = o.ElevationMaskARDeg * d2r
	rtkCfg.ElevationMaskHold = o.ElevationMaskHoldDeg * d2r
	rtkCfg.ThresholdAR = o.MinRatio
	rtkCfg.MinLockAR = o.MinLockAR
	rtkCfg.MinFixToHold = o.MinFixToHold
	rtkCfg.CodeStd = o.CodeStd
	rtkCfg.PhaseStd = o.PhaseStd

	pntCfg := pntpos.DefaultOptions()
	pntCfg.ElevationMask = o.ElevationMaskDeg * d2r
	pntCfg.SNRMask = o.SNRMask
	pntCfg.MaxGDOP = o.MaxGDOP
	pntCfg.RAIM = o.RAIM

	arCfg := ambiguity.DefaultConfig()
	arCfg.MinRatio = o.MinRatio
	arCfg.MaxRatio = o.MaxRatio
	arCfg.PartialRatio = o.PartialRatio

	return Session{RTK: rtkCfg, Pntpos: pntCfg, Ambiguity: arCfg}, nil
}

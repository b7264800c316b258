// Package rtkserver drives internal/rtk on a live feed instead of a
// recorded file batch: per-role reader goroutines decode bytes from
// rover/base/correction streams into buffers, and a single cycle-driven
// goroutine drains them, runs the filter, and emits solutions — spec.md
// 4.J and 5 ("per-stream reader threads... one consumer thread wakes on
// a fixed cycle... drains the buffers... runs the RTK filter").
// Grounded on the teacher's src/rtksvr.go (RtkSvr/rtksvrthread) and
// src/streamsvr.go, replacing its fixed-size C ring buffers and
// package-level lock macros with Go channels and a server-scoped mutex.
package rtkserver

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rtkgo/rtkcore/internal/rtcmssr"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/solution"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/sirupsen/logrus"
)

// ObsBatch is one synchronized set of observations from a rover or base
// stream, the teacher's obs ring slot. BasePos is non-zero only for a
// moving-base feed that carries its own reference position per epoch
// (e.g. decoded from an RTCM 1005/1006 message); a zero value means "base
// position unchanged".
type ObsBatch struct {
	Time    store.Gtime
	Obs     []store.Obs
	BasePos [3]float64
}

// ObsSource is the external-collaborator boundary for a rover/base
// producer thread, the same shape as internal/postproc.EpochSource: this
// package has no incremental RTCM-MSM/receiver-binary decoder of its own
// (component C only covers RINEX/SP3/IONEX/RTCM-SSR), so a caller plugs
// in whatever decodes its receiver's wire format into ObsBatch values.
type ObsSource interface {
	Next() (ObsBatch, bool, error)
}

// SatStateFunc computes per-satellite geometry and the broadcast
// ionosphere model for one epoch from the current store and the epoch's
// rover/base observations, the same caller-supplied boundary
// internal/postproc.Epoch.SatStates uses (component D+E's job, kept
// decoupled from this package).
type SatStateFunc func(t store.Gtime, roverObs, baseObs []store.Obs, st *store.Store) (map[int]rtk.SatGeom, [8]float64, doy float64, err error)

// NmeaMode selects the GGA up-link behavior to the base receiver,
// spec.md 4.J's four modes.
type NmeaMode int

const (
	NmeaOff NmeaMode = iota
	NmeaFixed
	NmeaSingle
	NmeaResetAndCurrent
)

// minIntReset is the teacher's MIN_INT_RESET: minimum interval between
// reset commands.
const minIntReset = 30 * time.Second

// Config configures a Server, the teacher's RtkSvrStart parameters plus
// SolOpt's NMEA-uplink fields.
type Config struct {
	Cycle time.Duration // consumer wake period, must be >=1ms

	NmeaMode               NmeaMode
	NmeaFixedPos           [3]float64 // ECEF, used when NmeaMode==NmeaFixed
	BaselineResetThreshold float64    // m; 0 disables reset-and-current's trigger
	ResetCommand           string     // sent to BaseUplink before the reset GGA

	RTK      rtk.Config
	Resolver rtk.Resolver

	// Log, when set, is attached to the run's filter and tagged with a
	// fresh run ID, so ParseError/DataGap/NumericFailure/OutlierRejected
	// events (spec.md 7) this server's filter logs carry a run identity
	// the way cmd/rtkrcv's own top-level logger does (SPEC_FULL.md
	// AMBIENT STACK Logging). Nil disables structured logging for the run.
	Log *logrus.Entry
}

// Server runs one live rover/base/correction feed through an
// internal/rtk.Filter. All mutable state reachable from more than one
// goroutine — the store, the filter, the last-known solution — sits
// behind mu, matching spec.md 5's "single server-wide lock held across
// each drain -> filter -> emit cycle... MUST NOT be held across blocking
// I/O".
type Server struct {
	cfg      Config
	satState SatStateFunc

	id  string
	log *logrus.Entry

	mu     sync.Mutex
	store  *store.Store
	filter *rtk.Filter

	roverSrc ObsSource
	baseSrc  ObsSource
	corrRead io.Reader
	ssrDec   rtcmssr.Decoder

	roverCh chan ObsBatch
	baseCh  chan ObsBatch
	corrCh  chan rtcmssr.Update

	lastRover, lastBase ObsBatch
	haveRover, haveBase bool

	solOutputs  []solutionOutput
	baseUplink  io.Writer
	lastReset   time.Time
	lastCourse  float64
	lastSol     solution.Record
	haveLastSol bool
}

// New builds a Server seeded at roverSeed/basePos. roverSrc/baseSrc
// supply decoded observation batches; corrRead/ssrDec are optional (nil
// disables correction ingestion, e.g. for a single-receiver PPP feed).
func New(cfg Config, satState SatStateFunc, roverSrc, baseSrc ObsSource, corrRead io.Reader, ssrDec rtcmssr.Decoder, roverSeed, basePos [3]float64) *Server {
	if cfg.Cycle <= 0 {
		cfg.Cycle = time.Second
	}
	id := uuid.NewString()
	filter := rtk.NewFilter(cfg.RTK, roverSeed, basePos)
	var log *logrus.Entry
	if cfg.Log != nil {
		log = cfg.Log.WithFields(logrus.Fields{"component": "rtkserver", "run": id})
		filter.Log = log
	}
	return &Server{
		cfg:      cfg,
		satState: satState,
		id:       id,
		log:      log,
		store:    store.New(),
		filter:   filter,
		roverSrc: roverSrc,
		baseSrc:  baseSrc,
		corrRead: corrRead,
		ssrDec:   ssrDec,
		roverCh:  make(chan ObsBatch, 32),
		baseCh:   make(chan ObsBatch, 32),
		corrCh:   make(chan rtcmssr.Update, 256),
	}
}

// solutionOutput pairs an output stream with the text formatter that
// writes to it (LLH/XYZ/ENU/NMEA each need their own Writer instance
// since FormatLLH etc. track header-written state per destination).
type solutionOutput struct {
	out io.Writer
	fmt *solution.Writer
}

// AddSolutionWriter registers an output stream for every emitted
// solution (up to two, per spec.md's "solution writer with dual output
// streams"; more are accepted but undocumented by the spec), formatted
// the way w specifies (LLH/XYZ/ENU).
func (s *Server) AddSolutionWriter(out io.Writer, w *solution.Writer) {
	w.WriteHeader(out)
	s.solOutputs = append(s.solOutputs, solutionOutput{out: out, fmt: w})
}

// SetBaseUplink sets the stream GGA up-link sentences are written to,
// the teacher's stream index STR1 reused for output.
func (s *Server) SetBaseUplink(w io.Writer) {
	s.baseUplink = w
}

// Run starts the reader goroutines and drives the consumer cycle until
// ctx is cancelled, the teacher's RtkSvrStart + rtksvrthread combined
// into one blocking call (no detached background thread the caller has
// to remember to join).
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); s.produceObs(ctx, s.roverSrc, s.roverCh) }()
	if s.baseSrc != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.produceObs(ctx, s.baseSrc, s.baseCh) }()
	}
	if s.corrRead != nil && s.ssrDec != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.produceCorrections(ctx) }()
	}

	ticker := time.NewTicker(s.cfg.Cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.cycle()
		}
	}
}

func (s *Server) produceObs(ctx context.Context, src ObsSource, ch chan<- ObsBatch) {
	for {
		batch, ok, err := src.Next()
		if err != nil || !ok {
			return
		}
		select {
		case ch <- batch:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) produceCorrections(ctx context.Context) {
	fr := rtcmssr.NewFrameReader(s.corrRead)
	for {
		msgType, payload, err := fr.Next()
		if err != nil {
			return
		}
		updates, err := s.ssrDec.DecodeSSR(msgType, payload)
		if err != nil {
			continue // unsupported/malformed message, not fatal (spec.md 7)
		}
		for _, u := range updates {
			select {
			case s.corrCh <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

// cycle is the teacher's rtksvrthread loop body: drain -> filter ->
// release the lock -> emit.
func (s *Server) cycle() {
	sol, ok := s.drainAndProcess()
	if !ok {
		return
	}
	s.emit(sol)
}

func (s *Server) drainAndProcess() (rtk.Solution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drainLatest(s.roverCh, &s.lastRover, &s.haveRover)
	drainLatest(s.baseCh, &s.lastBase, &s.haveBase)
	for {
		select {
		case u := <-s.corrCh:
			rtcmssr.Apply(s.store.SSR, u)
			continue
		default:
		}
		break
	}

	if !s.haveRover || !s.haveBase {
		return rtk.Solution{}, false
	}
	if s.lastBase.BasePos != ([3]float64{}) {
		s.filter.Rb = s.lastBase.BasePos
	}

	satStates, ion, doy, err := s.satState(s.lastRover.Time, s.lastRover.Obs, s.lastBase.Obs, s.store)
	if err != nil {
		if s.log != nil {
			s.log.WithField("epoch", s.lastRover.Time.String()).WithError(err).Warn("satellite state computation failed")
		}
		return rtk.Solution{}, false
	}
	sol, err := s.filter.Epoch(s.lastRover.Time, s.lastRover.Obs, s.lastBase.Obs, satStates, ion, doy, s.cfg.Resolver)
	if err != nil {
		// s.filter.Log already warned with the taxonomized event; nothing
		// further to log here.
		return rtk.Solution{}, false
	}
	s.haveRover, s.haveBase = false, false
	return sol, true
}

// drainLatest empties ch into *dst, keeping only the most recent batch —
// the teacher's ring buffer overwrite-on-overflow behavior, since a live
// consumer only ever wants the newest epoch once it's fallen behind.
func drainLatest(ch chan ObsBatch, dst *ObsBatch, have *bool) {
	for {
		select {
		case b := <-ch:
			*dst = b
			*have = true
		default:
			return
		}
	}
}

func (s *Server) emit(sol rtk.Solution) {
	rec := solution.FromRTK(sol, 0)
	s.mu.Lock()
	s.lastSol, s.haveLastSol = rec, true
	s.mu.Unlock()

	for _, so := range s.solOutputs {
		so.fmt.WriteRecord(so.out, rec) // best-effort: a write error here doesn't stop processing (spec.md 7)
	}
	s.sendNmea(rec)
}

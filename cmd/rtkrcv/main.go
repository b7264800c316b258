// Command rtkrcv drives a live rover/base/correction feed through
// internal/rtkserver until interrupted, streaming position solutions to
// one or two outputs — the spec.md 4.J/5 live-server surface, grounded
// on the teacher's app/rtkrcv/rtkrcv.go. The teacher reads an interactive
// console command (start/stop/status/...) against an in-process receiver
// binary decoder; this build has no incremental RTCM-MSM/receiver-binary
// decoder of its own (component C only covers RINEX/SP3/IONEX/RTCM-SSR),
// so it is restructured as a single urfave/cli/v2 "serve" action that
// runs until SIGINT/SIGTERM, taking its rover/base feed from a recorded
// RINEX observation file played back through the same internal/batch
// satellite-state computation internal/rinex+cmd/rnx2rtkp use — the
// teacher's own STRFMT_RINEX input format.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rtkgo/rtkcore/internal/ambiguity"
	"github.com/rtkgo/rtkcore/internal/batch"
	"github.com/rtkgo/rtkcore/internal/rinex"
	"github.com/rtkgo/rtkcore/internal/rtcmssr"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/rtkserver"
	"github.com/rtkgo/rtkcore/internal/solution"
	"github.com/rtkgo/rtkcore/internal/store"
	"github.com/rtkgo/rtkcore/internal/stream"
)

func main() {
	app := &cli.App{
		Name:      "rtkrcv",
		Usage:     "run a live rover/base/correction feed through the RTK filter",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rover", Required: true, Usage: "rover observation source: RINEX OBS file path (serial/tcp/ntrip scheme specs are rejected)"},
			&cli.StringFlag{Name: "base", Usage: "base observation source, same spec as -rover"},
			&cli.StringSliceFlag{Name: "nav", Usage: "RINEX NAV file(s) to preload the ephemeris store from"},
			&cli.StringFlag{Name: "corr", Usage: "RTCM-SSR correction source: scheme://addr"},
			&cli.StringFlag{Name: "out", Value: "-", Usage: "primary solution output: '-' for stdout, or a file path"},
			&cli.StringFlag{Name: "out2", Usage: "secondary solution output, same spec as -out"},
			&cli.StringFlag{Name: "format", Value: "llh", Usage: "solution format: llh,xyz,enu,nmea"},
			&cli.StringFlag{Name: "uplink", Usage: "GGA up-link destination for the base receiver: scheme://addr"},
			&cli.DurationFlag{Name: "cycle", Value: time.Second, Usage: "consumer cycle period"},
			&cli.StringFlag{Name: "nmea-mode", Value: "off", Usage: "GGA up-link mode: off,fixed,single,reset-and-current"},
			&cli.StringFlag{Name: "nmea-fixed-pos", Usage: "ECEF x,y,z (m) sent when -nmea-mode=fixed"},
			&cli.Float64Flag{Name: "reset-threshold", Usage: "baseline length (m) that triggers a reset-and-current GGA; 0 disables"},
			&cli.StringFlag{Name: "reset-cmd", Usage: "command string sent to -uplink before a reset GGA"},
			&cli.StringFlag{Name: "rover-seed", Usage: "rover ECEF seed x,y,z (m); default origin"},
			&cli.StringFlag{Name: "base-pos", Usage: "base ECEF position x,y,z (m); default origin (moving-base updates it per epoch)"},
			&cli.Float64Flag{Name: "elevation-mask", Value: 15, Usage: "elevation mask angle (deg)"},
			&cli.IntFlag{Name: "freq", Value: 2, Usage: "number of frequencies (1,2,3)"},
			&cli.Float64Flag{Name: "ar-ratio", Value: 3.0, Usage: "AR validation threshold (0: no AR)"},
			&cli.BoolFlag{Name: "dynamics", Usage: "enable the kinematic dynamics model"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rtkrcv:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.WithFields(logrus.Fields{"run": uuid.NewString(), "component": "rtkrcv"})

	st := store.New()
	var ion [8]float64
	for _, path := range c.StringSlice("nav") {
		n, navIon, haveIon, err := readNav(path, st.Eph, log)
		if err != nil {
			log.WithError(err).Warnf("skipping unreadable nav file %s", path)
			continue
		}
		if haveIon {
			ion = navIon
		}
		log.Infof("loaded %d navigation records from %s", n, path)
	}
	st.Eph.UniqueNav()

	roverSeed, err := parseXYZOrZero(c.String("rover-seed"))
	if err != nil {
		return fmt.Errorf("-rover-seed: %w", err)
	}
	basePos, err := parseXYZOrZero(c.String("base-pos"))
	if err != nil {
		return fmt.Errorf("-base-pos: %w", err)
	}

	roverSrc, err := newObsSource(c.String("rover"), log)
	if err != nil {
		return fmt.Errorf("-rover: %w", err)
	}
	var baseSrc rtkserver.ObsSource
	if b := c.String("base"); b != "" {
		baseSrc, err = newObsSource(b, log)
		if err != nil {
			return fmt.Errorf("-base: %w", err)
		}
	}

	var corrRead io.Reader
	var ssrDec rtcmssr.Decoder
	if corr := c.String("corr"); corr != "" {
		s, err := openStream(corr)
		if err != nil {
			return fmt.Errorf("-corr: %w", err)
		}
		defer s.Close()
		corrRead = s
		ssrDec = rtcmssr.GoGNSSDecoder{}
	}

	nmeaMode, err := parseNmeaMode(c.String("nmea-mode"))
	if err != nil {
		return err
	}
	nmeaFixedPos, err := parseXYZOrZero(c.String("nmea-fixed-pos"))
	if err != nil {
		return fmt.Errorf("-nmea-fixed-pos: %w", err)
	}

	rtkCfg := rtk.DefaultConfig()
	rtkCfg.Dynamics = c.Bool("dynamics")
	rtkCfg.Nf = c.Int("freq")
	rtkCfg.ElevationMask = c.Float64("elevation-mask") * math.Pi / 180
	rtkCfg.ThresholdAR = c.Float64("ar-ratio")

	var resolver rtk.Resolver
	if ratio := c.Float64("ar-ratio"); ratio > 0 {
		arCfg := ambiguity.DefaultConfig()
		arCfg.MinRatio = ratio
		if arCfg.MaxRatio < ratio {
			arCfg.MaxRatio = ratio
		}
		resolver = ambiguity.NewResolver(arCfg)
	}

	cfg := rtkserver.Config{
		Cycle:                  c.Duration("cycle"),
		NmeaMode:               nmeaMode,
		NmeaFixedPos:           nmeaFixedPos,
		BaselineResetThreshold: c.Float64("reset-threshold"),
		ResetCommand:           c.String("reset-cmd"),
		RTK:                    rtkCfg,
		Resolver:               resolver,
		Log:                    log,
	}

	srv := rtkserver.New(cfg, satStateFunc(ion), roverSrc, baseSrc, corrRead, ssrDec, roverSeed, basePos)

	outFmt, err := parseFormat(c.String("format"))
	if err != nil {
		return err
	}
	out, closeOut, err := openOutput(c.String("out"))
	if err != nil {
		return fmt.Errorf("-out: %w", err)
	}
	defer closeOut()
	srv.AddSolutionWriter(out, &solution.Writer{Format: outFmt, BasePos: basePos, Degrees: true})

	if c.String("out2") != "" {
		out2, closeOut2, err := openOutput(c.String("out2"))
		if err != nil {
			return fmt.Errorf("-out2: %w", err)
		}
		defer closeOut2()
		srv.AddSolutionWriter(out2, &solution.Writer{Format: outFmt, BasePos: basePos, Degrees: true})
	}

	if c.String("uplink") != "" {
		up, err := openStream(c.String("uplink"))
		if err != nil {
			return fmt.Errorf("-uplink: %w", err)
		}
		defer up.Close()
		srv.SetBaseUplink(up)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("rtkrcv serving until interrupted")
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// satStateFunc adapts internal/batch.SatStates, the same satellite-
// geometry computation cmd/rnx2rtkp uses, into rtkserver.SatStateFunc by
// pairing it with the broadcast ionosphere model loaded at startup and
// the epoch's day-of-year.
func satStateFunc(ion [8]float64) rtkserver.SatStateFunc {
	return func(t store.Gtime, roverObs, baseObs []store.Obs, st *store.Store) (map[int]rtk.SatGeom, [8]float64, float64, error) {
		sats, err := batch.SatStates(t, roverObs, baseObs, st)
		if err != nil {
			return nil, ion, 0, err
		}
		return sats, ion, t.DOY(), nil
	}
}

// newObsSource builds the ObsSource spec resolves to: a RINEX file spec
// (anything without a recognized scheme prefix) is read in full and
// replayed epoch by epoch; a scheme spec is not a decodable observation
// format this build supports (no incremental RTCM-MSM/receiver-binary
// decoder), so it is rejected up front rather than silently doing
// nothing once the server starts.
func newObsSource(spec string, log *logrus.Entry) (rtkserver.ObsSource, error) {
	if hasScheme(spec) {
		return nil, fmt.Errorf("live receiver-binary/RTCM-MSM decoding is out of scope for this build; pass a RINEX OBS file path instead of %q", spec)
	}
	f, err := os.Open(spec)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := rinex.NewReader(f)
	r.Log = log
	if err := r.ReadHeader(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	dst := &store.ObsStore{}
	for {
		if _, err := r.ReadEpoch(store.Rover, dst); err != nil {
			break
		}
	}
	return &replaySource{groups: groupEpochs(dst.Data())}, nil
}

type epochGroup struct {
	time store.Gtime
	obs  []store.Obs
}

// groupEpochs splits a flat, time-ordered observation slice into
// per-epoch groups, the same grouping internal/batch.groupByTime does
// for the post-processing driver.
func groupEpochs(obs []store.Obs) []epochGroup {
	var groups []epochGroup
	for _, o := range obs {
		if len(groups) > 0 && groups[len(groups)-1].time.Sub(o.Time) == 0 {
			groups[len(groups)-1].obs = append(groups[len(groups)-1].obs, o)
			continue
		}
		groups = append(groups, epochGroup{time: o.Time, obs: []store.Obs{o}})
	}
	return groups
}

// replaySource plays a recorded set of epoch groups back as an
// rtkserver.ObsSource, one group per Next() call.
type replaySource struct {
	groups []epochGroup
	i      int
}

func (r *replaySource) Next() (rtkserver.ObsBatch, bool, error) {
	if r.i >= len(r.groups) {
		return rtkserver.ObsBatch{}, false, nil
	}
	g := r.groups[r.i]
	r.i++
	return rtkserver.ObsBatch{Time: g.time, Obs: g.obs}, true, nil
}

func hasScheme(spec string) bool {
	for _, scheme := range []string{"serial://", "tcp://", "ntrip://"} {
		if strings.HasPrefix(spec, scheme) {
			return true
		}
	}
	return false
}

// openStream opens a byte transport for corrections, up-link, or output
// by URL scheme, the teacher's strtype/strpath pair collapsed into one
// spec string per internal/stream's per-transport constructors. A file
// spec (file:// or a bare path) is opened read-only and an ntrip://
// stream accepts no writes; openOutput opens file outputs itself.
func openStream(spec string) (stream.Stream, error) {
	switch {
	case strings.HasPrefix(spec, "serial://"):
		return stream.OpenSerial(stream.DefaultSerialConfig(strings.TrimPrefix(spec, "serial://")))
	case strings.HasPrefix(spec, "tcp://"):
		return stream.OpenTCPClient(strings.TrimPrefix(spec, "tcp://")), nil
	case strings.HasPrefix(spec, "ntrip://"):
		cfg, err := parseNtripSpec(strings.TrimPrefix(spec, "ntrip://"))
		if err != nil {
			return nil, err
		}
		return stream.OpenNTripClient(cfg)
	case strings.HasPrefix(spec, "file://"):
		return stream.OpenFileRead(strings.TrimPrefix(spec, "file://"))
	default:
		return stream.OpenFileRead(spec)
	}
}

// parseNtripSpec parses "user:password@host:port/mountpoint".
func parseNtripSpec(s string) (stream.NTripClientConfig, error) {
	var cfg stream.NTripClientConfig
	auth := ""
	rest := s
	if i := strings.Index(s, "@"); i >= 0 {
		auth, rest = s[:i], s[i+1:]
	}
	if auth != "" {
		parts := strings.SplitN(auth, ":", 2)
		cfg.User = parts[0]
		if len(parts) == 2 {
			cfg.Password = parts[1]
		}
	}
	i := strings.Index(rest, "/")
	if i < 0 {
		return cfg, fmt.Errorf("ntrip spec %q missing /mountpoint", s)
	}
	cfg.Addr, cfg.Mountpoint = rest[:i], rest[i+1:]
	return cfg, nil
}

func openOutput(spec string) (io.Writer, func(), error) {
	if spec == "-" {
		return os.Stdout, func() {}, nil
	}
	if hasScheme(spec) {
		s, err := openStream(spec)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	f, err := os.Create(strings.TrimPrefix(spec, "file://"))
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func parseFormat(s string) (solution.Format, error) {
	switch strings.ToLower(s) {
	case "llh":
		return solution.FormatLLH, nil
	case "xyz":
		return solution.FormatXYZ, nil
	case "enu":
		return solution.FormatENU, nil
	case "nmea":
		return solution.FormatNMEA, nil
	default:
		return 0, fmt.Errorf("unknown solution format %q", s)
	}
}

func parseNmeaMode(s string) (rtkserver.NmeaMode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return rtkserver.NmeaOff, nil
	case "fixed":
		return rtkserver.NmeaFixed, nil
	case "single":
		return rtkserver.NmeaSingle, nil
	case "reset-and-current":
		return rtkserver.NmeaResetAndCurrent, nil
	default:
		return 0, fmt.Errorf("unknown -nmea-mode %q", s)
	}
}

func parseXYZOrZero(s string) ([3]float64, error) {
	if s == "" {
		return [3]float64{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return [3]float64{}, fmt.Errorf("expected x,y,z got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [3]float64{}, fmt.Errorf("invalid coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	return v, nil
}

func readNav(path string, eph *store.EphStore, log *logrus.Entry) (int, [8]float64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, [8]float64{}, false, err
	}
	defer f.Close()
	r := rinex.NewReader(f)
	r.Log = log
	if err := r.ReadHeader(); err != nil {
		return 0, [8]float64{}, false, err
	}
	n, err := r.ReadNav(eph)
	if err != nil && n == 0 {
		return 0, [8]float64{}, false, err
	}
	ion, have := r.IonCoeffs()
	return n, ion, have, nil
}

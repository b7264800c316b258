// Command rnx2rtkp reads RINEX OBS/NAV files, runs the post-processing
// batch driver in single, DGPS/DGNSS, kinematic, static, moving-base, or
// fixed mode, and writes position solutions — the spec.md 6 CLI surface,
// grounded on the teacher's app/rnx2rtkp/rnx2rtkp.go.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rtkgo/rtkcore/internal/ambiguity"
	"github.com/rtkgo/rtkcore/internal/batch"
	"github.com/rtkgo/rtkcore/internal/config"
	"github.com/rtkgo/rtkcore/internal/geoid"
	"github.com/rtkgo/rtkcore/internal/gtime"
	"github.com/rtkgo/rtkcore/internal/pntpos"
	"github.com/rtkgo/rtkcore/internal/postproc"
	"github.com/rtkgo/rtkcore/internal/rinex"
	"github.com/rtkgo/rtkcore/internal/rtk"
	"github.com/rtkgo/rtkcore/internal/solution"
	"github.com/rtkgo/rtkcore/internal/store"
)

// processing mode, the teacher's -p values.
const (
	modeSingle = iota
	modeDGPS
	modeKinematic
	modeStatic
	modeMovingBase
	modeFixed
	modePPPKinematic
	modePPPStatic
)

func main() {
	app := &cli.App{
		Name:      "rnx2rtkp",
		Usage:     "read RINEX OBS/NAV files and compute receiver positions",
		ArgsUsage: "file file [...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "o", Usage: "output file [stdout]"},
			&cli.IntFlag{Name: "p", Value: modeKinematic, Usage: "mode 0:single,1:dgps,2:kinematic,3:static,4:moving-base,5:fixed,6:ppp-kinematic,7:ppp-static"},
			&cli.Float64Flag{Name: "m", Value: 15, Usage: "elevation mask angle (deg)"},
			&cli.IntFlag{Name: "f", Value: 2, Usage: "number of frequencies (1,2,3)"},
			&cli.Float64Flag{Name: "v", Value: 3.0, Usage: "AR validation threshold (0: no AR)"},
			&cli.BoolFlag{Name: "b", Usage: "backward solutions"},
			&cli.BoolFlag{Name: "c", Usage: "forward/backward combined solutions"},
			&cli.BoolFlag{Name: "e", Usage: "output x/y/z-ecef position"},
			&cli.BoolFlag{Name: "a", Usage: "output e/n/u-baseline"},
			&cli.BoolFlag{Name: "n", Usage: "output NMEA-0183 GGA sentence"},
			&cli.BoolFlag{Name: "u", Usage: "output time in utc"},
			&cli.StringFlag{Name: "r", Usage: "reference (base) receiver ecef pos x,y,z (m)"},
			&cli.StringFlag{Name: "l", Usage: "reference (base) receiver lat,lon,hgt (deg/m)"},
			&cli.IntFlag{Name: "y", Value: 0, Usage: "output solution status (0:off,1:states,2:residuals) [not wired to a file format]"},
			&cli.StringFlag{Name: "k", Usage: "(unsupported) input options from configuration file"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rnx2rtkp:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.String("k") != "" {
		return fmt.Errorf("-k config-file loading is out of scope for this build; pass options as flags")
	}
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one RINEX OBS file is required")
	}

	log := logrus.WithFields(logrus.Fields{"run": uuid.NewString(), "component": "rnx2rtkp"})

	out := os.Stdout
	if outPath := c.String("o"); outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		defer f.Close()
		out = f
	}

	st := store.New()
	roverPath, basePath, navPaths, err := classifyFiles(paths)
	if err != nil {
		return err
	}

	roverObs, roverSta, err := readObs(roverPath, store.Rover, &st.Rover, log)
	if err != nil {
		return fmt.Errorf("rover obs: %w", err)
	}
	if roverObs == 0 {
		return fmt.Errorf("no rover observations decoded")
	}

	mode := c.Int("p")
	isPPP := mode == modePPPKinematic || mode == modePPPStatic

	var baseSta rinex.Station
	if basePath != "" {
		_, baseSta, err = readObs(basePath, store.Base, &st.BaseObs, log)
		if err != nil {
			return fmt.Errorf("base obs: %w", err)
		}
	} else if !isPPP {
		return fmt.Errorf("a base observation file is required in this mode")
	}

	var ion [8]float64
	navCount := 0
	for _, p := range navPaths {
		n, coeffs, haveIon, err := readNav(p, st.Eph, log)
		if err != nil {
			log.WithError(err).Warn("nav file read failed")
			continue
		}
		navCount += n
		if haveIon {
			ion = coeffs
		}
	}
	if navCount == 0 {
		return fmt.Errorf("no navigation data decoded")
	}
	st.Eph.UniqueNav()

	opts := config.DefaultOptions()
	opts.ElevationMaskDeg = c.Float64("m")
	opts.NumFreq = c.Int("f")
	opts.MinRatio = c.Float64("v")
	if opts.MinRatio == 0 {
		opts.MinRatio = 1 // AR disabled, but config.Validate requires >=1
	}
	sess, err := config.Build(opts)
	if err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	sess.RTK.Dynamics = mode == modeKinematic || mode == modeMovingBase || mode == modePPPKinematic
	if isPPP {
		// PPP has no base to difference against: the iono-free combination
		// needs both frequencies, and ambiguity resolution is float-only here
		// (see epochPPP), so a resolver/ratio-test threshold is meaningless.
		sess.RTK.PPP = true
		sess.RTK.IonoFree = true
		if c.Int("f") < 2 {
			return fmt.Errorf("ppp modes require at least 2 frequencies (-f 2)")
		}
	}

	roverSeed, basePos, err := seedPositions(c, st, roverSta, baseSta)
	if err != nil {
		return fmt.Errorf("seed position: %w", err)
	}

	epochs, err := batch.BuildEpochs(st.Rover.Data(), st.BaseObs.Data(), st, ion)
	if err != nil {
		return fmt.Errorf("build epochs: %w", err)
	}
	if len(epochs) == 0 {
		return fmt.Errorf("no synchronized epochs")
	}
	log.WithField("epochs", len(epochs)).Info("decoded observation batch")

	var resolver rtk.Resolver
	if c.Float64("v") > 0 && !isPPP {
		resolver = ambiguity.NewResolver(sess.Ambiguity)
	}
	driver := postproc.NewDriver(sess.RTK, resolver)
	driver.Log = log

	sols, err := solve(driver, epochs, roverSeed, basePos, c.Bool("b"), c.Bool("c"))
	if err != nil {
		return err
	}
	if mode == modeStatic || mode == modePPPStatic {
		best, err := postproc.SelectStatic(sols)
		if err != nil {
			return err
		}
		sols = []rtk.Solution{best}
	}

	w := &solution.Writer{
		Format:  outputFormat(c),
		BasePos: basePos,
		Degrees: true,
		TimeUTC: c.Bool("u"),
	}
	if err := w.WriteHeader(out); err != nil {
		return err
	}
	for _, sol := range sols {
		rec := solution.FromRTK(sol, 0)
		if c.Bool("n") {
			fmt.Fprint(out, solution.GGASentence(rec, geoid.Zero()))
			continue
		}
		if err := w.WriteRecord(out, rec); err != nil {
			log.WithError(err).Warn("write solution record failed")
		}
	}
	log.WithField("solutions", len(sols)).Info("done")
	return nil
}

func outputFormat(c *cli.Context) solution.Format {
	switch {
	case c.Bool("n"):
		return solution.FormatNMEA
	case c.Bool("e"):
		return solution.FormatXYZ
	case c.Bool("a"):
		return solution.FormatENU
	default:
		return solution.FormatLLH
	}
}

// solve runs forward, and optionally backward/combined, per -b/-c.
func solve(d *postproc.Driver, epochs []postproc.Epoch, roverSeed, basePos [3]float64, backward, combined bool) ([]rtk.Solution, error) {
	if backward {
		bwd, err := d.RunDirectional(&postproc.SliceSource{Epochs: postproc.Reverse(epochs)}, roverSeed, basePos)
		if err != nil {
			return nil, fmt.Errorf("backward run: %w", err)
		}
		return reverseSolutions(bwd.Solutions), nil
	}
	fwd, err := d.RunDirectional(&postproc.SliceSource{Epochs: epochs}, roverSeed, basePos)
	if err != nil {
		return nil, fmt.Errorf("forward run: %w", err)
	}
	if !combined {
		return fwd.Solutions, nil
	}
	bwd, err := d.RunDirectional(&postproc.SliceSource{Epochs: postproc.Reverse(epochs)}, roverSeed, basePos)
	if err != nil {
		return nil, fmt.Errorf("backward run: %w", err)
	}
	return postproc.Combine(fwd, bwd, d.Log)
}

// reverseSolutions restores chronological order for a backward-processed
// run, whose solutions come out in reverse-time sequence.
func reverseSolutions(sols []rtk.Solution) []rtk.Solution {
	out := make([]rtk.Solution, len(sols))
	for i, s := range sols {
		out[len(sols)-1-i] = s
	}
	return out
}

// classifyFiles splits CLI positional arguments into rover obs, optional
// base obs, and nav files, the way the teacher scans file extensions
// (rnx2rtkp.go's setpath/readsolopt treats the first two non-nav args as
// rover/base and the rest as nav/sp3), here keyed on the RINEX header's
// declared file type instead of extension matching.
func classifyFiles(paths []string) (rover, base string, nav []string, err error) {
	var obsFiles []string
	for _, p := range paths {
		f, oerr := os.Open(p)
		if oerr != nil {
			return "", "", nil, fmt.Errorf("open %s: %w", p, oerr)
		}
		r := rinex.NewReader(f)
		herr := r.ReadHeader()
		f.Close()
		if herr != nil {
			return "", "", nil, fmt.Errorf("read header %s: %w", p, herr)
		}
		switch r.Type() {
		case 'O':
			obsFiles = append(obsFiles, p)
		default:
			nav = append(nav, p)
		}
	}
	if len(obsFiles) == 0 {
		return "", "", nil, fmt.Errorf("no RINEX OBS file among inputs")
	}
	rover = obsFiles[0]
	if len(obsFiles) > 1 {
		base = obsFiles[1]
	}
	return rover, base, nav, nil
}

func readObs(path string, rcv store.Receiver, dst *store.ObsStore, log *logrus.Entry) (int, rinex.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, rinex.Station{}, err
	}
	defer f.Close()
	r := rinex.NewReader(f)
	r.Log = log
	if err := r.ReadHeader(); err != nil {
		return 0, rinex.Station{}, err
	}
	n := 0
	for {
		if _, err := r.ReadEpoch(rcv, dst); err != nil {
			break
		}
		n++
	}
	return n, r.Station(), nil
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

// seedPositions resolves the rover and base ECEF seed from -r/-l flags,
// falling back to the RINEX header's approximate position, and finally to
// a single-point fix on the first epoch, the teacher's "average of single
// pos" default.
func seedPositions(c *cli.Context, st *store.Store, roverSta, baseSta rinex.Station) (roverSeed, basePos [3]float64, err error) {
	basePos = baseSta.Pos
	if r := c.String("r"); r != "" {
		basePos, err = parseXYZ(r)
		if err != nil {
			return
		}
	} else if l := c.String("l"); l != "" {
		var llh [3]float64
		llh, err = parseXYZ(l)
		if err != nil {
			return
		}
		const d2r = 3.14159265358979323846 / 180
		basePos = array(gtime.Pos2Ecef(gtime.Vec3{llh[0] * d2r, llh[1] * d2r, llh[2]}))
	}

	roverSeed = roverSta.Pos
	if roverSeed == ([3]float64{}) {
		if obs := st.Rover.Data(); len(obs) > 0 {
			firstEpochObs := firstEpoch(obs)
			sol, perr := pntpos.Position(firstEpochObs, st.Eph, pntpos.DefaultOptions(), [8]float64{}, [3]float64{})
			if perr == nil {
				roverSeed = [3]float64{sol.Rr[0], sol.Rr[1], sol.Rr[2]}
			}
		}
	}
	if basePos == ([3]float64{}) {
		basePos = roverSeed
	}
	return roverSeed, basePos, nil
}

func array(v gtime.Vec3) [3]float64 { return [3]float64{v[0], v[1], v[2]} }

func firstEpoch(obs []store.Obs) []store.Obs {
	if len(obs) == 0 {
		return nil
	}
	t := obs[0].Time
	var out []store.Obs
	for _, o := range obs {
		if t.Sub(o.Time) != 0 {
			break
		}
		out = append(out, o)
	}
	return out
}

func parseXYZ(s string) ([3]float64, error) {
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

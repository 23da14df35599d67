package main

import (
	"fmt"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tomorecon/pkg/config"
	"tomorecon/pkg/exchange"
	"tomorecon/pkg/reconstruction"
	"tomorecon/pkg/tomo"
	"tomorecon/pkg/visualization"
)

// pipelineFlags are the command-line overrides shared by reconstruct and
// find-center.
type pipelineFlags struct {
	input      string
	center     float64
	normalize  bool
	medianSize int
	medianAxis int
	direct     string
	filter     string
	iterative  string
	numIter    int
	output     string
	dtype      string
	overwrite  bool
	preview    bool
	cores      int
	method     string
	index      int
	tol        float64
}

func (p *pipelineFlags) install(cmd *cobra.Command) map[string]func(*config.Config) {
	flags := cmd.Flags()
	flags.StringVarP(&p.input, "input", "i", "", "Data-exchange HDF5 file")
	flags.Float64Var(&p.center, "center", 0, "Rotation center in pixels (0 means width/2)")
	flags.BoolVar(&p.normalize, "normalize", false, "Apply flat/dark correction and -log")
	flags.IntVar(&p.medianSize, "median-size", 0, "Median filter size")
	flags.IntVar(&p.medianAxis, "median-axis", 0, "Median filter axis (0, 1 or 2)")
	flags.StringVar(&p.direct, "direct", "", "Direct algorithm (fbp, gridrec)")
	flags.StringVar(&p.filter, "filter", "", "Filter (ramp, shepp, hann, cosine)")
	flags.StringVar(&p.iterative, "iterative", "", "Iterative algorithm (art, sirt, mlem)")
	flags.IntVarP(&p.numIter, "num-iter", "n", 0, "Number of refinement passes")
	flags.StringVarP(&p.output, "output", "o", "", "Output path prefix")
	flags.StringVar(&p.dtype, "dtype", "", "Output type (float32, uint8, uint16)")
	flags.BoolVar(&p.overwrite, "overwrite", true, "Replace existing output files")
	flags.BoolVar(&p.preview, "preview", false, "Write a PNG preview of the middle slice")
	flags.IntVar(&p.cores, "cores", 0, "Number of slices processed concurrently")
	flags.StringVar(&p.method, "method", "", "Center search method (entropy, pc)")
	flags.IntVar(&p.index, "index", 0, "Detector row used by the entropy search")
	flags.Float64Var(&p.tol, "tol", 0, "Center search tolerance in pixels")

	return map[string]func(*config.Config){
		"input":       func(c *config.Config) { c.Input.File = p.input },
		"center":      func(c *config.Config) { c.Center = p.center },
		"normalize":   func(c *config.Config) { c.Preprocess.Normalize = p.normalize },
		"median-size": func(c *config.Config) { c.Preprocess.MedianSize = p.medianSize },
		"median-axis": func(c *config.Config) { c.Preprocess.MedianAxis = p.medianAxis },
		"direct":      func(c *config.Config) { c.Direct.Algorithm = p.direct },
		"filter":      func(c *config.Config) { c.Direct.Filter = p.filter },
		"iterative":   func(c *config.Config) { c.Iterative.Algorithm = p.iterative },
		"num-iter":    func(c *config.Config) { c.Iterative.NumIter = p.numIter },
		"output":      func(c *config.Config) { c.Output.Prefix = p.output },
		"dtype":       func(c *config.Config) { c.Output.Dtype = p.dtype },
		"overwrite":   func(c *config.Config) { c.Output.Overwrite = p.overwrite },
		"preview":     func(c *config.Config) { c.Output.Preview = p.preview },
		"cores":       func(c *config.Config) { c.Processing.NumCores = p.cores },
		"method":      func(c *config.Config) { c.CenterSearch.Method = p.method },
		"index":       func(c *config.Config) { c.CenterSearch.Index = p.index },
		"tol":         func(c *config.Config) { c.CenterSearch.Tol = p.tol },
	}
}

func newReconstructCommand(root *rootOptions) *cobra.Command {
	var (
		pf      pipelineFlags
		slices  string
		applied map[string]func(*config.Config)
	)

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Run the full reconstruction pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, cmd.Flags(), applied)
			if err != nil {
				return err
			}

			r := reconstruction.NewReconstructor(reconstruction.ParamsFromConfig(cfg))
			start := time.Now()
			if err := r.Process(cmd.Context()); err != nil {
				return err
			}

			m := r.Metrics()
			fmt.Fprintf(cmd.OutOrStdout(), "Reconstructed %d slices in %s\n", len(m.Files), units.HumanDuration(time.Since(start)))
			fmt.Fprintf(cmd.OutOrStdout(), "Residual: direct %.6g, after %d %s passes %.6g\n",
				m.DirectResidual, m.Iterations, cfg.Iterative.Algorithm, m.IterativeResidual)
			if m.GroundTruth {
				fmt.Fprintf(cmd.OutOrStdout(), "Phantom correlation: direct %.4f, refined %.4f\n",
					m.DirectCorrelation, m.IterativeCorrelation)
			}
			for _, st := range m.Timings {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %s\n", st.Stage, st.Duration.Round(time.Millisecond))
			}

			if slices != "" {
				viewer := visualization.NewViewer(r.Volume())
				for _, axis := range []string{"x", "y", "z"} {
					if err := viewer.SaveSliceSequence(axis, filepath.Join(slices, axis)); err != nil {
						return fmt.Errorf("failed to save %s sections: %w", axis, err)
					}
				}
				logrus.WithField("dir", slices).Info("Saved sections along all axes")
			}
			return nil
		},
	}
	applied = pf.install(cmd)
	cmd.Flags().StringVar(&slices, "extract-slices", "", "Directory for PNG sections along every axis")
	return cmd
}

func newFindCenterCommand(root *rootOptions) *cobra.Command {
	var (
		pf      pipelineFlags
		plot    string
		applied map[string]func(*config.Config)
	)

	cmd := &cobra.Command{
		Use:   "find-center",
		Short: "Estimate the rotation center",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, cmd.Flags(), applied)
			if err != nil {
				return err
			}

			r := reconstruction.NewReconstructor(reconstruction.ParamsFromConfig(cfg))
			center, err := r.FindCenter(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", center)

			if plot != "" {
				evals := r.CenterEvaluations()
				if len(evals) == 0 {
					logrus.WithField("method", cfg.CenterSearch.Method).Warn("Method records no evaluations, skipping plot")
					return nil
				}
				if err := visualization.PlotCenterSearch(evals, plot); err != nil {
					return err
				}
				logrus.WithField("file", plot).Info("Saved center search plot")
			}
			return nil
		},
	}
	applied = pf.install(cmd)
	cmd.Flags().StringVar(&plot, "plot", "", "Save a plot of the entropy search to this file")
	return cmd
}

func newSimulateCommand(root *rootOptions) *cobra.Command {
	var (
		output    string
		overwrite bool
		sim       tomo.SimOptions
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic Shepp-Logan scan in data-exchange layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(root.configFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("size") {
				sim.Size = cfg.Simulation.Size
			}
			if !flags.Changed("slices") {
				sim.Slices = cfg.Simulation.Slices
			}
			if !flags.Changed("angles") {
				sim.Angles = cfg.Simulation.Angles
			}
			if !flags.Changed("center-offset") {
				sim.CenterOffset = cfg.Simulation.CenterOffset
			}
			if !flags.Changed("output") {
				output = cfg.Input.File
			}

			ds, _, center, err := tomo.Simulate(sim)
			if err != nil {
				return err
			}
			if err := exchange.WriteAPS32ID(output, ds, overwrite); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"file":   output,
				"shape":  ds.Projections.Shape(),
				"center": center,
			}).Info("Wrote simulated scan")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "Output HDF5 file (default input.file from the configuration)")
	flags.BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	flags.IntVar(&sim.Size, "size", 0, "Detector width and slice size")
	flags.IntVar(&sim.Slices, "slices", 0, "Number of detector rows")
	flags.IntVar(&sim.Angles, "angles", 0, "Number of projections over 180 degrees")
	flags.Float64Var(&sim.CenterOffset, "center-offset", 0, "Offset of the rotation axis from width/2")
	flags.BoolVar(&sim.Intensity, "intensity", false, "Store transmitted intensities with flat and dark fields")
	flags.Float64Var(&sim.FlatValue, "flat", 1000, "Flat-field level used with --intensity")
	flags.Float64Var(&sim.DarkValue, "dark", 0, "Dark-field level used with --intensity")
	flags.IntVar(&sim.Frames, "frames", 1, "Number of flat and dark frames")
	return cmd
}

func newConfigCommand(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(root.configFile, force); err != nil {
				return err
			}
			logrus.WithField("file", root.configFile).Info("Wrote default configuration")
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing configuration file")
	cmd.AddCommand(initCmd)
	return cmd
}

// Package cli wires the mdreg commands.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mdreg/pkg/config"
	"mdreg/pkg/logging"
	"mdreg/pkg/pipeline"
	"mdreg/pkg/registration"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mdreg",
		Short: "Model-driven registration of dynamic image series",
		Long: `mdreg removes motion from dynamic image series by alternating a signal
model fit with a coregistration of the raw series to that fit, until the
deformation field stops changing.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newFitCmd())
	rootCmd.AddCommand(newParamsCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

func newFitCmd() *cobra.Command {
	var (
		configPath string
		output     string
		backend    string
		precision  float64
		maxit      int
		verbose    int
		cores      int
		model      string
		xdata      []float64
		imageFunc  string
		spacing    float64
		logMode    string
		noTIFF     bool
		params     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "fit <input_directory>",
		Short: "Register a series of frames with model-driven registration",
		Long: `Load the frames of a directory (sorted by the number in their file names),
run model-driven registration and export the coregistered series, the model
fit, the deformation field, the fitted parameter maps and the per-iteration
corrections.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags override the configuration file
			flags := cmd.Flags()
			if flags.Changed("output") {
				cfg.Output.Dir = output
			}
			if flags.Changed("backend") {
				cfg.Coreg.Backend = backend
			}
			if flags.Changed("precision") {
				cfg.Processing.Precision = precision
			}
			if flags.Changed("maxit") {
				cfg.Processing.MaxIterations = maxit
			}
			if flags.Changed("verbose") {
				cfg.Processing.Verbose = verbose
			}
			if flags.Changed("cores") {
				cfg.Processing.NumCores = cores
			}
			if flags.Changed("spacing") {
				cfg.Input.PixelSpacing = spacing
			}
			if flags.Changed("log") {
				cfg.Logging.Mode = logMode
			}
			if noTIFF {
				cfg.Output.SaveTIFF = false
			}
			if flags.Changed("model") {
				cfg.Signal = pixelSignal(cfg.Signal, model, xdata)
			} else if flags.Changed("image-func") {
				cfg.Signal = config.Signal{Image: &config.ImageSignal{Func: imageFunc}}
			}
			if len(params) > 0 {
				if cfg.Coreg.Parameters == nil {
					cfg.Coreg.Parameters = map[string]string{}
				}
				for k, v := range params {
					cfg.Coreg.Parameters[k] = v
				}
			}

			log, err := logging.New(cfg.Logging.Mode)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer log.Sync()

			return runFit(cmd.OutOrStdout(), cfg, log, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mdreg.yaml", "Configuration file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	cmd.Flags().StringVar(&backend, "backend", "", "Coregistration backend (bspline, translation)")
	cmd.Flags().Float64Var(&precision, "precision", 1.0, "Convergence threshold in pixels")
	cmd.Flags().IntVar(&maxit, "maxit", 3, "Maximum number of iterations")
	cmd.Flags().IntVarP(&verbose, "verbose", "v", 1, "Verbosity: 0 silent, 1 text, 2 progress bars, 3 images")
	cmd.Flags().IntVar(&cores, "cores", 0, "Number of CPU cores to use")
	cmd.Flags().StringVar(&model, "model", "", "Pixel-wise signal model (exp_decay, linear); p0 and bounds from the config file are kept when it names the same model")
	cmd.Flags().Float64SliceVar(&xdata, "xdata", nil, "Acquisition variable of each frame, for --model")
	cmd.Flags().StringVar(&imageFunc, "image-func", "", "Whole-image signal model (constant)")
	cmd.Flags().Float64Var(&spacing, "spacing", 1.0, "Pixel spacing in mm")
	cmd.Flags().StringVar(&logMode, "log", "development", "Log mode (development, production)")
	cmd.Flags().BoolVar(&noTIFF, "no-tiff", false, "Only write the CSV tables")
	cmd.Flags().StringToStringVar(&params, "set", nil, "Override a registration parameter, e.g. --set FinalGridSpacingInPhysicalUnits=5.0")
	cmd.MarkFlagsMutuallyExclusive("model", "image-func")
	cmd.MarkFlagsRequiredTogether("model", "xdata")

	return cmd
}

func runFit(out io.Writer, cfg *config.Config, log *logging.Logger, input string) error {
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out, "MODEL-DRIVEN REGISTRATION")
	fmt.Fprintln(out, "================================")

	runner, err := pipeline.NewRunner(cfg, log)
	if err != nil {
		return err
	}

	startTime := time.Now()
	result, err := runner.Process(input)
	if err != nil {
		return err
	}
	processingTime := time.Since(startTime)

	status := "converged"
	if !result.Converged {
		status = "stopped at the iteration limit"
	}
	fmt.Fprintf(out, "\nRegistration %s after %d iteration(s) in %.2f seconds\n",
		status, result.Iterations, processingTime.Seconds())
	fmt.Fprintf(out, "Backend: %s, precision: %g px\n", cfg.Coreg.Backend, cfg.Processing.Precision)
	fmt.Fprintln(out, "Largest deformation change per iteration:")
	for i, c := range result.Corrections {
		fmt.Fprintf(out, "- iteration %d: %.4f px\n", i+1, c)
	}
	if names := result.Pars.Names(); len(names) > 0 {
		fmt.Fprintf(out, "Fitted parameters: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(out, "Results saved to: %s\n", cfg.Output.Dir)
	return nil
}

func newParamsCmd() *cobra.Command {
	var overrides map[string]string

	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the default registration parameters",
		Long: `Print the default B-spline registration parameters in elastix parameter file
syntax. Entries given with --set replace the defaults of the same name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := registration.DefaultParams().Override(overrides)
			fmt.Fprint(cmd.OutOrStdout(), p.String())
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&overrides, "set", nil, "Override a parameter, e.g. --set FinalGridSpacingInPhysicalUnits=5.0")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	})

	return cmd
}

// pixelSignal selects model on xdata. Starting point and bounds of the
// configured signal carry over when it uses the same model.
func pixelSignal(current config.Signal, model string, xdata []float64) config.Signal {
	pixel := &config.PixelSignal{Model: model, XData: xdata}
	if prev := current.Pixel; prev != nil && prev.Model == model {
		pixel.P0 = prev.P0
		pixel.Lower = prev.Lower
		pixel.Upper = prev.Upper
	}
	return config.Signal{Pixel: pixel}
}

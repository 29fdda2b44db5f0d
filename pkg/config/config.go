// Package config provides configuration loading and management for mdreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mdreg/pkg/registration"
)

// ErrInvalid is returned by Validate for inconsistent settings
var ErrInvalid = errors.New("invalid configuration")

// PixelSignal configures a pixel-wise signal model
type PixelSignal struct {
	// Model names a registered pixel model (exp_decay, linear)
	Model string `yaml:"model"`

	// XData holds one independent variable per frame, e.g. echo or inversion times
	XData []float64 `yaml:"xdata"`

	// P0 is the starting point. Empty lets the model estimate one.
	P0 []float64 `yaml:"p0,omitempty"`

	// Lower and Upper bound the parameters. Empty means unbounded.
	Lower []float64 `yaml:"lower,omitempty"`
	Upper []float64 `yaml:"upper,omitempty"`
}

// ImageSignal configures a whole-image signal model
type ImageSignal struct {
	// Func names a registered image function (constant)
	Func string `yaml:"func"`

	// Options are passed to the function unchanged
	Options map[string]any `yaml:"options,omitempty"`
}

// Signal selects the signal model. At most one of Pixel and Image may be set;
// neither selects the constant image model.
type Signal struct {
	Pixel *PixelSignal `yaml:"pixel,omitempty"`
	Image *ImageSignal `yaml:"image,omitempty"`
}

// Validate checks that the signal section selects a single model
func (s Signal) Validate() error {
	if s.Pixel != nil && s.Image != nil {
		return fmt.Errorf("%w: signal.pixel and signal.image are mutually exclusive", ErrInvalid)
	}
	if s.Pixel != nil {
		if s.Pixel.Model == "" {
			return fmt.Errorf("%w: signal.pixel.model is required", ErrInvalid)
		}
		if len(s.Pixel.XData) == 0 {
			return fmt.Errorf("%w: signal.pixel.xdata is required", ErrInvalid)
		}
	}
	if s.Image != nil && s.Image.Func == "" {
		return fmt.Errorf("%w: signal.image.func is required", ErrInvalid)
	}
	return nil
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Precision is the convergence threshold in pixels
		Precision float64 `yaml:"precision"`

		// MaxIterations caps the number of fit/coregister cycles
		MaxIterations int `yaml:"maxIterations"`

		// Verbose selects feedback from 0 (silent) to 3 (per-iteration images)
		Verbose int `yaml:"verbose"`
	} `yaml:"processing"`

	// Signal model
	Signal Signal `yaml:"signal"`

	// Coregistration parameters
	Coreg struct {
		// Backend is "bspline" or "translation"
		Backend string `yaml:"backend"`

		// Parameters override the default backend parameters by name
		Parameters map[string]string `yaml:"parameters,omitempty"`
	} `yaml:"coreg"`

	// Input parameters
	Input struct {
		// PixelSpacing is the in-plane pixel size in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Dir is the directory results are written to
		Dir string `yaml:"dir"`

		// SaveTIFF exports the coregistered series, fit and deformation field
		SaveTIFF bool `yaml:"saveTIFF"`
	} `yaml:"output"`

	// Plot parameters, used at verbose 3
	Plot struct {
		// Dir is relative to the output directory unless absolute
		Dir string `yaml:"dir"`

		// Format is "jpg" or "tif"
		Format string `yaml:"format"`

		// Quality is the JPEG quality
		Quality int `yaml:"quality"`

		// CellSize is the size of one frame in the montage
		CellSize int `yaml:"cellSize"`
	} `yaml:"plot"`

	// Logging parameters
	Logging struct {
		// Mode is "development" or "production"
		Mode string `yaml:"mode"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Precision = 1.0
	cfg.Processing.MaxIterations = 3
	cfg.Processing.Verbose = 1

	// Set default coregistration parameters
	cfg.Coreg.Backend = registration.BSpline.String()

	// Set default input parameters
	cfg.Input.PixelSpacing = 1.0

	// Set default output parameters
	cfg.Output.Dir = "mdreg_output"
	cfg.Output.SaveTIFF = true

	// Set default plot parameters
	cfg.Plot.Dir = "plots"
	cfg.Plot.Format = "jpg"
	cfg.Plot.Quality = 90
	cfg.Plot.CellSize = 128

	cfg.Logging.Mode = "development"

	return cfg
}

// Validate checks the settings that can be checked without loading data
func (c *Config) Validate() error {
	if err := c.Signal.Validate(); err != nil {
		return err
	}
	if _, err := registration.ParseBackend(c.Coreg.Backend); err != nil {
		return err
	}
	if c.Processing.Precision < 0 || math.IsNaN(c.Processing.Precision) {
		return fmt.Errorf("%w: processing.precision must be zero or positive, got %g", ErrInvalid, c.Processing.Precision)
	}
	if c.Processing.MaxIterations < 1 {
		return fmt.Errorf("%w: processing.maxIterations must be at least 1, got %d", ErrInvalid, c.Processing.MaxIterations)
	}
	if c.Processing.Verbose < 0 || c.Processing.Verbose > 3 {
		return fmt.Errorf("%w: processing.verbose must be between 0 and 3, got %d", ErrInvalid, c.Processing.Verbose)
	}
	if c.Input.PixelSpacing < 0 {
		return fmt.Errorf("%w: input.pixelSpacing must not be negative", ErrInvalid)
	}
	return nil
}

// RegistrationParams returns the default backend parameters with the configured overrides
func (c *Config) RegistrationParams() registration.Params {
	return registration.DefaultParams().Override(c.Coreg.Parameters)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

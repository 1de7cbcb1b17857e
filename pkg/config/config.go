// Package config provides configuration loading and management for becystats.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/pkg/align"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/distribution"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
	"github.com/rwturner17/BECy-stats/pkg/od"
	"github.com/rwturner17/BECy-stats/pkg/outlier"
	"github.com/rwturner17/BECy-stats/pkg/regression"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many frames are processed concurrently
		NumCores int `yaml:"numCores"`

		// Verbose enables progress and per-frame fit logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`

	// Imaging controls how each frame is reduced to cloud metrics
	Imaging struct {
		FluctuationCorrection bool    `yaml:"fluctuationCorrection"`
		LinearBias            bool    `yaml:"linearBias"`
		OffsetCorrection      bool    `yaml:"offsetCorrection"`
		FitAxis               string  `yaml:"fitAxis"`
		PixelUnits            bool    `yaml:"pixelUnits"`
		DoubleGaussian        bool    `yaml:"doubleGaussian"`
		Debug                 bool    `yaml:"debug"`
		SaturationIntensity   float64 `yaml:"saturationIntensity"`
		AngleCorrection       float64 `yaml:"angleCorrection"`
	} `yaml:"imaging"`

	// Window overrides the truncation window stored with each frame
	Window struct {
		// Custom applies X1..Y2 to every frame
		Custom bool `yaml:"custom"`

		// UseFirst applies the first frame's window to every frame
		UseFirst bool `yaml:"useFirst"`

		X1 int `yaml:"x1"`
		X2 int `yaml:"x2"`
		Y1 int `yaml:"y1"`
		Y2 int `yaml:"y2"`
	} `yaml:"window"`

	Outliers struct {
		// NMADM is the Hempel cutoff in units of the median absolute deviation
		NMADM float64 `yaml:"nMADM"`
	} `yaml:"outliers"`

	Fitting fitting.Settings `yaml:"fitting"`

	Physics regression.Constants `yaml:"physics"`

	// Align configures line-density registration
	Align struct {
		MaxShift int `yaml:"maxShift"`
	} `yaml:"align"`

	// Output parameters
	Output struct {
		// PlotDir is where plots and OD images are written
		PlotDir string `yaml:"plotDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Verbose = false

	cfg.Imaging.FluctuationCorrection = true
	cfg.Imaging.LinearBias = true
	cfg.Imaging.OffsetCorrection = true
	cfg.Imaging.FitAxis = cloud.AxisZ.String()
	cfg.Imaging.SaturationIntensity = od.DefaultSaturationIntensity
	cfg.Imaging.AngleCorrection = 1

	cfg.Outliers.NMADM = outlier.DefaultNMADM
	cfg.Fitting = fitting.DefaultSettings()
	cfg.Physics = regression.DefaultConstants()
	cfg.Align.MaxShift = align.DefaultMaxShift
	cfg.Output.PlotDir = "plots"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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

// Validate checks values that would otherwise fail deep inside processing
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	if _, err := cloud.ParseAxis(c.Imaging.FitAxis); err != nil {
		return fmt.Errorf("imaging.fitAxis: %w", err)
	}
	if c.Imaging.SaturationIntensity <= 0 {
		return fmt.Errorf("imaging.saturationIntensity must be positive")
	}
	if c.Imaging.AngleCorrection == 0 {
		return fmt.Errorf("imaging.angleCorrection must be non-zero")
	}
	if c.Window.Custom && c.window().Empty() {
		return fmt.Errorf("window: custom window %s is empty", c.window())
	}
	if c.Outliers.NMADM <= 0 {
		return fmt.Errorf("outliers.nMADM must be positive, got %g", c.Outliers.NMADM)
	}
	if c.Physics.AtomMass <= 0 || c.Physics.Boltzmann <= 0 || c.Physics.CameraPixelSize <= 0 {
		return fmt.Errorf("physics constants must be positive")
	}
	return nil
}

func (c *Config) window() models.Window {
	return models.Window{X1: c.Window.X1, X2: c.Window.X2, Y1: c.Window.Y1, Y2: c.Window.Y2}
}

// ExtractorOptions converts the imaging and fitting sections
func (c *Config) ExtractorOptions() (cloud.Options, error) {
	axis, err := cloud.ParseAxis(c.Imaging.FitAxis)
	if err != nil {
		return cloud.Options{}, err
	}
	return cloud.Options{
		FluctuationCorrection: c.Imaging.FluctuationCorrection,
		LinearBias:            c.Imaging.LinearBias,
		OffsetCorrection:      c.Imaging.OffsetCorrection,
		FitAxis:               axis,
		PixelUnits:            c.Imaging.PixelUnits,
		DoubleGaussian:        c.Imaging.DoubleGaussian,
		Debug:                 c.Imaging.Debug || c.Processing.Verbose,
		AngleCorrection:       c.Imaging.AngleCorrection,
		SaturationIntensity:   c.Imaging.SaturationIntensity,
		Fit:                   c.Fitting,
	}, nil
}

// DistributionParams converts the processing, window and outlier sections
func (c *Config) DistributionParams() distribution.Params {
	p := distribution.Params{
		NumCores:       c.Processing.NumCores,
		UseFirstWindow: c.Window.UseFirst,
		NMADM:          c.Outliers.NMADM,
		Verbose:        c.Processing.Verbose,
	}
	if c.Window.Custom {
		p.CustomWindow = c.window()
	}
	return p
}

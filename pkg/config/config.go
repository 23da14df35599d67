// Package config provides configuration loading and management for tomorecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// Supported algorithm and type names.
var (
	DirectAlgorithms    = []string{"fbp", "gridrec"}
	IterativeAlgorithms = []string{"art", "sirt", "mlem"}
	FilterNames         = []string{"ramp", "shepp", "hann", "cosine"}
	OutputDtypes        = []string{"float32", "uint8", "uint16"}
	CenterMethods       = []string{"entropy", "pc"}
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// File is the HDF5 data-exchange file to read
		File string `yaml:"file"`

		// ProjStart, ProjEnd and ProjStep select a projection range; ProjEnd 0 means all
		ProjStart int `yaml:"projStart"`
		ProjEnd   int `yaml:"projEnd"`
		ProjStep  int `yaml:"projStep"`

		// SinoStart and SinoEnd select a detector-row range; SinoEnd 0 means all
		SinoStart int `yaml:"sinoStart"`
		SinoEnd   int `yaml:"sinoEnd"`
	} `yaml:"input"`

	// Preprocessing parameters
	Preprocess struct {
		// Normalize applies flat/dark correction followed by -log before filtering
		Normalize bool `yaml:"normalize"`

		// MedianSize is the median neighborhood width
		MedianSize int `yaml:"medianSize"`

		// MedianAxis is the axis orthogonal to the filtered planes
		MedianAxis int `yaml:"medianAxis"`
	} `yaml:"preprocess"`

	// Direct reconstruction parameters
	Direct struct {
		Algorithm string `yaml:"algorithm"`
		Filter    string `yaml:"filter"`
	} `yaml:"direct"`

	// Iterative refinement parameters
	Iterative struct {
		Algorithm  string  `yaml:"algorithm"`
		NumIter    int     `yaml:"numIter"`
		Relaxation float64 `yaml:"relaxation"`
	} `yaml:"iterative"`

	// Center is the rotation axis used for reconstruction; 0 means width/2
	Center float64 `yaml:"center"`

	// CenterSearch parameters for the find-center command
	CenterSearch struct {
		Method       string  `yaml:"method"`
		Index        int     `yaml:"index"`
		Tol          float64 `yaml:"tol"`
		Init         float64 `yaml:"init"`
		SearchRadius int     `yaml:"searchRadius"`
	} `yaml:"centerSearch"`

	// Output parameters
	Output struct {
		// Prefix is the path prefix of the written slices
		Prefix string `yaml:"prefix"`

		// Dtype is the element type of the written slices
		Dtype string `yaml:"dtype"`

		// Overwrite allows replacing existing slice files
		Overwrite bool `yaml:"overwrite"`

		// Preview writes a PNG of the middle slice next to the stack
		Preview bool `yaml:"preview"`

		// IntermediateDir, when set, receives the direct reconstruction as its own stack
		IntermediateDir string `yaml:"intermediateDir"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many slices are reconstructed concurrently
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Simulation parameters for the simulate command
	Simulation struct {
		Size         int     `yaml:"size"`
		Slices       int     `yaml:"slices"`
		Angles       int     `yaml:"angles"`
		CenterOffset float64 `yaml:"centerOffset"`
	} `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.File = "activities/data/data-simulated.h5"
	cfg.Input.ProjStep = 1

	cfg.Preprocess.MedianSize = 3
	cfg.Preprocess.MedianAxis = 0

	cfg.Direct.Algorithm = "gridrec"
	cfg.Direct.Filter = "shepp"

	cfg.Iterative.Algorithm = "art"
	cfg.Iterative.NumIter = 10
	cfg.Iterative.Relaxation = 1.0

	cfg.CenterSearch.Method = "entropy"
	cfg.CenterSearch.Index = 5
	cfg.CenterSearch.Tol = 0.1
	cfg.CenterSearch.SearchRadius = 8

	cfg.Output.Prefix = "solutions/data/recon/full"
	cfg.Output.Dtype = "float32"
	cfg.Output.Overwrite = true

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Simulation.Size = 64
	cfg.Simulation.Slices = 8
	cfg.Simulation.Angles = 90

	return cfg
}

// Validate reports every invalid setting joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Input.File == "" {
		errs = append(errs, errors.New("input.file is empty"))
	}
	if c.Input.ProjStep < 1 {
		errs = append(errs, fmt.Errorf("input.projStep must be >= 1, got %d", c.Input.ProjStep))
	}
	if c.Preprocess.MedianSize < 1 {
		errs = append(errs, fmt.Errorf("preprocess.medianSize must be >= 1, got %d", c.Preprocess.MedianSize))
	}
	if c.Preprocess.MedianAxis < 0 || c.Preprocess.MedianAxis > 2 {
		errs = append(errs, fmt.Errorf("preprocess.medianAxis must be 0, 1 or 2, got %d", c.Preprocess.MedianAxis))
	}
	if !oneOf(c.Direct.Algorithm, DirectAlgorithms) {
		errs = append(errs, fmt.Errorf("direct.algorithm %q not in %v", c.Direct.Algorithm, DirectAlgorithms))
	}
	if !oneOf(c.Direct.Filter, FilterNames) {
		errs = append(errs, fmt.Errorf("direct.filter %q not in %v", c.Direct.Filter, FilterNames))
	}
	if !oneOf(c.Iterative.Algorithm, IterativeAlgorithms) {
		errs = append(errs, fmt.Errorf("iterative.algorithm %q not in %v", c.Iterative.Algorithm, IterativeAlgorithms))
	}
	if c.Iterative.NumIter < 0 {
		errs = append(errs, fmt.Errorf("iterative.numIter must be >= 0, got %d", c.Iterative.NumIter))
	}
	if c.Iterative.Relaxation <= 0 {
		errs = append(errs, fmt.Errorf("iterative.relaxation must be > 0, got %g", c.Iterative.Relaxation))
	}
	if !oneOf(c.CenterSearch.Method, CenterMethods) {
		errs = append(errs, fmt.Errorf("centerSearch.method %q not in %v", c.CenterSearch.Method, CenterMethods))
	}
	if c.CenterSearch.Tol <= 0 {
		errs = append(errs, fmt.Errorf("centerSearch.tol must be > 0, got %g", c.CenterSearch.Tol))
	}
	if !oneOf(c.Output.Dtype, OutputDtypes) {
		errs = append(errs, fmt.Errorf("output.dtype %q not in %v", c.Output.Dtype, OutputDtypes))
	}
	if c.Output.Prefix == "" {
		errs = append(errs, errors.New("output.prefix is empty"))
	}
	if c.Processing.NumCores < 1 {
		errs = append(errs, fmt.Errorf("processing.numCores must be >= 1, got %d", c.Processing.NumCores))
	}
	return errors.Join(errs...)
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// ErrConfigExists is returned by CreateDefaultConfigFile when the file is
// already there and overwriting was not requested.
var ErrConfigExists = errors.New("configuration file exists")

// LoadConfig reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, replacing configPath atomically.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := atomicwriter.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile writes the defaults to configPath. An existing file
// is only replaced when overwrite is set.
func CreateDefaultConfigFile(configPath string, overwrite bool) error {
	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}
	return SaveConfig(DefaultConfig(), configPath)
}

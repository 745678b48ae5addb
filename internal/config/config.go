// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config provides configuration loading and management for mtnorm.
// It handles loading configuration from YAML files and provides default values.
// Command line flags override the values loaded here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mlnoga/mtnorm/internal/basis"
	"github.com/mlnoga/mtnorm/internal/norm"
)

// Returned by Validate for out-of-range settings
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Normalisation parameters
	Normalise struct {
		// Order is the maximum polynomial order of the log-domain field, 0 to 3
		Order int `yaml:"order"`

		// Iterations is the number of outer iterations
		Iterations int `yaml:"niter"`

		// Reference is the value the balanced tissue sum is normalised to
		Reference float64 `yaml:"value"`

		// Balanced multiplies outputs with the tissue balance factors
		Balanced bool `yaml:"balanced"`
	} `yaml:"normalise"`

	// Processing resources
	Processing struct {
		// Threads is the number of parallel workers, 0 for one per logical CPU
		Threads int `yaml:"threads"`

		// MemoryPercent is the share of physical memory a run may use for scratch data
		MemoryPercent int `yaml:"memoryPercent"`
	} `yaml:"processing"`

	// Output options
	Output struct {
		// Preview writes TIFF and JPEG mid-slice previews of the normalisation field
		Preview bool `yaml:"preview"`

		// Gamma applied to previews
		Gamma float64 `yaml:"gamma"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogFile optionally duplicates log output to a file. %auto derives it from the first output
		LogFile string `yaml:"logFile"`
	} `yaml:"output"`

	// REST server
	Server struct {
		// Addr is the listen address
		Addr string `yaml:"addr"`

		// Port is the listen port
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Normalise.Order = norm.DefaultOrder
	cfg.Normalise.Iterations = norm.DefaultIterations
	cfg.Normalise.Reference = norm.DefaultReference
	cfg.Normalise.Balanced = false

	cfg.Processing.Threads = 0
	cfg.Processing.MemoryPercent = 70

	cfg.Output.Preview = false
	cfg.Output.Gamma = 1
	cfg.Output.Verbose = false
	cfg.Output.LogFile = ""

	cfg.Server.Addr = "localhost"
	cfg.Server.Port = 8080

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
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
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Marshal returns the YAML representation of the configuration
func (cfg *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// Validate checks all settings are in range
func (cfg *Config) Validate() error {
	n := &cfg.Normalise
	if n.Order < 0 || n.Order > basis.MaxOrder {
		return fmt.Errorf("%w: order %d out of range [0,%d]", ErrInvalid, n.Order, basis.MaxOrder)
	}
	if n.Iterations < 1 {
		return fmt.Errorf("%w: niter %d must be at least 1", ErrInvalid, n.Iterations)
	}
	if !(n.Reference > 0) {
		return fmt.Errorf("%w: value %g must be positive", ErrInvalid, n.Reference)
	}
	if cfg.Processing.Threads < 0 {
		return fmt.Errorf("%w: threads %d must not be negative", ErrInvalid, cfg.Processing.Threads)
	}
	if cfg.Processing.MemoryPercent < 1 || cfg.Processing.MemoryPercent > 100 {
		return fmt.Errorf("%w: memoryPercent %d out of range [1,100]", ErrInvalid, cfg.Processing.MemoryPercent)
	}
	if !(cfg.Output.Gamma > 0) {
		return fmt.Errorf("%w: gamma %g must be positive", ErrInvalid, cfg.Output.Gamma)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, cfg.Server.Port)
	}
	return nil
}

// Params returns the normaliser parameters of this configuration
func (cfg *Config) Params() norm.Params {
	return norm.Params{
		Order:      cfg.Normalise.Order,
		Iterations: cfg.Normalise.Iterations,
		Reference:  cfg.Normalise.Reference,
		Threads:    cfg.Processing.Threads,
		Verbose:    cfg.Output.Verbose,
	}
}

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

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/mlnoga/mtnorm/internal/config"
	"github.com/mlnoga/mtnorm/internal/logging"
	"github.com/mlnoga/mtnorm/internal/ops"
	"github.com/mlnoga/mtnorm/internal/rest"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var configFile = flag.String("config", "", "load settings from YAML `file`, flags override its values")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of the first output file with .log")
var verbose = flag.Bool("v", false, "verbose output, including per-pass outlier rejection details")

var mask = flag.String("mask", "", "mask `file` defining the voxels to include in the fit. Required for normalise; written by phantom")
var order = flag.Int("order", 3, "maximum order of the polynomial basis used to fit the normalisation field in the log-domain, 0..3")
var niter = flag.Int("niter", 15, "number of outer iterations")
var value = flag.Float64("value", 0.28209479177, "reference value to which the summed tissue compartments will be normalised")
var balanced = flag.Bool("balanced", false, "incorporate the per-tissue balancing factors into scaling of the output images")
var force = flag.Bool("force", false, "overwrite existing output files")
var threads = flag.Int("threads", 0, "number of parallel threads, 0 for one per logical CPU")

var checkNorm = flag.String("check_norm", "", "output the final estimated spatially varying intensity level that is used for normalisation to `file`")
var checkMask = flag.String("check_mask", "", "output the final mask used to compute the normalisation to `file`")
var checkFactors = flag.String("check_factors", "", "output the tissue balance factors computed during normalisation to text `file`")
var previewBase = flag.String("preview", "", "write TIFF and JPEG previews of the central slice of the normalisation field to `base`.tif and `base`.jpg")

var seed = flag.Int("seed", 42, "random seed for the phantom command")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving")
var setuid = flag.Int("setuid", -1, "serve: change user id to `uid` before serving, -1 to keep")

func main() {
	logger := logging.Default()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logger, `mtnorm Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (normalise|phantom|serve|defaults|legal|version) (args...)

Commands:
  normalise in1 out1 [in2 out2 ...]  Multi-tissue log-domain intensity normalisation of the given tissue volumes
  phantom out1 [out2 ...]            Generate a synthetic phantom with one tissue volume per output
  serve                              Serve the REST API
  defaults                           Print the effective configuration as YAML
  legal                              Show license and attribution information
  version                            Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	logger.SetVerbose(*verbose)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("Error: %s\n", err.Error())
	}
	logger.SetVerbose(cfg.Output.Verbose)

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if cfg.Output.LogFile == "%auto" {
		cfg.Output.LogFile = ""
		out := ""
		switch {
		case (args[0] == "normalise" || args[0] == "normalize") && len(args) >= 3:
			out = args[2]
		case args[0] == "phantom" && len(args) >= 2:
			out = args[1]
		}
		if out != "" {
			out = strings.TrimSuffix(out, ".gz")
			cfg.Output.LogFile = strings.TrimSuffix(out, filepath.Ext(out)) + ".log"
		}
	}
	if cfg.Output.LogFile != "" {
		if err := logger.AlsoToFile(cfg.Output.LogFile); err != nil {
			logger.Fatalf("Unable to open logfile '%s'\n", cfg.Output.LogFile)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Fatalf("Could not create CPU profile: %s\n", err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logger.Fatalf("Could not start CPU profile: %s\n", err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	switch args[0] {
	case "normalise", "normalize":
		err = cmdNormalise(cfg, args[1:], logger)

	case "phantom":
		err = cmdPhantom(cfg, args[1:], logger)

	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logger); err == nil {
			err = rest.NewServer(cfg, logger).Serve()
		}

	case "defaults":
		var b []byte
		if b, err = cfg.Marshal(); err == nil {
			logger.Printf("%s", string(b))
		}

	case "legal":
		logger.Printf("%s", legal)

	case "version":
		logger.Printf("Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		logger.Printf("Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	if err != nil {
		logger.Fatalf("Error: %s\n", err.Error())
	}
	logger.Debugf("\nDone after %v", time.Since(start))
	logger.Sync()
	logger.Close()
}

// Loads the configuration file, then applies the flags set on the command line
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Output.LogFile == "" {
		cfg.Output.LogFile = *log
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "order":
			cfg.Normalise.Order = *order
		case "niter":
			cfg.Normalise.Iterations = *niter
		case "value":
			cfg.Normalise.Reference = *value
		case "balanced":
			cfg.Normalise.Balanced = *balanced
		case "threads":
			cfg.Processing.Threads = *threads
		case "v":
			cfg.Output.Verbose = *verbose
		case "log":
			cfg.Output.LogFile = *log
		case "preview":
			cfg.Output.Preview = *previewBase != ""
		}
	})
	return cfg, cfg.Validate()
}

func newContext(cfg *config.Config, logger *logging.Logger) *ops.Context {
	c := ops.NewContext(logger, cfg.Processing.Threads, cfg.Processing.MemoryPercent)
	c.Verbose = cfg.Output.Verbose
	c.LogResources()
	return c
}

func cmdNormalise(cfg *config.Config, args []string, logger *logging.Logger) error {
	if *mask == "" {
		return fmt.Errorf("a mask is required, use -mask")
	}
	op := ops.NewOpNormalise(cfg.Params())
	if err := op.SetPairs(args); err != nil {
		return err
	}
	op.Mask = *mask
	op.Balanced = cfg.Normalise.Balanced
	op.CheckNorm, op.CheckMask, op.CheckFactors = *checkNorm, *checkMask, *checkFactors
	if cfg.Output.Preview {
		op.Preview = *previewBase
		if op.Preview == "" {
			op.Preview = strings.TrimSuffix(op.Outputs[0], filepath.Ext(op.Outputs[0])) + "_field"
		}
	}
	op.Gamma = cfg.Output.Gamma
	op.Force = *force

	_, err := op.Run(newContext(cfg, logger))
	return err
}

func cmdPhantom(cfg *config.Config, args []string, logger *logging.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("phantom needs at least one output file")
	}
	op := ops.NewOpPhantomDefault()
	op.Outputs = args
	if len(args) != len(op.Factors) {
		op.Factors = make([]float64, len(args))
		for j := range op.Factors {
			op.Factors[j] = float64(j + 1)
		}
	}
	op.Seed = uint32(*seed)
	op.Mask = *mask
	op.Bias = *checkNorm
	_, err := op.Run(newContext(cfg, logger))
	return err
}

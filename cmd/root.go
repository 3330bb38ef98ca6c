package cmd

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/config"
	"github.com/wegman-software/citytiles-go/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "citytiles-go",
	Short: "Slice 3D city models into vector tiles",
	Long: `citytiles-go turns 3D city objects (buildings, bridges, terrain patches)
into Mapbox Vector Tiles.

Features:
  - Parallel slicing of surfaces and solids into tile footprints
  - External sort of sliced features by tile id with bounded memory
  - GeoJSON and PostGIS input, YAML or Lua attribute styles
  - Parquet tile manifest for downstream indexing`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadSettings(cmd.Flags()); err != nil {
			return err
		}

		// Initialize logger with optional file output
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "File with PG* environment variables (ignored when missing)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of slicing and writing workers")

	// Logging and metrics flags
	flags.StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (0 disables)")
}

// loadSettings layers defaults, the config file, the environment and the
// explicitly set flags, in increasing priority
func loadSettings(flags *pflag.FlagSet) error {
	changed := map[*pflag.Flag]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f] = f.Value.String()
	})

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	// Flags bound to cfg were overwritten by the file, set them again
	for f, value := range changed {
		if err := f.Value.Set(value); err != nil {
			return err
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}

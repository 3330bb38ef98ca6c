package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/loader"
	"github.com/wegman-software/citytiles-go/internal/logger"
)

var loadOpts = loader.Options{
	Table:         "tile_index",
	CreateIndexes: true,
}

var loadCmd = &cobra.Command{
	Use:   "load <tiles.parquet>",
	Short: "Load a tile manifest into a PostGIS tile index",
	Long: `Load the Parquet manifest written by 'tile --manifest' into a PostGIS
table with one row per tile and its WGS84 bounds as polygon.`,
	Args: cobra.ExactArgs(1),
	Run:  runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	flags := loadCmd.Flags()
	flags.StringVarP(&loadOpts.Table, "table", "t", loadOpts.Table, "Tile index table name")
	flags.BoolVar(&loadOpts.DropExisting, "drop-existing", false, "Drop the table before loading")
	flags.BoolVar(&loadOpts.CreateIndexes, "create-indexes", loadOpts.CreateIndexes, "Create spatial and tile indexes after loading")

	flags.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	flags.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	flags.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

func runLoad(cmd *cobra.Command, args []string) {
	log := logger.Get()
	path := args[0]

	if _, err := os.Stat(path); err != nil {
		exitWithError("manifest not found", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	l, err := loader.NewLoader(ctx, cfg, loadOpts)
	if err != nil {
		exitWithError("failed to create loader", err)
	}
	defer l.Close()

	stats, err := l.Run(ctx, path)
	if err != nil {
		l.Close()
		exitWithError("load failed", err)
	}

	log.Info("Load complete",
		zap.String("table", loadOpts.Table),
		zap.Int64("rows", stats.RowsLoaded),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
	)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesaphoenix/tx/pkg/config"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	dbPath     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tx-migrate",
	Short: "Schema migration tool for tx databases",
	Long: `tx-migrate applies and inspects the schema of a tx coordination
database. The engine migrates automatically on open; this tool exists
for operators who want to roll the schema forward ahead of a deploy or
check what a database is running.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tx-migrate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tx.yaml", "Path to the tx config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides the config file)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		runner := migrate.NewRunner(db)

		before, err := runner.Status(ctx)
		if err != nil {
			return fmt.Errorf("read schema status: %v", err)
		}
		if before.UpToDate() {
			fmt.Printf("Schema already at version %d, nothing to do\n", before.Current)
			return nil
		}

		if err := runner.Run(ctx); err != nil {
			return fmt.Errorf("migrate: %v", err)
		}

		after, err := runner.Status(ctx)
		if err != nil {
			return fmt.Errorf("read schema status: %v", err)
		}
		fmt.Printf("Applied %d migration(s), schema now at version %d\n",
			len(before.Pending), after.Current)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := migrate.NewRunner(db).Status(context.Background())
		if err != nil {
			return fmt.Errorf("read schema status: %v", err)
		}

		fmt.Printf("Current version: %d\n", st.Current)
		fmt.Printf("Latest version:  %d\n", st.Latest)
		if st.UpToDate() {
			fmt.Println("Schema is up to date")
			return nil
		}
		fmt.Printf("Pending (%d):\n", len(st.Pending))
		for _, m := range st.Pending {
			fmt.Printf("  %3d  %s\n", m.Version, m.Description)
		}
		return nil
	},
}

// openDB resolves the database path from the flags and config file and
// opens it.
func openDB() (*storage.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	path := cfg.DBPath
	if dbPath != "" {
		path = dbPath
	}

	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %v", path, err)
	}
	return db, nil
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/quickfind/internal/config"
	"github.com/mordilloSan/quickfind/storage"
)

// app carries the global flags and the configuration they resolve to.
type app struct {
	cfgFile string
	dbPath  string
	verbose bool

	loader *config.Loader
	cfg    *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "quickfind",
		Short: "Instant file and folder name search",
		Long: `quickfind keeps a SQLite catalog of every file and directory name under the
configured roots and answers substring queries against it fast enough to
search as you type. Run "quickfind serve" for the background indexer and query
API, or "quickfind index" followed by "quickfind search" for one-shot use.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	// Global flags
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is config.yaml in the data directory)")
	root.PersistentFlags().StringVar(&a.dbPath, "db-path", "", "SQLite database path (overrides storage.db_path)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newServeCmd(a),
		newIndexCmd(a),
		newSearchCmd(a),
		newStatusCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration: defaults, then the config file, then
// QUICKFIND_* variables, then --db-path.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.loader = config.NewLoader(a.cfgFile)
	if a.dbPath != "" {
		a.loader.Set("storage.db_path", a.dbPath)
	}
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	initLogging(a.verbose || cfg.Log.Verbose)
	if used := a.loader.ConfigFileUsed(); used != "" {
		logger.Debugf("Using config file: %s", used)
	}
	return nil
}

var logOnce sync.Once

func initLogging(verbose bool) {
	logOnce.Do(func() {
		logger.Init("production", verbose)
	})
}

// openExisting opens the index read-mostly for the query commands. Unlike
// the daemon it does not take the writer lock, so it works while one runs.
func openExisting(dbPath string) (*storage.Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no index at %s; run \"quickfind index\" first", dbPath)
		}
		return nil, err
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return storage.NewStoreWithDB(db, dbPath), nil
}

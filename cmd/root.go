package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/devkit/internal/convo"
	"github.com/joescharf/devkit/internal/har"
	"github.com/joescharf/devkit/internal/logging"
	"github.com/joescharf/devkit/internal/output"
	"github.com/joescharf/devkit/internal/refstore"
	"github.com/joescharf/devkit/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	logger    = zerolog.Nop()

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "devkit",
	Short: "Developer toolkit - HAR analysis and Claude conversation history",
	Long: `devkit bundles two local analysis tools that share one state directory:

  devkit har    load HAR captures, filter entries, inspect bodies with
                deduplicating references
  devkit convo  list and search Claude conversation logs through an
                incremental SQLite cache`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (also enables debug logging)")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/devkit/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "devkit")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults() {
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "devkit")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "devkit.db"))
	viper.SetDefault("har.session_dir", filepath.Join(defaultConfigDir, "har-sessions"))
	viper.SetDefault("har.session_ttl", har.DefaultSessionTTL)
	viper.SetDefault("har.ref_threshold", refstore.DefaultThreshold)
	viper.SetDefault("convo.projects_dir", filepath.Join(home, ".claude", "projects"))
	viper.SetDefault("convo.default_limit", 30)
	viper.SetDefault("serve.port", 8080)
	viper.SetDefault("log.level", "warn")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	logger = logging.New(os.Stderr, level)

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getManager builds the HAR session manager. References are cleaned with
// their sessions when the database is available.
func getManager() *har.Manager {
	backend := har.NewFileStore(viper.GetString("har.session_dir"), logger)

	var refs har.ReferenceCleaner
	if s, err := getStore(); err == nil {
		refs = s
	} else {
		logger.Warn().Err(err).Msg("reference store unavailable")
	}

	m := har.NewManager(backend, refs, logger)
	if ttl := viper.GetDuration("har.session_ttl"); ttl > 0 {
		m.TTL = ttl
	}
	return m
}

// newFormatter returns the reference formatter for a session. Without a
// database, values are rendered in full.
func newFormatter(sourceHash string) *refstore.Formatter {
	var backend refstore.Backend
	if s, err := getStore(); err == nil {
		backend = s
	} else {
		logger.Warn().Err(err).Msg("reference store unavailable, rendering values in full")
	}
	f := refstore.NewFormatter(backend, sourceHash, logger)
	if n := viper.GetInt("har.ref_threshold"); n > 0 {
		f.Threshold = n
	}
	return f
}

// getIndexer builds the conversation metadata indexer.
func getIndexer() (*convo.Indexer, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return convo.NewIndexer(s, expandHome(viper.GetString("convo.projects_dir")), logger), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

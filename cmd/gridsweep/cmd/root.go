package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/gridsweep/pkg/config"
	"github.com/psantana5/gridsweep/pkg/logging"
	"github.com/psantana5/gridsweep/pkg/shutdown"
	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// Version is stamped at build time.
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gridsweep",
	Short: "Sweep a parameter grid locally or on a batch cluster",
	Long: `gridsweep runs an experiment program once for every point of a parameter
grid, either on this machine or as one array job on a TORQUE/PBS or Slurm
cluster, and gathers the per-job results into a single results.json.`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "settings", "", "settings file (default ./gridsweep.yaml if present)")
	flags.StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	flags.String("grid", "grid.yaml", "grid file mapping parameter names to candidate values")
	flags.String("results", "results.json", "consolidated results file written by gather")
	flags.String("store-type", "file", "result store backend: file, sqlite, postgres or memory")
	flags.String("store-path", "results", "results directory (file) or database file (sqlite)")
	flags.String("store-dsn", "", "connection string for the postgres store")
	flags.String("log-level", "info", "log level: debug, info, warn, error or off")
	flags.Bool("log-json", false, "write logs as JSON lines")
	flags.String("log-dir", "", "also append logs to <dir>/gridsweep.log")
	flags.String("reducer", "raw", "fold the experiment program output: raw, summary or curve")
	flags.String("scheduler", "torque", "batch system: torque or slurm")

	bind := map[string]string{
		"grid":       "grid",
		"results":    "results",
		"store.type": "store-type",
		"store.path": "store-path",
		"store.dsn":  "store-dsn",
		"log.level":  "log-level",
		"log.json":   "log-json",
		"log.dir":    "log-dir",

		"trial.reducer":   "reducer",
		"batch.scheduler": "scheduler",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads in the settings file and GRIDSWEEP_* environment variables
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("gridsweep")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("gridsweep")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading settings: %v\n", err)
			os.Exit(1)
		}
	}
}

// bindFlags returns a PreRunE that ties the command's flags to settings
// keys. Binding happens only for the command being run, so two commands
// may expose the same key.
func bindFlags(keys map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		for key, flag := range keys {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		return nil
	}
}

// session holds what every subcommand needs: settings, logger, grid, space
// and an open store, plus the hooks that release them.
type session struct {
	settings config.Sweep
	log      *logging.Logger
	grid     *config.Grid
	space    *space.Space
	store    store.Store
	shutdown *shutdown.Manager
}

func newLogger(s config.Sweep) (*logging.Logger, error) {
	level := logging.ParseLevel(s.Log.Level)
	if s.Log.Dir != "" {
		return logging.NewFileLogger(s.Log.Dir, "gridsweep", level, s.Log.JSON)
	}
	log := logging.NewLogger(level, s.Log.JSON)
	log.SetOutput(os.Stderr)
	return log, nil
}

func openSession() (*session, error) {
	settings, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := newLogger(settings)
	if err != nil {
		return nil, err
	}
	sess := &session{
		settings: settings,
		log:      log,
		shutdown: shutdown.New(10*time.Second, log),
	}
	sess.shutdown.Register("logger", func(context.Context) error { return log.Close() })

	if sess.grid, err = config.Load(settings.Grid); err != nil {
		sess.close()
		return nil, err
	}
	if sess.space, err = sess.grid.Space(); err != nil {
		sess.close()
		return nil, err
	}
	if sess.store, err = store.NewStore(settings.BackendConfig()); err != nil {
		sess.close()
		return nil, fmt.Errorf("open result store: %w", err)
	}
	sess.shutdown.Register("store", shutdown.CloseResource(sess.store))

	log.Debug("sweep loaded", map[string]interface{}{
		"grid":   settings.Grid,
		"params": strings.Join(sess.space.Names(), ","),
		"jobs":   sess.space.Size(),
		"store":  settings.Store.Type,
	})
	return sess, nil
}

func (s *session) close() {
	if err := s.shutdown.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
	}
}

// absPath makes p absolute so it stays valid on compute nodes that start
// in a different directory. Empty stays empty.
func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// patrakosh is the command line front end of the patrakosh storage service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/app"
	"github.com/patrakosh/patrakosh/internal/config"
	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	cfgFile  string
	logLevel string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "patrakosh",
		Short: "patrakosh - multi-user file storage",
		Long: `patrakosh stores, versions and shares files for many users while keeping
quota accounting and metadata consistent with the stored bytes.

QUICK START:

  # Create a user with the default quota
  patrakosh user create alice

  # Upload, list and fetch files
  patrakosh upload alice ./report.pdf
  patrakosh ls alice
  patrakosh download 1 -o report.pdf

  # Run the metrics endpoint and periodic tasks
  patrakosh serve

For more help on any command, use: patrakosh <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "log level (overrides the config file)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newUserCmd(opts),
		newUploadCmd(opts),
		newDownloadCmd(opts),
		newRemoveCmd(opts),
		newMoveCmd(opts),
		newListCmd(opts),
		newSearchCmd(opts),
		newVersionsCmd(opts),
		newUsageCmd(opts),
		newActivityCmd(opts),
		newShareCmd(opts),
		newServiceCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "patrakosh %s\n", Version)
				_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
				_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
				_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
			},
		},
	)
	return rootCmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the config file, or the defaults when none is given.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.cfgFile != "" {
		var err error
		if cfg, err = config.Load(o.cfgFile); err != nil {
			return nil, err
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}

// openApp builds an App for a one-shot command. Metrics go to a private
// registry since nothing serves them.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, app.Options{
		Registry: prometheus.NewRegistry(),
		Logger:   log.Logger,
	})
}

// withApp runs fn against a freshly opened App and closes it afterwards.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := o.openApp(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, a, args)
	}
}

// resolveUser accepts a numeric account id or an account name.
func resolveUser(ctx context.Context, a *app.App, arg string) (model.Account, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return a.Accounts.Get(ctx, id)
	}
	acct, err := a.Accounts.GetByName(ctx, arg)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Account{}, fmt.Errorf("no user named %q", arg)
	}
	return acct, err
}

func parseID(kind, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, arg)
	}
	return id, nil
}

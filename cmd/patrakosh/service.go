package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/svc"
)

func newServiceCmd(opts *rootOptions) *cobra.Command {
	svcCfg := svc.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage patrakosh as a system service",
		Long: `Install and control patrakosh as a system service (systemd, launchd or the
Windows service manager). The installed service runs "serve" with the given
config file. Managing the service requires root or Administrator.`,
	}
	cmd.PersistentFlags().StringVar(&svcCfg.Name, "name", svcCfg.Name, "service name")

	// The config path of the installed service follows --config when given.
	configPath := func() string {
		if opts.cfgFile == "" {
			return svcCfg.ConfigPath
		}
		if abs, err := filepath.Abs(opts.cfgFile); err == nil {
			return abs
		}
		return opts.cfgFile
	}

	var force bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			svcCfg.ConfigPath = configPath()
			if err := svc.Install(svcCfg, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Installed service %q using %s\n", svcCfg.Name, svcCfg.ConfigPath)
			return nil
		},
	}
	install.Flags().BoolVar(&force, "force", false, "reinstall an existing service")
	install.Flags().StringVar(&svcCfg.UserName, "user", "", "account the service runs as (Linux/macOS)")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(svcCfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed service %q\n", svcCfg.Name)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := svc.Status(svcCfg)
			if err != nil {
				return fmt.Errorf("service %q: %w", svcCfg.Name, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", svcCfg.Name, svc.StatusString(st))
			return nil
		},
	}

	var logOpts svc.LogOptions
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show the service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logOpts.ServiceName = svcCfg.Name
			return svc.ViewLogs(runtime.GOOS, logOpts)
		},
	}
	logs.Flags().BoolVarP(&logOpts.Follow, "follow", "f", false, "follow new output")
	logs.Flags().IntVarP(&logOpts.Lines, "lines", "n", 50, "number of lines to show")

	run := &cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return svc.Run(svcCfg, func(ctx context.Context) error {
				return serve(ctx, cfg)
			})
		},
	}

	cmd.AddCommand(install, uninstall, status, logs, run)
	for _, c := range []struct{ action, short string }{
		{"start", "Start the service"},
		{"stop", "Stop the service"},
		{"restart", "Restart the service"},
	} {
		action := c.action
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(svcCfg, action)
			},
		})
	}
	return cmd
}

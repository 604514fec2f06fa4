package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/app"
	"github.com/patrakosh/patrakosh/pkg/bytesize"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long: `Manage patrakosh user accounts and their quotas.

Examples:
  # Create a user with the default quota from the config file
  patrakosh user create alice

  # Create a user with an explicit quota
  patrakosh user create bob --quota 10Gi

  # Change a quota
  patrakosh user quota bob 20Gi`,
	}

	var quota bytesize.Size
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			q := int64(-1)
			if cmd.Flags().Changed("quota") {
				q = quota.Bytes()
			}
			acct, err := a.CreateAccount(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d) with quota %s\n",
				acct.Name, acct.ID, humanize.IBytes(uint64(acct.QuotaLimit)))
			return nil
		}),
	}
	createCmd.Flags().Var(&quota, "quota", "storage quota, e.g. 500Mi or 10Gi (default from config)")
	userCmd.AddCommand(createCmd)

	userCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			accounts, err := a.Accounts.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No users found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tUSED\tQUOTA\tCREATED")
			for _, acct := range accounts {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", acct.ID, acct.Name,
					humanize.IBytes(uint64(acct.BytesUsed)),
					humanize.IBytes(uint64(acct.QuotaLimit)),
					acct.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		}),
	})

	userCmd.AddCommand(&cobra.Command{
		Use:   "quota <user> <size>",
		Short: "Change the quota of a user",
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			size, err := bytesize.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid quota: %w", err)
			}
			if err := a.SetQuota(cmd.Context(), acct.ID, size); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Quota of %s set to %s\n", acct.Name, humanize.IBytes(uint64(size)))
			return nil
		}),
	})

	return userCmd
}

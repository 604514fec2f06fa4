package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/app"
	"github.com/patrakosh/patrakosh/internal/model"
)

func newShareCmd(opts *rootOptions) *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Manage file shares",
		Long: `Share files with other users or publicly through a token.

Examples:
  # Share file 12 with bob for a day
  patrakosh share create 12 --by alice --with bob --expires 24h

  # Create a public link
  patrakosh share create 12 --by alice --public

  # Resolve a public token
  patrakosh share get 7f9c...

  # List what has been shared with bob
  patrakosh share list bob`,
	}

	var by, with string
	var public bool
	var expires time.Duration
	createCmd := &cobra.Command{
		Use:   "create <file-id>",
		Short: "Share a file",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ctx := cmd.Context()
			fileID, err := parseID("file", args[0])
			if err != nil {
				return err
			}
			if public == (with != "") {
				return errors.New("exactly one of --public and --with is required")
			}
			owner, err := resolveUser(ctx, a, by)
			if err != nil {
				return err
			}
			var recipient int64
			if with != "" {
				acct, err := resolveUser(ctx, a, with)
				if err != nil {
					return err
				}
				recipient = acct.ID
			}
			var expiresAt *time.Time
			if expires > 0 {
				t := time.Now().Add(expires)
				expiresAt = &t
			}

			share, err := a.Files.Share(ctx, fileID, owner.ID, recipient, public, expiresAt)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Created share %d\n", share.ID)
			if share.Token != "" {
				_, _ = fmt.Fprintf(out, "Token: %s\n", share.Token)
			}
			if share.ExpiresAt != nil {
				_, _ = fmt.Fprintf(out, "Expires: %s\n", share.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		}),
	}
	createCmd.Flags().StringVar(&by, "by", "", "owner of the file (required)")
	createCmd.Flags().StringVar(&with, "with", "", "user to share with")
	createCmd.Flags().BoolVar(&public, "public", false, "create a public token")
	createCmd.Flags().DurationVar(&expires, "expires", 0, "lifetime of the share, e.g. 24h (default: never)")
	_ = createCmd.MarkFlagRequired("by")
	shareCmd.AddCommand(createCmd)

	shareCmd.AddCommand(&cobra.Command{
		Use:   "list <user>",
		Short: "List the files shared with a user",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			shares, err := a.Files.SharesForUser(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			if len(shares) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No shares found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tFILE\tFROM\tCREATED\tEXPIRES")
			for _, s := range shares {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
					s.ID, s.FileID, s.SharedBy, humanize.Time(s.CreatedAt), expiry(s))
			}
			return w.Flush()
		}),
	})

	var revokeBy string
	revokeCmd := &cobra.Command{
		Use:   "revoke <share-id>",
		Short: "Revoke a share",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			id, err := parseID("share", args[0])
			if err != nil {
				return err
			}
			acct, err := resolveUser(cmd.Context(), a, revokeBy)
			if err != nil {
				return err
			}
			if err := a.Files.RevokeShare(cmd.Context(), id, acct.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Revoked share %d\n", id)
			return nil
		}),
	}
	revokeCmd.Flags().StringVar(&revokeBy, "by", "", "user who created the share (required)")
	_ = revokeCmd.MarkFlagRequired("by")
	shareCmd.AddCommand(revokeCmd)

	shareCmd.AddCommand(&cobra.Command{
		Use:   "get <token>",
		Short: "Show the file behind a public token",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			share, rec, err := a.Files.ResolveShare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Share %d (expires: %s)\n", share.ID, expiry(share))
			printRecords(cmd.OutOrStdout(), []model.FileRecord{rec})
			return nil
		}),
	})

	return shareCmd
}

func expiry(s model.Share) string {
	if s.ExpiresAt == nil {
		return "never"
	}
	return humanize.Time(*s.ExpiresAt)
}

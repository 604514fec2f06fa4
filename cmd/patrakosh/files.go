package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/patrakosh/patrakosh/internal/app"
	"github.com/patrakosh/patrakosh/internal/files"
	"github.com/patrakosh/patrakosh/internal/model"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var name string
	var versionOf int64

	cmd := &cobra.Command{
		Use:   "upload <user> <path>...",
		Short: "Upload files",
		Long: `Upload one or more local files for a user. Files are uploaded concurrently
on the upload pool.

Examples:
  patrakosh upload alice ./a.txt ./b.png
  patrakosh upload alice ./draft.txt --name notes.txt
  patrakosh upload alice ./draft-v2.txt --version-of 12`,
		Args: cobra.MinimumNArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ctx := cmd.Context()
			paths := args[1:]
			if (name != "" || versionOf != 0) && len(paths) != 1 {
				return errors.New("--name and --version-of take exactly one path")
			}

			if versionOf != 0 {
				f, err := os.Open(paths[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				rec, err := a.Files.UploadVersion(ctx, versionOf, f)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), []model.FileRecord{rec})
				return nil
			}

			acct, err := resolveUser(ctx, a, args[0])
			if err != nil {
				return err
			}
			items := make([]files.UploadItem, 0, len(paths))
			for _, p := range paths {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				itemName := filepath.Base(p)
				if name != "" {
					itemName = name
				}
				items = append(items, files.UploadItem{Name: itemName, Content: f})
			}

			results, err := a.Files.UploadMany(ctx, acct.ID, items)
			var recs []model.FileRecord
			for i, r := range results {
				if r.Err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", paths[i], r.Err)
					continue
				}
				recs = append(recs, r.Record)
			}
			if len(recs) > 0 {
				printRecords(cmd.OutOrStdout(), recs)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "store the file under this name")
	cmd.Flags().Int64Var(&versionOf, "version-of", 0, "upload as a new version of this file id")
	return cmd
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			id, err := parseID("file", args[0])
			if err != nil {
				return err
			}
			rec, data, err := a.Files.Download(cmd.Context(), id)
			if err != nil {
				return err
			}
			switch output {
			case "-":
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case "":
				output = rec.Name
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s)\n", output, humanize.IBytes(uint64(len(data))))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `output path, "-" for stdout (default: the stored name)`)
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <file-id>...",
		Short: "Delete files",
		Args:  cobra.MinimumNArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			var errs []error
			for _, arg := range args {
				id, err := parseID("file", arg)
				if err == nil {
					err = a.Files.Delete(cmd.Context(), id)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", arg, err))
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d\n", id)
			}
			return errors.Join(errs...)
		}),
	}
}

func newMoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <file-id> <new-name>",
		Short: "Rename a file",
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			id, err := parseID("file", args[0])
			if err != nil {
				return err
			}
			rec, err := a.Files.Rename(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), []model.FileRecord{rec})
			return nil
		}),
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls <user>",
		Aliases: []string{"list"},
		Short:   "List the files of a user",
		Args:    cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			recs, err := a.Files.ListByOwner(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		}),
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <user> <term>",
		Short: "Find files by name",
		Args:  cobra.ExactArgs(2),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			recs, err := a.Files.Search(cmd.Context(), acct.ID, args[1])
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		}),
	}
}

func newVersionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <file-id>",
		Short: "List every version of a file",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			id, err := parseID("file", args[0])
			if err != nil {
				return err
			}
			recs, err := a.Files.Versions(cmd.Context(), id)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		}),
	}
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <user>",
		Short: "Show storage usage of a user",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			stats, err := a.Files.UsageStats(cmd.Context(), acct.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "User:   %s (id %d)\n", acct.Name, acct.ID)
			_, _ = fmt.Fprintf(out, "Files:  %s\n", humanize.Comma(int64(stats.FileCount)))
			_, _ = fmt.Fprintf(out, "Used:   %s of %s (%.1f%%)\n",
				humanize.IBytes(uint64(stats.Used)), humanize.IBytes(uint64(stats.Quota)), stats.Percent)
			if stats.ApproachingLimit {
				_, _ = fmt.Fprintln(out, "Warning: approaching quota limit")
			}
			return nil
		}),
	}
}

func newActivityCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity <user>",
		Short: "Show recent activity of a user",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			acct, err := resolveUser(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			entries, err := a.Files.Activity(cmd.Context(), acct.ID, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No activity")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "WHEN\tACTION\tRESOURCE\tDETAILS")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s %d\t%s\n",
					humanize.Time(e.CreatedAt), e.Action, e.ResourceType, e.ResourceID, e.Details)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func printRecords(out io.Writer, recs []model.FileRecord) {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(out, "No files found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tVERSION\tSIZE\tTYPE\tUPDATED")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Version, humanize.IBytes(uint64(r.Size)), r.ContentType, humanize.Time(r.UpdatedAt))
	}
	_ = w.Flush()
}

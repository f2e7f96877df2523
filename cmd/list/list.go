package list

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/duorec/duorec/internal/conf"
	"github.com/duorec/duorec/internal/datastore"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recorder"
)

// Command creates the list command for browsing saved recordings
func Command(settings *conf.Settings) *cobra.Command {
	var (
		limit    int
		deleteID string
		prune    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recorder.New(settings, recorder.Options{})
			if err != nil {
				return err
			}
			defer func() {
				if err := rec.Close(); err != nil {
					logger.Global().Module("list").Warn("failed to close recorder", logger.Error(err))
				}
			}()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			switch {
			case deleteID != "":
				if err := rec.Store().DeleteRecording(ctx, deleteID, rec.Dir()); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %s\n", deleteID)
				return nil
			case prune:
				removed, pruned, err := rec.Sweep(ctx, recorder.DefaultSweepAge)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d stale files, pruned %d missing recordings\n", removed, pruned)
				return nil
			}
			return printRecordings(ctx, out, rec.Store(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recordings to show (0 shows all)")
	cmd.Flags().StringVar(&deleteID, "delete", "", "Delete the recording with this ID and its file")
	cmd.Flags().BoolVar(&prune, "prune", false, "Remove leftover files and index rows for missing files")

	return cmd
}

func printRecordings(ctx context.Context, out io.Writer, store *datastore.Store, limit int) error {
	recs, err := store.ListRecordings(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no recordings")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tDURATION\tSYSTEM\tSIZE\tPATH")
	for i := range recs {
		r := &recs[i]
		system := "no"
		if r.IncludesSystemAudio {
			system = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UUID,
			r.CreatedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Second),
			system,
			formatSize(r.SizeBytes),
			r.Path)
	}
	return w.Flush()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

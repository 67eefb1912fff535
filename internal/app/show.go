package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent notification jobs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show jobs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentJobs(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no jobs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Updated (UTC)\tJob\tKind\tRecipient\tEvents\tStatus\tAttempts\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.LastError != nil {
			errMsg = sanitizeInline(*rec.LastError)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			shortID(rec.JobID),
			rec.Kind,
			rec.Recipient,
			rec.EventCount,
			rec.Status,
			rec.Attempts,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

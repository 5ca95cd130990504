package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsrini7/Smart-Support-Buddy/internal/ingest"
	"github.com/rsrini7/Smart-Support-Buddy/internal/output"
)

type ingestOptions struct {
	clear     bool
	noDedupe  bool
	batchSize int
	workers   int
	json      bool
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var flags ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <collection> <file.jsonl>",
		Short: "Bulk-load documents from a JSONL file",
		Long: `Bulk-load documents into a collection from a JSON Lines file with one
{"id": "...", "text": "...", "metadata": {...}} object per line. The id and
metadata are optional.

Documents whose normalized text is already stored, or appears earlier in
the file, are skipped unless --no-dedupe is given. --clear removes every
existing record first.`,
		Example: `  supportbuddy ingest jira_tickets tickets.jsonl
  supportbuddy ingest confluence pages.jsonl --clear --workers 8`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, opts, args[0], args[1], flags)
		},
	}

	defaults := ingest.DefaultOptions()
	cmd.Flags().BoolVar(&flags.clear, "clear", false, "Delete existing records before loading")
	cmd.Flags().BoolVar(&flags.noDedupe, "no-dedupe", false, "Keep documents whose text is already stored")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", defaults.BatchSize, "Documents per embedding batch")
	cmd.Flags().IntVar(&flags.workers, "workers", defaults.Workers, "Concurrent embedding batches")
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print the ingest summary as JSON")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, opts *rootOptions, collection, path string, flags ingestOptions) error {
	docs, err := ingest.LoadJSONLFile(path)
	if err != nil {
		return err
	}

	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	coll, err := svc.registry.GetOrCreate(ctx, collection)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	ingestOpts := ingest.Options{
		ClearExisting: flags.clear,
		Dedupe:        !flags.noDedupe,
		BatchSize:     flags.batchSize,
		Workers:       flags.workers,
	}
	if !flags.json {
		ingestOpts.OnProgress = func(done, total int) {
			out.Progress(done, total, "embedding")
		}
	}

	slog.Info("ingest_started",
		slog.String("collection", collection),
		slog.String("file", path),
		slog.Int("documents", len(docs)))

	res, err := ingest.NewIndexer(svc.embedder).Index(ctx, coll, docs, ingestOpts)
	if err != nil {
		return err
	}

	if flags.json {
		return out.JSON(res)
	}
	out.Successf("Ingested %d of %d documents into %s", res.Added, res.Received, collection)
	if res.Cleared > 0 {
		out.KV("cleared", res.Cleared)
	}
	if skipped := res.SkippedEmpty + res.SkippedDuplicate + res.SkippedExisting; skipped > 0 {
		out.KV("skipped", fmt.Sprintf("%d (empty %d, duplicate %d, existing id %d)",
			skipped, res.SkippedEmpty, res.SkippedDuplicate, res.SkippedExisting))
	}
	out.KV("records", coll.Count())
	out.KV("duration", res.Duration.Round(time.Millisecond))
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsrini7/Smart-Support-Buddy/internal/output"
	"github.com/rsrini7/Smart-Support-Buddy/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	kDense   int
	kSparse  int
	rerankK  int
	generate bool
	format   string // "text", "json"
	explain  bool   // print retrieval diagnostics
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var so searchOptions

	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Hybrid search across the support collections",
		Long: `Search every configured collection with dense vector search and BM25
keyword search, merge the two candidate lists, rerank them with the
cross-encoder and print the best matches.

With --generate (or generation.enabled in the config) a local LLM also
writes an answer from the top results. Retrieval results are printed even
when reranking or generation fail.

Examples:
  supportbuddy search "vpn disconnects every hour"
  supportbuddy search "printer offline after update" --rerank-k 5 --explain
  supportbuddy search "how do I reset MFA" --generate --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, opts, strings.Join(args, " "), so)
		},
	}

	cmd.Flags().IntVar(&so.kDense, "k-dense", 0, "Dense candidates per search (0 = config default)")
	cmd.Flags().IntVar(&so.kSparse, "k-sparse", 0, "Sparse candidates per search (0 = config default)")
	cmd.Flags().IntVar(&so.rerankK, "rerank-k", 0, "Results kept after reranking (0 = config default)")
	cmd.Flags().BoolVar(&so.generate, "generate", false, "Generate an answer from the top results")
	cmd.Flags().StringVarP(&so.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&so.explain, "explain", false, "Show retrieval counts, fallbacks and stage timings")

	return cmd
}

// searchJSON is the JSON output of search.
type searchJSON struct {
	Query string `json:"query"`
	*search.Response
}

func runSearch(ctx context.Context, cmd *cobra.Command, opts *rootOptions, query string, so searchOptions) error {
	if err := checkFormat(so.format); err != nil {
		return err
	}

	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	generate := so.generate || svc.cfg.Generation.Enabled
	handle, cleanup, err := svc.newHandle(ctx, handleOptions{generate: generate})
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("search_started", slog.String("query", query))
	resp, err := handle.Search(ctx, search.Request{
		Query:          query,
		KDense:         so.kDense,
		KSparse:        so.kSparse,
		RerankK:        so.rerankK,
		WithGeneration: generate,
	})
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if so.format == "json" {
		return out.JSON(searchJSON{Query: query, Response: resp})
	}
	renderResponse(out, resp, so.explain)
	return nil
}

// renderResponse prints a search response in text form. It is shared by
// search and shell.
func renderResponse(out *output.Writer, resp *search.Response, explain bool) {
	diag := resp.Diagnostics
	if diag.RerankFallback {
		out.Warningf("Reranker unavailable, showing retrieval order (%s)", diag.RerankError)
	}
	if diag.GenerationError != "" {
		out.Warningf("Answer generation failed: %s", diag.GenerationError)
	}

	if resp.Answered {
		out.Heading("Answer")
		out.Answer(resp.Answer)
		out.Newline()
	}

	if len(resp.Results) == 0 {
		out.Status("", "No results")
	} else {
		out.Heading("Results")
		for _, r := range resp.Results {
			out.Result(output.Hit{
				Rank:   r.Rank,
				ID:     r.ID,
				Score:  r.RerankScore,
				Source: sourceLabel(r),
				Text:   r.Text,
				Extra:  resultExtras(r, explain),
			}, maxTextWidth)
		}
	}

	if explain {
		out.Newline()
		renderDiagnostics(out, diag)
	}
}

func sourceLabel(r search.FusedResult) string {
	if r.InBoth {
		return "dense+sparse"
	}
	return string(r.Source)
}

func resultExtras(r search.FusedResult, explain bool) []string {
	var extras []string
	if c, ok := r.Metadata["collection"]; ok {
		extras = append(extras, fmt.Sprintf("collection=%v", c))
	}
	if explain {
		extras = append(extras, fmt.Sprintf("retrieval rank %d, %s score %.4f",
			r.RetrievalRank, r.Source, r.SourceScore))
	}
	return extras
}

func renderDiagnostics(out *output.Writer, diag search.Diagnostics) {
	out.Heading("Diagnostics")
	out.KV("dense", countOrError(diag.DenseCount, diag.DenseError))
	out.KV("sparse", countOrError(diag.SparseCount, diag.SparseError))
	out.KV("fused", fmt.Sprintf("%d (%d duplicates)", diag.FusedCount, diag.Duplicates))
	out.KV("rerank fallback", diag.RerankFallback)

	states := make([]string, 0, len(diag.Trace))
	for _, s := range diag.Trace {
		states = append(states, s.String())
	}
	out.KV("trace", strings.Join(states, " > "))

	stages := make([]string, 0, len(diag.Stages))
	for name := range diag.Stages {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		out.KV(name, diag.Stages[name].Round(time.Microsecond))
	}
	out.KV("total", diag.Total.Round(time.Microsecond))
}

func countOrError(n int, errMsg string) string {
	if errMsg != "" {
		return "failed: " + errMsg
	}
	return fmt.Sprintf("%d", n)
}

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/ingest"
	"github.com/rsrini7/Smart-Support-Buddy/internal/output"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
)

// maxTextWidth bounds record text in text output.
const maxTextWidth = 160

// =============================================================================
// add
// =============================================================================

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		id    string
		text  string
		metas []string
	)

	cmd := &cobra.Command{
		Use:   "add <collection>",
		Short: "Add one record to a collection",
		Long: `Add one record to a collection, creating the collection if needed.

The text is embedded with the configured embedder. A record whose text
matches one already stored (after whitespace normalization) is skipped.`,
		Example: `  supportbuddy add jira_tickets --id JIRA-42 --text "VPN drops every hour" --meta priority=high
  supportbuddy add issues --text "Printer offline after update" --meta reopened=true --meta count=3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseKeyValues(metas)
			if err != nil {
				return err
			}
			return runAdd(cmd.Context(), cmd, opts, args[0], ingest.Document{ID: id, Text: text, Metadata: meta})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Record id (generated when empty)")
	cmd.Flags().StringVar(&text, "text", "", "Record text")
	cmd.Flags().StringArrayVar(&metas, "meta", nil, "Metadata as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}

func runAdd(ctx context.Context, cmd *cobra.Command, opts *rootOptions, collection string, doc ingest.Document) error {
	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	coll, err := svc.registry.GetOrCreate(ctx, collection)
	if err != nil {
		return err
	}

	res, err := ingest.NewIndexer(svc.embedder).Index(ctx, coll, []ingest.Document{doc}, ingest.DefaultOptions())
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	switch {
	case len(res.AddedIDs) == 1:
		out.Successf("Added %s to %s", res.AddedIDs[0], collection)
	case res.SkippedEmpty > 0:
		out.Warning("Skipped: text is empty")
	case res.SkippedDuplicate > 0:
		out.Warning("Skipped: the same text is already stored")
	default:
		out.Warningf("Skipped: id %s already exists", doc.ID)
	}
	return nil
}

// =============================================================================
// get
// =============================================================================

type getOptions struct {
	ids      []string
	where    []string
	contains string
	limit    int
	offset   int
	format   string
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var g getOptions

	cmd := &cobra.Command{
		Use:   "get <collection>",
		Short: "Fetch records by id or by filter",
		Example: `  supportbuddy get jira_tickets --id JIRA-42
  supportbuddy get issues --where priority=high --contains VPN --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), cmd, opts, args[0], g)
		},
	}

	cmd.Flags().StringArrayVar(&g.ids, "id", nil, "Record id (repeatable)")
	cmd.Flags().StringArrayVar(&g.where, "where", nil, "Metadata equality filter key=value (repeatable)")
	cmd.Flags().StringVar(&g.contains, "contains", "", "Only records whose text contains this substring")
	cmd.Flags().IntVar(&g.limit, "limit", 0, "Maximum number of records (0 = all)")
	cmd.Flags().IntVar(&g.offset, "offset", 0, "Number of matching records to skip")
	cmd.Flags().StringVarP(&g.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

// recordJSON is the JSON shape of one record.
type recordJSON struct {
	ID       string         `json:"id"`
	Document string         `json:"document"`
	Metadata store.Metadata `json:"metadata,omitempty"`
	Distance *float32       `json:"distance,omitempty"`
}

func runGet(ctx context.Context, cmd *cobra.Command, opts *rootOptions, collection string, g getOptions) error {
	if err := checkFormat(g.format); err != nil {
		return err
	}
	filter, err := buildFilter(g.where, g.contains)
	if err != nil {
		return err
	}

	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	coll, err := svc.requireCollection(ctx, collection)
	if err != nil {
		return err
	}
	records, err := coll.Get(ctx, store.GetOptions{
		IDs:    g.ids,
		Filter: filter,
		Limit:  g.limit,
		Offset: g.offset,
	})
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if g.format == "json" {
		items := make([]recordJSON, 0, len(records))
		for _, r := range records {
			items = append(items, recordJSON{ID: r.ID, Document: r.Document, Metadata: r.Metadata})
		}
		return out.JSON(items)
	}

	if len(records) == 0 {
		out.Status("", "No matching records")
		return nil
	}
	for i, r := range records {
		out.Result(output.Hit{
			Rank:  g.offset + i + 1,
			ID:    r.ID,
			Text:  r.Document,
			Extra: formatMetadata(r.Metadata),
		}, maxTextWidth)
	}
	return nil
}

// =============================================================================
// query
// =============================================================================

type queryOptions struct {
	k        int
	where    []string
	contains string
	format   string
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var q queryOptions

	cmd := &cobra.Command{
		Use:   "query <collection> <text>",
		Short: "Nearest-neighbor search in one collection",
		Long: `Embed the text and return the closest records of one collection by
L2 distance. Use 'supportbuddy search' for hybrid retrieval across
collections.`,
		Example: `  supportbuddy query jira_tickets "vpn keeps disconnecting" -k 3`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cmd, opts, args[0], strings.Join(args[1:], " "), q)
		},
	}

	cmd.Flags().IntVarP(&q.k, "k", "k", 5, "Number of results")
	cmd.Flags().StringArrayVar(&q.where, "where", nil, "Metadata equality filter key=value (repeatable)")
	cmd.Flags().StringVar(&q.contains, "contains", "", "Only records whose text contains this substring")
	cmd.Flags().StringVarP(&q.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, opts *rootOptions, collection, text string, q queryOptions) error {
	if strings.TrimSpace(text) == "" {
		return buddyerrors.New(buddyerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}
	if err := checkFormat(q.format); err != nil {
		return err
	}
	filter, err := buildFilter(q.where, q.contains)
	if err != nil {
		return err
	}

	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	coll, err := svc.requireCollection(ctx, collection)
	if err != nil {
		return err
	}
	emb, err := svc.embedder.Embed(ctx, text)
	if err != nil {
		return buddyerrors.New(buddyerrors.ErrCodeEmbeddingFailed, "failed to embed query", err)
	}
	hits, err := coll.Query(ctx, emb, q.k, filter)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if q.format == "json" {
		items := make([]recordJSON, 0, len(hits))
		for _, h := range hits {
			d := h.Distance
			items = append(items, recordJSON{ID: h.ID, Document: h.Document, Metadata: h.Metadata, Distance: &d})
		}
		return out.JSON(items)
	}

	if len(hits) == 0 {
		out.Status("", "No results")
		return nil
	}
	for i, h := range hits {
		out.Result(output.Hit{
			Rank:  i + 1,
			ID:    h.ID,
			Score: float64(h.Distance),
			Text:  h.Document,
			Extra: formatMetadata(h.Metadata),
		}, maxTextWidth)
	}
	return nil
}

// =============================================================================
// delete
// =============================================================================

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>...",
		Short: "Delete records by id",
		Long: `Delete records by id. Unknown ids are reported and ignored.
Deleting every record requires naming the ids; use
'supportbuddy collections delete' to drop a whole collection.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := opts.openServices(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			coll, err := svc.requireCollection(ctx, args[0])
			if err != nil {
				return err
			}
			removed, err := coll.Delete(ctx, args[1:])
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("Deleted %d of %d records from %s", len(removed), len(args)-1, args[0])
			if missing := difference(args[1:], removed); len(missing) > 0 {
				out.Warningf("Not found: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// parseKeyValues parses key=value pairs. Values that read as booleans,
// integers or floats keep that type; everything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, buddyerrors.ValidationError(fmt.Sprintf("invalid key=value pair %q", pair), nil)
		}
		out[key] = parseScalar(value)
	}
	return out, nil
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// buildFilter returns nil when no clause is given.
func buildFilter(where []string, contains string) (*store.Filter, error) {
	clauses, err := parseKeyValues(where)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 0 && contains == "" {
		return nil, nil
	}
	f := &store.Filter{Where: clauses}
	if contains != "" {
		f.WhereDocument = &store.DocumentFilter{Contains: contains}
	}
	return f, nil
}

func formatMetadata(m store.Metadata) []string {
	if len(m) == 0 {
		return nil
	}
	parts := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return []string{strings.Join(parts, " ")}
}

func checkFormat(format string) error {
	if format != "text" && format != "json" {
		return buddyerrors.ValidationError(fmt.Sprintf("unknown format %q (valid options: text, json)", format), nil)
	}
	return nil
}

// difference returns the items of all that are not in some, in order.
func difference(all, some []string) []string {
	seen := make(map[string]struct{}, len(some))
	for _, s := range some {
		seen[s] = struct{}{}
	}
	var out []string
	for _, a := range all {
		if _, ok := seen[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

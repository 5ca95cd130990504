package cmd

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rsrini7/Smart-Support-Buddy/internal/output"
)

func newCollectionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collections",
		Aliases: []string{"coll"},
		Short:   "List and delete collections",
	}

	cmd.AddCommand(newCollectionsListCmd(opts))
	cmd.AddCommand(newCollectionsDeleteCmd(opts))

	return cmd
}

func newCollectionsListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections under the store path",
		Example: `  supportbuddy collections list
  supportbuddy collections list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollectionsList(cmd.Context(), cmd, opts, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// collectionJSON is the JSON shape of one listed collection.
type collectionJSON struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
	Backend   string `json:"backend"`
}

func runCollectionsList(ctx context.Context, cmd *cobra.Command, opts *rootOptions, jsonOutput bool) error {
	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	infos, err := svc.registry.List(ctx)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		items := make([]collectionJSON, 0, len(infos))
		for _, info := range infos {
			items = append(items, collectionJSON{
				Name:      info.Name,
				Count:     info.Count,
				Dimension: info.Dimension,
				Backend:   info.Backend,
			})
		}
		return out.JSON(items)
	}

	if len(infos) == 0 {
		out.Statusf("", "No collections under %s", svc.registry.BasePath())
		return nil
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			info.Name,
			strconv.Itoa(info.Count),
			strconv.Itoa(info.Dimension),
			info.Backend,
		})
	}
	out.Table([]string{"NAME", "RECORDS", "DIM", "BACKEND"}, rows)
	return nil
}

func newCollectionsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a collection and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := opts.openServices(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.registry.Delete(ctx, args[0]); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Deleted collection %s", args[0])
			return nil
		},
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
	"github.com/mordilloSan/quickfind/search"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "search <text>...",
		Short: "Search indexed file and directory names",
		Long: `Search prints the stored paths whose name or path contains the text,
case-insensitively, best match first: exact names, then names starting with
the text, then names containing it, then matches elsewhere in the path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openExisting(a.cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			n, err := store.Count(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("the index is empty; run \"quickfind index\" first")
			}

			opts := a.cfg.SearchOptions()
			opts.CacheSize = 0
			engine, err := search.NewEngine(store, opts)
			if err != nil {
				return err
			}
			defer engine.Close()

			results, err := engine.Query(ctx, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (default query.default_limit)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print results as JSON")
	return cmd
}

func printResults(w io.Writer, results []iteminfo.FileRecord) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		size := "-"
		path := r.Path
		if r.IsDir() {
			path += "/"
		} else {
			size = humanize.Bytes(uint64(max(r.Size, 0)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", path, size, humanize.Time(r.ModTime))
	}
	_ = tw.Flush()
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/quickfind/storage"
)

type indexStatus struct {
	DBPath     string         `json:"db_path"`
	Roots      []string       `json:"roots"`
	Stats      *storage.Stats `json:"stats"`
	LatestPass *storage.Pass  `json:"latest_pass,omitempty"`
	LastGood   *storage.Pass  `json:"last_completed_pass,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the index holds and how the last passes went",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openExisting(a.cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			st := indexStatus{DBPath: store.Path(), Roots: a.cfg.Roots}
			if st.Stats, err = store.Stats(ctx); err != nil {
				return err
			}
			if st.LatestPass, err = optionalPass(store.LatestPass(ctx)); err != nil {
				return err
			}
			if st.LastGood, err = optionalPass(store.LastCompletedPass(ctx)); err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print status as JSON")
	return cmd
}

func optionalPass(p storage.Pass, err error) (*storage.Pass, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func printStatus(w io.Writer, st indexStatus) {
	s := st.Stats
	fmt.Fprintf(w, "Database:  %s (%s on disk, WAL %s)\n", st.DBPath,
		humanize.Bytes(uint64(s.TotalOnDisk)), humanize.Bytes(uint64(s.WALSize)))
	fmt.Fprintf(w, "Roots:     %s\n", strings.Join(st.Roots, ", "))
	fmt.Fprintf(w, "Records:   %s (%s directories, %s files, %s)\n",
		humanize.Comma(s.TotalEntries), humanize.Comma(s.TotalDirs), humanize.Comma(s.TotalFiles),
		humanize.Bytes(uint64(s.TotalSize)))

	if st.LastGood == nil {
		fmt.Fprintln(w, "Indexed:   never")
	} else {
		fmt.Fprintf(w, "Indexed:   %s (%s)\n", humanize.Time(st.LastGood.FinishedAt), describePass(*st.LastGood))
	}
	if p := st.LatestPass; p != nil && (st.LastGood == nil || p.ID != st.LastGood.ID) {
		line := fmt.Sprintf("%s %s pass started %s", p.Status, p.Mode, humanize.Time(p.StartedAt))
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintf(w, "Latest:    %s\n", line)
	}
}

func describePass(p storage.Pass) string {
	c := p.Counters
	return fmt.Sprintf("%s pass, %s, +%s ~%s -%s",
		p.Mode, c.Duration.Truncate(time.Millisecond),
		humanize.Comma(c.Inserted), humanize.Comma(c.Updated), humanize.Comma(c.Deleted))
}

package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kiranshivaraju/listingintel/pkg/client/cache"
	"github.com/spf13/cobra"
)

type cachedEntry struct {
	Key       string        `json:"key"`
	Cache     string        `json:"cache"`
	Status    string        `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresIn time.Duration `json:"expires_in_ns"`
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs cached on this machine",
		Long:  "List followed jobs and finished results cached locally, with the time left before each entry expires.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			now := time.Now()
			var entries []cachedEntry
			for _, src := range []struct {
				name  string
				store *cache.Store
			}{{"active", s.hot}, {"result", s.results}} {
				found, err := listStore(src.name, src.store, now)
				if err != nil {
					return err
				}
				entries = append(entries, found...)
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if entries == nil {
					entries = []cachedEntry{}
				}
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "no cached jobs")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tCACHE\tSTATUS\tEXPIRES IN")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Key, e.Cache, e.Status, e.ExpiresIn.Round(time.Second))
			}
			return tw.Flush()
		},
	}
}

// listStore reads every live entry of store. Load drops expired entries on
// the way.
func listStore(name string, store *cache.Store, now time.Time) ([]cachedEntry, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, fmt.Errorf("list %s cache: %w", name, err)
	}
	var out []cachedEntry
	for _, key := range keys {
		e, ok := store.Load(key)
		if !ok {
			continue
		}
		out = append(out, cachedEntry{
			Key:       key,
			Cache:     name,
			Status:    e.Status,
			UpdatedAt: e.Timestamp,
			ExpiresIn: max(e.Timestamp.Add(store.TTL()).Sub(now), 0),
		})
	}
	return out, nil
}

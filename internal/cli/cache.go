package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/internal/cache"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func newCacheCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cached datasets",
	}
	cmd.AddCommand(
		newCacheListCmd(f),
		newCacheGetCmd(f),
		newCachePutCmd(f),
		newCacheLoadCmd(f),
		newCacheDeleteCmd(f),
		newCacheClearCmd(f),
	)
	return cmd
}

func newCacheListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				all, err := s.svc.CachedDatasets(cmd.Context())
				if err != nil {
					return err
				}
				if all == nil {
					all = []types.Dataset{}
				}
				return output(cmd, f, all, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "KEY\tREFRESHED\tBYTES")
					for _, d := range all {
						fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Key, refreshed(d), len(d.Data))
					}
					tw.Flush()
				})
			})
		},
	}
}

func refreshed(d types.Dataset) string {
	if d.Timestamp == 0 {
		return "-"
	}
	return time.UnixMilli(d.Timestamp).UTC().Format(time.RFC3339)
}

func newCacheGetCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one cached dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				d, ok := s.svc.GetCachedData(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("%s: %w", args[0], types.ErrNoCachedData)
				}
				return output(cmd, f, d, func(w io.Writer) {
					prettyJSON(w, d.Data)
				})
			})
		},
	}
}

func newCachePutCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <json|->",
		Short: "Store a dataset in the cache, replacing any previous copy",
		Example: `  fieldsync cache put jobs '[{"id":1,"status":"open"}]'
  cat jobs.json | fieldsync cache put jobs -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := jsonArg(cmd, args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				s.svc.CacheData(cmd.Context(), args[0], data)
				d, ok := s.svc.GetCachedData(cmd.Context(), args[0])
				if !ok {
					return sysError(fmt.Errorf("dataset %s was not stored", args[0]))
				}
				return output(cmd, f, d, func(w io.Writer) {
					fmt.Fprintf(w, "cached %s (%d bytes)\n", d.Key, len(d.Data))
				})
			})
		},
	}
}

// loadView is LoadResult with the warning flattened to text.
type loadView struct {
	Key     string `json:"key"`
	Source  string `json:"source"`
	Stale   bool   `json:"stale"`
	Warning string `json:"warning,omitempty"`
	Rows    int    `json:"rows"`
}

func newCacheLoadCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load <table> [column=filter...]",
		Short: "Refresh a dataset from the remote service, falling back to the cache",
		Long: "Fetch a table from the remote service and cache it under the table name.\n" +
			"Filters use the remote's operator syntax, e.g. status=eq.open.\n" +
			"When the fetch fails or --offline is set, the cached copy is returned.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseQuery(args[1:])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				res, err := s.svc.Refresh(cmd.Context(), args[0], query)
				if err != nil {
					return err
				}
				view := loadView{
					Key:    args[0],
					Source: string(res.Source),
					Stale:  res.Stale,
					Rows:   countRows(res),
				}
				if res.Warning != nil {
					view.Warning = res.Warning.Error()
				}
				return output(cmd, f, view, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d rows from %s", view.Key, view.Rows, view.Source)
					if view.Stale {
						fmt.Fprint(w, " (stale)")
					}
					fmt.Fprintln(w)
					if view.Warning != "" {
						fmt.Fprintf(w, "warning: %s\n", view.Warning)
					}
				})
			})
		},
	}
}

func parseQuery(args []string) (types.Query, error) {
	if len(args) == 0 {
		return nil, nil
	}
	q := make(types.Query, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: filter %q (expected column=filter)", errUsage, a)
		}
		q[k] = v
	}
	return q, nil
}

// countRows reports the length of an array dataset, or 1 for any other
// JSON value.
func countRows(res cache.LoadResult) int {
	data := res.Dataset.Data
	if len(data) == 0 {
		return 0
	}
	var rows []any
	if err := json.Unmarshal(data, &rows); err != nil {
		return 1
	}
	return len(rows)
}

func newCacheDeleteCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Drop one cached dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				if err := s.svc.DeleteCachedData(cmd.Context(), args[0]); err != nil {
					return err
				}
				return output(cmd, f, map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %s\n", args[0])
				})
			})
		},
	}
}

func newCacheClearCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached dataset; the queue is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				if err := s.svc.ClearCache(cmd.Context()); err != nil {
					return err
				}
				return output(cmd, f, map[string]bool{"cleared": true}, func(w io.Writer) {
					fmt.Fprintln(w, "cache cleared")
				})
			})
		},
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/conduit-lang/odm/internal/cli/ui"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/spf13/cobra"
)

type queryFlags struct {
	filter string
	id     string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&q.filter, "filter", "f", "", `filter as JSON, e.g. '{"age": {"$gte": 18}}'`)
	cmd.Flags().StringVar(&q.id, "id", "", "match a single document identifier")
}

// build parses the flags into a storage filter
func (q *queryFlags) build() (storage.Filter, error) {
	filter := storage.Filter{}
	if q.filter != "" {
		if err := json.Unmarshal([]byte(q.filter), &filter); err != nil {
			return nil, fmt.Errorf("invalid --filter: %w", err)
		}
	}
	if q.id != "" {
		filter[document.KeyID] = parseID(q.id)
	}
	return filter, nil
}

// parseID keeps numeric identifiers numeric so they match integer ids
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// NewFindCommand creates the find command
func NewFindCommand(opts *rootOptions) *cobra.Command {
	var (
		query    queryFlags
		sortExpr []string
		fields   []string
		skip     int
		limit    int
		width    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Find raw documents in a collection",
		Example: `  odm find users --filter '{"name": "jon"}'
  odm find users --sort -age --limit 10
  odm find posts --id 42 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coll := args[0]
			filter, err := query.build()
			if err != nil {
				return err
			}
			if skip < 0 || limit < 0 {
				return fmt.Errorf("--skip and --limit must not be negative")
			}

			st, release, err := opts.openStorage(cmd)
			if err != nil {
				return err
			}
			defer release()

			cursor, err := st.Find(cmd.Context(), coll, filter, storage.FindOptions{
				Projection: splitList(fields),
				Sort:       storage.ParseSort(sortExpr...),
				Skip:       skip,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			docs, err := storage.All(cmd.Context(), cursor)
			if err != nil {
				return err
			}

			if len(docs) == 0 && len(filter) == 0 && skip == 0 {
				fmt.Fprint(cmd.ErrOrStderr(), ui.CollectionNotFound(coll, knownCollections(cmd, st), opts.noColor))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if docs == nil {
					docs = []document.Raw{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(docs)
			}
			if len(docs) == 0 {
				return nil
			}
			ui.DocumentTable(out, docs, &ui.TableOptions{NoColor: opts.noColor, MaxWidth: width}).Render()
			return nil
		},
	}

	query.register(cmd)
	cmd.Flags().StringSliceVarP(&sortExpr, "sort", "s", nil, "sort keys, prefix with - for descending")
	cmd.Flags().StringSliceVar(&fields, "select", nil, "only return these fields")
	cmd.Flags().IntVar(&skip, "skip", 0, "number of documents to skip")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of documents (0 means all)")
	cmd.Flags().IntVar(&width, "width", 40, "truncate table cells wider than this (0 disables)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print documents as JSON")

	return cmd
}

// NewCountCommand creates the count command
func NewCountCommand(opts *rootOptions) *cobra.Command {
	var query queryFlags

	cmd := &cobra.Command{
		Use:   "count <collection>",
		Short: "Count documents in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := query.build()
			if err != nil {
				return err
			}
			st, release, err := opts.openStorage(cmd)
			if err != nil {
				return err
			}
			defer release()

			n, err := count(cmd, st, args[0], filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	query.register(cmd)
	return cmd
}

// count uses the driver's Counter when available and falls back to
// draining a cursor
func count(cmd *cobra.Command, st storage.DocumentStorage, coll string, filter storage.Filter) (int, error) {
	if c, ok := st.(storage.Counter); ok {
		return c.Count(cmd.Context(), coll, filter)
	}
	cursor, err := st.Find(cmd.Context(), coll, filter, storage.FindOptions{})
	if err != nil {
		return 0, err
	}
	docs, err := storage.All(cmd.Context(), cursor)
	return len(docs), err
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/manager"
	"gridharvest/internal/record"
)

func newSearchCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Refine the live search and show match and facet counts",
		Long: `Refine the live search and show match and facet counts.

The live search is kept in the saved state, so successive invocations narrow
it step by step. Use "save" to turn it into a harvestable search.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, true, func(ctx context.Context, a *app) error {
				if err := applySearchFlags(ctx, cmd, a.mgr); err != nil {
					return err
				}
				sum, err := a.mgr.Update(ctx)
				if err != nil {
					return err
				}
				var results []record.Metadata
				if show, _ := cmd.Flags().GetBool("results"); show {
					if results, err = a.mgr.Results(ctx); err != nil {
						return err
					}
				}
				top, _ := cmd.Flags().GetInt("top")
				return printSearch(newPrinter(outputFormat(cmd), cmd.OutOrStdout()), a.mgr.Descriptor(), sum, results, top)
			})
		},
	}

	cmd.Flags().String("index-node", "", "index node to search")
	cmd.Flags().StringArrayP("facet", "f", nil, "add a constraint name=value[,value...], repeatable")
	cmd.Flags().StringArray("drop", nil, "remove a constraint by name, repeatable")
	cmd.Flags().Bool("clear", false, "remove every constraint first")
	cmd.Flags().StringP("query", "q", "", "free-text query")
	cmd.Flags().String("type", "", "record type: dataset, file or aggregation")
	cmd.Flags().Bool("local", false, "search only the index node itself, not the whole grid")
	cmd.Flags().String("replica", "", "replica filter: true, false or any")
	cmd.Flags().String("latest", "", "latest-version filter: true, false or any")
	cmd.Flags().String("start", "", "temporal range start (ISO 8601)")
	cmd.Flags().String("end", "", "temporal range end (ISO 8601)")
	cmd.Flags().Int("page", 0, "result page, starting at 1")
	cmd.Flags().Int("limit", 0, "results per page")
	cmd.Flags().Bool("results", false, "also list the current page of results")
	cmd.Flags().Int("top", 5, "facet values shown per facet")
	return cmd
}

// applySearchFlags turns the search flags into descriptor changes. Auto
// update is suspended so the grid sees one round trip, not one per flag.
func applySearchFlags(ctx context.Context, cmd *cobra.Command, m *manager.Manager) error {
	auto := m.AutoUpdate()
	m.SetAutoUpdate(false)
	defer m.SetAutoUpdate(auto)

	flags := cmd.Flags()
	var errs []error
	try := func(err error) { errs = append(errs, err) }

	if flags.Changed("index-node") {
		v, _ := flags.GetString("index-node")
		try(m.SetIndexNode(ctx, v))
	}
	if clear, _ := flags.GetBool("clear"); clear {
		try(m.ClearConstraints(ctx))
	}
	drops, _ := flags.GetStringArray("drop")
	for _, name := range drops {
		try(m.RemoveConstraint(ctx, name))
	}
	facets, _ := flags.GetStringArray("facet")
	constraints, err := parseConstraints(facets)
	if err != nil {
		return err
	}
	for _, c := range constraints {
		try(m.AddConstraint(ctx, c.name, c.values...))
	}
	if flags.Changed("query") {
		v, _ := flags.GetString("query")
		try(m.SetQuery(ctx, v))
	}
	if flags.Changed("type") {
		v, _ := flags.GetString("type")
		t, ok := descriptor.ParseRecordType(v)
		if !ok {
			return fmt.Errorf("unknown record type %q", v)
		}
		try(m.SetType(ctx, t))
	}
	if flags.Changed("local") {
		v, _ := flags.GetBool("local")
		try(m.SetDistributed(ctx, !v))
	}
	for _, name := range []string{"replica", "latest"} {
		if !flags.Changed(name) {
			continue
		}
		s, _ := flags.GetString(name)
		v, err := parseTriState(s)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		if name == "replica" {
			try(m.SetReplica(ctx, v))
		} else {
			try(m.SetLatest(ctx, v))
		}
	}
	if flags.Changed("start") || flags.Changed("end") {
		start, _ := flags.GetString("start")
		end, _ := flags.GetString("end")
		try(m.SetTemporal(ctx, start, end))
	}
	if flags.Changed("limit") {
		v, _ := flags.GetInt("limit")
		try(m.SetLimit(ctx, v))
	}
	if flags.Changed("page") {
		v, _ := flags.GetInt("page")
		try(m.SetPage(ctx, v-1))
	}
	return errors.Join(errs...)
}

type searchOutput struct {
	Descriptor string                 `json:"descriptor"`
	Matches    int                    `json:"matches"`
	Page       int                    `json:"page"`
	Pages      int                    `json:"pages"`
	Facets     descriptor.FacetCounts `json:"facets,omitempty"`
	Results    []record.Metadata      `json:"results,omitempty"`
}

func printSearch(p *printer, d *descriptor.Descriptor, sum manager.Summary, results []record.Metadata, top int) error {
	out := searchOutput{
		Descriptor: d.Canonical(),
		Matches:    sum.Matches,
		Page:       d.Page() + 1,
		Pages:      d.PageCount(sum.Matches),
		Facets:     sum.Facets,
		Results:    results,
	}
	if p.isJSON() {
		return p.json(out)
	}

	p.kv([][2]string{
		{"Search", out.Descriptor},
		{"Matches", strconv.Itoa(out.Matches)},
		{"Page", fmt.Sprintf("%d of %d", out.Page, out.Pages)},
	})

	if len(sum.Facets) > 0 {
		p.line("")
		names := make([]string, 0, len(sum.Facets))
		for name := range sum.Facets {
			names = append(names, name)
		}
		slices.Sort(names)
		var rows [][]string
		for _, name := range names {
			values := sum.Facets[name]
			if top > 0 && len(values) > top {
				values = values[:top]
			}
			for _, v := range values {
				rows = append(rows, []string{name, v.Value, strconv.Itoa(v.Count)})
			}
		}
		p.table([]string{"FACET", "VALUE", "COUNT"}, rows)
	}

	if len(results) > 0 {
		p.line("")
		var rows [][]string
		for _, m := range results {
			rows = append(rows, []string{
				m.String(record.KeyInstanceID),
				m.String(record.KeyTitle),
				m.String(record.KeyDataNode),
				m.String(record.KeyNumberOfFiles),
			})
		}
		p.table([]string{"INSTANCE ID", "TITLE", "DATA NODE", "FILES"}, rows)
	}
	return nil
}

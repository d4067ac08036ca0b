package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cardscout/internal/service"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
)

type searchFlags struct {
	source string
	tags   string
	sort   string
	page   int
	limit  int
	last   bool
}

func newSearchCmd(a *app) *cobra.Command {
	var flags searchFlags
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a source and remember the query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			var opts chub.SearchOptions
			if flags.last {
				if opts, err = components.LastSearch(cmd.Context(), flags.source); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				opts.Search = args[0]
			}
			if cmd.Flags().Changed("tags") {
				opts.Tags = flags.tags
			}
			if cmd.Flags().Changed("sort") {
				opts.Sort = flags.sort
			}
			opts.Page = flags.page
			opts.Limit = flags.limit

			res, err := components.Search(cmd.Context(), flags.source, opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATOR\tID")
			for _, p := range res.Picks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Creator, p.ID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if res.Total >= 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d results\n", res.Total)
			}
			return nil
		},
	}

	searchCmd.Flags().StringVar(&flags.source, "source", service.SourceChub, "chub, quillgen, or a catalog service name")
	searchCmd.Flags().StringVar(&flags.tags, "tags", "", "comma separated tags")
	searchCmd.Flags().StringVar(&flags.sort, "sort", "", "sort order (chub only)")
	searchCmd.Flags().IntVar(&flags.page, "page", 1, "1-based page")
	searchCmd.Flags().IntVar(&flags.limit, "limit", 48, "results per page (chub only)")
	searchCmd.Flags().BoolVar(&flags.last, "last", false, "start from the saved search for this source")
	return searchCmd
}

package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRecentCmd(a *app) *cobra.Command {
	var limit int
	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently viewed cards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if components.Store == nil {
				return errors.New("no store configured (hint: set store.url or CARDSCOUT_DATABASE_URL)")
			}
			cards, err := components.Store.RecentlyViewed(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VIEWED\tSERVICE\tNAME\tCREATOR\tID")
			for _, c := range cards {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ViewedAt.Local().Format(time.DateTime), c.Service, c.Name, c.Creator, c.ID)
			}
			return w.Flush()
		},
	}
	recentCmd.Flags().IntVarP(&limit, "limit", "n", 0, "how many cards to list (default store.max_recently_viewed)")
	return recentCmd
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cardscout/internal/service"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
)

type randomFlags struct {
	source   string
	search   string
	tags     string
	pageSize int
	walk     bool
	avatar   string
}

func newRandomCmd(a *app) *cobra.Command {
	var flags randomFlags
	randomCmd := &cobra.Command{
		Use:   "random",
		Short: "Pick a uniformly random card",
		Long: `Pick a random card. For the live chub source the total is fetched first and
exactly one page is requested, so every card is equally likely. When the live
search reports nothing the static catalog answers instead. Any other source
names a catalog service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			pick, err := components.RandomPick(cmd.Context(), service.RandomOptions{
				Source:     flags.source,
				Search:     chub.SearchOptions{Search: flags.search, Tags: flags.tags},
				PageSize:   flags.pageSize,
				Walk:       flags.walk,
				LoadAvatar: flags.avatar != "",
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:    %s\n", pick.Name)
			fmt.Fprintf(out, "creator: %s\n", pick.Creator)
			fmt.Fprintf(out, "id:      %s\n", pick.ID)
			fmt.Fprintf(out, "service: %s\n", pick.Service)
			fmt.Fprintf(out, "avatar:  %s\n", pick.AvatarURL)
			switch {
			case pick.Fallback:
				fmt.Fprintln(out, "picked from the static catalog; live search was empty")
			case pick.Page > 0:
				fmt.Fprintf(out, "page %d, index %d\n", pick.Page, pick.Index)
			}

			if flags.avatar == "" {
				return nil
			}
			if pick.Avatar == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "avatar could not be loaded")
				return nil
			}
			blob, err := components.Blobs.Resolve(pick.Avatar.URL())
			if err != nil {
				return err
			}
			if err := os.WriteFile(flags.avatar, blob.Data, 0o644); err != nil {
				return fmt.Errorf("failed to write avatar: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote avatar to %s\n", flags.avatar)
			return nil
		},
	}

	randomCmd.Flags().StringVar(&flags.source, "source", service.SourceChub, "chub, quillgen, or a catalog service name")
	randomCmd.Flags().StringVarP(&flags.search, "search", "s", "", "search text")
	randomCmd.Flags().StringVar(&flags.tags, "tags", "", "comma separated tags")
	randomCmd.Flags().IntVar(&flags.pageSize, "page-size", 0, "page size (default from sampler.default_page_size)")
	randomCmd.Flags().BoolVar(&flags.walk, "walk", false, "use the cursor walk instead of count-then-page sampling (not uniform)")
	randomCmd.Flags().StringVar(&flags.avatar, "avatar", "", "save the card image to this file")
	return randomCmd
}

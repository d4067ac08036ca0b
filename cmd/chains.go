package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cardscout/internal/transport"
)

func newChainsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chains [service...]",
		Short: "Print the transport chain each service resolves to",
		Long: `Print the ordered transports tried for each service, after applying the
chains and relays sections of the configuration. Without arguments every
known service is listed. Unknown services resolve to the default chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := transport.NewRegistryFromConfig(a.cfg.Relays())
			if err != nil {
				return err
			}
			resolver, err := registry.NewResolver(a.cfg.Chains())
			if err != nil {
				return err
			}

			services := args
			if len(services) == 0 {
				services = resolver.Services()
				sort.Strings(services)
				services = append(services, transport.DefaultChainName)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, id := range services {
				chain := resolver.Default()
				if id != transport.DefaultChainName {
					chain = resolver.Resolve(id)
				}
				fmt.Fprintf(w, "%s\t%s\n", id, strings.Join(chain.Names(), " -> "))
			}
			return w.Flush()
		},
	}
}

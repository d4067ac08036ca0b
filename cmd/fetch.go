package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
)

type fetchFlags struct {
	service string
	chain   []string
	timeout time.Duration
	headers []string
	method  string
	data    string
	output  string
}

func newFetchCmd(a *app) *cobra.Command {
	var flags fetchFlags
	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the resilient transport chain",
		Long: `Fetch a URL by walking the service's transport chain until one transport
returns a 2xx response. The status, the winning transport and every attempt
are printed to stderr; the body goes to stdout or --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := parseHeaders(flags.headers)
			if err != nil {
				return err
			}

			components, err := a.components(cmd)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			opts := fetcher.Options{
				ServiceID:      flags.service,
				Method:         strings.ToUpper(flags.method),
				Headers:        header,
				AttemptTimeout: flags.timeout,
			}
			if flags.data != "" {
				opts.Body = []byte(flags.data)
			}
			if len(flags.chain) > 0 {
				chain, err := components.Registry.Chain(flags.chain)
				if err != nil {
					return err
				}
				opts.Chain = chain
			}

			resp, err := components.Fetcher.Fetch(cmd.Context(), args[0], opts)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), fetcher.Describe(err))
				return err
			}

			stderr := cmd.ErrOrStderr()
			fmt.Fprintf(stderr, "status: %d\n", resp.Status)
			fmt.Fprintf(stderr, "strategy: %s\n", resp.Strategy.Name)
			printAttempts(stderr, resp.Attempts)

			if flags.output != "" {
				if err := os.WriteFile(flags.output, resp.Body(), 0o644); err != nil {
					return fmt.Errorf("failed to write output: %w", err)
				}
				fmt.Fprintf(stderr, "wrote %d bytes to %s\n", len(resp.Body()), flags.output)
				return nil
			}
			_, err = cmd.OutOrStdout().Write(resp.Body())
			return err
		},
	}

	fetchCmd.Flags().StringVar(&flags.service, "service", "", "service id used to pick the chain and auth headers")
	fetchCmd.Flags().StringSliceVar(&flags.chain, "chain", nil, "explicit transport names, overriding the service chain")
	fetchCmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-attempt timeout (default from fetch.attempt_timeout)")
	fetchCmd.Flags().StringArrayVarP(&flags.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	fetchCmd.Flags().StringVarP(&flags.method, "method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringVarP(&flags.data, "data", "d", "", "request body")
	fetchCmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the body to this file")
	return fetchCmd
}

func parseHeaders(raw []string) (http.Header, error) {
	header := http.Header{}
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

func printAttempts(w io.Writer, attempts fetcher.AttemptLog) {
	for i, at := range attempts {
		detail := at.Reason
		if at.Status != 0 {
			detail = fmt.Sprintf("%s, HTTP %d", detail, at.Status)
		}
		if detail == "" {
			detail = "-"
		}
		name := "<nil>"
		if at.Strategy != nil {
			name = at.Strategy.Name
		}
		fmt.Fprintf(w, "  %d. %s: %s (%s, %s)\n", i+1, name, at.Outcome, detail, at.Duration.Round(time.Millisecond))
	}
}

// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/config"
	"github.com/xkilldash9x/cardscout/internal/observability"
	"github.com/xkilldash9x/cardscout/internal/service"
)

// app is the state shared by one command tree.
type app struct {
	cfgFile     string
	metricsAddr string

	v       *viper.Viper
	cfg     *config.Config
	factory service.ComponentFactory
	metrics *http.Server
	// metricsListen is the address metrics were last served on.
	metricsListen string
}

// NewRootCommand returns a fresh command tree using the production factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	return newApp(factory).rootCmd()
}

func newApp(factory service.ComponentFactory) *app {
	return &app{factory: factory}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cardscout",
		Short:         "cardscout browses character card sites through resilient transports.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This runs before any command, setting up config, logging and metrics.
			if err := a.initializeConfig(); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console"})
				return err
			}
			observability.InitializeLogger(a.cfg.Logger())
			observability.GetLogger().Debug("Starting cardscout", zap.String("version", Version))
			return a.startMetrics()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.stopMetrics()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newChainsCmd(a),
		newFetchCmd(a),
		newRandomCmd(a),
		newSearchCmd(a),
		newRecentCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	a := newApp(service.NewComponentFactory())
	err := a.execute(ctx, a.rootCmd())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			observability.GetLogger().Debug("Command execution failed", zap.Error(err))
		}
	}
	observability.Sync()
	return err
}

// execute runs rootCmd and always stops the metrics server afterwards. Cobra
// skips PersistentPostRunE when a command fails.
func (a *app) execute(ctx context.Context, rootCmd *cobra.Command) error {
	err := rootCmd.ExecuteContext(ctx)
	if stopErr := a.stopMetrics(); stopErr != nil {
		observability.GetLogger().Warn("Failed to stop metrics server.", zap.Error(stopErr))
	}
	return err
}

// initializeConfig reads in config file and ENV variables if set.
func (a *app) initializeConfig() error {
	v := viper.New()
	config.SetDefaults(v)

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CARDSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}
	a.v = v
	a.cfg = cfg
	return nil
}

func (a *app) startMetrics() error {
	if a.metricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metrics = srv
	a.metricsListen = ln.Addr().String()

	logger := observability.GetLogger()
	logger.Info("Serving metrics.", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped.", zap.Error(err))
		}
	}()
	return nil
}

func (a *app) stopMetrics() error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.metrics.Shutdown(ctx)
	a.metrics = nil
	return err
}

// components builds the service graph for commands that talk to remote sites.
func (a *app) components(cmd *cobra.Command) (*service.Components, error) {
	components, err := a.factory.Create(cmd.Context(), a.cfg, observability.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return components, nil
}

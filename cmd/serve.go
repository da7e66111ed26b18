package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"manimate/common"
	"manimate/config"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var port string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, event streams and optional Kafka intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			if port != "" {
				v.Set("port", port)
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}
			return runServe(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a TOML config file (default: ./manimate.toml if present)")
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Run gin in debug mode")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	logger := common.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🎬 Manimate\n")
	fmt.Fprintf(out, "   API:            http://0.0.0.0:%s\n", cfg.Port)
	fmt.Fprintf(out, "   Generator:      %s\n", cfg.GeneratorURL)
	fmt.Fprintf(out, "   Store:          %s\n", cfg.StoreBackend)
	fmt.Fprintf(out, "   Poll:           every %s, up to %d ticks\n", cfg.PollInterval, cfg.PollMaxTicks)
	if cfg.KafkaEnabled() {
		fmt.Fprintf(out, "   Kafka:          %v\n", cfg.KafkaBrokers)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to shutdown")

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

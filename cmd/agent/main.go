// Command agent is the reference worker. It connects to the controller's
// bus and acknowledges deploy and verify_networks casts.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provisiond/pkg/agent"
	"provisiond/pkg/logging"
	"provisiond/pkg/rpc"
	"provisiond/pkg/version"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func rootCmd() *cobra.Command {
	var (
		controller string
		exchange   string
		token      string
		logLevel   string
		logFormat  string
	)
	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "Reference worker for the provisioning controller",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			client, err := rpc.NewClient(controller, exchange, token, log)
			if err != nil {
				return err
			}
			agent.NewWorker(client, log).Register(client)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info("agent started", zap.String("controller", controller), zap.String(logging.FieldExchange, exchange))
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&controller, "controller", getenv("CONTROLLER_ADDR", "http://127.0.0.1:8000"), "controller base URL (env CONTROLLER_ADDR)")
	f.StringVar(&exchange, "exchange", getenv("EXCHANGE", "naily"), "exchange to consume (env EXCHANGE)")
	f.StringVar(&token, "token", os.Getenv("AUTH_TOKEN"), "bearer token or JWT (env AUTH_TOKEN)")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&logFormat, "log-format", "console", "console or json")
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

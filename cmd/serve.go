// File: cmd/serve.go
package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/internal/observability"
	"github.com/hexforge/promptbridge/internal/service"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Connects to the controller and serves automation requests",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so they override config file and
			// environment values with the right precedence.
			if err := viper.BindPFlag("transport.url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.chat_url", cmd.Flags().Lookup("chat-url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlag("policy.allowed_hosts", cmd.Flags().Lookup("allow-host"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			// Re-apply flag overrides finalized in PreRunE.
			appCfg.SetTransportURL(viper.GetString("transport.url"))
			appCfg.SetBrowserChatURL(viper.GetString("browser.chat_url"))
			appCfg.SetBrowserHeadless(viper.GetBool("browser.headless"))
			appCfg.SetPolicyAllowedHosts(viper.GetStringSlice("policy.allowed_hosts"))

			if appCfg.Transport().URL == "" {
				return fmt.Errorf("no controller url configured (hint: --url or PROMPTBRIDGE_TRANSPORT_URL)")
			}
			if len(appCfg.Policy().AllowedHosts) == 0 {
				logger.Warn("No allowed hosts configured; every automation request will be rejected.")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting bridge session",
				zap.String("controller_url", appCfg.Transport().URL),
				zap.String("chat_url", appCfg.Browser().ChatURL),
				zap.Bool("headless", appCfg.Browser().Headless),
			)

			components, err := service.NewComponentFactory().Create(ctx, appCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if err := components.Bridge.Run(ctx); err != nil {
				return fmt.Errorf("bridge session failed to start: %w", err)
			}

			// Block until a shutdown signal arrives; the transport and feeder
			// do their work on their own goroutines.
			<-ctx.Done()
			logger.Info("Shutdown signal received, closing bridge session.")
			return nil
		},
	}

	serveCmd.Flags().String("url", "", "controller websocket url (ws:// or wss://)")
	serveCmd.Flags().String("chat-url", "", "chat page to open before serving requests")
	serveCmd.Flags().Bool("headless", true, "run the browser headless")
	serveCmd.Flags().StringSlice("allow-host", nil, "host allowed for automation targets (repeatable, *.example.com for subdomains)")

	return serveCmd
}

// Command mcp-instance is the backing process spawned by the host for one
// instance. It serves the instance's MCP tools on 127.0.0.1:<port>.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/mcpserver"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		instanceID string
		vendor     string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:           "mcp-instance",
		Short:         "Serve the MCP tools of one hosted instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := os.Getenv("LOG_LEVEL")
			if level == "" {
				level = "INFO"
			}
			logger.Init(level)
			log := logger.WithInstance(instanceID).WithField("vendor", vendor)

			cfg, err := process.ConfigFromEnv()
			if err != nil {
				log.WithError(err).Error("Invalid instance config")
				return err
			}

			s := mcpserver.New(mcpserver.Info{
				InstanceID:   instanceID,
				Vendor:       vendor,
				Port:         port,
				Config:       cfg,
				StartupToken: os.Getenv(process.EnvVendorAccessToken),
			})
			httpServer := s.HTTPServer()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", addr).Info("Instance MCP server listening")
				errCh <- httpServer.Start(addr)
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("Instance MCP server failed")
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("Shutting down instance MCP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Instance MCP server shutdown incomplete")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&instanceID, "instance-id", "", "id of the instance this process serves")
	flags.StringVar(&vendor, "vendor", "", "MCP type (vendor) of the instance")
	flags.StringVar(&host, "host", "127.0.0.1", "address to listen on")
	flags.IntVar(&port, "port", 0, "port to listen on")
	_ = cmd.MarkFlagRequired("instance-id")
	_ = cmd.MarkFlagRequired("vendor")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

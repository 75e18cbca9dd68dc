package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"glyph/internal/identity"
	"glyph/internal/node"
)

func newNodeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a compute node that serves generations and countersigns receipts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindFlags(cmd, v)
			logger := newLogger()

			home := v.GetString("home")
			pk, sk, err := identity.LoadOrCreate(filepath.Join(home, "node_identity"))
			if err != nil {
				return err
			}

			srv := node.NewServer(pk, sk, node.LocalGenerator{}, logger)

			listen := v.GetString("listen")
			publicURL := v.GetString("public-url")
			if publicURL == "" {
				publicURL = fmt.Sprintf("http://localhost%s", listen)
			}

			if gatewayURL := v.GetString("gateway-url"); gatewayURL != "" {
				if err := srv.Register(cmd.Context(), gatewayURL, v.GetString("name"), publicURL); err != nil {
					logger.Error("gateway registration failed", "gateway", gatewayURL, "err", err)
				} else {
					logger.Info("registered with gateway", "gateway", gatewayURL, "pubkey", pk)
				}
			}

			httpSrv := &http.Server{Addr: listen, Handler: srv}
			logger.Info("node listening", "addr", listen, "pubkey", pk)

			errCh := make(chan error, 1)
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("listen", ":9000", "node listen address")
	cmd.Flags().String("name", "glyph-node", "public name announced to the gateway")
	cmd.Flags().String("public-url", "", "URL the gateway should reach this node at")
	cmd.Flags().String("gateway-url", "", "gateway to register with (env GLYPH_GATEWAY_URL)")
	return cmd
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"glyph/internal/dht"
	"glyph/internal/gateway"
	"glyph/internal/identity"
	"glyph/internal/ledger"
)

func newGatewayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the metering and settlement gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindFlags(cmd, v)
			logger := newLogger()

			home := v.GetString("home")
			pk, sk, err := identity.LoadOrCreate(filepath.Join(home, "gateway_identity"))
			if err != nil {
				return err
			}

			dbPath := v.GetString("db")
			if dbPath == "" {
				dbPath = filepath.Join(home, "glyph.db")
			}
			l, err := ledger.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			srv := gateway.New(gateway.Config{
				Pubkey:    pk,
				Secret:    sk,
				Ledger:    l,
				Store:     dht.NewMemStore(),
				Logger:    logger,
				Peers:     v.GetStringSlice("peers"),
				MinterKey: v.GetString("minter-private-key"),
			})
			if err := srv.Bootstrap(); err != nil {
				return err
			}

			listen := v.GetString("listen")
			httpSrv := &http.Server{Addr: listen, Handler: srv}
			logger.Info("gateway listening", "addr", listen, "pubkey", pk, "db", dbPath)

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
	cmd.Flags().String("listen", ":8080", "gateway listen address")
	cmd.Flags().String("db", "", "ledger database path (default <home>/glyph.db)")
	cmd.Flags().StringSlice("peers", nil, "peer gateway base URLs to gossip to")
	cmd.Flags().String("minter-private-key", "", "hex ECDSA key for /mint/execute (env GLYPH_MINTER_PRIVATE_KEY)")
	return cmd
}

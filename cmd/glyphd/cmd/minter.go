package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newMinterCmd drives /mint/* on a gateway: preview a finalized epoch's
// payouts, execute them against the configured ERC-20 contract, or anchor an
// externally submitted transaction.
func newMinterCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "minter",
		Short: "Preview, execute, and anchor epoch mints",
	}
	cmd.PersistentFlags().String("gateway-url", "http://localhost:8080", "gateway base URL (env GLYPH_GATEWAY_URL)")

	preview := &cobra.Command{
		Use:   "preview <epoch_id>",
		Short: "Show an epoch's payouts and quorum state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			return callGateway(cmd, v, http.MethodPost, "/mint/preview", map[string]string{"epoch_id": args[0]})
		},
	}

	execute := &cobra.Command{
		Use:   "execute <epoch_id>",
		Short: "Mint an eligible epoch's payouts on chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return callGateway(cmd, v, http.MethodPost, "/mint/execute", map[string]any{
				"epoch_id": args[0],
				"dry_run":  dryRun,
			})
		},
	}
	execute.Flags().Bool("dry-run", false, "estimate gas without sending transactions")

	anchor := &cobra.Command{
		Use:   "anchor <epoch_id> <txid>",
		Short: "Record an external mint transaction and finalize the epoch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			return callGateway(cmd, v, http.MethodPost, "/mint/anchor", map[string]string{
				"epoch_id": args[0],
				"txid":     args[1],
			})
		},
	}

	supply := &cobra.Command{
		Use:   "supply",
		Short: "Read totalSupply and MAX_SUPPLY from the token contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindFlags(cmd, v)
			return callGateway(cmd, v, http.MethodGet, "/token/supply", nil)
		},
	}

	cmd.AddCommand(preview, execute, anchor, supply)
	return cmd
}

// newConfigureTokenCmd stores the ERC-20 contract settings on a gateway.
func newConfigureTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure-token <token_address>",
		Short: "Configure the ERC-20 contract the minter targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			network, _ := cmd.Flags().GetString("network")
			rpcURL, _ := cmd.Flags().GetString("rpc-url")
			if err := callGateway(cmd, v, http.MethodPost, "/config/token", map[string]string{
				"token_address": args[0],
				"network":       network,
				"rpc_url":       rpcURL,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token configured")
			return nil
		},
	}
	cmd.Flags().String("gateway-url", "http://localhost:8080", "gateway base URL (env GLYPH_GATEWAY_URL)")
	cmd.Flags().String("network", "polygon", "token network")
	cmd.Flags().String("rpc-url", "", "RPC endpoint override")
	return cmd
}

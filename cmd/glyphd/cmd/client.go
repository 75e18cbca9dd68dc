package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newClientCmd is a thin adapter over the gateway's HTTP surface.
func newClientCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a gateway from the command line",
	}
	cmd.PersistentFlags().String("gateway-url", "http://localhost:8080", "gateway base URL (env GLYPH_GATEWAY_URL)")
	cmd.PersistentFlags().String("user", "", "user pubkey to bill inferences to")

	infer := &cobra.Command{
		Use:   "infer <prompt>",
		Short: "Run one inference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			body := map[string]any{"prompt": args[0]}
			if user := v.GetString("user"); user != "" {
				body["user_pubkey"] = user
			}
			return callGateway(cmd, v, http.MethodPost, "/inference", body)
		},
	}

	quote := &cobra.Command{
		Use:   "quote <input_tokens> <output_tokens> [wall_time_ms]",
		Short: "Price a prompt",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			nums := make([]int64, 3)
			for i, a := range args {
				n, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("argument %q is not an integer", a)
				}
				nums[i] = n
			}
			return callGateway(cmd, v, http.MethodPost, "/price/quote", map[string]int64{
				"input_tokens":  nums[0],
				"output_tokens": nums[1],
				"wall_time_ms":  nums[2],
			})
		},
	}

	balance := &cobra.Command{
		Use:   "balance <user_pubkey>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			return callGateway(cmd, v, http.MethodGet, "/account/balance/"+args[0], nil)
		},
	}

	credit := &cobra.Command{
		Use:   "credit <user_pubkey> <amount>",
		Short: "Credit an account in mGLYPH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q is not an integer", args[1])
			}
			return callGateway(cmd, v, http.MethodPost, "/account/credit", map[string]any{
				"user_pubkey": args[0],
				"amount":      amount,
				"memo":        "cli credit",
			})
		},
	}

	receipts := &cobra.Command{
		Use:   "receipts",
		Short: "Dump the gateway's receipt chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bindFlags(cmd, v)
			return callGateway(cmd, v, http.MethodGet, "/receipts", nil)
		},
	}

	settle := &cobra.Command{
		Use:   "settle <ticker> <total_amount>",
		Short: "Settle the current epoch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(cmd, v)
			total, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("total_amount %q is not an integer", args[1])
			}
			return callGateway(cmd, v, http.MethodPost, "/epoch/settle", map[string]any{
				"token_ticker": args[0],
				"total_amount": total,
			})
		},
	}

	cmd.AddCommand(infer, quote, balance, credit, receipts, settle)
	return cmd
}

// callGateway sends one request and prints the JSON response to stdout.
func callGateway(cmd *cobra.Command, v *viper.Viper, method, path string, body any) error {
	base := strings.TrimRight(v.GetString("gateway-url"), "/")

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", base, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	return nil
}

// Package cmd wires the glyphd command tree.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cosmossdk.io/log"
)

const envPrefix = "GLYPH"

// NewRootCmd builds the glyphd root command. Configuration resolves from
// flags, then GLYPH_* environment variables, then a .env file if present.
func NewRootCmd() *cobra.Command {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "glyphd",
		Short:         "Glyph gateway, node, and settlement tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("home", defaultHome(), "directory for keys and the ledger database")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newGatewayCmd(v),
		newNodeCmd(v),
		newClientCmd(v),
		newMinterCmd(v),
		newConfigureTokenCmd(v),
	)
	return rootCmd
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".glyph"
	}
	return filepath.Join(home, ".glyph")
}

func newLogger() log.Logger {
	return log.NewLogger(os.Stderr)
}

// bindFlags registers a command's local flags with viper so GLYPH_* env
// variables can supply them.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	_ = v.BindPFlags(cmd.Flags())
}

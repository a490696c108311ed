package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ccproxy",
	Short: "Claude API proxy with multi-account rotation",
	Long: `ccproxy relays Anthropic API traffic through a pool of OAuth
accounts, rotating on rate limits and refreshing tokens before expiry.`,
	SilenceUsage: true,
}

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

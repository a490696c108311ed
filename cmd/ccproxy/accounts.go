package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/config"
	"github.com/ccproxy-go/ccproxy/internal/logging"
	"github.com/ccproxy-go/ccproxy/internal/pool"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}

		snaps := p.Snapshots()
		if len(snaps) == 0 {
			fmt.Println("no accounts configured")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tEXPIRES\tREFRESH TOKEN")
		for _, snap := range snaps {
			expires := snap.Credentials.ExpiresAtTime().Format(time.RFC3339)
			if snap.Credentials.IsExpired() {
				expires += " (expired)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", snap.Name, expires, mask(snap.Credentials.RefreshToken))
		}
		return tw.Flush()
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an account from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		if !p.RemoveAccount(args[0]) {
			return fmt.Errorf("account %q not found", args[0])
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an account from existing token material",
	Long: `Add an account using tokens obtained elsewhere. Reads the access
token, refresh token and expiry (unix ms) from flags. For interactive
enrollment use "ccproxy login" instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessToken, _ := cmd.Flags().GetString("access-token")
		refreshToken, _ := cmd.Flags().GetString("refresh-token")
		expiresAt, _ := cmd.Flags().GetInt64("expires-at")
		if accessToken == "" || refreshToken == "" || expiresAt <= 0 {
			return fmt.Errorf("--access-token, --refresh-token and --expires-at are required")
		}

		p, err := openPool()
		if err != nil {
			return err
		}
		creds := account.Credentials{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		}
		if err := p.InstallAccount(args[0], creds); err != nil {
			return err
		}
		fmt.Printf("added %s\n", args[0])
		return nil
	},
}

func openPool() (*pool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup("warn", "")

	p := pool.New(cfg.AccountsPath)
	if err := p.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return p, nil
}

func mask(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func init() {
	accountsAddCmd.Flags().String("access-token", "", "OAuth access token")
	accountsAddCmd.Flags().String("refresh-token", "", "OAuth refresh token")
	accountsAddCmd.Flags().Int64("expires-at", 0, "access token expiry (unix milliseconds)")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsRemoveCmd)
	rootCmd.AddCommand(accountsCmd)
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ccproxy-go/ccproxy/internal/oauth"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <name>",
	Short: "Enroll an account via the OAuth flow",
	Long: `Start a PKCE OAuth flow for a new or existing account. The command
prints an authorization URL; open it in a browser, approve access, then
paste the displayed code back here.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPool()
		if err != nil {
			return err
		}
		mgr := oauth.NewManager(oauth.NewClient(), p)

		result, err := mgr.Start(args[0])
		if err != nil {
			return err
		}

		fmt.Println("Open this URL in your browser and approve access:")
		fmt.Println()
		fmt.Println("  " + result.AuthURL)
		fmt.Println()
		fmt.Print("Paste the authorization code here: ")

		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		code = strings.TrimSpace(code)

		name, err := mgr.Exchange(cmd.Context(), result.State, code)
		if err != nil {
			return err
		}
		fmt.Printf("account %q enrolled\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

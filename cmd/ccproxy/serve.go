package main

import (
	"github.com/ccproxy-go/ccproxy/internal/config"
	"github.com/ccproxy-go/ccproxy/internal/logging"
	"github.com/ccproxy-go/ccproxy/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, cfg.LogFile)

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		return srv.Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

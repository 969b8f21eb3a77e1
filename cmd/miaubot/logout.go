package main

import (
	"fmt"
	"log"

	"github.com/keepmind9/miaubot/internal/core"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/spf13/cobra"
)

var logoutConfig string

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Unlink the paired WhatsApp device",
	Long:  "Log the stored WhatsApp device out of the phone and clear its credentials. The next start shows a new QR code.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := core.LoadConfig(logoutConfig)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}

		if err := core.LogoutDevice(cmd.Context(), config); err != nil {
			log.Fatalf("Failed to log out: %v", err)
		}
		fmt.Println("✓ Device logged out")
	},
}

func init() {
	logoutCmd.Flags().StringVarP(&logoutConfig, "config", "c", constants.DefaultConfigFile, "Configuration file path")
}

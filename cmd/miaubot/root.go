package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "miaubot",
	Short: "miaubot is a chat command bot for WhatsApp, Discord and Telegram",
	Long: `miaubot keeps one chat connection alive and answers prefixed commands
(/help, /audio, /video, /sticker, ...) received over WhatsApp, Discord or
Telegram. WhatsApp devices are linked by scanning a QR code on first start.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

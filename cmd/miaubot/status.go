package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/core"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	statusConfig string
	statusJSON   bool
)

// StatusOutput represents the status output structure
type StatusOutput struct {
	Backend string `json:"backend"`
	Paired  bool   `json:"paired"`
	Device  string `json:"device,omitempty"`
	Store   string `json:"store,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show miaubot status",
	Long:  "Display the configured backend and whether a WhatsApp device is paired",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := core.LoadConfig(statusConfig)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}

		status, err := collectStatus(cmd.Context(), config)
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		printStatus(cmd.OutOrStdout(), status, statusJSON)
	},
}

func collectStatus(ctx context.Context, config *core.Config) (StatusOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	paired, device, err := core.HasPairedDevice(ctx, config)
	if err != nil {
		return StatusOutput{}, err
	}
	status := StatusOutput{
		Backend: config.Backend,
		Paired:  paired,
		Device:  device,
	}
	if config.Backend == bot.PlatformWhatsApp {
		status.Store = config.WhatsApp.StorePath
	}
	return status, nil
}

func printStatus(w io.Writer, status StatusOutput, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(status)
		if err != nil {
			fmt.Fprintf(w, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(w, string(output))
		return
	}

	fmt.Fprintln(w, "miaubot status:")
	fmt.Fprintf(w, "  - Version: %s\n", Version)
	fmt.Fprintf(w, "  - Backend: %s\n", status.Backend)
	if status.Store != "" {
		fmt.Fprintf(w, "  - Store: %s\n", status.Store)
	}
	switch {
	case status.Device != "":
		fmt.Fprintf(w, "  - Paired: yes (%s)\n", status.Device)
	case status.Paired:
		fmt.Fprintln(w, "  - Paired: yes")
	default:
		fmt.Fprintln(w, "  - Paired: no (run `miaubot start` to scan a QR code)")
	}
}

func init() {
	statusCmd.Flags().StringVarP(&statusConfig, "config", "c", constants.DefaultConfigFile, "Configuration file path")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}

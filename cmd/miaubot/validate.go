package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/keepmind9/miaubot/internal/bot"
	"github.com/keepmind9/miaubot/internal/core"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	validateConfig string
	validateShow   bool
	validateJSON   bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Backend  string   `json:"backend,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
	Language string   `json:"language,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate miaubot configuration file",
	Long: `Validate the miaubot configuration file without connecting.

This command checks:
  - YAML syntax and environment variables
  - Backend selection and credentials
  - Durations and limits
  - Filter patterns
  - Media tools on PATH

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := validateConfig
		if configFile == "" {
			configFile = findConfigFile(defaultConfigLocations())
		}

		if configFile == "" {
			fmt.Println("❌ No configuration file found")
			fmt.Println("\nSpecify a config file with --config or ensure one exists at:")
			for _, loc := range defaultConfigLocations() {
				fmt.Printf("  - %s\n", loc)
			}
			os.Exit(1)
		}

		cfg, result := validateFile(configFile, exec.LookPath)
		if validateShow && cfg != nil {
			showConfig(cmd.OutOrStdout(), configFile, cfg)
		}
		outputValidationResult(cmd.OutOrStdout(), result, validateJSON)

		if !result.Valid {
			os.Exit(1)
		}
	},
}

func defaultConfigLocations() []string {
	return []string{
		constants.DefaultConfigFile,
		filepath.Join(os.Getenv("HOME"), ".config/miaubot/config.yaml"),
		"/etc/miaubot/config.yaml",
	}
}

// findConfigFile returns the first existing path, or "".
func findConfigFile(candidates []string) string {
	for _, loc := range candidates {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// validateFile loads configFile and collects errors and warnings. lookPath
// resolves the media tools.
func validateFile(configFile string, lookPath func(string) (string, error)) (*core.Config, ValidationResult) {
	cfg, err := core.LoadConfig(configFile)
	if err != nil {
		return nil, ValidationResult{
			Valid:  false,
			Config: configFile,
			Errors: []string{err.Error()},
		}
	}

	return cfg, ValidationResult{
		Valid:    true,
		Config:   configFile,
		Backend:  cfg.Backend,
		Prefix:   cfg.Bot.Prefix,
		Language: cfg.Bot.Language,
		Warnings: validateConfigDetails(cfg, lookPath),
	}
}

// validateConfigDetails reports settings that load fine but are likely
// mistakes.
func validateConfigDetails(cfg *core.Config, lookPath func(string) (string, error)) []string {
	var warnings []string

	if cfg.Connection.OpenTimeout == "off" {
		warnings = append(warnings, "open_timeout is off - a stalled handshake is never retried")
	}
	if cfg.Connection.LogoutOnDisconnect {
		warnings = append(warnings, "logout_on_disconnect is enabled - the device must be paired again after every shutdown")
	}
	if cfg.Backend == bot.PlatformDiscord && cfg.Discord.ChannelID == "" {
		warnings = append(warnings, "discord.channel_id is empty - the bot answers in every channel it can read")
	}
	if cfg.Backend == bot.PlatformWhatsApp {
		if _, err := os.Stat(cfg.WhatsApp.StorePath); os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("no WhatsApp store at %s - a QR code will be shown on start", cfg.WhatsApp.StorePath))
		}
	}

	settings := cfg.MediaSettings()
	for _, tool := range []string{toolOr(settings.YtDlpPath, "yt-dlp"), toolOr(settings.FFmpegPath, "ffmpeg")} {
		if _, err := lookPath(tool); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s not found - media commands will fail", tool))
		}
	}

	return warnings
}

func toolOr(path, def string) string {
	if path == "" {
		return def
	}
	return path
}

func showConfig(w io.Writer, configFile string, cfg *core.Config) {
	fmt.Fprintf(w, "✓ Configuration loaded: %s\n\n", configFile)
	fmt.Fprintf(w, "Bot:\n")
	fmt.Fprintf(w, "  - name: %s\n", cfg.Bot.Name)
	fmt.Fprintf(w, "  - prefix: %s\n", cfg.Bot.Prefix)
	fmt.Fprintf(w, "  - language: %s\n", cfg.Bot.Language)
	fmt.Fprintf(w, "\nBackend: %s\n", cfg.Backend)
	switch cfg.Backend {
	case bot.PlatformWhatsApp:
		fmt.Fprintf(w, "  - store: %s\n", cfg.WhatsApp.StorePath)
		fmt.Fprintf(w, "  - mark_online_on_connect: %v\n", cfg.WhatsApp.MarkOnlineOnConnect)
	default:
		fmt.Fprintf(w, "  - token: %s\n", bot.MaskSecret(cfg.BackendToken()))
	}
	fmt.Fprintf(w, "\nConnection:\n")
	fmt.Fprintf(w, "  - max_reconnect_attempts: %d\n", cfg.Connection.MaxReconnectAttempts)
	fmt.Fprintf(w, "  - reconnect_delay: %s\n", cfg.Connection.ReconnectDelay)
	fmt.Fprintf(w, "  - open_timeout: %s\n", cfg.Connection.OpenTimeout)
	fmt.Fprintf(w, "\nFilter:\n")
	fmt.Fprintf(w, "  - ignore_jids: %d\n", len(cfg.Filter.IgnoreJIDs))
	fmt.Fprintf(w, "  - ignore_patterns: %d\n", len(cfg.Filter.IgnorePatterns))
	fmt.Fprintf(w, "  - ignore_groups: %v\n", cfg.Filter.IgnoreGroups)
	fmt.Fprintf(w, "  - ignore_private: %v\n", cfg.Filter.IgnorePrivate)
	fmt.Fprintln(w)
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(w, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(w, string(output))
		return
	}

	if result.Valid {
		fmt.Fprintln(w, "✓ Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Backend: %s\n", result.Backend)
		fmt.Fprintf(w, "  - Prefix: %s\n", result.Prefix)
		fmt.Fprintf(w, "  - Language: %s\n", result.Language)
		if len(result.Warnings) > 0 {
			fmt.Fprintln(w, "\n⚠️  Warnings:")
			for _, warning := range result.Warnings {
				fmt.Fprintf(w, "  - %s\n", warning)
			}
		}
		return
	}

	fmt.Fprintln(w, "❌ Configuration validation failed:")
	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, errMsg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", errMsg)
		}
	}
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfig, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show full configuration details")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}

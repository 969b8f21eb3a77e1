package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/miaubot/internal/core"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/keepmind9/miaubot/internal/media"
	"github.com/keepmind9/miaubot/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the miaubot main process",
		Long:  "Connect to the configured backend, pair if needed and answer chat commands until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting %s with config: %s\n", config.Bot.Name, configFile)
			fmt.Printf("Backend: %s\n", config.Backend)
			fmt.Printf("Command prefix: %s\n", config.Bot.Prefix)

			if err := logger.InitLogger(config.LoggerSettings()); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			backend, err := core.NewBackend(config)
			if err != nil {
				log.Fatalf("Failed to create backend: %v", err)
			}

			pipeline, err := media.New(config.MediaSettings(), media.ExecRunner{})
			if err != nil {
				log.Fatalf("Failed to create media pipeline: %v", err)
			}

			engine, err := core.NewEngine(config, backend, pipeline)
			if err != nil {
				log.Fatalf("Failed to create engine: %v", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Println("\nmiaubot engine starting...")
			fmt.Println("Press Ctrl+C to stop")

			if err := engine.Run(ctx); err != nil {
				logger.WithField("error", err).Error("engine-stopped-with-error")
				fmt.Fprintf(os.Stderr, "Engine error: %v\n", err)
				os.Exit(1)
			}

			log.Println("miaubot stopped")
		},
	}
)

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", constants.DefaultConfigFile, "Configuration file path")
}

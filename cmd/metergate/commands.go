// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MeterGate/pkg/logging"
	"github.com/AleutianAI/MeterGate/services/metergate"
	"github.com/AleutianAI/MeterGate/services/metergate/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "metergate",
		Short:         "Utility usage accumulation and access authorization service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MeterGate HTTP server and background ingestion",
		RunE:  runServe,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Clear the usage collection and reseed it from the historical dataset",
		Long:  `Runs the administrative reset offline. The server must not be running against the same store path.`,
		RunE:  runReset,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the MeterGate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "metergate", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to metergate.yaml (defaults and METERGATE_* env apply without it)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadRuntime loads the config and builds the process logger.
func loadRuntime() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "metergate",
		JSON:    cfg.Log.JSON,
	})
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Slog().Info("Starting MeterGate",
		"version", version,
		"port", cfg.Server.Port,
		"store_path", cfg.Store.Path,
		"mqtt_enabled", cfg.MQTT.Broker != "",
		"kafka_enabled", len(cfg.Kafka.Brokers) > 0,
		"influx_enabled", cfg.Influx.URL != "",
	)

	svc, err := metergate.New(cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := metergate.Reset(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

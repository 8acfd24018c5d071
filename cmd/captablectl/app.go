package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"captable/internal/config"
	"captable/internal/database"
	"captable/internal/eventsink"
	"captable/internal/ledger"
	"captable/internal/logger"
	"captable/internal/server"
)

// openApp connects to the database and event sink and wires the service
// graph. The returned cleanup closes both.
func openApp(ctx context.Context) (*server.App, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	dbManager, err := database.NewManager(database.NewConfig(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create database manager: %w", err)
	}

	sink, err := eventsink.New(ctx, eventsink.Options{
		Kind:                   cfg.EventSink,
		KafkaBrokers:           cfg.KafkaBrokers,
		KafkaTopic:             cfg.KafkaTopic,
		KafkaPartitions:        int32(cfg.KafkaTopicPartitions),
		KafkaReplicationFactor: int16(cfg.KafkaReplicationFactor),
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		RedisStreamKey:         cfg.RedisStreamKey,
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, nil, nil, fmt.Errorf("failed to create event sink: %w", err)
	}

	client := ledger.NewHTTPClient(cfg.LedgerAPIURL, cfg.LedgerAPIToken, &http.Client{Timeout: cfg.LedgerTimeout})

	cleanup := func() {
		if err := sink.Close(); err != nil {
			logger.Get().Warnw("failed to close event sink", "error", err)
		}
		if err := dbManager.Close(); err != nil {
			logger.Get().Warnw("failed to close database", "error", err)
		}
	}

	return server.NewApp(dbManager.DB(), client, sink, cfg), cfg, cleanup, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Command settle runs a single settlement pass and prints the outcomes as
// JSON. It is meant for cron jobs and operators.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/bcnelson/tontine-manager/internal/app"
	"github.com/bcnelson/tontine-manager/internal/config"
	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/pkg/logging"
)

func main() {
	at := flag.String("at", "", "evaluate due groups as of this RFC 3339 time instead of now")
	timeout := flag.Duration("timeout", 5*time.Minute, "upper bound for the whole pass")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	if *at != "" {
		now, err = time.Parse(time.RFC3339, *at)
		if err != nil {
			logger.Error("invalid -at", "error", err)
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	outcomes, passErr := a.Settlement.RunSettlementPass(ctx, now)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&domain.SettlementRunResponse{RanAt: now, Outcomes: outcomes}); err != nil {
		logger.Error("writing outcomes", "error", err)
	}
	if passErr != nil {
		logger.Error("settlement pass failed", "error", passErr)
		a.Close()
		os.Exit(1)
	}
}

// Kestrel - Behavioral risk scoring for every session.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrel-train fits the anomaly model on logged sessions.
//
// Usage:
//
//	kestrel-train -out ./models/iforest.json
//
// The repository is selected with the same KESTREL_* settings the server uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func main() {
	out := flag.String("out", "", "Model artifact path (defaults to KESTREL_MODEL_PATH)")
	trees := flag.Int("trees", 100, "Number of isolation trees")
	contamination := flag.Float64("contamination", 0.05, "Expected outlier fraction")
	seed := flag.Int64("seed", 42, "Random seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	path := *out
	if path == "" {
		path = cfg.Scoring.ModelPath
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: kestrel-train -out /path/to/model.json")
		flag.PrintDefaults()
		os.Exit(2)
	}

	forestCfg := scoring.DefaultForestConfig()
	forestCfg.Trees = *trees
	forestCfg.Contamination = *contamination
	forestCfg.Seed = *seed

	if err := run(context.Background(), cfg.Repository, path, forestCfg); err != nil {
		slog.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, repoCfg domain.RepositoryConfig, path string, forestCfg scoring.ForestConfig) error {
	repo, err := repository.New(repoCfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	logs, err := repo.AllSessionLogs(ctx)
	if err != nil {
		return fmt.Errorf("read session logs: %w", err)
	}

	rows := trainingRows(logs)
	slog.Info("loaded training data", "sessions", len(logs), "rows", len(rows))
	if len(rows) < scoring.MinTrainingRows {
		return fmt.Errorf("%w: have %d sessions, need %d", scoring.ErrInsufficientData, len(rows), scoring.MinTrainingRows)
	}

	forest := scoring.NewIsolationForest(domain.MetricNames, forestCfg)
	if err := forest.Fit(rows); err != nil {
		return fmt.Errorf("fit model: %w", err)
	}
	if err := scoring.SaveModel(path, forest); err != nil {
		return err
	}

	slog.Info("model saved",
		"path", path,
		"features", len(domain.MetricNames),
		"offset", forest.Offset(),
	)
	return nil
}

// trainingRows lays out each logged feature map in MetricNames order.
// Sessions logged without features carry no signal and are skipped.
func trainingRows(logs []*domain.SessionLog) [][]float64 {
	rows := make([][]float64, 0, len(logs))
	for _, l := range logs {
		if len(l.ProcessedFeatures) == 0 {
			continue
		}
		rows = append(rows, l.ProcessedFeatures.Vector(domain.MetricNames))
	}
	return rows
}

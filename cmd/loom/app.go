package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/loom/internal/assembler"
	"github.com/normanking/loom/internal/knowledge"
	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/metrics"
	"github.com/normanking/loom/internal/modes"
	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/project"
	"github.com/normanking/loom/internal/roles"
	"github.com/normanking/loom/internal/router"
)

// app holds the wired components shared by the commands.
type app struct {
	metrics  *metrics.Metrics
	registry *roles.Registry
	index    *knowledge.SQLiteIndex
	projects *project.Store
	catalog  *modes.Catalog
	orch     *orchestrator.Orchestrator
}

// initializeApp wires every component from cfg. The returned cleanup closes
// the passage index and stops the metrics listener.
func initializeApp(ctx context.Context, metricsAddr string) (*app, func(), error) {
	a := &app{metrics: metrics.New()}

	adapters, err := llm.AdaptersFromConfig(cfg, a.metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("configure backends: %w", err)
	}

	defaults, err := roles.DefaultsFromConfig(cfg.Roles)
	if err != nil {
		return nil, nil, fmt.Errorf("configure role defaults: %w", err)
	}
	a.registry = roles.NewRegistry(cfg.Roles.Path, adapters, defaults)
	if err := a.registry.Load(); err != nil && !errors.Is(err, roles.ErrConfigCorrupt) {
		return nil, nil, fmt.Errorf("load role registry: %w", err)
	}

	a.catalog, err = modes.Load(cfg.Modes.File)
	if err != nil {
		return nil, nil, fmt.Errorf("load agent modes: %w", err)
	}

	classifier, err := router.NewClassifier(cfg.Router)
	if err != nil {
		return nil, nil, fmt.Errorf("configure router: %w", err)
	}

	a.projects = project.NewStore(cfg.Projects.Dir)

	var retriever knowledge.Retriever
	if cfg.Knowledge.Enabled {
		a.index, err = knowledge.OpenSQLiteIndex(cfg.Knowledge.DBPath)
		if err != nil {
			// Generation still works without passages
			log.Warn().Err(err).Str("path", cfg.Knowledge.DBPath).Msg("knowledge index unavailable")
		} else {
			retriever = a.index
		}
	}

	asm := assembler.New(assembler.ConfigFromSettings(cfg.Assembler), retriever, a.projects)

	a.orch = orchestrator.New(a.registry, a.catalog, asm,
		orchestrator.WithClassifier(classifier),
		orchestrator.WithRecorder(a.metrics),
		orchestrator.WithDefaultMode(cfg.Orchestrator.DefaultMode),
		orchestrator.WithSuggestionTTL(time.Duration(cfg.Orchestrator.SuggestionTTLSec)*time.Second),
	)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(metricsCtx, metricsAddr); err != nil {
				log.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics listener stopped")
			}
		}()
		log.Debug().Str("addr", metricsAddr).Msg("serving metrics")
	}

	cleanup := func() {
		stopMetrics()
		if a.index != nil {
			if err := a.index.Close(); err != nil {
				log.Warn().Err(err).Msg("close knowledge index")
			}
		}
	}
	return a, cleanup, nil
}

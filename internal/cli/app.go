package cli

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/memctx"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/transitions"
)

// App bundles the wiring every subcommand needs. Commands open it,
// use it, and close it before returning.
type App struct {
	Config   config.Config
	DB       *sql.DB
	Registry *records.Registry
	Contexts *memctx.Manager
	Bus      *transitions.Bus
	Orch     *orchestrator.Orchestrator
	Agents   *orchestrator.Registry
}

func OpenApp() (*App, error) {
	cfg := config.Load()
	db, err := docstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := records.NewRegistry()
	contexts := memctx.NewManager(db, reg,
		memctx.WithBufferCapacity(cfg.BufferCapacity),
		memctx.WithDefaultMinScore(cfg.MinScore),
		memctx.WithStoreOptions(docstore.WithRetryBudget(cfg.StoreRetries)),
	)
	bus := transitions.NewBus(db)

	agents := orchestrator.NewRegistry()
	if err := agents.Register("noop", orchestrator.Noop()); err != nil {
		_ = db.Close()
		return nil, err
	}

	orch := orchestrator.New(contexts, agents, bus,
		orchestrator.WithExecutorTimeout(cfg.ExecutorTimeout),
		orchestrator.WithRejectionPolicy(orchestrator.RejectionPolicy(cfg.RejectionPolicy)),
	)

	return &App{
		Config:   cfg,
		DB:       db,
		Registry: reg,
		Contexts: contexts,
		Bus:      bus,
		Orch:     orch,
		Agents:   agents,
	}, nil
}

func (a *App) Close() {
	_ = a.DB.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

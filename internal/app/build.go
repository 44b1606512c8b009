package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ent0n29/weaver/internal/config"
	"github.com/ent0n29/weaver/internal/httpapi"
	"github.com/ent0n29/weaver/internal/ledger"
	"github.com/ent0n29/weaver/internal/observability"
	"github.com/ent0n29/weaver/internal/router"
	"github.com/ent0n29/weaver/internal/runner"
	"github.com/ent0n29/weaver/internal/session"
	"github.com/ent0n29/weaver/internal/store"
	"github.com/ent0n29/weaver/internal/taskcoord"
	"github.com/ent0n29/weaver/internal/webcache"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Tasks    *taskcoord.Coordinator
	Windows  *router.Router
	Changes  *ledger.Ledger
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// logNotifier stands in for a desktop notification bridge. A future client
// can replace it with a push over its own window socket.
type logNotifier struct{}

func (logNotifier) Notify(sessionID, title, body string) {
	log.Printf("notify [%s] %s: %s", sessionID, title, body)
}

func Build(ctx context.Context, cfg config.Config, r runner.Runner) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	records, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	if r == nil {
		r = runner.NewMockRunner()
		log.Printf("runner: mock (no model backend configured)")
	}

	changes := ledger.New(ledger.NewOSWorkspace(cfg.WorkspaceRoot))
	windows := router.New(logNotifier{}, metrics)
	cache := webcache.New()

	sessions := session.NewManager(r, changes, records, cache, windows, metrics)
	if err := sessions.Restore(ctx); err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("session restore failed: %w", err)
	}
	tasks := taskcoord.New(sessions, changes, windows, metrics)

	api := httpapi.New(cfg, sessions, tasks, changes, windows, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Tasks:    tasks,
		Windows:  windows,
		Changes:  changes,
		Metrics:  metrics,
		Cleanup: func() error {
			return records.Close()
		},
	}, nil
}

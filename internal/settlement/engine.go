package settlement

import (
	"context"
	"log/slog"

	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/execution"
	"github.com/mbd888/toolpay/internal/ledger"
)

// Engine owns one settlement worker per configured chain and their shared
// lifecycle. Workers are independent; a slow or unreachable chain never
// stalls settlement on another.
type Engine struct {
	workers map[string]*Worker
	store   Store
	logger  *slog.Logger
}

// NewEngine builds a worker for every chain in the registry.
func NewEngine(cfg WorkerConfig, registry *chain.Registry, l *ledger.Ledger, records execution.Store, store Store, pub Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	workers := make(map[string]*Worker)
	for _, name := range registry.Names() {
		gw, err := registry.Get(name)
		if err != nil {
			continue
		}
		workers[name] = NewWorker(cfg, gw, l, records, store, pub, logger)
	}

	return &Engine{
		workers: workers,
		store:   store,
		logger:  logger.With("component", "settlement"),
	}
}

// Start launches every worker. Each worker resumes its interrupted
// submissions before serving triggers.
func (e *Engine) Start(ctx context.Context) {
	for name, w := range e.workers {
		e.logger.Info("starting settlement worker", "chain", name)
		go w.Start(ctx)
	}
}

// Stop drains every worker: in-flight runs finish, then the loops exit.
func (e *Engine) Stop() {
	for name, w := range e.workers {
		e.logger.Info("stopping settlement worker", "chain", name)
		w.Stop()
	}
}

// Kick nudges one chain's worker to check its pending threshold. Unknown
// chains are ignored; the admission path already validated the name.
func (e *Engine) Kick(chainName string) {
	if w, ok := e.workers[chainName]; ok {
		w.Kick()
	}
}

// Worker returns the worker for a chain, if configured.
func (e *Engine) Worker(chainName string) (*Worker, bool) {
	w, ok := e.workers[chainName]
	return w, ok
}

// Store exposes the settlement store for the query surfaces.
func (e *Engine) Store() Store {
	return e.store
}

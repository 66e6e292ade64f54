// Package app provides the dependency injection container for the
// workspace: it opens the store, builds the backend and spawner, and
// wires the orchestrator with its watchers and logger.
package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/kbtz-tools/kbtz-workspace/internal/config"
	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/logging"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/session"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/taskstore"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/watcher"
	"github.com/kbtz-tools/kbtz-workspace/internal/orchestrator"
)

// Options carries CLI-level settings; unset fields fall back to the
// config file, then to defaults.
type Options struct {
	DBPath      string
	Concurrency *int
	Manual      bool
	Prefer      string
	Backend     string
	Command     string
	UseShepherd bool
}

// defaultConcurrency caps auto-spawned sessions when neither the CLI
// nor the config says otherwise.
const defaultConcurrency = 8

// Container holds the wired application.
type Container struct {
	Store         *taskstore.Store
	Orchestrator  *orchestrator.Orchestrator
	Logger        *logging.Logger
	DBWatcher     *watcher.Watcher
	StatusWatcher *watcher.Watcher
}

// New merges CLI > config > defaults and builds the container.
func New(opts Options) (*Container, error) {
	cfg, err := config.Load(domain.ConfigPath())
	if err != nil {
		return nil, err
	}
	ws := cfg.Workspace

	concurrency := defaultConcurrency
	if ws.Concurrency != nil {
		concurrency = *ws.Concurrency
	}
	if opts.Concurrency != nil {
		concurrency = *opts.Concurrency
	}

	manual := opts.Manual
	if !manual && ws.Manual != nil {
		manual = *ws.Manual
	}

	prefer := opts.Prefer
	if prefer == "" && ws.Prefer != nil {
		prefer = *ws.Prefer
	}

	backendName := opts.Backend
	if backendName == "" && ws.Backend != nil {
		backendName = *ws.Backend
	}
	if backendName == "" {
		backendName = "claude"
	}

	logLevel := "info"
	if ws.LogLevel != nil {
		logLevel = *ws.LogLevel
	}

	agentCfg := cfg.Agent[backendName]
	commandOverride := opts.Command
	var prefixArgs []string
	if commandOverride == "" {
		commandOverride = agentCfg.Binary()
		prefixArgs = agentCfg.PrefixArgs()
	}

	backend, err := orchestrator.BackendFromName(backendName, commandOverride, prefixArgs, agentCfg.Args)
	if err != nil {
		return nil, err
	}

	store, err := taskstore.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open kbtz database: %w", err)
	}

	workspaceDir := domain.WorkspaceDir()
	logger := logging.New(workspaceDir, logging.ParseLevel(logLevel))

	var spawner domain.SessionSpawner
	if opts.UseShepherd {
		spawner = session.ShepherdSpawner{WorkspaceDir: workspaceDir}
	} else {
		spawner = session.DirectSpawner{}
	}

	cols, rows := 80, 24
	if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		cols, rows = c, r
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:        store,
		WorkspaceDir: workspaceDir,
		Concurrency:  concurrency,
		Manual:       manual,
		Prefer:       prefer,
		Backend:      backend,
		Spawner:      spawner,
		Logger:       logger,
		Rows:         uint16(rows),
		Cols:         uint16(cols),
	})
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}

	dbWatch, err := watcher.NewDB(store.Path())
	if err != nil {
		orch.Shutdown()
		_ = store.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("watch database: %w", err)
	}
	statusWatch, err := watcher.NewDir(workspaceDir)
	if err != nil {
		_ = dbWatch.Close()
		orch.Shutdown()
		_ = store.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("watch workspace directory: %w", err)
	}

	c := &Container{
		Store:         store,
		Orchestrator:  orch,
		Logger:        logger,
		DBWatcher:     dbWatch,
		StatusWatcher: statusWatch,
	}
	c.startWatchers()
	return c, nil
}

func (c *Container) startWatchers() {
	// Watcher goroutines live as long as the process; Close stops the
	// underlying fsnotify watchers, which ends the loops.
	go c.DBWatcher.Run(context.Background(), nil)
	go c.StatusWatcher.Run(context.Background(), nil)
}

// Close releases everything the container owns except the
// orchestrator's sessions, which Shutdown handles explicitly.
func (c *Container) Close() {
	_ = c.DBWatcher.Close()
	_ = c.StatusWatcher.Close()
	_ = c.Store.Close()
	_ = c.Logger.Close()
}

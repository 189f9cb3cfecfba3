package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/confirm"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/gitrepo"
	"github.com/poni-dev/poni/internal/lifecycle"
	"github.com/poni-dev/poni/internal/mcp"
	"github.com/poni-dev/poni/internal/metrics"
	"github.com/poni-dev/poni/internal/project"
	"github.com/poni-dev/poni/internal/router"
)

// app is a loaded project with its validated config.
type app struct {
	project *config.Project
	cfg     *config.Config
	metrics *metrics.RuntimeMetrics
	logger  *slog.Logger
}

func findProject() (*config.Project, error) {
	if configPath != "" {
		return config.ProjectAt(configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindProject(wd)
}

// loadApp locates the project, loads its config and reconfigures logging
// from the [log] section.
func loadApp() (*app, error) {
	p, err := findProject()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(p)
	if err != nil {
		return nil, err
	}
	if err := configureLogger(cfg, logLevelOverride, p.Root); err != nil {
		return nil, err
	}
	return &app{
		project: p,
		cfg:     cfg,
		metrics: metrics.NewRuntimeMetrics(p.StateDir()),
		logger:  slog.Default(),
	}, nil
}

func (a *app) executor(store confirm.Store) *executor.Executor {
	return executor.New(executor.Options{
		MaxParallel:    a.cfg.Executor.MaxParallel,
		DefaultTimeout: a.cfg.Executor.DefaultTimeout,
		Secrets:        a.cfg.SecretValues(),
		Confirmer:      confirm.NewService(store),
		Metrics:        a.metrics,
		Logger:         a.logger,
	})
}

func (a *app) substituter() project.Substituter {
	pm := a.cfg.Poni.PackageManager
	if pm == "" {
		pm = project.Detect(a.project.Root)
	}
	return project.NewSubstituter(pm)
}

func (a *app) git() *gitrepo.Repo {
	return gitrepo.Open(a.project.Root)
}

// router builds every configured provider. The caller starts and closes it.
func (a *app) router(ex *executor.Executor) (*router.Router, error) {
	return router.FromConfig(a.cfg, router.Sources{
		Connector: mcp.NewStdioConnector(a.logger),
		Branches:  a.git(),
		Root:      a.project.Root,
	}, router.Options{
		Executor: ex,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
}

func (a *app) coordinator(ex *executor.Executor, store lifecycle.Store) (*lifecycle.Coordinator, error) {
	return lifecycle.NewCoordinator(a.cfg.Lifecycle, lifecycle.Options{
		Root:    a.project.Root,
		Exec:    ex,
		Store:   store,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
}

// startRouter starts providers and logs the ones that failed.
func (a *app) startRouter(ctx context.Context, r *router.Router) {
	r.Start(ctx)
	for _, st := range r.Statuses() {
		if !st.Available {
			a.logger.Warn("provider unavailable", "provider", st.Name, "reason", st.Message)
		}
	}
}

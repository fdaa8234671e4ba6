// Package app wires the watcher, compile pipeline, viewer hub and HTTP
// server into one process-scoped unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/pagecast/internal/api"
	"github.com/user/pagecast/internal/compiler"
	"github.com/user/pagecast/internal/config"
	"github.com/user/pagecast/internal/db"
	"github.com/user/pagecast/internal/hub"
	"github.com/user/pagecast/internal/preview"
	"github.com/user/pagecast/internal/server"
	"github.com/user/pagecast/internal/watcher"
)

type Option func(*App)

// WithCompiler replaces the configured external engine.
func WithCompiler(c compiler.Compiler) Option {
	return func(a *App) { a.compiler = c }
}

// WithStatus redirects operator status lines.
func WithStatus(w io.Writer) Option {
	return func(a *App) { a.status = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

type App struct {
	cfg      *config.Config
	log      *slog.Logger
	status   io.Writer
	compiler compiler.Compiler

	db       *db.DB
	history  *db.RevisionRepo
	hub      *hub.Hub
	pipeline *preview.Pipeline
	watcher  *watcher.Watcher
	server   *server.Server
}

// New builds every component and binds the listen address. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error
	if a.compiler == nil {
		ec, err := compiler.NewExecCompiler(cfg.Compiler.Command, compiler.ExecOptions{
			PPI:     cfg.PPI,
			Timeout: cfg.Compiler.Timeout,
			Logger:  a.log,
		})
		if err != nil {
			return nil, err
		}
		if err := ec.Check(); err != nil {
			return nil, err
		}
		a.compiler = ec
	}

	if cfg.History.Path != "" {
		a.db, err = db.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.history = db.NewRevisionRepo(a.db.SQL(), cfg.History.Keep)
	}

	a.hub = hub.New(hub.Options{
		Token:        cfg.Token,
		WriteTimeout: cfg.Delivery.WriteTimeout,
		PingInterval: cfg.Delivery.PingInterval,
		Logger:       a.log,
	})

	popts := preview.Options{
		Compiler:  a.compiler,
		Source:    compiler.Source{Input: cfg.Input, Root: cfg.Root},
		Publisher: a.hub,
		Status:    a.status,
		Logger:    a.log,
	}
	if a.history != nil {
		popts.Recorder = a.history
	}
	a.pipeline, err = preview.New(popts)
	if err != nil {
		return nil, err
	}

	a.watcher, err = watcher.New(cfg.WatchPaths(), watcher.Options{
		Debounce: cfg.Watch.Debounce,
		Ignore:   cfg.Watch.Ignore,
		Logger:   a.log,
	})
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Hub:      a.hub,
		Pipeline: a.pipeline,
		Watcher:  a.watcher,
		Input:    cfg.Input,
		Token:    cfg.Token,
		Started:  time.Now(),
	}
	if a.history != nil {
		deps.History = a.history
	}
	a.server, err = server.New(server.Options{Listen: cfg.Listen, Logger: a.log}, a.hub.HandleWebSocket, api.NewRouter(deps))
	if err != nil {
		return nil, err
	}
	if err := a.server.Listen(); err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// Run blocks until ctx is cancelled or a component fails. A watch failure
// is fatal and brings the rest down with it.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	g.Go(func() error {
		return a.pipeline.Run(ctx)
	})
	g.Go(func() error {
		if err := a.watcher.Run(ctx, a.pipeline.Request); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// URL is the viewer address, including the token when one is set.
func (a *App) URL() string {
	u := url.URL{Scheme: "http", Host: a.server.Addr(), Path: "/"}
	if a.cfg.Token != "" {
		u.RawQuery = url.Values{"token": {a.cfg.Token}}.Encode()
	}
	return u.String()
}

func (a *App) Hub() *hub.Hub { return a.hub }

func (a *App) Pipeline() *preview.Pipeline { return a.pipeline }

func (a *App) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.server != nil {
		errs = append(errs, a.server.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

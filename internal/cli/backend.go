package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roach88/pushdash/internal/config"
	"github.com/roach88/pushdash/internal/dynamo"
	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/memory"
	"github.com/roach88/pushdash/internal/session"
	"github.com/roach88/pushdash/internal/store"
	"github.com/roach88/pushdash/internal/watch"
)

// SettleTimeout bounds how long a command waits for its mirrors to catch up
// with the store before reading them.
const SettleTimeout = 15 * time.Second

// backend is an adapter the command owns and closes.
type backend interface {
	remote.Adapter
	Close() error
}

// loadConfig resolves configuration in order: defaults, config file,
// .env file and environment, then flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(o.EnvFile); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load env file", err)
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.DB != "" {
		cfg.SQLite.Path = o.DB
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// openBackend opens the configured document store.
func (o *RootOptions) openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		var opts []memory.Option
		if o.IDs != nil {
			opts = append(opts, memory.WithIDGenerator(o.IDs))
		}
		slog.Debug("using in-memory store")
		return memory.New(opts...), nil

	case config.BackendSQLite:
		var opts []store.Option
		if o.IDs != nil {
			opts = append(opts, store.WithIDGenerator(o.IDs))
		}
		st, err := store.Open(cfg.SQLite.Path, opts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		slog.Debug("database ready", "path", cfg.SQLite.Path)
		return st, nil

	case config.BackendDynamo:
		var opts []dynamo.Option
		if o.IDs != nil {
			opts = append(opts, dynamo.WithIDGenerator(o.IDs))
		}
		st, err := dynamo.Open(ctx, dynamo.Config{
			Table:           cfg.Dynamo.Table,
			Region:          cfg.Dynamo.Region,
			Endpoint:        cfg.Dynamo.Endpoint,
			CreateTable:     cfg.Dynamo.CreateTable,
			RefreshInterval: cfg.Dynamo.RefreshInterval,
			Stream:          cfg.Dynamo.Stream,
			StreamInterval:  cfg.Dynamo.StreamInterval,
		}, opts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open dynamodb table", err)
		}
		return st, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown backend %q", cfg.Backend))
}

// env is everything a session-backed command works with.
type env struct {
	cfg     *config.Config
	backend backend
	session *session.Session
}

// Close closes the session, then the backend.
func (e *env) Close() {
	if err := e.session.Close(); err != nil {
		slog.Error("error closing session", "error", err)
	}
	if err := e.backend.Close(); err != nil {
		slog.Error("error closing backend", "error", err)
	}
}

// settle waits for the session's mirrors to match the store.
func (e *env) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	if err := e.session.Settle(ctx); err != nil {
		return WrapExitError(ExitFailure, "mirrors did not catch up", err)
	}
	return nil
}

// openEnv loads config, opens the backend and a session for the flags'
// identity and role, and waits until the mirrors are settled.
func (o *RootOptions) openEnv(ctx context.Context, role watch.Role, extra ...session.Option) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	rules, err := cfg.SessionRules()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	b, err := o.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts []session.Option
	if o.Clock != nil {
		opts = append(opts, session.WithClock(o.Clock))
	}
	if o.IDs != nil {
		opts = append(opts, session.WithIDGenerator(o.IDs))
	}
	opts = append(opts, extra...)

	sess, err := session.Open(ctx, b, session.Identity{ID: o.Identity, Role: role}, rules, opts...)
	if err != nil {
		_ = b.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open session", err)
	}

	e := &env{cfg: cfg, backend: b, session: sess}
	if err := e.settle(ctx); err != nil {
		e.Close()
		return nil, err
	}
	for spec, ferr := range sess.Faults() {
		slog.Warn("mirror degraded", "spec", spec, "error", ferr)
	}
	return e, nil
}

// role parses the --role flag.
func (o *RootOptions) role() (watch.Role, error) {
	r, err := watch.ParseRole(o.Role)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid role", err)
	}
	return r, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

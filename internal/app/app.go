// Package app wires a workspace into a ready engine: database, migrations,
// configuration, logging and the external providers.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"pledgeline/internal/archive"
	"pledgeline/internal/config"
	"pledgeline/internal/db"
	"pledgeline/internal/email"
	"pledgeline/internal/engine"
	"pledgeline/internal/esign"
	"pledgeline/internal/logging"
	"pledgeline/internal/metrics"
	"pledgeline/internal/migrate"
	"pledgeline/internal/monitor"
	"pledgeline/internal/relay"
)

type Options struct {
	Workspace string
	// LogLevel overrides log.level from the config file when set.
	LogLevel string
	Console  io.Writer
	Getenv   func(string) string
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	// Provider is nil when esign.base_url is not configured.
	Provider esign.Provider
	Archive  *archive.Archive

	closers []io.Closer
}

// Open bootstraps the workspace. The caller must Close the result.
func Open(opts Options) (*App, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logOpts := logging.FromConfig(cfg.Log)
	if opts.LogLevel != "" {
		logOpts.Level = opts.LogLevel
	}
	logOpts.Console = opts.Console
	log, logCloser := logging.New(logOpts)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		logCloser.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Metrics:   metrics.New(),
		Log:       log,
		closers:   []io.Closer{conn, logCloser},
	}
	mailer, err := NewMailer(cfg.Email, log, getenv)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Provider = NewProvider(cfg.ESign, getenv)
	if cfg.Archive.Dir != "" {
		dir := cfg.Archive.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(opts.Workspace, dir)
		}
		arch := archive.New(dir)
		a.Archive = &arch
	}

	eng := engine.New(conn, cfg)
	eng.Mailer = mailer
	eng.Metrics = a.Metrics
	eng.Log = log.With().Str("component", "engine").Logger()
	a.Engine = eng
	return a, nil
}

// NewMailer builds the configured email provider.
func NewMailer(c config.EmailConfig, log zerolog.Logger, getenv func(string) string) (email.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", "log":
		return email.LogSender{Logger: log.With().Str("component", "email").Logger(), From: c.From}, nil
	case "http":
		key := ""
		if c.APIKeyEnv != "" {
			key = getenv(c.APIKeyEnv)
		}
		return email.NewHTTPSender(c.Endpoint, key, c.From), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", c.Provider)
}

// NewProvider builds the e-signature client, or nil when none is configured.
func NewProvider(c config.ESignConfig, getenv func(string) string) esign.Provider {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil
	}
	token := ""
	if c.TokenEnv != "" {
		token = getenv(c.TokenEnv)
	}
	return esign.NewClient(c.BaseURL, c.AccountID, token, c.Timeout)
}

// Monitor returns the signature monitor for this workspace.
func (a *App) Monitor() monitor.Monitor {
	return monitor.Monitor{
		Engine:   a.Engine,
		Provider: a.Provider,
		Archive:  a.Archive,
		Config:   a.Config.Monitor,
		Log:      a.Log.With().Str("component", "monitor").Logger(),
	}
}

// Relay returns the webhook relay for the configured hooks.
func (a *App) Relay() *relay.Relay {
	return relay.New(a.Engine.Repo, a.Config.Webhooks, a.Metrics, a.Log.With().Str("component", "relay").Logger())
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

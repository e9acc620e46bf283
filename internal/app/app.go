package app

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"archiflow/internal/chatbot"
	"archiflow/internal/config"
	"archiflow/internal/db"
	"archiflow/internal/engine"
	"archiflow/internal/events"
	"archiflow/internal/logging"
	"archiflow/internal/migrate"
)

// Options select the workspace and override parts of its config.
type Options struct {
	Workspace string
	// LogLevel replaces config.log.level when set.
	LogLevel string
	// Logger is used as is when set; otherwise one is built from config.
	Logger *zap.Logger
}

// Runtime is everything a command needs for one workspace: the loaded
// config, the migrated database and the engine publishing on Events.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Events    *events.Bus
	Engine    engine.Engine
}

// Open loads archiflow.yml (defaults when missing), opens and migrates the
// workspace database and wires the engine.
func Open(opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	bus := events.NewBus()
	logger.Debug("workspace opened", zap.String("db", db.Path(workspace)))
	return &Runtime{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Events:    bus,
		Engine:    engine.New(conn, bus),
	}, nil
}

// ErrNoAPIKey is returned by Chat when the configured key variable is empty.
var ErrNoAPIKey = errors.New("assistant API key not set")

// Chat builds the assistant pipeline over the runtime's engine. typing may be
// nil.
func (rt *Runtime) Chat(typing func(bool)) (*chatbot.Manager, error) {
	key := rt.Config.Assistant.APIKey()
	if key == "" {
		name := rt.Config.Assistant.APIKeyEnv
		if name == "" {
			name = config.DefaultAPIKeyEnv
		}
		return nil, fmt.Errorf("%w: export %s", ErrNoAPIKey, name)
	}
	transport := chatbot.NewTransport(rt.Config.Assistant, key, rt.Logger.Named("transport"))
	return chatbot.New(chatbot.Options{
		Contracts: rt.Engine,
		Completer: transport,
		Logger:    rt.Logger.Named("chatbot"),
		Typing:    typing,
	}), nil
}

func (rt *Runtime) Close() error {
	_ = rt.Logger.Sync()
	return rt.DB.Close()
}

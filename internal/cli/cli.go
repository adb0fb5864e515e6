// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/patelvivekdev/ai-sdk-v5/internal/cloud"
	"github.com/patelvivekdev/ai-sdk-v5/internal/config"
	"github.com/patelvivekdev/ai-sdk-v5/internal/gemini"
	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/session"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("invalid usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// =============================================================================
// APP
// =============================================================================

// App runs commands against one configuration.
type App struct {
	// Config is loaded from --config or ~/.chatcore when nil.
	Config *config.Config
	Out    io.Writer
	Err    io.Writer

	// Transport overrides the transport built from Config.
	Transport stream.Transport
	// Store overrides the store opened from Config.
	Store storage.Store

	registry *model.Registry
}

// NewApp creates an app writing to out and errOut.
func NewApp(cfg *config.Config, out, errOut io.Writer) *App {
	return &App{Config: cfg, Out: out, Err: errOut, registry: model.Builtin}
}

// Run executes argv against a fresh command tree.
func (a *App) Run(ctx context.Context, argv []string) error {
	root := NewRootCommand(a)
	root.SetArgs(argv)
	return root.ExecuteContext(ctx)
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the command tree. Running it without a subcommand
// starts the HTTP API.
func NewRootCommand(a *App) *cobra.Command {
	var (
		configPath string
		logLevel   string
		serve      serveOptions
	)

	root := &cobra.Command{
		Use:   "chatcore",
		Short: "Chat sessions with streaming model replies",
		Long: `chatcore keeps chat sessions on disk and streams model replies into them.

Without a subcommand it serves the HTTP API. Replies come from the endpoint
in client.endpoint when one is configured, otherwise from Gemini directly
(GOOGLE_GENERATIVE_AI_API_KEY).

Quick Start:
  chatcore                          # serve on 127.0.0.1:8787
  chatcore ask "Hello"              # one message, reply on stdout
  chatcore sessions                 # list saved sessions
  chatcore export <id> --format md  # write a session to a file`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError("unknown command %q", args[0])
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(configPath, logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), serve)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Load configuration from this TOML or JSON file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")
	serve.register(root)

	root.SetOut(a.Out)
	root.SetErr(a.Err)
	root.SetVersionTemplate(`chatcore {{printf "%s\n" .Version}}`)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	root.AddCommand(
		newServeCommand(a),
		newAskCommand(a),
		newSessionsCommand(a),
		newExportCommand(a),
		newModelsCommand(a),
		newConfigCommand(a),
		newVersionCommand(a),
	)
	return root
}

// setup loads the configuration once and applies the log level.
func (a *App) setup(configPath, logLevel string) error {
	if a.Config == nil {
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			if cfg == nil {
				return err
			}
			logging.Warn("CONFIG_LOAD_FAIL", "error", err)
		}
		a.Config = cfg
	}
	if logLevel != "" {
		a.Config.LogLevel = logLevel
	}

	lvl, err := logging.ParseLevel(a.Config.LogLevel)
	if err != nil {
		return usageError("%v", err)
	}
	logging.SetLevel(lvl)
	config.SetGlobal(a.Config)
	return nil
}

// exactArgs is cobra.ExactArgs reporting ErrUsage.
func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError("%s needs %s", cmd.CommandPath(), what)
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs reporting ErrUsage.
func minArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageError("%s needs %s", cmd.CommandPath(), what)
		}
		return nil
	}
}

// =============================================================================
// WIRING
// =============================================================================

// openStore opens the configured backend wrapped in a notifier. When
// watching is enabled on the file backend, external edits are published
// too. The returned func releases everything.
func (a *App) openStore() (*storage.ObservedStore, func(), error) {
	store := a.Store
	if store == nil {
		var err error
		store, err = storage.Open(a.Config.Storage.Backend, a.Config.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Storage.Backend, err)
		}
	}
	observed := storage.Observe(store)

	var watcher *storage.Watcher
	if fs, ok := store.(*storage.FileStore); ok && a.Config.Storage.Watch {
		w, err := storage.NewWatcher(fs, observed.Notifier, a.Config.WatchDebounce())
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			logging.Warn("WATCHER_START_FAIL", "error", err)
		} else {
			watcher = w
		}
	}

	cleanup := func() {
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				logging.Warn("WATCHER_CLOSE_FAIL", "error", err)
			}
		}
		if err := observed.Close(); err != nil {
			logging.Warn("STORE_CLOSE_FAIL", "error", err)
		}
	}
	return observed, cleanup, nil
}

// transport returns the configured transport: the remote endpoint when one
// is set, otherwise Gemini in-process.
func (a *App) transport(ctx context.Context) (stream.Transport, func(), error) {
	if a.Transport != nil {
		return a.Transport, func() {}, nil
	}

	if c := a.client(); c != nil {
		a.loadRemoteRegistry(ctx, c)
		return c, func() {}, nil
	}

	g, err := gemini.New(ctx, a.Config.Gemini.APIKey, a.registry)
	if err != nil {
		if errors.Is(err, gemini.ErrNoAPIKey) {
			return nil, nil, fmt.Errorf("%w (set GOOGLE_GENERATIVE_AI_API_KEY or client.endpoint)", err)
		}
		return nil, nil, err
	}
	return g, func() {
		if err := g.Close(); err != nil {
			logging.Warn("GEMINI_CLOSE_FAIL", "error", err)
		}
	}, nil
}

// client returns the remote endpoint client, or nil when none is configured.
func (a *App) client() *cloud.Client {
	cc := a.Config.Client
	if cc.Endpoint == "" {
		return nil
	}
	return cloud.NewClient(cc.Endpoint,
		cloud.WithAPIKey(cc.APIKey),
		cloud.WithTimeout(a.Config.ClientTimeout()),
		cloud.WithRateLimit(cc.RequestsPerSecond, 1),
		cloud.WithMaxRetries(cc.MaxRetries),
	)
}

// loadRemoteRegistry replaces the builtin registry with the endpoint's
// model list when it offers the default model.
func (a *App) loadRemoteRegistry(ctx context.Context, c *cloud.Client) {
	opts, err := c.Models(ctx)
	if err != nil {
		logging.Warn("REMOTE_MODELS_FAIL", "endpoint", c.BaseURL(), "error", err)
		return
	}
	reg, err := model.NewRegistry(model.DefaultModelID, opts...)
	if err != nil {
		logging.Warn("REMOTE_MODELS_UNUSABLE", "endpoint", c.BaseURL(), "error", err)
		return
	}
	a.registry = reg
}

func (a *App) sessionConfig() session.Config {
	return session.Config{
		Registry:           a.registry,
		Policy:             a.Config.Policy(),
		DefaultReasoning:   a.Config.ReasoningLevel(),
		MaxAttachmentBytes: a.Config.Chat.MaxAttachmentBytes,
		IdleTimeout:        a.Config.IdleTimeout(),
	}
}

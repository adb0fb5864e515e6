// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/patelvivekdev/ai-sdk-v5/internal/config"
	"github.com/patelvivekdev/ai-sdk-v5/internal/export"
	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/server"
	"github.com/patelvivekdev/ai-sdk-v5/internal/session"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/util"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// SERVE
// =============================================================================

type serveOptions struct {
	host string
	port int
}

func (o *serveOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.host, "host", "", "Listen host (default server.host)")
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "Listen port (default server.port)")
}

func newServeCommand(a *App) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}
	opts.register(cmd)
	return cmd
}

// serve runs the HTTP API until ctx is canceled.
func (a *App) serve(ctx context.Context, opts serveOptions) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	transport, closeTransport, err := a.transport(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()

	mgr := session.NewManager(store, transport, a.sessionConfig())
	go mgr.Run(ctx)

	cfg := server.Config{
		Host:              a.Config.Server.Host,
		Port:              a.Config.Server.Port,
		RequestsPerMinute: a.Config.Server.RateLimit,
		AllowedOrigins:    a.Config.Server.AllowedOrigins,
	}
	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	srv := server.NewServer(cfg, transport, a.registry).WithSessions(mgr)

	fmt.Fprintf(a.Err, "chatcore %s listening on http://%s (storage: %s)\n",
		Version, cfg.Addr(), a.Config.Storage.Backend)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// =============================================================================
// ASK
// =============================================================================

type askOptions struct {
	sessionID string
	search    bool
	reasoning bool
	level     string
	attach    string
}

func newAskCommand(a *App) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one message and print the reply",
		Long: `Send one message and stream the reply to stdout. The session id is
printed on stderr; pass it to --session to continue the conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ask(cmd.Context(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Continue an existing session")
	cmd.Flags().BoolVarP(&opts.search, "search", "s", false, "Use a search-grounded model")
	cmd.Flags().BoolVarP(&opts.reasoning, "reasoning", "r", false, "Use a reasoning model")
	cmd.Flags().StringVar(&opts.level, "level", "", "Reasoning level: low, medium, high (implies --reasoning)")
	cmd.Flags().StringVarP(&opts.attach, "attach", "a", "", "Attach an image or PDF")
	return cmd
}

// ask sends one message and streams the reply text to Out.
func (a *App) ask(ctx context.Context, prompt string, opts askOptions) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" && opts.attach == "" {
		return usageError("ask needs a prompt")
	}

	in := session.SendInput{
		Text:      prompt,
		Search:    opts.search,
		Reasoning: opts.reasoning,
	}
	if opts.level != "" {
		level, err := model.ParseReasoningLevel(opts.level)
		if err != nil {
			return usageError("%v", err)
		}
		in.Reasoning = true
		in.Level = level
	}
	if opts.attach != "" {
		data, err := os.ReadFile(opts.attach)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		in.Attachments = []session.Attachment{{Filename: filepath.Base(opts.attach), Data: data}}
	}

	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	transport, closeTransport, err := a.transport(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()

	mgr := session.NewManager(store, transport, a.sessionConfig())
	id := opts.sessionID
	if id == "" {
		id = mgr.NewSession()
	}

	if _, err := mgr.Send(ctx, id, in); err != nil {
		return err
	}
	snaps, unsubscribe, err := mgr.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer unsubscribe()

	var printed string
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mgr.Stop(stopCtx, id); err != nil {
				logging.Debug("ASK_STOP", "error", err)
			}
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			printed = a.printDelta(snap.Messages, printed)
			if snap.Status.InFlight() {
				continue
			}
			fmt.Fprintln(a.Out)
			fmt.Fprintf(a.Err, "session: %s\n", id)
			return snap.Err
		}
	}
}

// printDelta writes the part of the trailing assistant reply that has not
// been printed yet and returns the full text printed so far.
func (a *App) printDelta(msgs []model.Message, printed string) string {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != model.RoleAssistant {
		return printed
	}
	text := msgs[len(msgs)-1].Text()
	if !strings.HasPrefix(text, printed) {
		return printed
	}
	fmt.Fprint(a.Out, text[len(printed):])
	return text
}

// =============================================================================
// SESSIONS
// =============================================================================

// withSessions runs fn against a manager on the configured store. The
// manager has no transport, so only persisted-state operations are valid.
func (a *App) withSessions(fn func(*session.Manager) error) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(session.NewManager(store, nil, a.sessionConfig()))
}

func newSessionsCommand(a *App) *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		return a.withSessions(func(m *session.Manager) error {
			metas, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.Out, storage.FormatSessionList(metas))
			return nil
		})
	}

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List and manage saved sessions",
		Args:    exactArgs(0, "a subcommand"),
		RunE:    list,
	}

	var confirm bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return usageError("sessions clear deletes every session; pass --yes to confirm")
			}
			return a.withSessions(func(m *session.Manager) error {
				if err := m.RemoveAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(a.Out, "Deleted all sessions")
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVarP(&confirm, "yes", "y", false, "Confirm deletion")

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List saved sessions",
			Args:    exactArgs(0, "no arguments"),
			RunE:    list,
		},
		&cobra.Command{
			Use:     "search <query>",
			Aliases: []string{"find"},
			Short:   "Search titles and message text",
			Args:    minArgs(1, "a query"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSessions(func(m *session.Manager) error {
					metas, err := m.Search(cmd.Context(), strings.Join(args, " "))
					if err != nil {
						return err
					}
					fmt.Fprintln(a.Out, storage.FormatSessionList(metas))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session as Markdown",
			Args:  exactArgs(1, "a session id"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSessions(func(m *session.Manager) error {
					sess, err := m.Session(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					data, err := export.NewMarkdownExporter(nil).Export(sess)
					if err != nil {
						return err
					}
					_, err = a.Out.Write(data)
					return err
				})
			},
		},
		&cobra.Command{
			Use:     "delete <id>",
			Aliases: []string{"rm"},
			Short:   "Delete a session",
			Args:    exactArgs(1, "a session id"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSessions(func(m *session.Manager) error {
					if err := m.DeleteSession(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(a.Out, "Deleted session %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete-message <id> <message-id>",
			Short: "Delete one message, removing the session if nothing useful is left",
			Args:  exactArgs(2, "a session id and a message id"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSessions(func(m *session.Manager) error {
					removed, err := m.DeleteMessage(cmd.Context(), args[0], args[1])
					if err != nil {
						return err
					}
					if removed {
						fmt.Fprintf(a.Out, "Deleted message %s; session %s removed\n", args[1], args[0])
					} else {
						fmt.Fprintf(a.Out, "Deleted message %s\n", args[1])
					}
					return nil
				})
			},
		},
		clearCmd,
	)
	return cmd
}

// =============================================================================
// EXPORT
// =============================================================================

func newExportCommand(a *App) *cobra.Command {
	var (
		format      string
		outDir      string
		toStdout    bool
		noMetadata  bool
		noReasoning bool
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a session to Markdown, JSON or YAML",
		Args:  exactArgs(1, "a session id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := export.DefaultOptions()
			opts.OutputDir = outDir
			opts.IncludeMetadata = !noMetadata
			opts.IncludeReasoning = !noReasoning

			exp, err := export.For(format, opts)
			if err != nil {
				return usageError("%v", err)
			}
			return a.export(cmd.Context(), args[0], exp, opts, toStdout)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatMarkdown, "Output format: markdown, json, yaml")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "Write to stdout instead of a file")
	cmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "Omit frontmatter and per-reply stats")
	cmd.Flags().BoolVar(&noReasoning, "no-reasoning", false, "Omit reasoning traces")
	return cmd
}

// export writes one session to a file, or to Out.
func (a *App) export(ctx context.Context, id string, exp export.Exporter, opts *export.Options, toStdout bool) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	sess, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	if toStdout {
		data, err := exp.Export(sess)
		if err != nil {
			return err
		}
		_, err = a.Out.Write(data)
		return err
	}

	path, err := export.ExportToFile(sess, exp, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Exported %s to %s\n", id, path)
	return nil
}

// =============================================================================
// MODELS
// =============================================================================

func newModelsCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List selectable models",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.models(cmd.Context())
		},
	}
}

// models lists the selectable models, from the endpoint when one is set.
func (a *App) models(ctx context.Context) error {
	opts := a.registry.All()
	def := a.registry.Default().ID
	if c := a.client(); c != nil {
		remote, err := c.Models(ctx)
		if err != nil {
			return fmt.Errorf("list models from %s: %w", c.BaseURL(), err)
		}
		opts = remote
	}

	fmt.Fprintln(a.Out, "Models:")
	for _, o := range opts {
		var flags []string
		if o.ID == def {
			flags = append(flags, "default")
		}
		if o.Search {
			flags = append(flags, "search")
		}
		if o.Reasoning {
			flags = append(flags, "reasoning")
		}
		if o.Vision {
			flags = append(flags, "vision")
		}
		fmt.Fprintf(a.Out, "  %s %s %s\n",
			pad(o.ID, 34), pad(util.TruncateWidth(o.Name, 20), 20), strings.Join(flags, ", "))
	}
	return nil
}

func pad(s string, width int) string {
	if w := util.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCommand(a *App) *cobra.Command {
	show := func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(a.Out, a.Config.String())
		return nil
	}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
		Args:  exactArgs(0, "a subcommand"),
		RunE:  show,
	}

	var (
		initPath string
		force    bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := initPath
			if path == "" {
				var err error
				if path, err = config.ConfigPathTOML(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(a.Out, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&initPath, "path", "", "Write here instead of ~/.chatcore/config.toml")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(
		&cobra.Command{Use: "show", Short: "Print the effective configuration", Args: exactArgs(0, "no arguments"), RunE: show},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  exactArgs(0, "no arguments"),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.ConfigPathTOML()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.Out, path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the effective configuration",
			Args:  exactArgs(0, "no arguments"),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.Config.Validate(); err != nil {
					return err
				}
				fmt.Fprintln(a.Out, "Configuration is valid")
				return nil
			},
		},
		initCmd,
	)
	return cmd
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.Out, "chatcore %s (commit: %s, built: %s)\n", Version, GitCommit, BuildDate)
			return nil
		},
	}
}

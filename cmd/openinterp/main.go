package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"openinterp/internal/agent"
	"openinterp/internal/bus"
	"openinterp/internal/channel"
	"openinterp/internal/config"
	"openinterp/internal/domain"
	"openinterp/internal/executor"
	"openinterp/internal/memory"
	"openinterp/internal/profile"
	"openinterp/internal/provider"
	"openinterp/internal/security"
)

var (
	version     = "0.1.0"
	logger      *slog.Logger
	configPath  string // overridable via --config flag
	profileName string // overridable via --profile flag
)

func main() {
	// Env vars referenced from config (${OPENAI_API_KEY} etc.) may live in
	// a local .env file.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "openinterp",
		Short: "openinterp: a code-running assistant in your terminal",
		Long:  "openinterp streams an LLM, extracts code blocks from the response, and executes them locally with your approval.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.openinterp/config.json)")
	root.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "profile to apply (~/.openinterp/profiles/<name>.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(execCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falls back to defaults when missing,
// and applies the selected profile.
func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}

	if profileName != "" {
		dir := cfg.General.ProfileDir
		if dir == "" {
			dir = profile.DefaultDir()
		}
		profiles, err := profile.LoadFromDirectory(config.ExpandPath(dir), logger)
		if err != nil {
			logger.Warn("cannot load profiles", "dir", dir, "err", err)
		}
		if p, ok := profile.Find(profiles, profileName); ok {
			p.Apply(cfg)
			logger.Info("profile applied", "name", p.Name)
		} else {
			logger.Warn("profile not found", "name", profileName, "dir", dir)
		}
	}

	setupLogger(cfg)
	return cfg
}

// setupLogger reconfigures the global logger per config: level and
// optional log file.
func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		path := config.ExpandPath(cfg.General.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", path, "err", err)
		} else {
			w = f
		}
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.Workspace, cfg.General.ProfileDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openinterp v%s\n", version)
		},
	}
}

// runtime bundles everything a running interpreter needs, so chat, serve
// and exec can share the same construction path.
type runtime struct {
	cfg    *config.Config
	store  *memory.SQLiteStore
	bus    *bus.InMemoryBus
	interp *agent.Interpreter
	client domain.ModelClient
}

func (rt *runtime) Close() {
	rt.bus.Close()
	rt.store.Close()
}

// buildRuntime wires store, provider, executor, security and the
// interpreter loop. confirmFn may be nil; then confirmations are denied
// and only whitelisted or auto-run code executes.
func buildRuntime(ctx context.Context, cfg *config.Config, confirmFn security.ConfirmFunc) (*runtime, error) {
	if err := os.MkdirAll(config.ExpandPath(cfg.General.Workspace), 0o755); err != nil {
		return nil, err
	}

	store, err := memory.NewSQLiteStore(config.ExpandPath(cfg.Memory.DBPath), logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	secEngine, err := security.NewEngine(cfg.Security, confirmFn, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("security engine: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)
	client, err := factory.Default()
	if err != nil || client == nil {
		logger.Warn("no default provider, falling back to local ollama", "err", err)
		client = provider.NewOllama(provider.OllamaConfig{Logger: logger})
	}
	if err := client.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", client.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", client.Name(), "model", client.Model())
	}

	provCfg := cfg.Providers[cfg.General.DefaultProvider]

	messageBus := bus.New(100, logger)
	sessions := agent.NewSessionManager(store, logger)
	prompt := agent.NewPromptBuilder(cfg.General.CustomInstructions, cfg.General.OSMode)
	exec := executor.NewRegistry(cfg.Executor, logger)

	interp := agent.NewInterpreter(agent.InterpreterConfig{
		Client:         client,
		Sessions:       sessions,
		Prompt:         prompt,
		Executor:       exec,
		Security:       secEngine,
		Bus:            messageBus,
		Logger:         logger,
		MaxIterations:  cfg.General.MaxIterations,
		AutoRun:        cfg.General.AutoRun,
		OSMode:         cfg.General.OSMode,
		MaxOutputChars: cfg.General.MaxOutputChars,
		ScrollbarHints: cfg.General.ScrollbarHints,
		MaxTokens:      provCfg.MaxTokens,
		Temperature:    provCfg.Temperature,
	})

	return &runtime{
		cfg:    cfg,
		store:  store,
		bus:    messageBus,
		interp: interp,
		client: client,
	}, nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := channel.NewCLI(channel.CLIConfig{Logger: logger})

			rt, err := buildRuntime(ctx, cfg, cli.Confirm)
			if err != nil {
				return err
			}
			defer rt.Close()

			go rt.interp.Run(ctx)
			return cli.Start(ctx, rt.bus)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and Telegram surfaces",
		Long:  "Starts all enabled channels (Web SSE, Telegram) and the interpreter loop. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Remote surfaces have no one at the terminal to ask, so there is no
	// confirmation handler: the default policy and whitelist decide, and
	// anything that would ask is denied unless autoRun is on.
	rt, err := buildRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	go rt.interp.Run(ctx)

	var started int
	var webCh *channel.Web
	if cfg.Channels.Web.Enabled {
		webCh = channel.NewWeb(channel.WebConfig{
			Host:    cfg.Channels.Web.Host,
			Port:    cfg.Channels.Web.Port,
			Logger:  logger,
			Store:   rt.store,
			Version: version,
		})
		go func() {
			if err := webCh.Start(ctx, rt.bus); err != nil {
				logger.Error("web channel error", "err", err)
			}
		}()
		started++
	}

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, rt.bus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		started++
	}

	if started == 0 {
		return fmt.Errorf("no channels enabled; enable channels.web or channels.telegram in the config")
	}

	logger.Info("serving. Press Ctrl+C to stop.", "channels", started)
	<-ctx.Done()
	logger.Info("shutting down...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if webCh != nil {
			webCh.Stop()
		}
		if telegramCh != nil {
			telegramCh.Stop()
		}
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

func execCmd() *cobra.Command {
	var autoRun bool
	cmd := &cobra.Command{
		Use:   "exec [prompt]",
		Short: "Run a single prompt and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if autoRun {
				cfg.General.AutoRun = true
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := channel.NewCLI(channel.CLIConfig{Logger: logger})

			// No REPL here, so confirmations read stdin directly.
			confirmFn := func(ctx context.Context, question string) (bool, error) {
				fmt.Fprintf(os.Stderr, "\n%s ", question)
				var response string
				fmt.Scanln(&response)
				response = strings.ToLower(strings.TrimSpace(response))
				return response == "y" || response == "yes", nil
			}

			rt, err := buildRuntime(ctx, cfg, confirmFn)
			if err != nil {
				return err
			}
			defer rt.Close()

			// One-shot: drive the pipeline directly instead of going
			// through the bus, and print chunks as they arrive.
			msg := domain.InboundMessage{
				Channel:   "cli",
				ChatID:    "exec",
				SenderID:  "user",
				Content:   strings.Join(args, " "),
				Timestamp: time.Now(),
			}
			_, err = rt.interp.HandleMessage(ctx, msg, func(c domain.Chunk) error {
				cli.PrintChunk(c)
				return nil
			})
			fmt.Println()
			return err
		},
	}
	cmd.Flags().BoolVarP(&autoRun, "yes", "y", false, "run code without asking for confirmation")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.autoRun true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

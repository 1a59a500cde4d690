package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"warelay/internal/bus"
	"warelay/internal/channel"
	"warelay/internal/config"
	"warelay/internal/dispatch"
	"warelay/internal/media"
	"warelay/internal/metrics"
	"warelay/internal/provider"
	"warelay/internal/whatsapp"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "warelay",
		Short: "warelay: WhatsApp to reasoning-agent webhook relay",
		Long: "warelay receives WhatsApp Cloud API webhooks, turns text, image captions and voice notes\n" +
			"into text, forwards it to a reasoning agent and sends the agent's reply back to the user.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml or config.json (default: ~/.warelay/config.yaml if present)")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(configCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag, the default path when that
// file exists, or "" for built-in defaults.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

// loadConfig loads the config file and overlays the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from general.logLevel and general.logFile.
// The returned closer must be called on exit.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay HTTP server",
		Long:  "Serves GET/POST on the webhook path, POST /process, GET /health and the metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	if cfg.WhatsApp.VerifyToken == config.InsecureVerifyToken {
		logger.Warn("using the built-in webhook verify token; set VERIFY_TOKEN in production")
	}
	if cfg.WhatsApp.MessagesURL() == "" || cfg.WhatsApp.AccessToken == "" {
		logger.Warn("whatsapp send API not configured; replies will be dropped")
	}
	if cfg.Agent.URL == "" {
		logger.Warn("agent URL not configured; replies will report an unexpected error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)

	var forwarder *bus.AMQPForwarder
	if cfg.Events.Enabled {
		forwarder, err = bus.NewAMQPForwarder(bus.AMQPConfig{
			URL:           cfg.Events.AMQPURL,
			Exchange:      cfg.Events.Exchange,
			RoutingPrefix: cfg.Events.RoutingPrefix,
			Source:        cfg.General.ServiceName,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		defer forwarder.Close()
		forwarder.Attach(events)
		// Stopped by Close so events emitted while draining are still published.
		go forwarder.Run(context.Background())
	}

	wa := whatsapp.NewClient(whatsapp.ClientConfig{
		Config: cfg.WhatsApp,
		Events: events,
		Logger: logger.With("component", "whatsapp"),
	})

	agentTimeout := time.Duration(cfg.Agent.TimeoutSeconds) * time.Second
	agentClient := provider.NewHTTPClient(provider.HTTPClientOptions{
		Timeout:         agentTimeout,
		MaxConnsPerHost: cfg.Dispatch.Workers,
	})
	agent := provider.NewAgentClient(provider.AgentConfig{
		URL:        cfg.Agent.URL,
		Timeout:    agentTimeout,
		HTTPClient: agentClient,
		Logger:     logger.With("component", "agent"),
	})

	sttClient := provider.NewHTTPClient(provider.HTTPClientOptions{
		Timeout:         time.Duration(cfg.Transcription.TimeoutSeconds) * time.Second,
		MaxConnsPerHost: cfg.Dispatch.Workers,
	})
	resolver := media.NewResolver(media.ResolverConfig{
		Fetcher: wa,
		Transcriber: provider.NewWhisperProvider(provider.WhisperConfig{
			APIBase:    cfg.Transcription.APIBase,
			APIKey:     cfg.Transcription.APIKey,
			Model:      cfg.Transcription.Model,
			Language:   cfg.Transcription.Language,
			HTTPClient: sttClient,
			Logger:     logger.With("component", "transcription"),
		}),
		Events: events,
		Logger: logger.With("component", "media"),
	})

	queue := dispatch.NewQueue(dispatch.QueueConfig{
		Workers:        cfg.Dispatch.Workers,
		Size:           cfg.Dispatch.QueueSize,
		EnqueueTimeout: time.Duration(cfg.Dispatch.EnqueueTimeoutMs) * time.Millisecond,
		Logger:         logger.With("component", "queue"),
	})
	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Agent:  agent,
		Sender: wa,
		Events: events,
		Logger: logger.With("component", "dispatch"),
	})

	var backend channel.Completer = channel.AgentCompleter{Agent: agent}
	if cfg.Process.Backend == "groq" {
		backend = provider.NewGroqChat(provider.GroqChatConfig{
			APIKey:  cfg.Process.APIKey,
			APIBase: cfg.Process.APIBase,
			Model:   cfg.Process.Model,
			Logger:  logger.With("component", "groq"),
		})
	}

	srvCfg := channel.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		WebhookPath:       cfg.WhatsApp.WebhookPath,
		ServiceName:       cfg.General.ServiceName,
		Version:           version,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Intake: channel.NewIntake(channel.IntakeConfig{
			VerifyToken:   cfg.WhatsApp.VerifyToken,
			LowercaseText: cfg.WhatsApp.LowercaseText,
			Scheduler:     dispatch.NewScheduler(queue, dispatcher),
			Resolver:      resolver,
			Sender:        wa,
			Events:        events,
			Logger:        logger.With("component", "webhook"),
		}),
		Process: channel.NewProcess(channel.ProcessConfig{
			Backend: backend,
			Logger:  logger.With("component", "process"),
		}),
		Logger: logger,
	}
	if cfg.Metrics.Enabled {
		srvCfg.Metrics = metrics.Collector.Handler()
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	server := channel.NewServer(srvCfg)

	logger.Info("warelay starting",
		"version", version,
		"addr", server.Addr(),
		"webhook", cfg.WhatsApp.WebhookPath,
		"process_backend", cfg.Process.Backend,
		"workers", cfg.Dispatch.Workers,
		"events", cfg.Events.Enabled,
	)

	serveErr := server.Start(ctx)

	// Drain queued replies after the listener has stopped accepting webhooks.
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Dispatch.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	if err := queue.Close(drainCtx); err != nil {
		logger.Warn("dispatch queue not fully drained", "err", err)
	} else {
		logger.Info("dispatch queue drained", "stats", queue.Stats())
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. dispatch.workers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
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
		Short: "Set a config value (e.g. whatsapp.lowercaseText true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
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
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := resolveConfigPath(); p != "" {
				fmt.Println(p)
				return
			}
			fmt.Printf("%s (not created; using built-in defaults)\n", config.DefaultConfigPath())
		},
	})

	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a WhatsApp message through the configured Cloud API",
	}

	var to string
	cmd.PersistentFlags().StringVar(&to, "to", "", "recipient WhatsApp id (phone number)")
	cmd.MarkPersistentFlagRequired("to")

	cmd.AddCommand(&cobra.Command{
		Use:   "text [message]",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCLIClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := client.SendText(ctx, to, strings.Join(args, " ")); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "audio [file]",
		Short: "Upload an audio file and send it as an audio message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCLIClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := client.SendAudio(ctx, to, args[0]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	})

	return cmd
}

func newCLIClient() (*whatsapp.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.WhatsApp.AccessToken == "" {
		return nil, errors.New("whatsapp access token not set (META_ACCESS_TOKEN)")
	}
	return whatsapp.NewClient(whatsapp.ClientConfig{Config: cfg.WhatsApp, Logger: logger}), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warelay %s\n", version)
		},
	}
}

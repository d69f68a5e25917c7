package servecmder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/api"
	"github.com/papercomputeco/localllama/pkg/chat"
	"github.com/papercomputeco/localllama/pkg/config"
	"github.com/papercomputeco/localllama/pkg/logger"
	"github.com/papercomputeco/localllama/pkg/ollama"
	"github.com/papercomputeco/localllama/pkg/settings"
	"github.com/papercomputeco/localllama/pkg/storage"
	"github.com/papercomputeco/localllama/pkg/storage/inmemory"
	"github.com/papercomputeco/localllama/pkg/storage/sqlite"
)

const serveLongDesc string = `Run the localllama API server.

Chats are kept in a SQLite database and replies are generated by an
Ollama server. Settings are read from a JSON file that is watched for
changes, so edits to the Ollama host or defaults apply without restart.

Configuration is read from ~/.localllama/config.toml; flags override it.

Examples:
  localllama serve
  localllama serve --listen 0.0.0.0:3000 --ollama-host http://gpu-box:11434
  localllama serve --in-memory --debug`

const serveShortDesc string = "Run the API server"

type serveCommander struct {
	configPath   string
	listenAddr   string
	dbPath       string
	ollamaHost   string
	settingsPath string
	streamTTL    time.Duration
	inMemory     bool
	debug        bool
	logJSON      bool
}

func NewServeCmd() *cobra.Command {
	return newServeCmd(&serveCommander{})
}

func newServeCmd(cmder *serveCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmder.resolveConfig(cmd)
			if err != nil {
				return err
			}
			return cmder.run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to config file (default ~/.localllama/config.toml)")
	cmd.Flags().StringVarP(&cmder.listenAddr, "listen", "l", config.DefaultListenAddr, "Address to listen on")
	cmd.Flags().StringVarP(&cmder.dbPath, "sqlite", "s", "", "Path to SQLite database (default ~/.localllama/db.sqlite)")
	cmd.Flags().StringVar(&cmder.ollamaHost, "ollama-host", "", "Ollama host used when settings don't name one")
	cmd.Flags().StringVar(&cmder.settingsPath, "settings", "", "Path to settings file (default ~/.localllama/settings.json)")
	cmd.Flags().DurationVar(&cmder.streamTTL, "stream-ttl", config.DefaultStreamTTL, "How long an opened reply stream waits for its reader")
	cmd.Flags().BoolVar(&cmder.inMemory, "in-memory", false, "Keep chats in memory only")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&cmder.logJSON, "log-json", false, "Log JSON lines instead of console output")

	return cmd
}

// resolveConfig loads the config file and applies the flags that were set.
func (c *serveCommander) resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = c.listenAddr
	}
	if flags.Changed("sqlite") {
		if cfg.DBPath, err = config.ExpandHome(c.dbPath); err != nil {
			return nil, err
		}
	}
	if flags.Changed("ollama-host") {
		cfg.OllamaHost = c.ollamaHost
	}
	if flags.Changed("settings") {
		if cfg.SettingsPath, err = config.ExpandHome(c.settingsPath); err != nil {
			return nil, err
		}
	}
	if flags.Changed("stream-ttl") {
		cfg.StreamTTL = config.Duration(c.streamTTL)
	}
	if flags.Changed("debug") {
		cfg.Debug = c.debug
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = c.logJSON
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *serveCommander) run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Options{Debug: cfg.Debug, JSON: cfg.LogJSON})
	defer log.Sync()

	log.Info("localllama starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("ollama_host", cfg.OllamaHost),
		zap.Bool("debug", cfg.Debug),
	)

	store, err := c.openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	settingsStore, err := settings.NewStore(cfg.SettingsPath, cfg.OllamaHost, log)
	if err != nil {
		return fmt.Errorf("could not load settings: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := settingsStore.Watch(watchCtx); err != nil {
			log.Warn("settings will not reload", zap.Error(err))
		}
	}()

	client := ollama.NewClient(ollama.Config{
		Host:     cfg.OllamaHost,
		HostFunc: settingsStore.Host,
	}, log)

	service := chat.NewService(store, settingsStore, chat.OllamaUpstream(client), log)
	server := api.New(api.Config{
		ListenAddr: cfg.ListenAddr,
		StreamTTL:  time.Duration(cfg.StreamTTL),
	}, service, store, settingsStore, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		if err := server.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}
}

func (c *serveCommander) openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Driver, error) {
	if c.inMemory {
		log.Info("using in-memory storage")
		return inmemory.NewDriver(), nil
	}

	driver, err := sqlite.NewDriver(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", cfg.DBPath, err)
	}
	log.Info("using SQLite storage", zap.String("path", cfg.DBPath))
	return driver, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/channels"
	"github.com/basket/groupgate/internal/config"
	"github.com/basket/groupgate/internal/container"
	"github.com/basket/groupgate/internal/credentials"
	"github.com/basket/groupgate/internal/dispatcher"
	"github.com/basket/groupgate/internal/gateway"
	"github.com/basket/groupgate/internal/groupqueue"
	"github.com/basket/groupgate/internal/ipc"
	otelPkg "github.com/basket/groupgate/internal/otel"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/quietperiod"
	"github.com/basket/groupgate/internal/registry"
	"github.com/basket/groupgate/internal/router"
	"github.com/basket/groupgate/internal/scheduler"
	"github.com/basket/groupgate/internal/statustracker"
	"github.com/basket/groupgate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the gateway daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GROUPGATE_HOME          Data directory (default: ~/.groupgate)
  GROUPGATE_LOG_LEVEL     Overrides log_level from config.yaml
  GROUPGATE_BIND_ADDR     Overrides bind_addr from config.yaml
  TELEGRAM_TOKEN          Enables and configures the Telegram channel

EXAMPLES:
  Start the daemon:      %s
  Check daemon health:   %s status
  Run diagnostics:       %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     os.Getenv("GROUPGATE_OTEL_ENABLED") == "1",
		Exporter:    os.Getenv("GROUPGATE_OTEL_EXPORTER"),
		Endpoint:    os.Getenv("GROUPGATE_OTEL_ENDPOINT"),
		ServiceName: "groupgate",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := os.MkdirAll(cfg.GroupsRoot, 0o755); err != nil {
		fatalStartup(logger, "E_GROUPS_ROOT_CREATE", err)
	}

	reg := registry.New(cfg.GroupsRoot, store, cfg.MainFolderName)

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		fatalStartup(logger, "E_TIMEZONE_LOAD", err)
	}

	quietPath := filepath.Join(cfg.HomeDir, "quiet_period.yaml")
	quietCfg, err := quietperiod.Load(quietPath)
	if err != nil {
		fatalStartup(logger, "E_QUIET_PERIOD_LOAD", err)
	}
	quiet := quietperiod.New(quietCfg)

	var mainChannel channels.ChannelDriver
	var receiveChannel channels.Channel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, store, logger)
			mainChannel = tg
			receiveChannel = tg
		}
	}

	credProvider := credentials.NewFileProvider(filepath.Join(cfg.HomeDir, "credential_expiry"), cfg.CredentialRefreshInterval)
	credManager := credentials.New(credentials.Config{
		Provider:      credProvider,
		Messages:      mainChannel,
		Bus:           eventBus,
		Logger:        logger,
		RefreshPeriod: cfg.CredentialRefreshInterval,
	})

	containerRunner, err := container.New(container.Config{
		Host:        cfg.Docker.Host,
		Image:       cfg.Docker.Image,
		MemoryMB:    cfg.Docker.MemoryMB,
		CPUQuota:    cfg.Docker.CPUQuota,
		Network:     cfg.Docker.Network,
		Workspace:   cfg.Docker.WorkspaceDir,
		Logger:      logger,
		Bus:         eventBus,
		Credentials: credManager,
	})
	if err != nil {
		fatalStartup(logger, "E_CONTAINER_RUNNER_INIT", err)
	}
	defer containerRunner.Close()

	var queue *groupqueue.Queue
	tracker := statustracker.New(statustracker.Config{
		Store:     store,
		Reactions: mainChannel,
		Messages:  mainChannel,
		IsContainerAlive: func(chatJID string) bool {
			return queue != nil && queue.IsActive(chatJID)
		},
		Bus:    eventBus,
		Logger: logger,
	})

	disp := dispatcher.New(dispatcher.Config{
		Store:       store,
		Registry:    reg,
		Tracker:     tracker,
		Runner:      containerRunner,
		Channel:     mainChannel,
		IdleTimeout: cfg.IdleTimeout,
		Bus:         eventBus,
		Logger:      logger,
	})

	queue = groupqueue.New(disp.ProcessGroupMessages, eventBus, logger)
	disp.SetQueue(queue)

	taskExecutor := dispatcher.NewTaskExecutor(dispatcher.TaskExecutorConfig{
		Store:      store,
		Registry:   reg,
		Runner:     containerRunner,
		Channel:    mainChannel,
		CloseDelay: cfg.TaskCloseDelay,
		Bus:        eventBus,
		Logger:     logger,
	})

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Queue:    queue,
		Runner:   taskExecutor,
		IsQuiet:  func() bool { return quiet.IsQuiet(time.Now().In(tz)) },
		Timezone: tz,
		Bus:      eventBus,
		Logger:   logger,
		Interval: cfg.SchedulerPollInterval,
	})

	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range cfgWatcher.Events() {
				switch ev.Path {
				case quietPath:
					if err := quiet.ReloadFromFile(quietPath); err != nil {
						logger.Error("quiet period reload failed", "error", err)
						continue
					}
					logger.Info("quiet period policy reloaded")
				case config.ConfigPath(cfg.HomeDir):
					logger.Info("config.yaml changed on disk; restart the gateway to apply it")
				}
			}
		}()
	}

	quietNotifier := quietperiod.NewNotifier(quiet, func(notifyCtx context.Context, quietBeginsAt time.Time) {
		if mainChannel == nil {
			return
		}
		mainGroup, ok := reg.Main()
		if !ok {
			return
		}
		msg := fmt.Sprintf("Quiet period begins at %s.", quietBeginsAt.In(tz).Format(time.RFC3339))
		if err := mainChannel.SendMessage(notifyCtx, mainGroup.JID, msg); err != nil {
			logger.Warn("quiet period notice failed", "error", err)
		}
	}, logger)
	quietNotifier.Start(ctx)
	defer quietNotifier.Stop()

	rt := router.New(router.Config{
		Store:        store,
		Registry:     reg,
		Queue:        queue,
		Tracker:      tracker,
		QuietPeriod:  quiet,
		Credentials:  credManager,
		Scheduler:    sched,
		MainChannel:  mainChannel,
		Bus:          eventBus,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})

	if err := rt.Boot(ctx); err != nil {
		fatalStartup(logger, "E_ROUTER_BOOT", err)
	}
	logger.Info("startup phase", "phase", "router_booted")

	ipcListener := ipc.New(filepath.Join(cfg.HomeDir, "groupgate.sock"), reg, logger)
	if err := ipcListener.Start(ctx); err != nil {
		fatalStartup(logger, "E_IPC_LISTEN", err)
	}
	defer ipcListener.Stop()

	credManager.Start(ctx)
	defer credManager.Stop()

	sched.Start(ctx)
	defer sched.Stop()

	rt.Start(ctx)
	defer rt.Stop()

	if receiveChannel != nil {
		go func() {
			if err := receiveChannel.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel failed", "channel", receiveChannel.Name(), "error", err)
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:     store,
		Registry:  reg,
		Auth:      cfg.Gateway.Auth,
		CORS:      cfg.Gateway.CORS,
		RateLimit: cfg.Gateway.RateLimit,
		Logger:    logger,
	})

	bindAddr := cfg.Gateway.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1:18790"
	}
	server := &http.Server{
		Addr:    bindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_LISTENER_BIND", err)
		}
		go func() {
			logger.Info("gateway listening", "addr", bindAddr)
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	logger.Info("startup phase", "phase", "running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	queue.Shutdown(cfg.ShutdownDeadline)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

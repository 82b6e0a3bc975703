package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/network"
	"github.com/offline-hub/offline-hub/internal/notify"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/telemetry"
	"github.com/offline-hub/offline-hub/internal/version"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const (
	serviceName     = "offline-hub"
	envConfigPath   = "OFFLINE_HUB_CONFIG"
	shutdownTimeout = 10 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.CacheName()
		fields["core_assets"] = len(cfg.Manifest.Core)
		fields["optional_assets"] = len(cfg.Manifest.Optional)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 日志 → tracing → 缓存存储 → 回源客户端 → 客户端注册表/通知 → worker → 调度与热加载 → Fiber”顺序启动，
// ctx 结束后按相反顺序收尾。
func serve(ctx context.Context, opts cliOptions, cfg *config.Config, logger *logrus.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global.OtelEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("初始化 tracing 失败: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	storage, err := cache.NewStorage(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer storage.Close()

	fetcher, err := network.NewFetcher(network.NewClient(cfg), cfg.Global.Upstream)
	if err != nil {
		return fmt.Errorf("初始化回源客户端失败: %w", err)
	}

	registry := clients.NewRegistry(logger, clients.DefaultOutboxSize)
	defer registry.Close()

	w, err := worker.New(worker.Options{
		Storage:        storage,
		Network:        fetcher,
		Clients:        registry,
		Logger:         logger,
		NetworkTimeout: cfg.Global.NetworkTimeout.DurationValue(),
	})
	if err != nil {
		return fmt.Errorf("初始化 worker 失败: %w", err)
	}
	registry.OnDisconnect(w.ClientDisconnected)

	center := notify.NewCenter(cfg.Notification, cfg.Global.RootPath, registry, logger)
	handlers := w.Handlers()
	handlers.Push = center.HandlePush
	handlers.NotificationClick = center.HandleClick
	dispatcher := worker.NewDispatcher(handlers, logger)
	w.UseDispatcher(dispatcher)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["upstream"] = fetcher.Upstream()
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["cache_name"] = cfg.CacheName()
	fields["handlers"] = dispatcher.Status()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if _, err := w.DeployConfig(ctx, cfg); err != nil {
		return fmt.Errorf("部署 %s 失败: %w", cfg.CacheName(), err)
	}

	scheduler := worker.NewScheduler(cfg.Global.PeriodicSyncInterval.DurationValue(), dispatcher.DispatchPeriodicSync, logger)
	go scheduler.Run(ctx)

	reload := newReloader(ctx, cfg, w.DeployConfig, logger)
	if err := config.Watch(opts.configPath, func(next *config.Config, err error) { reload.apply(next, err) }); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).Warn("配置热加载不可用")
	}

	// 退出顺序：先停止 HTTP（结束 SSE 流），再排空后台刷新，最后由 defer 关闭存储与 tracing。
	defer w.Wait()
	return startHTTPServer(ctx, cfg, routes.Deps{
		Logger:        logger,
		Worker:        w,
		Dispatcher:    dispatcher,
		Clients:       registry,
		Notifications: center,
	})
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(envConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, deps routes.Deps) error {
	interceptor, err := server.NewInterceptor(deps.Dispatcher, deps.Logger)
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger: deps.Logger,
		Fetch:  interceptor,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, deps)

	port := cfg.Global.ListenPort
	deps.Logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	deps.Logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
	// 关闭客户端通道让 SSE 流先结束，否则 Shutdown 会一直等待长连接。
	deps.Clients.Close()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

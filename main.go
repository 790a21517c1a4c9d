package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sabeel/offline-cache/internal/config"
	"github.com/sabeel/offline-cache/internal/engine"
	"github.com/sabeel/offline-cache/internal/fetch"
	"github.com/sabeel/offline-cache/internal/logging"
	"github.com/sabeel/offline-cache/internal/metrics"
	"github.com/sabeel/offline-cache/internal/proxy"
	"github.com/sabeel/offline-cache/internal/server"
	"github.com/sabeel/offline-cache/internal/server/routes"
	"github.com/sabeel/offline-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 30 * time.Second

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

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["backend"] = cfg.Global.BackendMode()
		fields["engine_version"] = cfg.Engine.Version
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 指标 → 缓存后端 → 引擎 install/activate → Fiber server，
	// 引擎激活前不对外监听，避免半安装状态下接收请求。
	collector, err := metrics.NewCollector()
	if err != nil {
		fmt.Fprintf(stdErr, "初始化指标失败: %v\n", err)
		return 1
	}

	eng, err := newEngine(cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化引擎失败: %v\n", err)
		return 1
	}
	defer shutdownEngine(eng, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["backend"] = cfg.Global.BackendMode()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := eng.Init(ctx); err != nil {
		logger.WithFields(logging.BaseFields("install", opts.configPath)).WithError(err).Error("engine_init_failed")
		fmt.Fprintf(stdErr, "引擎安装失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, eng, collector, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_CACHE_CONFIG")
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

// newEngine 组装缓存后端与两个 http.Client：拦截请求受 UpstreamTimeout 约束，下载只受任务超时约束。
func newEngine(cfg *config.Config, logger *logrus.Logger, collector *metrics.Collector) (*engine.Engine, error) {
	backend, err := engine.OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	origin := cfg.Global.OriginURL()
	eng, err := engine.New(engine.Deps{
		Config:    cfg,
		Backend:   backend,
		Upstream:  fetch.NewHTTPFetcher(fetch.NewUpstreamClient(cfg), origin),
		Downloads: fetch.NewHTTPFetcher(fetch.NewDownloadClient(), origin),
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return eng, nil
}

func shutdownEngine(eng *engine.Engine, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("engine_shutdown_incomplete")
	}
}

// buildApp 组装拦截 handler 与 /-/ 控制路由。
func buildApp(cfg *config.Config, eng *engine.Engine, collector *metrics.Collector, logger *logrus.Logger) (*fiber.App, error) {
	handler := proxy.NewHandler(eng, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, eng, logger)
	routes.RegisterEventRoutes(app, eng, routes.DefaultKeepAlive)
	routes.RegisterPolicyRoutes(app, eng.Classifier())
	routes.RegisterMetricsRoutes(app, collector)
	return app, nil
}

// startHTTPServer 阻塞直到 ctx 结束或监听失败，ctx 结束后优雅关闭 Fiber。
func startHTTPServer(ctx context.Context, cfg *config.Config, eng *engine.Engine, collector *metrics.Collector, logger *logrus.Logger) error {
	app, err := buildApp(cfg, eng, collector, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	stopHTTPServer(app, eng, logger)
	return nil
}

// stopHTTPServer 先结束 /-/events 长连接，再优雅关闭 Fiber；超时只记录告警。
func stopHTTPServer(app *fiber.App, eng *engine.Engine, logger *logrus.Logger) {
	logger.WithField("action", "shutdown").Info("Fiber 服务停止")
	eng.CloseSubscriptions()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("fiber_shutdown_incomplete")
	}
}

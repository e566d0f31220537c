package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/metrics"
	"github.com/any-hub/pwa-hub/internal/proxy"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/server/routes"
	"github.com/any-hub/pwa-hub/internal/version"
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
		fields["scopes"] = config.ScopeNames(cfg.Scopes)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	var m *metrics.Metrics
	if cfg.Global.MetricsEnabled {
		m = metrics.New()
	}

	// 启动顺序：配置 → 每个 Scope 的缓存存储与 Host → 部署 Worker → Fiber server，
	// 所有请求共享同一个注册表与上游 http.Client。
	registry, err := server.NewScopeRegistry(server.RegistryOptions{
		Config:  cfg,
		Client:  server.NewUpstreamClient(cfg),
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Scope 注册表失败: %v\n", err)
		return 1
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = config.ScopeNames(cfg.Scopes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装失败不阻止启动：该 Scope 没有控制者，请求直接回源，可通过 /-/scopes/:name/update 重试。
	if err := registry.DeployAll(ctx); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("deploy", opts.configPath)).Warn("部分 Scope 部署失败")
	}

	if err := config.Watch(opts.configPath, func(next *config.Config) {
		if err := registry.Apply(ctx, next); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("config_reload", opts.configPath)).Warn("配置重载部署失败")
			return
		}
		logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).Info("配置重载完成")
	}, func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("config_reload", opts.configPath)).Warn("配置重载失败，保留旧配置")
	}); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("config_watch", opts.configPath)).Warn("无法监听配置变化")
	}

	handler := proxy.NewHandler(logger, m)
	err = startHTTPServer(ctx, cfg, registry, handler, m, logger)
	registry.Drain()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pwa-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PWA_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PWA_HUB_CONFIG")
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

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.ScopeRegistry,
	proxyHandler server.ProxyHandler,
	m *metrics.Metrics,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterScopeRoutes(app, registry)
	routes.RegisterMetricsRoute(app, m)

	go func() {
		<-ctx.Done()
		shutdown(app, logger)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

func shutdown(app *fiber.App, logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，停止接收请求")
	if err := app.Shutdown(); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"action": "shutdown"}).Warn("Fiber 关闭失败")
	}
}

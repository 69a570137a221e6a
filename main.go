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

	"github.com/any-hub/modserve/internal/api"
	"github.com/any-hub/modserve/internal/cache"
	"github.com/any-hub/modserve/internal/compress"
	"github.com/any-hub/modserve/internal/config"
	"github.com/any-hub/modserve/internal/logging"
	"github.com/any-hub/modserve/internal/metrics"
	"github.com/any-hub/modserve/internal/module"
	"github.com/any-hub/modserve/internal/pipeline"
	"github.com/any-hub/modserve/internal/ratelimit"
	"github.com/any-hub/modserve/internal/redirect"
	"github.com/any-hub/modserve/internal/server"
	"github.com/any-hub/modserve/internal/server/routes"
	"github.com/any-hub/modserve/internal/static"
	"github.com/any-hub/modserve/internal/upstream"
	"github.com/any-hub/modserve/internal/version"
)

const shutdownTimeout = 10 * time.Second

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
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["hosts"] = len(cfg.Hosts)
		fields["folders"] = config.FolderSummaries(cfg.Folders)
		fields["upstreams"] = config.CredentialModes(cfg.Upstreams)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建服务失败: %v\n", err)
		return 1
	}
	defer srv.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["hosts"] = cfg.Domains()
	fields["folders"] = config.FolderSummaries(cfg.Folders)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["upstreams"] = config.CredentialModes(cfg.Upstreams)
	fields["rate_limit"] = cfg.RateLimit.Enabled
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, srv.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MODSERVE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MODSERVE_CONFIG")
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

// runtimeServer 持有已装配的 Fiber 应用及需要在退出时释放的后台组件。
type runtimeServer struct {
	app     *fiber.App
	cache   *cache.Cache
	watcher *redirect.Watcher
	cancel  context.CancelFunc
}

func (s *runtimeServer) close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.cancel()
}

// buildServer 按“配置 → 压缩/缓存 → 模块 → Host 注册表 → 管线 → Fiber”的顺序装配，
// 保证所有请求共享同一份缓存、限流器与重定向规则。
func buildServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtimeServer, error) {
	g := cfg.Global
	started := time.Now()

	negotiator, err := compress.NewNegotiator(g.CompressionFresh, g.CompressionCached)
	if err != nil {
		return nil, err
	}

	responses := cache.New(cache.Options{
		MaxEntrySize: int(g.MaxCacheEntrySize),
		MaxEntries:   g.MaxCacheEntries,
		Logger:       logger,
	})

	var m *metrics.Metrics
	if g.MetricsEnabled {
		m = metrics.New(metrics.Options{
			CacheEntries: func() float64 { return float64(responses.Stats().Entries) },
			GoCollectors: true,
		})
		responses.SetObserver(m)
	}

	modules, resolver, err := buildModules(cfg, negotiator, responses, logger, started)
	if err != nil {
		return nil, err
	}

	hosts, err := server.NewHostRegistry(cfg.Domains()...)
	if err != nil {
		return nil, err
	}
	if err := server.Bootstrap(modules, hosts); err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
			MaxQueue:          cfg.RateLimit.MaxQueue,
			MaxDelay:          cfg.RateLimit.MaxDelay.DurationValue(),
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	bgCtx, cancel := context.WithCancel(ctx)
	srv := &runtimeServer{cache: responses, cancel: cancel}

	var redirects *redirect.Engine
	if g.RedirectFile != "" {
		redirects = redirect.NewEngine(g.RedirectCaseSensitive)
		watcher, err := redirect.NewWatcher(g.RedirectFile, redirects, redirect.WithLogger(logger))
		if err != nil {
			cancel()
			return nil, err
		}
		if err := watcher.Start(bgCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("加载重定向规则失败: %w", err)
		}
		srv.watcher = watcher
	}

	var auth pipeline.Authenticator
	if tokens := cfg.TokenMap(); len(tokens) > 0 {
		auth = pipeline.NewTokenAuthenticator(tokens)
	}
	responder, err := pipeline.New(pipeline.Options{
		Logger:     logger,
		Cache:      responses,
		Negotiator: negotiator,
		Auth:       auth,
		Metrics:    m,
	})
	if err != nil {
		srv.close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Router:     server.NewRouter(hosts, g.RedirectMaxHops),
		Responder:  responder,
		ListenPort: g.ListenPort,
		Limiter:    limiter,
		Redirects:  redirects,
		Metrics:    m,
	})
	if err != nil {
		srv.close()
		return nil, err
	}
	routes.RegisterModuleRoutes(app, modules, hosts)
	routes.RegisterStatsRoute(app, routes.StatsSources{Cache: responses, Limiter: limiter, Redirects: redirects})
	if m != nil {
		routes.RegisterMetricsRoute(app, m)
	}
	srv.app = app

	go responses.Run(bgCtx, g.CacheSweepInterval.DurationValue(), resolver.Forget)
	return srv, nil
}

// buildModules 注册顺序即路由优先级：API 模块在前，其次是上游转发，静态目录按配置顺序最后。
func buildModules(cfg *config.Config, negotiator *compress.Negotiator, responses *cache.Cache, logger *logrus.Logger, started time.Time) (*module.Registry, *static.Resolver, error) {
	g := cfg.Global
	modules := module.NewRegistry()

	if g.ApiEnabled {
		endpoints := []api.Endpoint{api.StatusEndpoint(version.Name, version.Full(), started)}
		if len(cfg.Tokens) > 0 {
			endpoints = append(endpoints, api.PurgeEndpoint(responses, cfg.Tokens[0].Name))
		}
		serializers := []api.Serializer{api.JSONSerializer{Pretty: g.ApiPretty}, api.YAMLSerializer{}}
		apiModule, err := api.NewModule(api.Options{
			Name:        "api",
			Prefix:      g.ApiPrefix,
			Endpoints:   endpoints,
			Serializers: serializers,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := modules.Register(apiModule); err != nil {
			return nil, nil, err
		}
	}

	for _, up := range cfg.Upstreams {
		mod, err := upstream.NewModule(upstream.Options{
			Name:                 up.Name,
			Hosts:                []string{cfg.DomainFor(up.Host)},
			WebPath:              up.WebPath,
			Target:               up.Target,
			Username:             up.Username,
			Password:             up.Password,
			Client:               upstream.NewClient(up.Timeout.DurationValue()),
			MaxBodySize:          up.MaxBodySize,
			RequestCacheDuration: up.RequestCacheDuration.DurationValue(),
			ClientCacheDuration:  up.ClientCacheDuration.DurationValue(),
			Logger:               logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := modules.Register(mod); err != nil {
			return nil, nil, err
		}
	}

	resolver := static.NewResolver(logger, g.StatCacheTTL.DurationValue())
	for _, folder := range cfg.Folders {
		mod, err := static.NewModule(static.ModuleOptions{
			Mapping:  folderMapping(folder),
			Resolver: resolver,
			Priority: negotiator.Cached,
			Hosts:    []string{cfg.DomainFor(folder.Host)},
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := modules.Register(mod); err != nil {
			return nil, nil, err
		}
	}
	return modules, resolver, nil
}

func folderMapping(folder config.FolderConfig) *static.Mapping {
	return &static.Mapping{
		Name:                 folder.Name,
		WebPath:              folder.WebPath,
		DiscFolders:          append([]string(nil), folder.DiscPaths...),
		Precompressed:        folder.UsesPrecompressed(),
		UpdateAccessTime:     folder.UpdateAccessTime,
		MaxCacheSize:         folder.MaxCacheSize,
		IndexFile:            folder.IndexFile,
		ClientCacheDuration:  folder.ClientCacheDuration.DurationValue(),
		RequestCacheDuration: folder.RequestCacheDuration.DurationValue(),
		Compression:          folder.Compression,
	}
}

// serve 监听端口直到 ctx 结束，然后在超时内优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，正在关闭服务")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

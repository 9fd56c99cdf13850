package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mdnet/mdhome/internal/cache"
	"github.com/mdnet/mdhome/internal/config"
	"github.com/mdnet/mdhome/internal/control"
	"github.com/mdnet/mdhome/internal/metadata"
	"github.com/mdnet/mdhome/internal/node"
	"github.com/mdnet/mdhome/internal/proxy"
	"github.com/mdnet/mdhome/internal/server"
	"github.com/mdnet/mdhome/internal/server/routes"
	"github.com/mdnet/mdhome/internal/stats"
	"github.com/mdnet/mdhome/internal/token"
	"github.com/mdnet/mdhome/internal/version"
)

const (
	imageCacheVersion   = 1
	controlHTTPTimeout  = 30 * time.Second
	diagnosticsStopWait = 5 * time.Second
)

// serve 按“缓存 → 附属记录 → 统计 → 控制面 → 生命周期”的顺序装配节点并运行到退出。
// ctx 结束表示收到停机信号：节点进入优雅停机，stopSignals 恢复默认信号处理，
// 第二次信号即可强制退出。
func serve(ctx context.Context, stopSignals context.CancelFunc, cfg *config.Config, logger *logrus.Logger) error {
	counters := stats.New()

	imageCache, err := cache.Open(
		filepath.Join(cfg.Global.CacheDir, "images"),
		imageCacheVersion, 1, cfg.Global.MaxCacheBytes(),
		cache.WithEvictionObserver(counters.Evicted),
	)
	if err != nil {
		return fmt.Errorf("open image cache: %w", err)
	}
	defer imageCache.Close()

	meta, err := metadata.Open(filepath.Join(cfg.Global.CacheDir, "metadata"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	if restored, err := counters.Load(imageCache); err != nil {
		logger.WithFields(logrus.Fields{"action": "stats", "error": err.Error()}).Warn("stats_load_failed")
	} else if restored {
		logger.WithFields(logrus.Fields{"action": "stats"}).Info("stats_restored")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := counters.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	factory := &imageServerFactory{
		cfg:      cfg,
		logger:   logger,
		cache:    imageCache,
		meta:     meta,
		stats:    counters,
		upstream: server.NewUpstreamClient(cfg),
		shaper:   server.NewTrafficShaper(cfg.Global.NetworkSpeedBytes(), counters),
	}

	n, err := node.New(node.Options{
		Control:              control.NewClient(cfg, &http.Client{Timeout: controlHTTPTimeout}),
		Start:                factory.start,
		Stats:                counters,
		Persist:              func() error { return counters.Save(imageCache) },
		Logger:               logger,
		HourlyBudgetBytes:    cfg.Global.HourlyBudgetBytes(),
		GracefulShutdownWait: cfg.Global.GracefulShutdownWait.DurationValue(),
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancelRun()
		return n.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return nil
		}
		stopSignals()
		logger.WithFields(logrus.Fields{"action": "lifecycle", "state": n.State()}).Info("shutdown_requested")
		select {
		case <-n.Shutdown():
		case <-gctx.Done():
		}
		return nil
	})

	if addr := strings.TrimSpace(cfg.Global.MetricsListen); addr != "" {
		diag, err := startDiagnostics(addr, routes.DiagnosticsOptions{
			Gatherer: registry,
			Stats:    counters,
			Cache:    imageCache,
			Metadata: meta,
			State:    n.State,
		})
		if err != nil {
			cancelRun()
			_ = g.Wait()
			return err
		}
		logger.WithFields(logrus.Fields{"action": "startup", "listen": diag.Addr().String()}).Info("diagnostics_listening")
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), diagnosticsStopWait)
			defer cancel()
			return diag.Stop(stopCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.WithFields(logrus.Fields{"action": "lifecycle", "state": n.State()}).Info("node_exited")
	return err
}

func startDiagnostics(addr string, opts routes.DiagnosticsOptions) (*server.Instance, error) {
	app := fiber.New(fiber.Config{ServerHeader: version.ServerHeader()})
	routes.RegisterDiagnostics(app, opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen diagnostics %s: %w", addr, err)
	}
	return server.Serve(app, ln), nil
}

// imageServerFactory 按控制面下发的设置构建并启动 HTTPS 图片服务。
type imageServerFactory struct {
	cfg      *config.Config
	logger   *logrus.Logger
	cache    *cache.Cache
	meta     *metadata.Store
	stats    *stats.Stats
	upstream *http.Client
	shaper   *server.TrafficShaper
}

func (f *imageServerFactory) start(settings *control.Settings) (node.Listener, error) {
	if settings.TLS == nil {
		return nil, errors.New("control plane returned no tls credentials")
	}

	var verifier *token.Verifier
	if settings.TokenKey != "" {
		key, err := token.ParseKey(settings.TokenKey)
		if err != nil {
			return nil, err
		}
		verifier = token.NewVerifier(key)
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Cache:           f.cache,
		Metadata:        f.meta,
		Stats:           f.stats,
		Client:          f.upstream,
		Logger:          f.logger,
		ImageServer:     strings.TrimRight(settings.ImageServer, "/"),
		Tokens:          verifier,
		ForceTokens:     settings.ForceTokens || f.cfg.Global.ForceTokens,
		AllowedReferers: f.cfg.Global.AllowedReferers,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:         f.logger,
		Stats:          f.stats,
		Routes:         handler,
		MaxConnections: f.cfg.Global.MaxConnections,
	})
	if err != nil {
		return nil, err
	}

	raw, err := net.Listen("tcp", f.cfg.Global.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", f.cfg.Global.ListenAddress(), err)
	}
	ln, err := server.TLSListener(f.shaper.Wrap(raw), settings.TLS.Certificate, settings.TLS.PrivateKey)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	inst := server.Serve(app, ln)
	f.logger.WithFields(logrus.Fields{
		"action":       "startup",
		"listen":       inst.Addr().String(),
		"image_server": settings.ImageServer,
		"url":          settings.URL,
		"force_tokens": settings.ForceTokens,
	}).Info("image_server_started")
	return inst, nil
}

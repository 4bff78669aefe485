// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Config *Config
}

// Worker 是随服务一起启动的后台任务，ctx 取消后应尽快返回
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc 让普通函数满足 Worker
type WorkerFunc func(ctx context.Context) error

func (f WorkerFunc) Run(ctx context.Context) error { return f(ctx) }

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	Config           *Config
	RegisterHandlers func(appCtx AppCtx) // 一个函数，允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker
	// Closers 在 HTTP 和后台任务都停止后按逆序执行
	Closers []func(ctx context.Context) error
	// Ready 在监听端口后回调，测试用来拿到实际地址
	Ready func(addr net.Addr)
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到 ctx 取消、收到 SIGINT/SIGTERM 或某个任务失败。
func StartService(ctx context.Context, info AppInfo) error {
	cfg := info.Config
	if cfg == nil {
		cfg = GetCurrentConfig()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Tracer，未配置 endpoint 时使用全局 noop
	var tp *sdktrace.TracerProvider
	if cfg.Infra.Jaeger.Endpoint != "" {
		var err error
		tp, err = tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
		if err != nil {
			return err
		}
	} else {
		tracing.InitPropagator()
	}

	// 2. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg})
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(info.Port))
	if err != nil {
		return err
	}
	if info.Ready != nil {
		info.Ready(ln.Addr())
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info().Str("service", info.ServiceName).Str("addr", ln.Addr().String()).Msg("listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, w := range info.Workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	// 3. 优雅关停
	timeout := cfg.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.L().Info().Str("service", info.ServiceName).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(info.Closers) - 1; i >= 0; i-- {
		if err := info.Closers[i](shutdownCtx); err != nil {
			logger.L().Warn().Err(err).Msg("error during shutdown")
		}
	}
	// 确保所有缓冲的 trace 都被发送出去
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.L().Warn().Err(err).Msg("error shutting down tracer provider")
		}
	}

	logger.L().Info().Str("service", info.ServiceName).Msg("gracefully shut down")
	return runErr
}

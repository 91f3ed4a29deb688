package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rusherrelay/server"
	"rusherrelay/store"
)

// 入口：读取配置，启动 HTTP + WebSocket 中继、心跳与在线镜像
func main() {
	os.Exit(start(os.Args[1:]))
}

// start 返回进程退出码；所有 defer（包括日志刷盘）都在 os.Exit 之前执行
func start(args []string) int {
	cfg, err := server.LoadConfig(args)
	if err != nil {
		// 日志尚未初始化，直接写标准错误
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if err := server.InitLogger(server.LogOptions{
		FilePath: cfg.LogFile,
		Level:    cfg.LogLevel,
		Stderr:   cfg.LogStderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer server.SyncLogger()

	if cfg.ListOnline {
		err = printOnline(os.Stdout, cfg.MirrorPath)
	} else {
		err = run(cfg)
	}
	if err != nil {
		server.Log.Errorf("relay: %v", err)
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

// printOnline 打印在线镜像中的记录（与管理面板读取的是同一张表）
func printOnline(w io.Writer, path string) error {
	presence, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open presence mirror: %w", err)
	}
	defer presence.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	online, err := presence.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHARACTER\tNAME\tUSER\tCONNECTED")
	for _, p := range online {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.CharacterID, p.DisplayName, p.UserID, p.ConnectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func run(cfg server.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presence, err := store.Open(cfg.MirrorPath)
	if err != nil {
		return fmt.Errorf("open presence mirror: %w", err)
	}
	defer presence.Close()
	// 注册表是易失的，上次进程留下的记录全部作废
	if err := presence.Reset(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewRelayMetrics(reg)

	mirror := server.NewMirror(presence, cfg.MirrorQueue, cfg.MirrorTimeout, metrics)
	relay := server.NewRelay(server.RelayOptions{
		Capacity:   cfg.MaxPlayers,
		AdminToken: cfg.AdminToken,
		Mirror:     mirror,
		Metrics:    metrics,
	})
	heartbeat := server.NewHeartbeat(relay, cfg.HeartbeatInterval)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(relay, cfg.AllowedOrigins, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 镜像协程要比中继活得久，关服时的离开记录也能写完
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		_ = mirror.Run(mirrorCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Log.Infof("relay listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return heartbeat.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Log.Info("Shutting down...")
		relay.Shutdown(context.Background(), cfg.ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopMirror()
	<-mirrorDone
	return err
}

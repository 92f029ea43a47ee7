package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/config"
	"github.com/BetaCatPro/medlink-rt/internal/presence"
	"github.com/BetaCatPro/medlink-rt/pkg/server"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("server")

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatalf("设置日志级别失败: %v", err)
	}

	var store presence.Store
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err = presence.ConnectRedis(ctx, cfg.RedisAddr, os.Getenv("MEDLINK_REDIS_PASSWORD"), 0)
		cancel()
		if err != nil {
			log.Fatalf("连接Redis失败: %v", err)
		}
		defer store.Close()
	}

	// 创建服务器
	srv, err := server.NewServer(cfg, store)
	if err != nil {
		log.Fatalf("创建服务器失败: %v", err)
	}
	srv.SetConnectHandler(func(userID string) {
		log.Infow("客户端连接", "user", userID, "online", srv.OnlineCount())
	})
	srv.SetDisconnectHandler(func(userID string, err error) {
		log.Infow("客户端断开", "user", userID, "reason", err)
	})
	srv.ErrorCenter().AddErrorCallback(func(err error) {
		log.Debugw("连接错误", "error", err)
	})

	// 启动服务器
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 处理信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 定时显示服务器状态
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := srv.GetStats()
			log.Infow("服务器状态", "online", srv.OnlineCount(), "received", stats.TotalMessages, "sent", stats.SentMessages)
		case sig := <-sigCh:
			log.Infow("收到信号，关闭服务器", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Stop(ctx); err != nil {
				log.Errorw("服务器关闭错误", "error", err)
			}
			return
		}
	}
}

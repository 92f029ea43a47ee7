package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/auth"
	"github.com/BetaCatPro/medlink-rt/internal/config"
	"github.com/BetaCatPro/medlink-rt/internal/device"
	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/inbox"
	"github.com/BetaCatPro/medlink-rt/internal/peer"
	"github.com/BetaCatPro/medlink-rt/internal/rtcapi"
	"github.com/BetaCatPro/medlink-rt/pkg/client"
	"github.com/BetaCatPro/medlink-rt/pkg/media"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	token := flag.String("token", "", "访问令牌，未指定时从 token_file 读取")
	room := flag.Int64("room", 0, "加入的问诊视频房间ID")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatalf("设置日志级别失败: %v", err)
	}

	var tokens auth.TokenSource = auth.StaticToken(*token)
	if *token == "" && cfg.TokenFile != "" {
		ft, err := auth.NewFileToken(cfg.TokenFile)
		if err != nil {
			log.Fatalf("读取令牌文件失败: %v", err)
		}
		defer ft.Close()
		tokens = ft
	}

	// 创建客户端
	rt, err := client.NewClient(cfg.WSURL, cfg, tokens)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}
	rt.OnStateChange(func(old, new types.ConnectionState) {
		log.Infow("连接状态变化", "from", old.String(), "to", new.String())
	})
	rt.ErrorCenter().AddErrorCallback(func(err error) {
		log.Debugw("通道错误", "error", err)
	})

	// 通知收件箱
	var store inbox.Store
	if cfg.InboxDB != "" {
		store, err = inbox.OpenSQLite(cfg.InboxDB, inbox.DefaultLimit)
		if err != nil {
			log.Fatalf("打开通知数据库失败: %v", err)
		}
	}
	box := inbox.New(store)
	defer box.Close()
	if err := box.Attach(rt); err != nil {
		log.Fatalf("订阅通知失败: %v", err)
	}
	if _, err := rt.Subscribe(types.Wildcard, func(msg types.ChannelMessage) {
		log.Infow("收到消息", "type", msg.RouteKey(), "trace", msg.TraceID, "body", string(msg.Body()))
	}); err != nil {
		log.Fatalf("订阅消息失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接服务器
	if err := rt.Connect(ctx); err != nil {
		if retriesPending(err) {
			log.Errorw("连接失败，等待自动重连", "error", err)
		} else {
			log.Errorw("连接失败，不会自动重连，请检查登录令牌", "error", err)
		}
	}

	var session *media.Session
	if *room > 0 {
		session = media.NewSession(*room,
			device.New(nil),
			rtcapi.New(cfg.APIBaseURL, tokens),
			media.WithPeerFactory(peer.NewFactory(cfg.ICEServers)),
			media.WithErrorCenter(rt.ErrorCenter()),
		)
		if devices, err := session.GetDevices(ctx); err == nil {
			log.Infow("可用设备", "mics", len(devices.Mics), "cameras", len(devices.Cameras))
		}
		if err := rt.JoinConsultation(*room); err != nil {
			log.Warnw("加入问诊频道失败", "consultation", *room, "error", err)
		}
		if tok, err := session.JoinRoom(ctx); err != nil {
			log.Errorw("加入视频房间失败", "consultation", *room, "error", err)
		} else {
			log.Infow("已加入视频房间", "room", tok.RoomID, "expireAt", time.UnixMilli(tok.ExpireAt))
		}
	}

	// 处理信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := rt.GetStats()
			unread, _ := box.UnreadCount()
			quality := rt.NetworkQuality()
			if session != nil {
				session.SetNetworkQuality(quality)
			}
			log.Infow("通道状态",
				"state", rt.State().String(),
				"received", stats.TotalMessages,
				"sent", stats.SentMessages,
				"dropped", stats.DroppedMessages,
				"rtt", stats.LastRTT,
				"quality", quality.Label(),
				"unread", unread)
		case sig := <-sigCh:
			log.Infow("收到信号，退出程序", "signal", sig.String())
			if session != nil {
				leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
				session.LeaveRoom(leaveCtx)
				leaveCancel()
				if err := rt.LeaveConsultation(*room); err != nil {
					log.Debugw("离开问诊频道失败", "error", err)
				}
			}
			rt.Disconnect()
			return
		}
	}
}

// retriesPending 首次连接失败后是否已安排重连。令牌问题在拨号前就返回，不会重连
func retriesPending(err error) bool {
	return !errors.Is(err, errors.ErrNoToken) &&
		!errors.Is(err, errors.ErrTokenExpired) &&
		!errors.Is(err, errors.ErrStaleConnect)
}

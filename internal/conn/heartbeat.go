package conn

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Heartbeat 心跳监控：定时发送探测，超时未收到响应则判定连接失效
type Heartbeat struct {
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	probe     func() error        // 发送PING
	onTimeout func()              // 心跳超时
	onPong    func(time.Duration) // 收到PONG，参数为往返时延

	mu      sync.Mutex
	running bool
	ticker  *clock.Ticker
	stop    chan struct{}
	timer   *clock.Timer // 等待PONG的超时定时器
	gen     uint64       // 使过期的定时回调失效
	sentAt  time.Time
	lastRTT time.Duration
}

// NewHeartbeat 创建心跳监控
func NewHeartbeat(clk clock.Clock, interval, timeout time.Duration, probe func() error, onTimeout func()) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{
		clock:     clk,
		interval:  interval,
		timeout:   timeout,
		probe:     probe,
		onTimeout: onTimeout,
	}
}

// OnPong 设置收到PONG时的回调
func (h *Heartbeat) OnPong(fn func(time.Duration)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPong = fn
}

// Start 启动心跳，重复调用无效
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.ticker = h.clock.Ticker(h.interval)
	h.stop = make(chan struct{})
	go h.loop(h.ticker, h.stop)
}

func (h *Heartbeat) loop(ticker *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-stop:
			return
		}
	}
}

// tick 先启动超时检测再发送探测，响应可能早于发送返回；已有未决超时则保留原截止时间。
// 发送失败时超时检测保持有效，写失败的半开连接由超时强制关闭
func (h *Heartbeat) tick() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	if h.timer == nil {
		gen := h.gen
		h.sentAt = h.clock.Now()
		h.timer = h.clock.AfterFunc(h.timeout, func() { h.expire(gen) })
	}
	h.mu.Unlock()

	if err := h.probe(); err != nil {
		log.Warnw("心跳发送失败，等待超时断开", "error", err)
	}
}

func (h *Heartbeat) expire(gen uint64) {
	h.mu.Lock()
	if !h.running || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	h.gen++
	h.mu.Unlock()

	log.Warn("心跳超时，主动断开重连")
	h.onTimeout()
}

// Pong 收到心跳响应，取消超时检测
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
	var rtt time.Duration
	if !h.sentAt.IsZero() {
		rtt = h.clock.Now().Sub(h.sentAt)
		h.sentAt = time.Time{}
		h.lastRTT = rtt
	}
	onPong := h.onPong
	h.mu.Unlock()

	if onPong != nil && rtt > 0 {
		onPong(rtt)
	}
}

// Stop 停止心跳并清理所有定时器
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	h.ticker.Stop()
	close(h.stop)
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
	h.sentAt = time.Time{}
}

// Running 心跳是否运行中
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Pending 是否有等待响应的探测
func (h *Heartbeat) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}

// LastRTT 最近一次往返时延
func (h *Heartbeat) LastRTT() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRTT
}

package conn

import (
	"sync"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/utils"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/benbjohnson/clock"
)

// ReconnectManager 重连管理器：指数退避，无抖动，达到上限后停止
type ReconnectManager struct {
	config *types.Config
	clock  clock.Clock

	mu       sync.Mutex
	attempts int          // 已尝试次数，连接成功后清零
	timer    *clock.Timer // 待执行的重连
	gen      uint64
}

// NewReconnectManager 创建重连管理器
func NewReconnectManager(config *types.Config, clk clock.Clock) *ReconnectManager {
	if clk == nil {
		clk = clock.New()
	}
	return &ReconnectManager{
		config: config,
		clock:  clk,
	}
}

// ScheduleReconnect 调度一次重连。返回等待时间；达到上限或已有待执行重连时返回 false
func (rm *ReconnectManager) ScheduleReconnect(reconnect func(attempt int)) (time.Duration, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.timer != nil {
		return 0, false
	}
	if rm.attempts >= rm.config.MaxReconnectTimes {
		log.Infof("达到最大重连次数 %d，停止重连", rm.attempts)
		return 0, false
	}

	rm.attempts++
	attempt := rm.attempts
	delay := rm.calculateBackoff(attempt)
	log.Infof("%v 后尝试第 %d 次重连", delay, attempt)

	gen := rm.gen
	rm.timer = rm.clock.AfterFunc(delay, func() {
		rm.mu.Lock()
		if gen != rm.gen {
			rm.mu.Unlock()
			return
		}
		rm.timer = nil
		rm.mu.Unlock()
		reconnect(attempt)
	})
	return delay, true
}

// calculateBackoff 计算退避时间
func (rm *ReconnectManager) calculateBackoff(attempt int) time.Duration {
	return utils.CalculateBackoff(attempt, rm.config.ReconnectBaseTime, rm.config.ReconnectMaxDelay)
}

// Cancel 取消待执行的重连
func (rm *ReconnectManager) Cancel() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	rm.gen++
}

// Reset 连接成功后清零计数
func (rm *ReconnectManager) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.attempts = 0
}

// Attempts 当前重连次数
func (rm *ReconnectManager) Attempts() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attempts
}

// Pending 是否有待执行的重连
func (rm *ReconnectManager) Pending() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.timer != nil
}

// Exhausted 是否已达到重连上限
func (rm *ReconnectManager) Exhausted() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attempts >= rm.config.MaxReconnectTimes
}

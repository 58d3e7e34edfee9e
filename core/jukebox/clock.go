package jukebox

import (
	"time"

	"github.com/benbjohnson/clock"
)

// runClock 队列维护的节奏控制：脏标记、最小运行间隔与休眠。
// 所有方法都需在持有 Reconciler.mu 时调用
type runClock struct {
	clk     clock.Clock
	spacing time.Duration

	dirty   bool
	dormant bool
	lastRun time.Time
}

func newRunClock(clk clock.Clock, spacing time.Duration) *runClock {
	return &runClock{clk: clk, spacing: spacing}
}

// markDirty 有点歌、删除或读取队列时调用，同时唤醒休眠
func (c *runClock) markDirty() {
	c.dirty = true
	c.dormant = false
}

// due 本次触发是否需要真正执行
func (c *runClock) due() bool {
	if c.dormant && !c.dirty {
		return false
	}
	if !c.lastRun.IsZero() && c.clk.Since(c.lastRun) < c.spacing {
		return false
	}
	return true
}

// started 开始一次真正的维护
func (c *runClock) started() {
	c.dirty = false
	c.lastRun = c.clk.Now()
}

// sleep 进入休眠，直到下一次 markDirty
func (c *runClock) sleep() {
	c.dirty = false
	c.dormant = true
}

// Package clock 抽象时间与定时器，使重试调度可以在测试中被确定性地推进。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 提供当前时间与延迟回调。
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc 在 d 之后于独立 goroutine 或推进时间的调用方中执行 f。
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 是可取消的延迟回调。
type Timer interface {
	// Stop 阻止回调执行，回调已执行或已停止时返回 false。
	Stop() bool
}

// Real 使用系统时间。
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake 只有在 Advance 或 Set 被调用时才会前进。
type Fake struct {
	mu      sync.Mutex
	current time.Time
	seq     int
	timers  []*fakeTimer
}

type fakeTimer struct {
	clock  *Fake
	target time.Time
	seq    int
	fn     func()
	done   bool
}

// NewFake 创建从 initial 开始的假时钟，initial 为零值时使用固定参考时间。
func NewFake(initial time.Time) *Fake {
	if initial.IsZero() {
		initial = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{current: initial}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// AfterFunc 注册回调；d <= 0 的回调在下一次 Advance(0) 或更晚的推进时执行。
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, target: c.current.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进时间并按到期顺序同步执行到期回调。
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set 将时间设置为 t 并执行所有到期回调。
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	due := c.collectDue()
	c.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

// Pending 返回尚未触发的定时器数量。
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Waiting 返回等待中定时器最早的剩余时长，没有定时器时 ok 为 false。
func (c *Fake) Waiting() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return 0, false
	}
	earliest := c.timers[0].target
	for _, t := range c.timers[1:] {
		if t.target.Before(earliest) {
			earliest = t.target
		}
	}
	return earliest.Sub(c.current), true
}

// collectDue 必须在持有 mu 时调用。
func (c *Fake) collectDue() []*fakeTimer {
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !c.current.Before(t.target) {
			t.done = true
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].target.Equal(due[j].target) {
			return due[i].seq < due[j].seq
		}
		return due[i].target.Before(due[j].target)
	})
	return due
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}

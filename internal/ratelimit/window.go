// Package ratelimit gates the message-send path with fixed per-user windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Window 是进程内的固定窗口计数器：窗口过期后计数重置为 1。
type Window struct {
	mu     sync.Mutex
	m      map[string]*window
	limit  int
	period time.Duration
	now    func() time.Time
	stop   chan struct{}
}

func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		m:      make(map[string]*window),
		limit:  limit,
		period: period,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// TryConsume 为 key 消耗一个配额，超过上限返回 false。
func (w *Window) TryConsume(_ context.Context, key string) (bool, error) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	win, ok := w.m[key]
	if !ok || now.Sub(win.start) >= w.period {
		w.m[key] = &window{start: now, count: 1}
		return true, nil
	}
	if win.count >= w.limit {
		return false, nil
	}
	win.count++
	return true, nil
}

func (w *Window) sweep() {
	now := w.now()
	w.mu.Lock()
	for k, win := range w.m {
		if now.Sub(win.start) >= w.period {
			delete(w.m, k)
		}
	}
	w.mu.Unlock()
}

// Run 周期性清理已过期的窗口，直到 Stop 被调用。
func (w *Window) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// Stop 停止清理 goroutine，用于优雅停服。
func (w *Window) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

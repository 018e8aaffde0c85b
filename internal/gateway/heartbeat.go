package gateway

import (
	"context"
	"sync"
	"time"
)

// heartbeatMonitor is the per-session liveness deadline. Each reset bumps a
// generation so a timer that fires concurrently with reset or stop is a no-op.
// Expiry is terminal: once fired the monitor never re-arms.
type heartbeatMonitor struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	gen      uint64
	stopped  bool
	onExpire func()
}

func newHeartbeatMonitor(timeout time.Duration, onExpire func()) *heartbeatMonitor {
	return &heartbeatMonitor{
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// reset (re)arms the deadline. It returns false once the monitor is stopped.
func (h *heartbeatMonitor) reset() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	h.gen++
	gen := h.gen
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.timeout, func() { h.fire(gen) })
	return true
}

func (h *heartbeatMonitor) fire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.timer = nil
	h.mu.Unlock()

	h.onExpire()
}

func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *heartbeatMonitor) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

func (g *Gateway) handleHeartbeat(_ context.Context, s *Session, _ Inbound) error {
	if !s.heartbeat.reset() {
		return nil
	}
	return s.SendFrame(heartbeatAckFrame())
}

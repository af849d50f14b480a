// Package stats implements the signaling core's counters and windowed
// moving averages, driven by a 1Hz ticker loop.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// windowSize is the number of 1-second samples each moving average keeps.
const windowSize = 10

// Snapshot is a point-in-time read of the collector's counters, safe to
// copy and log.
type Snapshot struct {
	ActiveSessions    int
	MaxSessions       int
	ActiveHTTPConns   int
	MaxHTTPConns      int
	ConnectsPerSecond float64
	PacketsSentPerSec float64
	PacketsRecvPerSec float64
}

// ring is a fixed-size moving-average accumulator: one bucket per second,
// rotated by Tick. This mirrors the original tornadio2 stats window shape
// (discard the oldest sample once the window is full) rather than a naive
// cumulative average.
type ring struct {
	buckets [windowSize]float64
	filled  int
	cursor  int
	current float64
}

func (r *ring) add(n float64) {
	r.current += n
}

// rotate pushes the current second's accumulator into the ring and starts
// a fresh accumulator, returning the window's mean per-second rate.
func (r *ring) rotate() float64 {
	r.buckets[r.cursor] = r.current
	r.current = 0
	r.cursor = (r.cursor + 1) % windowSize
	if r.filled < windowSize {
		r.filled++
	}

	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.buckets[i]
	}
	return sum / float64(r.filled)
}

// Collector accumulates the gateway-wide counters and moving averages.
type Collector struct {
	mu sync.Mutex

	activeSessions  int
	maxSessions     int
	activeHTTPConns int
	maxHTTPConns    int

	connects ring
	sent     ring
	recv     ring

	lastConnectsAvg float64
	lastSentAvg     float64
	lastRecvAvg     float64

	logLimiter *rate.Limiter
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// SessionOpened records a newly created session.
func (c *Collector) SessionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessions++
	if c.activeSessions > c.maxSessions {
		c.maxSessions = c.activeSessions
	}
}

// SessionClosed records a session's removal.
func (c *Collector) SessionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeSessions > 0 {
		c.activeSessions--
	}
}

// ConnectionAttached records a transport attach event, for the
// connections-per-second moving average and the active-HTTP-connections
// counter.
func (c *Collector) ConnectionAttached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects.add(1)
	c.activeHTTPConns++
	if c.activeHTTPConns > c.maxHTTPConns {
		c.maxHTTPConns = c.activeHTTPConns
	}
}

// ConnectionDetached records a transport detach event.
func (c *Collector) ConnectionDetached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeHTTPConns > 0 {
		c.activeHTTPConns--
	}
}

// PacketsSent records n packets flushed to a transport in one batch.
func (c *Collector) PacketsSent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent.add(float64(n))
}

// PacketsReceived records n packets dispatched from one inbound batch.
func (c *Collector) PacketsReceived(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv.add(float64(n))
}

// Tick rotates the 1Hz window. Call once per second from Run.
func (c *Collector) Tick() {
	c.mu.Lock()
	c.lastConnectsAvg = c.connects.rotate()
	c.lastSentAvg = c.sent.rotate()
	c.lastRecvAvg = c.recv.rotate()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.logLimiter.Allow() {
		slog.Debug("stats snapshot",
			"active_sessions", snap.ActiveSessions,
			"active_http_conns", snap.ActiveHTTPConns,
			"connects_per_sec", snap.ConnectsPerSecond,
			"packets_sent_per_sec", snap.PacketsSentPerSec,
			"packets_recv_per_sec", snap.PacketsRecvPerSec,
		)
	}
}

// Snapshot returns the current counters and the latest computed averages.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	return Snapshot{
		ActiveSessions:    c.activeSessions,
		MaxSessions:       c.maxSessions,
		ActiveHTTPConns:   c.activeHTTPConns,
		MaxHTTPConns:      c.maxHTTPConns,
		ConnectsPerSecond: c.lastConnectsAvg,
		PacketsSentPerSec: c.lastSentAvg,
		PacketsRecvPerSec: c.lastRecvAvg,
	}
}

// Run drives the 1Hz tick until ctx is cancelled. Intended to be launched
// by the router under its errgroup.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick()
		}
	}
}

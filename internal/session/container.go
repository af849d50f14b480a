package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/stats"
)

// Container owns the set of
// live sessions, creates new ones on handshake, looks them up for
// subsequent transport requests, and sweeps expired ones on an interval.
// An attached, open session is never evicted by the sweep regardless of
// its expires_at — only remove (invoked by Session itself on close) or an
// expiry sweep on a session with no attached handler removes it.
type Container struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg            Config
	sweepInterval  time.Duration
	statsCollector *stats.Collector
}

// NewContainer returns an empty Container. sweepInterval should match
// the configured session_check_interval.
func NewContainer(cfg Config, sweepInterval time.Duration, statsCollector *stats.Collector) *Container {
	return &Container{
		sessions:       make(map[string]*Session),
		cfg:            cfg,
		sweepInterval:  sweepInterval,
		statsCollector: statsCollector,
	}
}

// Create makes a new session bound to remoteIP, running defaultConn's
// OnOpen hook, and registers it. Returns ErrOpenRejected unmodified if
// OnOpen refused the connection.
func (c *Container) Create(remoteIP net.IP, defaultConn conn.Connection) (*Session, error) {
	s, err := New(c.cfg, remoteIP, defaultConn, c.statsCollector)
	if err != nil {
		return nil, err
	}

	s.SetOnClose(c.remove)

	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()

	return s, nil
}

// Get looks up a session by id and promotes its expiry, so a session
// polled or posted to directly (no Attach in between, as with the
// polling transports' POST path) is not swept mid-conversation. ok is
// false for unknown or already-closed ids.
func (c *Container) Get(id string) (s *Session, ok bool) {
	c.mu.Lock()
	s, ok = c.sessions[id]
	c.mu.Unlock()
	if ok && s.IsClosed() {
		return nil, false
	}
	if ok {
		s.Promote()
	}
	return s, ok
}

// Len reports the number of sessions currently tracked.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Container) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// sweep closes every session whose expires_at has passed and which has no
// attached handler; an attached session is left alone no matter how old,
// since Attach keeps promoting it.
func (c *Container) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired []*Session
	for _, s := range c.sessions {
		if s.HasHandler() {
			continue
		}
		if now.After(s.ExpiresAt()) {
			expired = append(expired, s)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		slog.Info("expiring idle session", "session_id", s.ID())
		s.Close()
	}
}

// Run drives the periodic expiry sweep until ctx is cancelled. Intended to
// be launched by the router under its errgroup.
func (c *Container) Run(ctx context.Context) error {
	if c.sweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep()
		}
	}
}

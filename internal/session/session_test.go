package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler records every batch it's handed and whether SessionClosed
// was called, standing in for a real transport's Handler in these tests.
type fakeHandler struct {
	mu       sync.Mutex
	name     string
	ip       net.IP
	batches  [][]string
	closed   bool
	closedCh chan struct{}
}

func newFakeHandler(ip net.IP) *fakeHandler {
	return &fakeHandler{name: "fake", ip: ip, closedCh: make(chan struct{}, 1)}
}

func (h *fakeHandler) Name() string     { return h.name }
func (h *fakeHandler) RemoteIP() net.IP { return h.ip }

func (h *fakeHandler) SendMessages(packets []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, packets)
}

func (h *fakeHandler) SessionClosed() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	select {
	case h.closedCh <- struct{}{}:
	default:
	}
}

func (h *fakeHandler) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, b := range h.batches {
		out = append(out, b...)
	}
	return out
}

func (h *fakeHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fakeConn is a minimal conn.Connection that records its lifecycle calls
// and can be told to refuse OnOpen or serve a sub-endpoint.
type fakeConn struct {
	mu         sync.Mutex
	opened     bool
	closed     bool
	refuse     bool
	messages   []interface{}
	events     []string
	subpaths   map[string]bool
	eventReply interface{}
	hasReply   bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) OnOpen(info conn.Info, socket *conn.Socket) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false, nil
	}
	c.opened = true
	return true, nil
}

func (c *fakeConn) OnMessage(payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, payload)
}

func (c *fakeConn) OnEvent(name string, args []interface{}, kwargs map[string]interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, name)
	return c.eventReply, c.hasReply
}

func (c *fakeConn) OnClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) GetEndpoint(path string) conn.Connection {
	if c.subpaths == nil || !c.subpaths[path] {
		return nil
	}
	return newFakeConn()
}

func testConfig() Config {
	return Config{
		ExpirySeconds:     time.Minute,
		HeartbeatInterval: time.Hour,
		MissedThreshold:   2,
	}
}

func TestNewEnqueuesConnectPacket(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	assert.True(t, c.opened)

	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	msgs := h.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "1::", msgs[0])
}

func TestNewRejectedOnOpenReturnsErrOpenRejected(t *testing.T) {
	c := newFakeConn()
	c.refuse = true
	_, err := New(testConfig(), net.ParseIP("10.0.0.1"), c, nil)
	assert.ErrorIs(t, err, ErrOpenRejected)
}

func TestAttachRejectsSecondHandler(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	s, err := New(testConfig(), ip, newFakeConn(), nil)
	require.NoError(t, err)

	h1 := newFakeHandler(ip)
	h2 := newFakeHandler(ip)
	require.NoError(t, s.Attach(h1))
	assert.ErrorIs(t, s.Attach(h2), ErrHandlerAlreadyAttached)
}

func TestAttachRejectsMismatchedRemoteIP(t *testing.T) {
	s, err := New(testConfig(), net.ParseIP("10.0.0.1"), newFakeConn(), nil)
	require.NoError(t, err)

	h := newFakeHandler(net.ParseIP("10.0.0.2"))
	assert.ErrorIs(t, s.Attach(h), ErrRemoteIPMismatch)
}

func TestDetachThenReattachSucceeds(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	s, err := New(testConfig(), ip, newFakeConn(), nil)
	require.NoError(t, err)

	h1 := newFakeHandler(ip)
	require.NoError(t, s.Attach(h1))
	s.Detach(h1)

	h2 := newFakeHandler(ip)
	assert.NoError(t, s.Attach(h2))
}

func TestRawMessageDispatchesMessageAndEchoesAck(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	require.NoError(t, s.RawMessage("3:5::hello"))
	assert.Equal(t, []interface{}{"hello"}, c.messages)

	msgs := h.all()
	assert.Contains(t, msgs, "6:::5")
}

func TestRawMessageEventDispatchesAndAcksWithPlus(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	c.eventReply = "pong"
	c.hasReply = true
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	require.NoError(t, s.RawMessage(`5:1+::{"name":"ping","args":[]}`))
	assert.Equal(t, []string{"ping"}, c.events)

	msgs := h.all()
	found := false
	for _, m := range msgs {
		if m == `6:::1+["pong"]` {
			found = true
		}
	}
	assert.True(t, found, "expected an ack response packet, got %v", msgs)
}

func TestRawMessageDisconnectClosesWholeSession(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	require.NoError(t, s.RawMessage("0::"))
	assert.True(t, c.closed)
	assert.True(t, s.IsClosed())

	select {
	case <-h.closedCh:
	case <-time.After(time.Second):
		t.Fatal("handler was never told the session closed")
	}
}

func TestConnectEndpointWithoutFactoryIsIgnored(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	require.NoError(t, s.RawMessage("1::/chat"))
	assert.False(t, s.IsClosed())
	s.mu.Lock()
	_, exists := s.endpoints["/chat"]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestConnectEndpointWithFactoryOpensSubEndpoint(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	c.subpaths = map[string]bool{"/chat": true}
	s, err := New(testConfig(), ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	require.NoError(t, s.RawMessage("1::/chat"))
	s.mu.Lock()
	_, exists := s.endpoints["/chat"]
	s.mu.Unlock()
	assert.True(t, exists)

	msgs := h.all()
	assert.Contains(t, msgs, "1::/chat")
}

func TestHeartbeatMissedClosesSession(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MissedThreshold = 1
	s, err := New(cfg, ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	select {
	case <-h.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after missed heartbeats")
	}
	assert.True(t, s.IsClosed())
}

func TestHeartbeatInboundResetsMissedCount(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MissedThreshold = 3
	s, err := New(cfg, ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, s.RawMessage("2::"))
	}
	assert.False(t, s.IsClosed())
}

func TestDelayHeartbeatKeepsSessionAliveOnTraffic(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MissedThreshold = 0
	s, err := New(cfg, ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		s.DelayHeartbeat()
	}
	assert.False(t, s.IsClosed())
}

func TestDelayHeartbeatNoopWhenGlobalHeartbeats(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	c := newFakeConn()
	cfg := testConfig()
	cfg.GlobalHeartbeats = true
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MissedThreshold = 0
	s, err := New(cfg, ip, c, nil)
	require.NoError(t, err)
	h := newFakeHandler(ip)
	require.NoError(t, s.Attach(h))

	s.DelayHeartbeat()

	select {
	case <-h.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on the fixed global cadence despite DelayHeartbeat")
	}
}

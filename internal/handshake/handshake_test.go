package handshake

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() (*Handler, *session.Container) {
	cfg := session.Config{ExpirySeconds: time.Minute, HeartbeatInterval: time.Hour, MissedThreshold: 2}
	container := session.NewContainer(cfg, time.Hour, nil)
	h := New(container, func() conn.Connection { return conn.NewEchoConnection() }, Config{
		ProtocolVersion:  "1",
		EnabledProtocols: []string{"websocket", "flashsocket", "xhr-polling", "jsonp-polling", "htmlfile"},
		HeartbeatTimeout: 17 * time.Second,
		CloseTimeout:     25 * time.Second,
	})
	return h, container
}

func newTestMux(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/{namespace}/{version}/", h).Methods(http.MethodGet)
	return r
}

func TestHandshakeReturnsDescriptor(t *testing.T) {
	h, _ := newTestHandler()
	srv := httptest.NewServer(newTestMux(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := make([]byte, 256)
	n, _ := resp.Body.Read(body)
	pattern := regexp.MustCompile(`^[a-zA-Z0-9_-]+:17:25:websocket,flashsocket,xhr-polling,jsonp-polling,htmlfile$`)
	assert.True(t, pattern.MatchString(string(body[:n])), "got %q", string(body[:n]))
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	h, _ := newTestHandler()
	srv := httptest.NewServer(newTestMux(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/2/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandshakeJSONPWrapsDescriptor(t *testing.T) {
	h, _ := newTestHandler()
	srv := httptest.NewServer(newTestMux(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/?jsonp=4")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/javascript; charset=UTF-8", resp.Header.Get("Content-Type"))

	body := make([]byte, 256)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "io.j[4](")
}

func TestHandshakeCreatesARetrievableSession(t *testing.T) {
	h, container := newTestHandler()
	srv := httptest.NewServer(newTestMux(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := make([]byte, 256)
	n, _ := resp.Body.Read(body)
	descriptor := string(body[:n])
	sid := descriptor[:len(descriptor)-len(":17:25:websocket,flashsocket,xhr-polling,jsonp-polling,htmlfile")]

	_, ok := container.Get(sid)
	assert.True(t, ok)
}

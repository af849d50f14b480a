package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/nvidia/gridstreamer/signaling/internal/config"
	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *Router {
	cfg := config.DefaultConfig()
	cfg.SessionCheckInterval = 0
	return New(cfg, func() conn.Connection { return conn.NewEchoConnection() })
}

func TestRouterHandshakeThenXHRPollingEcho(t *testing.T) {
	rt := newTestRouter()
	srv := httptest.NewServer(rt)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/")
	require.NoError(t, err)
	descBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	desc := string(descBytes)

	pattern := regexp.MustCompile(`^([a-zA-Z0-9_-]+):\d+:\d+:(.+)$`)
	m := pattern.FindStringSubmatch(desc)
	require.NotNil(t, m, "descriptor %q did not match", desc)
	sid := m[1]
	assert.Contains(t, m[2], "xhr-polling")

	pollURL := srv.URL + "/socket.io/1/xhr-polling/" + sid

	first, err := http.Get(pollURL)
	require.NoError(t, err)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	assert.Equal(t, "1::", string(firstBody))

	postResp, err := http.Post(pollURL, "text/plain", strings.NewReader("3:::ping"))
	require.NoError(t, err)
	postResp.Body.Close()

	second, err := http.Get(pollURL)
	require.NoError(t, err)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()
	assert.Equal(t, "3:::ping", string(secondBody))
}

func TestRouterRejectsUnknownTransportSession(t *testing.T) {
	rt := newTestRouter()
	srv := httptest.NewServer(rt)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/socket.io/1/xhr-polling/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

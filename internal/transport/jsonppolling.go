package transport

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// JSONPPollingHandler implements the jsonp-polling transport: the same poll/flush state
// machine as xhr-polling, with the response wrapped as a JSONP callback
// invocation and the POST body URL- then JSON-decoded.
type JSONPPollingHandler struct {
	registry    Registry
	pollTimeout time.Duration
}

// NewJSONPPollingHandler returns the jsonp-polling transport handler.
func NewJSONPPollingHandler(registry Registry, pollTimeout time.Duration) *JSONPPollingHandler {
	return &JSONPPollingHandler{registry: registry, pollTimeout: pollTimeout}
}

func (h *JSONPPollingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ApplyCORS(w, r)
	switch r.Method {
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodPost:
		h.servePost(w, r)
	case http.MethodOptions:
		HandleOptions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *JSONPPollingHandler) serveGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.registry.Get(sessionID(r))
	if !ok {
		unauthorized(w)
		return
	}

	idx := sanitizeJSONPIndex(r.URL.Query().Get("i"))

	pw := newPollWaiter("jsonp-polling", ClientIP(r))
	if err := sess.Attach(pw); err != nil {
		unauthorized(w)
		return
	}

	select {
	case <-pw.ready:
	case <-pw.closedCh:
	case <-time.After(h.pollTimeout):
		pw.appendTimeout(noopFrame())
	case <-r.Context().Done():
		sess.Detach(pw)
		return
	}

	sess.Detach(pw)
	writeJSONPResponse(w, idx, pw.drain())
}

func (h *JSONPPollingHandler) servePost(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.registry.Get(sessionID(r))
	if !ok {
		unauthorized(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	raw := strings.TrimPrefix(string(body), "d=")
	unescaped, err := url.QueryUnescape(raw)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var frame string
	if err := json.Unmarshal([]byte(unescaped), &frame); err != nil {
		slog.Warn("jsonp-polling post body is not a JSON string", "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	packets, err := wire.DecodeFrames(frame)
	if err != nil {
		slog.Warn("jsonp-polling post decode error, closing session", "error", err)
		sess.Close()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, p := range packets {
		if err := sess.RawMessage(p); err != nil {
			slog.Warn("jsonp-polling dispatch error, closing session", "error", err)
			sess.Close()
			break
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
}

// sanitizeJSONPIndex restricts the client-supplied callback index to
// digits: it is interpolated directly into a text/javascript response, and
// io.j[] array access is the only thing this protocol ever needs it for.
func sanitizeJSONPIndex(i string) string {
	for _, r := range i {
		if r < '0' || r > '9' {
			return "0"
		}
	}
	if i == "" {
		return "0"
	}
	return i
}

func writeJSONPResponse(w http.ResponseWriter, idx string, packets []string) {
	w.Header().Set("Content-Type", "text/javascript; charset=UTF-8")
	w.Header().Set("X-XSS-Protection", "0")
	w.Header().Set("Connection", "Keep-Alive")

	payload := ""
	if len(packets) > 0 {
		payload = wire.EncodeFrames(packets)
	}
	encoded, _ := json.Marshal(payload)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("io.j[" + idx + "](" + string(encoded) + ");"))
}

package transport

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/segmentio/encoding/json"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLFileSendMessagesFramesWholeBatchInOneScriptTag(t *testing.T) {
	rec := httptest.NewRecorder()
	h := &htmlFileHandler{ip: net.ParseIP("127.0.0.1"), w: rec, flusher: rec}

	packets := []string{"3:::hello", "3:::world"}
	h.SendMessages(packets)

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "<script>"), "expected exactly one script tag for the whole batch")

	encoded, err := json.Marshal(wire.EncodeFrames(packets))
	require.NoError(t, err)
	assert.Equal(t, "<script>_("+string(encoded)+");</script>", body)
}

func TestHTMLFileSendMessagesNoopOnEmptyBatch(t *testing.T) {
	rec := httptest.NewRecorder()
	h := &htmlFileHandler{ip: net.ParseIP("127.0.0.1"), w: rec, flusher: rec}

	h.SendMessages(nil)
	assert.Empty(t, rec.Body.String())
}

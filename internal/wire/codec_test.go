package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
	}{
		{"disconnect bare", &Packet{Kind: KindDisconnect}},
		{"disconnect endpoint", &Packet{Kind: KindDisconnect, Endpoint: "/chat"}},
		{"connect bare", &Packet{Kind: KindConnect}},
		{"connect endpoint", &Packet{Kind: KindConnect, Endpoint: "/chat"}},
		{"heartbeat", &Packet{Kind: KindHeartbeat}},
		{"noop", &Packet{Kind: KindNoop}},
		{"message no mid", &Packet{Kind: KindMessage, Data: "hello"}},
		{"message with mid", &Packet{Kind: KindMessage, AckID: "7", Data: "hello"}},
		{"message with endpoint", &Packet{Kind: KindMessage, Endpoint: "/chat", Data: "hi"}},
		{"message unicode", &Packet{Kind: KindMessage, Data: "café � snowman ☃"}},
		{"json message", &Packet{Kind: KindJSONMessage, JSON: map[string]interface{}{"a": float64(1)}}},
		{"event args", &Packet{Kind: KindEvent, EventName: "t", EventArgs: []interface{}{float64(10), float64(20)}}},
		{"event kwargs", &Packet{Kind: KindEvent, EventName: "t", EventKwargs: map[string]interface{}{"a": float64(1)}}},
		{"event no args", &Packet{Kind: KindEvent, EventName: "ping"}},
		{"ack bare", &Packet{Kind: KindAck, Endpoint: "", AckID: "7"}},
		{"ack with response", &Packet{Kind: KindAck, AckID: "2", AckResponse: "yes", AckHasResponse: true}},
		{"ack with list response", &Packet{Kind: KindAck, AckID: "2", AckResponse: []interface{}{"yes"}, AckHasResponse: true}},
		{"error no advice", &Packet{Kind: KindError, ErrorReason: "unauthorized"}},
		{"error with advice", &Packet{Kind: KindError, ErrorReason: "unauthorized", ErrorAdvice: "reconnect"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.pkt)
			require.NoError(t, err)

			decoded, err := Decode(wire)
			require.NoError(t, err)

			assert.Equal(t, tc.pkt.Kind, decoded.Kind)
			assert.Equal(t, tc.pkt.Endpoint, decoded.Endpoint)

			switch tc.pkt.Kind {
			case KindMessage:
				assert.Equal(t, tc.pkt.AckID, decoded.AckID)
				assert.Equal(t, tc.pkt.Data, decoded.Data)
			case KindEvent:
				assert.Equal(t, tc.pkt.EventName, decoded.EventName)
				if tc.pkt.EventKwargs != nil {
					assert.Equal(t, tc.pkt.EventKwargs, decoded.EventKwargs)
				} else {
					assert.ElementsMatch(t, tc.pkt.EventArgs, decoded.EventArgs)
				}
			case KindAck:
				assert.Equal(t, tc.pkt.AckID, decoded.AckID)
				assert.Equal(t, tc.pkt.AckHasResponse, decoded.AckHasResponse)
			case KindError:
				assert.Equal(t, tc.pkt.ErrorReason, decoded.ErrorReason)
				assert.Equal(t, tc.pkt.ErrorAdvice, decoded.ErrorAdvice)
			}
		})
	}
}

func TestEventUnpackingRule(t *testing.T) {
	p, err := Decode(`5:::{"name":"x","args":[{"a":1}]}`)
	require.NoError(t, err)
	assert.Equal(t, "x", p.EventName)
	assert.Nil(t, p.EventArgs)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, p.EventKwargs)

	p2, err := Decode(`5:::{"name":"x","args":[1,2,3]}`)
	require.NoError(t, err)
	assert.Equal(t, "x", p2.EventName)
	assert.Nil(t, p2.EventKwargs)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, p2.EventArgs)
}

func TestAckWithPlusRequestsResponse(t *testing.T) {
	p, err := Decode(`6:::2+["yes"]`)
	require.NoError(t, err)
	assert.Equal(t, "2", p.AckID)
	assert.True(t, p.AckHasResponse)
	assert.Equal(t, []interface{}{"yes"}, p.AckResponse)
}

func TestAckBareHasNoResponse(t *testing.T) {
	p, err := Decode(`6:::7`)
	require.NoError(t, err)
	assert.Equal(t, "7", p.AckID)
	assert.False(t, p.AckHasResponse)
}

func TestDecodeMalformedFailsWithCodecError(t *testing.T) {
	_, err := Decode("")
	require.Error(t, err)
	var cerr *CodecError
	assert.ErrorAs(t, err, &cerr)

	_, err = Decode("5:::not json")
	require.Error(t, err)
	assert.ErrorAs(t, err, &cerr)
}

func TestCoerceNumericsFallsBackToFloat(t *testing.T) {
	p := &Packet{Kind: KindJSONMessage, JSON: map[string]interface{}{"n": bigIntFixture()}}
	wire, err := Encode(p)
	require.NoError(t, err)
	assert.Contains(t, wire, "4:::")

	decoded, err := Decode(wire)
	require.NoError(t, err)
	obj := decoded.JSON.(map[string]interface{})
	_, isFloat := obj["n"].(float64)
	assert.True(t, isFloat)
}

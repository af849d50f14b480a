package wire

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// CodecError marks a failure to decode a packet or frame payload. Callers
// treat it as fatal for the session that produced it.
type CodecError struct {
	Reason string
	Cause  error
}

func (e *CodecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("socketio codec: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("socketio codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Cause }

func codecErrf(cause error, format string, args ...interface{}) *CodecError {
	return &CodecError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// Encode renders a Packet to its wire form.
func Encode(p *Packet) (string, error) {
	switch p.Kind {
	case KindDisconnect:
		return "0::" + p.Endpoint, nil
	case KindConnect:
		return "1::" + p.Endpoint, nil
	case KindHeartbeat:
		return "2::", nil
	case KindNoop:
		return "8::", nil
	case KindMessage:
		if p.ForceJSON {
			return encodeJSONMessage(p)
		}
		return fmt.Sprintf("3:%s:%s:%s", p.AckID, p.Endpoint, p.Data), nil
	case KindJSONMessage:
		return encodeJSONMessage(p)
	case KindEvent:
		return encodeEvent(p)
	case KindAck:
		return encodeAck(p)
	case KindError:
		advice := p.ErrorAdvice
		reason := p.ErrorReason
		if advice == "" {
			return fmt.Sprintf("7::%s:%s", p.Endpoint, reason), nil
		}
		return fmt.Sprintf("7::%s:%s+%s", p.Endpoint, reason, advice), nil
	default:
		return "", codecErrf(nil, "unknown packet kind %q", byte(p.Kind))
	}
}

func encodeJSONMessage(p *Packet) (string, error) {
	payload := p.JSON
	if payload == nil && p.ForceJSON {
		payload = p.Data
	}
	coerced := coerceNumerics(payload)
	b, err := json.Marshal(coerced)
	if err != nil {
		return "", codecErrf(err, "marshalling json message payload")
	}
	return fmt.Sprintf("4:%s:%s:%s", p.AckID, p.Endpoint, string(b)), nil
}

func encodeEvent(p *Packet) (string, error) {
	if p.EventArgs != nil && p.EventKwargs != nil {
		// Never both at once; prefer args and drop kwargs.
		slog.Warn("event has both args and kwargs, dropping kwargs", "event", p.EventName)
	}
	var args interface{}
	if p.EventArgs != nil {
		args = p.EventArgs
	} else if p.EventKwargs != nil {
		args = []interface{}{p.EventKwargs}
	} else {
		args = []interface{}{}
	}

	payload := map[string]interface{}{
		"name": p.EventName,
		"args": args,
	}
	b, err := json.Marshal(coerceNumerics(payload))
	if err != nil {
		return "", codecErrf(err, "marshalling event payload")
	}
	return fmt.Sprintf("5:%s:%s:%s", p.AckID, p.Endpoint, string(b)), nil
}

func encodeAck(p *Packet) (string, error) {
	if !p.AckHasResponse {
		return fmt.Sprintf("6::%s:%s", p.Endpoint, p.AckID), nil
	}

	resp := p.AckResponse
	if _, isList := resp.([]interface{}); !isList {
		resp = []interface{}{resp}
	}
	b, err := json.Marshal(coerceNumerics(resp))
	if err != nil {
		return "", codecErrf(err, "marshalling ack response")
	}
	return fmt.Sprintf("6::%s:%s+%s", p.Endpoint, p.AckID, string(b)), nil
}

// Decode parses a single packet from its wire form.
func Decode(raw string) (*Packet, error) {
	if raw == "" {
		return nil, codecErrf(nil, "empty packet")
	}

	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return nil, codecErrf(nil, "malformed packet %q: need at least kind:ackId:endpoint", raw)
	}
	if len(parts[0]) != 1 {
		return nil, codecErrf(nil, "malformed packet %q: kind must be one character", raw)
	}

	kind := Kind(parts[0][0])
	p := &Packet{
		Kind:     kind,
		AckID:    parts[1],
		Endpoint: parts[2],
	}
	data := ""
	if len(parts) == 4 {
		data = parts[3]
	}

	switch kind {
	case KindDisconnect, KindConnect, KindHeartbeat, KindNoop:
		return p, nil
	case KindMessage:
		p.Data = data
		return p, nil
	case KindJSONMessage:
		if data == "" {
			return p, nil
		}
		var v interface{}
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, codecErrf(err, "decoding json message payload %q", data)
		}
		p.JSON = v
		return p, nil
	case KindEvent:
		return decodeEvent(p, data)
	case KindAck:
		return decodeAck(p, data)
	case KindError:
		reason, advice, _ := strings.Cut(data, "+")
		p.ErrorReason = reason
		p.ErrorAdvice = advice
		return p, nil
	default:
		return nil, codecErrf(nil, "unknown packet kind %q in %q", parts[0], raw)
	}
}

type eventWire struct {
	Name string        `json:"name"`
	Args []interface{} `json:"args"`
}

func decodeEvent(p *Packet, data string) (*Packet, error) {
	if data == "" {
		return nil, codecErrf(nil, "event packet missing data")
	}
	var ev eventWire
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, codecErrf(err, "decoding event payload %q", data)
	}
	p.EventName = ev.Name

	// Event unpacking rule: a lone object argument becomes kwargs.
	if len(ev.Args) == 1 {
		if obj, ok := ev.Args[0].(map[string]interface{}); ok {
			p.EventKwargs = obj
			return p, nil
		}
	}
	p.EventArgs = ev.Args
	return p, nil
}

func decodeAck(p *Packet, data string) (*Packet, error) {
	if data == "" {
		return p, nil
	}
	id, jsonPart, hasJSON := strings.Cut(data, "+")
	p.AckID = id
	if !hasJSON {
		return p, nil
	}
	if jsonPart == "" {
		p.AckHasResponse = true
		return p, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(jsonPart), &v); err != nil {
		return nil, codecErrf(err, "decoding ack response %q", jsonPart)
	}
	p.AckResponse = v
	p.AckHasResponse = true
	return p, nil
}

// coerceNumerics walks an arbitrary value tree and rewrites numeric types
// the JSON encoder cannot represent natively (big.Int, big.Float,
// json.Number, and friends) into float64, matching the wire's "JSON serialization
// must handle arbitrary-precision decimal-ish numerics by coercing unknown
// numeric-like values to floating-point" requirement.
func coerceNumerics(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = coerceNumerics(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = coerceNumerics(val)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		if f, _, err := big.ParseFloat(t.String(), 10, 53, big.ToNearestEven); err == nil {
			out, _ := f.Float64()
			return out
		}
		return 0.0
	case *big.Int:
		f := new(big.Float).SetInt(t)
		out, _ := f.Float64()
		return out
	case *big.Float:
		out, _ := t.Float64()
		return out
	case *big.Rat:
		out, _ := new(big.Float).SetRat(t).Float64()
		return out
	default:
		return v
	}
}

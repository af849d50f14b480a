// Package wire implements the Socket.IO 0.7/0.8 packet codec and the
// multi-packet frame envelope used to bundle packets into one HTTP body.
package wire

import "fmt"

// Kind identifies one of the nine Socket.IO packet types.
type Kind byte

const (
	KindDisconnect  Kind = '0'
	KindConnect     Kind = '1'
	KindHeartbeat   Kind = '2'
	KindMessage     Kind = '3'
	KindJSONMessage Kind = '4'
	KindEvent       Kind = '5'
	KindAck         Kind = '6'
	KindError       Kind = '7'
	KindNoop        Kind = '8'
)

func (k Kind) String() string {
	switch k {
	case KindDisconnect:
		return "disconnect"
	case KindConnect:
		return "connect"
	case KindHeartbeat:
		return "heartbeat"
	case KindMessage:
		return "message"
	case KindJSONMessage:
		return "json"
	case KindEvent:
		return "event"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	case KindNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// Packet is one Socket.IO protocol unit. Not every field applies to every
// Kind; see the encoding rules in Encode.
type Packet struct {
	Kind Kind

	// AckID is the decimal ack id for Message/JSONMessage/Event, or the ack
	// target id for Ack. Empty string means "no ack requested" on output,
	// and "none present" on input. A trailing "+" on an inbound AckID means
	// the sender wants an Ack response even though no ack was pre-registered
	// (see EventWantsAck).
	AckID string

	// Endpoint is the namespace path ("" for the default endpoint, or a
	// string starting with "/").
	Endpoint string

	// Data is the raw payload for Message. Unused for Disconnect/Connect/
	// Heartbeat/Noop.
	Data string

	// ForceJSON routes a textual Message payload through KindJSONMessage
	// encoding instead of KindMessage.
	ForceJSON bool

	// JSON holds the decoded/to-encode payload for JSONMessage.
	JSON interface{}

	// EventName/EventArgs/EventKwargs hold the decoded Event payload. Encode
	// uses EventArgs if non-nil, else wraps EventKwargs in a one-element
	// list: never both at once.
	EventName   string
	EventArgs   []interface{}
	EventKwargs map[string]interface{}

	// AckResponse holds the decoded response payload for a received Ack, or
	// the response to encode for an outgoing Ack. AckHasResponse distinguishes
	// "no data" (6::ep:mid) from "explicit null" (6::ep:mid+null on input;
	// an outgoing nil response is wrapped in a list and encodes as
	// 6::ep:mid+[null]).
	AckResponse    interface{}
	AckHasResponse bool

	// ErrorReason/ErrorAdvice hold the Error packet's two fields.
	ErrorReason string
	ErrorAdvice string
}

// EventWantsAck reports whether an inbound AckID carries the "+" suffix
// that requests an Ack response regardless of whether the application
// registered one.
func (p *Packet) EventWantsAck() (id string, wants bool) {
	if len(p.AckID) > 0 && p.AckID[len(p.AckID)-1] == '+' {
		return p.AckID[:len(p.AckID)-1], true
	}
	return p.AckID, false
}

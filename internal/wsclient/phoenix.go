package wsclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Phoenix channel protocol events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	// HeartbeatTopic is the reserved topic Phoenix servers expect liveness
	// pings on.
	HeartbeatTopic = "phoenix"
)

// Envelope is a single decoded Phoenix channel frame.
type Envelope struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// envelopeJSON mirrors the object form of a Phoenix frame. Refs are decoded
// leniently because servers emit them as strings, numbers, or null.
type envelopeJSON struct {
	JoinRef json.RawMessage `json:"join_ref,omitempty"`
	Ref     json.RawMessage `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes an inbound frame. Both the object form
// {topic, event, payload, ref} and the legacy array form
// [join_ref, ref, topic, event, payload] are accepted.
func ParseEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return Envelope{}, errors.New("wsclient: empty frame")
	}
	if trimmed[0] == '[' {
		return parseArrayEnvelope(trimmed)
	}

	var obj envelopeJSON
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Envelope{}, fmt.Errorf("wsclient: decode frame: %w", err)
	}
	if obj.Event == "" {
		return Envelope{}, errors.New("wsclient: frame missing event")
	}
	return Envelope{
		JoinRef: refString(obj.JoinRef),
		Ref:     refString(obj.Ref),
		Topic:   obj.Topic,
		Event:   obj.Event,
		Payload: obj.Payload,
	}, nil
}

func parseArrayEnvelope(data []byte) (Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Envelope{}, fmt.Errorf("wsclient: decode array frame: %w", err)
	}
	if len(parts) != 5 {
		return Envelope{}, fmt.Errorf("wsclient: array frame has %d elements, want 5", len(parts))
	}

	var topic, event string
	if err := json.Unmarshal(parts[2], &topic); err != nil {
		return Envelope{}, fmt.Errorf("wsclient: array frame topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &event); err != nil {
		return Envelope{}, fmt.Errorf("wsclient: array frame event: %w", err)
	}
	return Envelope{
		JoinRef: refString(parts[0]),
		Ref:     refString(parts[1]),
		Topic:   topic,
		Event:   event,
		Payload: parts[4],
	}, nil
}

// refString normalizes a ref that may arrive as a JSON string, number, or
// null.
func refString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}

// Phoenix tracks per-connection channel protocol state: the monotonic ref
// counter and whether the topic join has been acknowledged. Frame builders
// take the lock so concurrent senders get unique refs.
//
// Reset must be called whenever the underlying connection drops; the next
// dial then starts a fresh protocol session with ref 1.
type Phoenix struct {
	topic string

	mu     sync.Mutex
	ref    int64
	joined bool
}

// NewPhoenix creates channel state for topic.
func NewPhoenix(topic string) *Phoenix {
	return &Phoenix{topic: topic, ref: 1}
}

// Topic returns the channel topic.
func (p *Phoenix) Topic() string { return p.topic }

// JoinFrame builds the phx_join frame that opens the channel.
func (p *Phoenix) JoinFrame(payload any) ([]byte, error) {
	return p.frame(p.topic, EventJoin, payload)
}

// LeaveFrame builds the phx_leave frame sent before a clean disconnect.
func (p *Phoenix) LeaveFrame() ([]byte, error) {
	return p.frame(p.topic, EventLeave, nil)
}

// HeartbeatFrame builds the liveness ping on the reserved "phoenix" topic.
func (p *Phoenix) HeartbeatFrame() ([]byte, error) {
	return p.frame(HeartbeatTopic, EventHeartbeat, nil)
}

// PushFrame builds an application event frame on the channel topic.
func (p *Phoenix) PushFrame(event string, payload any) ([]byte, error) {
	return p.frame(p.topic, event, payload)
}

func (p *Phoenix) frame(topic, event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}

	p.mu.Lock()
	ref := p.ref
	p.ref++
	p.mu.Unlock()

	b, err := json.Marshal(struct {
		Topic   string `json:"topic"`
		Event   string `json:"event"`
		Payload any    `json:"payload"`
		Ref     int64  `json:"ref"`
	}{topic, event, payload, ref})
	if err != nil {
		return nil, fmt.Errorf("wsclient: encode %s frame: %w", event, err)
	}
	return b, nil
}

// MarkJoined records that the server acknowledged the phx_join.
func (p *Phoenix) MarkJoined() {
	p.mu.Lock()
	p.joined = true
	p.mu.Unlock()
}

// Joined reports whether the channel join has been acknowledged.
func (p *Phoenix) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// Reset rewinds the ref counter to 1 and clears the joined flag.
func (p *Phoenix) Reset() {
	p.mu.Lock()
	p.ref = 1
	p.joined = false
	p.mu.Unlock()
}

// Package ingest connects Streampulse to its upstream Phoenix websocket
// endpoints: the live transcription feed, the combined events feed, and the
// optional egress channel that republishes transcriptions.
//
// Each feed pairs a Phoenix channel transport with a resilient
// [wsclient.Client]; decoded envelopes land on a bounded drop-oldest queue
// that a per-client dispatch goroutine drains into typed handlers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lurkshade/streampulse/internal/wsclient"
)

// maxFrameBytes bounds a single inbound frame. Event payloads are small;
// anything near this size is a misbehaving server.
const maxFrameBytes = 1 << 20

// defaultQueueSize is the inbound envelope queue depth per connection.
const defaultQueueSize = 1000

// errNotConnected is returned by writes attempted between connections.
var errNotConnected = errors.New("ingest: not connected")

// phoenixTransport drives one Phoenix channel over a coder/websocket
// connection. It implements [wsclient.Transport] and
// [wsclient.HeartbeatSender]; the owning client runs it through the
// reconnecting state machine.
type phoenixTransport struct {
	url         string
	phoenix     *wsclient.Phoenix
	joinPayload any
	queue       *wsclient.Queue[wsclient.Envelope]
	log         *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newPhoenixTransport(url, topic string, joinPayload any, queueSize int, log *slog.Logger) *phoenixTransport {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if joinPayload == nil {
		joinPayload = map[string]any{}
	}
	return &phoenixTransport{
		url:         url,
		phoenix:     wsclient.NewPhoenix(topic),
		joinPayload: joinPayload,
		queue:       wsclient.NewQueue[wsclient.Envelope](queueSize),
		log:         log,
	}
}

// DialContext opens the websocket and pushes the channel join frame. The
// join acknowledgement is consumed by ReadLoop.
func (t *phoenixTransport) DialContext(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	frame, err := t.phoenix.JoinFrame(t.joinPayload)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join frame")
		return fmt.Errorf("join frame for %s: %w", t.phoenix.Topic(), err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusProtocolError, "join write failed")
		return fmt.Errorf("join %s: %w", t.phoenix.Topic(), err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// ReadLoop pumps inbound frames until the connection drops or ctx is
// cancelled. Protocol bookkeeping (join acks, heartbeat replies, channel
// closes) is handled here; everything else is queued for dispatch.
func (t *phoenixTransport) ReadLoop(ctx context.Context) error {
	conn := t.current()
	if conn == nil {
		return errNotConnected
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := wsclient.ParseEnvelope(data)
		if err != nil {
			t.log.Debug("discarding unparseable frame", "topic", t.phoenix.Topic(), "err", err)
			continue
		}

		switch {
		case env.Event == wsclient.EventReply:
			if env.Topic == t.phoenix.Topic() && !t.phoenix.Joined() {
				if err := replyError(env.Payload); err != nil {
					return fmt.Errorf("join %s rejected: %w", t.phoenix.Topic(), err)
				}
				t.phoenix.MarkJoined()
				t.log.Info("channel joined", "topic", t.phoenix.Topic())
			}
			// Heartbeat and push acks carry nothing for dispatch.

		case env.Event == wsclient.EventClose && env.Topic == t.phoenix.Topic():
			return fmt.Errorf("channel %s closed by server", t.phoenix.Topic())

		default:
			t.queue.Push(env)
		}
	}
}

// Close sends a best-effort channel leave, closes the socket, and resets the
// Phoenix ref counter so the next connection numbers frames from 1 again.
func (t *phoenixTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		t.phoenix.Reset()
		return nil
	}

	if frame, err := t.phoenix.LeaveFrame(); err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
	}
	t.phoenix.Reset()

	return conn.Close(websocket.StatusNormalClosure, "client shutdown")
}

// SendHeartbeat pushes a liveness ping on the reserved phoenix topic.
func (t *phoenixTransport) SendHeartbeat(ctx context.Context) error {
	frame, err := t.phoenix.HeartbeatFrame()
	if err != nil {
		return err
	}
	return t.write(ctx, frame)
}

// Send pushes an application event onto the channel.
func (t *phoenixTransport) Send(ctx context.Context, event string, payload any) error {
	frame, err := t.phoenix.PushFrame(event, payload)
	if err != nil {
		return err
	}
	return t.write(ctx, frame)
}

// Envelopes returns the dispatch queue of inbound application frames.
func (t *phoenixTransport) Envelopes() <-chan wsclient.Envelope {
	return t.queue.C()
}

// Dropped reports how many inbound frames the queue discarded under
// backpressure.
func (t *phoenixTransport) Dropped() int64 {
	return t.queue.Dropped()
}

func (t *phoenixTransport) write(ctx context.Context, frame []byte) error {
	conn := t.current()
	if conn == nil {
		return errNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (t *phoenixTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// phoenixReply is the payload of a phx_reply frame.
type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// replyError returns a non-nil error when a phx_reply payload carries a
// non-ok status.
func replyError(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var r phoenixReply
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil // lenient: servers ack with all sorts of shapes
	}
	if r.Status != "" && r.Status != "ok" {
		return fmt.Errorf("status %q: %s", r.Status, string(r.Response))
	}
	return nil
}

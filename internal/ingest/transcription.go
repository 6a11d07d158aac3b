package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/internal/wsclient"
	"github.com/lurkshade/streampulse/pkg/types"
)

// Channel topics on the upstream Phoenix servers.
const (
	TopicTranscription = "transcription:live"
	TopicEvents        = "events:all"
)

// Events on the transcription channel.
const (
	evtNewTranscription      = "new_transcription"
	evtConnectionEstablished = "connection_established"
	evtSessionStarted        = "session_started"
	evtSessionEnded          = "session_ended"
	evtTranscriptionStats    = "transcription_stats"
)

// Config tunes one ingest connection.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Client tunes reconnect, backoff, and heartbeat behavior.
	Client wsclient.Config

	// QueueSize bounds the inbound envelope queue. Default 1000.
	QueueSize int
}

// conn bundles the pieces every ingest client shares and forwards the
// lifecycle surface of the underlying reconnecting client.
type conn struct {
	ws        *wsclient.Client
	transport *phoenixTransport
}

// Disconnect tears the connection down and stops background tasks.
func (c *conn) Disconnect(ctx context.Context) error { return c.ws.Disconnect(ctx) }

// Status reports the connection snapshot.
func (c *conn) Status() wsclient.Status { return c.ws.Status() }

// HealthCheck reports connection liveness.
func (c *conn) HealthCheck() bool { return c.ws.HealthCheck() }

// OnStateChange registers an observer for connection state transitions.
func (c *conn) OnStateChange(fn wsclient.StateObserver) { c.ws.OnStateChange(fn) }

// QueueDropped reports inbound frames discarded under backpressure.
func (c *conn) QueueDropped() int64 { return c.transport.Dropped() }

// TranscriptionClient consumes the live transcription channel and hands each
// decoded speech fragment to OnTranscription.
type TranscriptionClient struct {
	conn

	// OnTranscription receives each decoded fragment. Set before Run.
	OnTranscription func(ctx context.Context, t types.Transcription)

	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	received atomic.Int64
}

// NewTranscriptionClient builds a client for cfg.URL. Callbacks are wired
// after construction, before Run.
func NewTranscriptionClient(cfg Config, log *slog.Logger) *TranscriptionClient {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest", "channel", TopicTranscription)
	if cfg.Client.Name == "" {
		cfg.Client.Name = "transcription"
	}

	tr := newPhoenixTransport(cfg.URL, TopicTranscription, nil, cfg.QueueSize, log)
	return &TranscriptionClient{
		conn:    conn{ws: wsclient.New(tr, cfg.Client), transport: tr},
		log:     log,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
	}
}

// Run connects and consumes the channel until ctx is cancelled, reconnecting
// on drops.
func (c *TranscriptionClient) Run(ctx context.Context) error {
	c.ws.Go(ctx, "transcription-dispatch", c.dispatch)
	return c.ws.ListenWithReconnect(ctx)
}

// Received reports how many fragments have been decoded since startup.
func (c *TranscriptionClient) Received() int64 { return c.received.Load() }

func (c *TranscriptionClient) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.transport.Envelopes():
			c.handle(ctx, env)
		}
	}
}

func (c *TranscriptionClient) handle(ctx context.Context, env wsclient.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transcription handler panic", "event", env.Event, "panic", r)
		}
	}()

	switch env.Event {
	case evtNewTranscription:
		t, err := parseTranscription(env.Payload, c.now())
		if err != nil {
			c.log.Warn("dropping transcription", "err", err, "payload", preview(env.Payload))
			return
		}
		c.received.Add(1)
		c.metrics.RecordIngest(ctx, "transcription")
		if c.OnTranscription != nil {
			c.OnTranscription(ctx, t)
		}

	case evtConnectionEstablished, evtSessionStarted, evtSessionEnded:
		c.log.Info("transcription session event", "event", env.Event)

	case evtTranscriptionStats:
		c.log.Debug("transcription stats", "payload", preview(env.Payload))

	default:
		c.log.Debug("unhandled transcription event", "event", env.Event)
	}
}

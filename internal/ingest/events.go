package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/internal/wsclient"
	"github.com/lurkshade/streampulse/pkg/types"
)

const evtChatMessage = "chat_message"

// EventConfig tunes the event client.
type EventConfig struct {
	Config

	// EmotePrefix marks channel-native emotes (e.g. "lurk"). Empty disables
	// native-emote tracking.
	EmotePrefix string
}

// EventClient consumes the combined events channel: chat messages, the emote
// events derived from their fragments, and discrete viewer interactions
// (follows, subs, gift subs, cheers, raids).
type EventClient struct {
	conn

	// OnChat receives each decoded chat message. Set before Run.
	OnChat func(ctx context.Context, m types.ChatMessage)

	// OnEmote receives one event per emote fragment, including emote-only
	// messages. Set before Run.
	OnEmote func(ctx context.Context, e types.EmoteEvent)

	// OnInteraction receives each decoded viewer interaction. Set before Run.
	OnInteraction func(ctx context.Context, v types.ViewerInteraction)

	emotePrefix string
	log         *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time
}

// NewEventClient builds a client for cfg.URL. Callbacks are wired after
// construction, before Run.
func NewEventClient(cfg EventConfig, log *slog.Logger) *EventClient {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest", "channel", TopicEvents)
	if cfg.Client.Name == "" {
		cfg.Client.Name = "events"
	}

	tr := newPhoenixTransport(cfg.URL, TopicEvents, nil, cfg.QueueSize, log)
	return &EventClient{
		conn:        conn{ws: wsclient.New(tr, cfg.Client), transport: tr},
		emotePrefix: cfg.EmotePrefix,
		log:         log,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
	}
}

// Run connects and consumes the channel until ctx is cancelled, reconnecting
// on drops.
func (c *EventClient) Run(ctx context.Context) error {
	c.ws.Go(ctx, "events-dispatch", c.dispatch)
	return c.ws.ListenWithReconnect(ctx)
}

func (c *EventClient) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.transport.Envelopes():
			c.handle(ctx, env)
		}
	}
}

func (c *EventClient) handle(ctx context.Context, env wsclient.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panic", "event", env.Event, "panic", r)
		}
	}()

	if kind, ok := interactionEvents[env.Event]; ok {
		v, err := parseInteraction(kind, eventData(env.Payload), c.now())
		if err != nil {
			c.log.Warn("dropping interaction", "event", env.Event, "err", err,
				"payload", preview(env.Payload))
			return
		}
		c.metrics.RecordIngest(ctx, "interaction")
		if c.OnInteraction != nil {
			c.OnInteraction(ctx, v)
		}
		return
	}

	switch env.Event {
	case evtChatMessage:
		msg, emotes, err := parseChat(eventData(env.Payload), c.emotePrefix, c.now())
		if err != nil {
			c.log.Warn("dropping chat message", "err", err, "payload", preview(env.Payload))
			return
		}
		c.metrics.RecordIngest(ctx, "chat")
		if c.OnChat != nil {
			c.OnChat(ctx, msg)
		}
		for _, e := range emotes {
			c.metrics.RecordIngest(ctx, "emote")
			if c.OnEmote != nil {
				c.OnEmote(ctx, e)
			}
		}

	default:
		c.log.Debug("unhandled stream event", "event", env.Event)
	}
}

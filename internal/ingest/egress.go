package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/lurkshade/streampulse/internal/wsclient"
	"github.com/lurkshade/streampulse/pkg/types"
)

const evtSubmitTranscription = "submit_transcription"

// EgressConfig tunes the egress client.
type EgressConfig struct {
	Config

	// SourceID identifies this instance in submitted payloads. Default
	// "streampulse".
	SourceID string

	// Timezone formats outbound timestamps. Nil means UTC.
	Timezone *time.Location

	// Session supplies the current stream session id.
	Session func() string
}

// EgressClient republishes transcriptions to a downstream Phoenix server.
// It joins the same channel the transcription client consumes, but only
// writes; inbound frames (submission acks) are drained and discarded.
type EgressClient struct {
	conn

	cfg EgressConfig
	log *slog.Logger
}

// NewEgressClient builds a client for cfg.URL.
func NewEgressClient(cfg EgressConfig, log *slog.Logger) *EgressClient {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest", "channel", TopicTranscription+" (egress)")
	if cfg.Client.Name == "" {
		cfg.Client.Name = "egress"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "streampulse"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}

	tr := newPhoenixTransport(cfg.URL, TopicTranscription, nil, cfg.QueueSize, log)
	return &EgressClient{
		conn: conn{ws: wsclient.New(tr, cfg.Client), transport: tr},
		cfg:  cfg,
		log:  log,
	}
}

// Run connects and keeps the channel alive until ctx is cancelled.
func (c *EgressClient) Run(ctx context.Context) error {
	c.ws.Go(ctx, "egress-drain", c.drain)
	return c.ws.ListenWithReconnect(ctx)
}

func (c *EgressClient) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.transport.Envelopes():
			c.log.Debug("egress event", "event", env.Event)
		}
	}
}

// Publish submits one transcription downstream. Callers treat failures as
// transient; the fragment is not requeued.
func (c *EgressClient) Publish(ctx context.Context, t types.Transcription) error {
	session := ""
	if c.cfg.Session != nil {
		session = c.cfg.Session()
	}

	payload := map[string]any{
		"timestamp":         t.Time().In(c.cfg.Timezone).Format(time.RFC3339),
		"duration":          t.Duration,
		"text":              t.Text,
		"source_id":         c.cfg.SourceID,
		"stream_session_id": session,
		"metadata": map[string]any{
			"original_timestamp_us": t.TimestampUS,
			"source":                "streampulse",
			"language":              "en",
		},
	}
	if t.Confidence > 0 {
		payload["confidence"] = t.Confidence
	}
	return c.transport.Send(ctx, evtSubmitTranscription, payload)
}

package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lurkshade/streampulse/pkg/types"
)

// tsFloor separates relative-clock artifacts from absolute epoch values: a
// microsecond timestamp below it predates 1970-01-12, which no live event
// can. The same bound doubles as the seconds/milliseconds divide for
// numeric chat timestamps.
const tsFloor = int64(1_000_000_000_000)

// previewLimit bounds logged payload excerpts.
const previewLimit = 120

// timestampUS decodes a transcription timestamp into epoch microseconds.
// ISO 8601 strings are parsed; numeric values are taken as microseconds.
// Values below tsFloor are upstream relative-from-startup artifacts and are
// replaced with now, as are missing or unparseable values.
func timestampUS(raw json.RawMessage, now time.Time) int64 {
	var s string
	if len(raw) > 0 && json.Unmarshal(raw, &s) == nil {
		if t, err := parseISO(s); err == nil {
			return t.UnixMicro()
		}
		return now.UnixMicro()
	}

	var f float64
	if len(raw) > 0 && json.Unmarshal(raw, &f) == nil {
		if us := int64(f); us >= tsFloor {
			return us
		}
	}
	return now.UnixMicro()
}

// timestampMS decodes a chat or interaction timestamp into epoch
// milliseconds. ISO 8601 strings are parsed; numeric values at or below
// tsFloor are seconds (scaled by 1000), larger values are already
// milliseconds. Missing or unparseable values fall back to now.
func timestampMS(raw json.RawMessage, now time.Time) int64 {
	var s string
	if len(raw) > 0 && json.Unmarshal(raw, &s) == nil {
		if t, err := parseISO(s); err == nil {
			return t.UnixMilli()
		}
		return now.UnixMilli()
	}

	var f float64
	if len(raw) > 0 && json.Unmarshal(raw, &f) == nil {
		if f <= float64(tsFloor) {
			return int64(f * 1000)
		}
		return int64(f)
	}
	return now.UnixMilli()
}

func parseISO(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Some emitters omit the zone; those read as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

type transcriptionPayload struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Text       string          `json:"text"`
	Duration   float64         `json:"duration"`
	Confidence float64         `json:"confidence"`
}

// parseTranscription decodes a new_transcription payload.
func parseTranscription(payload json.RawMessage, now time.Time) (types.Transcription, error) {
	var p transcriptionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return types.Transcription{}, fmt.Errorf("decode transcription: %w", err)
	}
	return types.Transcription{
		TimestampUS: timestampUS(p.Timestamp, now),
		Text:        strings.TrimSpace(p.Text),
		Duration:    p.Duration,
		Confidence:  p.Confidence,
	}, nil
}

// eventData unwraps the conventional {data: {...}} envelope on the events
// channel; events that arrive flat pass through unchanged.
func eventData(payload json.RawMessage) json.RawMessage {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil &&
		len(wrapper.Data) > 0 && string(wrapper.Data) != "null" {
		return wrapper.Data
	}
	return payload
}

type chatFragment struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emote *struct {
		ID string `json:"id"`
	} `json:"emote"`
}

type chatBadge struct {
	SetID string `json:"set_id"`
}

type chatData struct {
	UserName  string          `json:"user_name"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
	Fragments []chatFragment  `json:"fragments"`
	Badges    []chatBadge     `json:"badges"`
}

// parseChat decodes a chat_message data block into the message plus one
// standalone emote event per emote fragment, so emote-only messages still
// reach the emote buffer.
func parseChat(data json.RawMessage, emotePrefix string, now time.Time) (types.ChatMessage, []types.EmoteEvent, error) {
	var d chatData
	if err := json.Unmarshal(data, &d); err != nil {
		return types.ChatMessage{}, nil, fmt.Errorf("decode chat message: %w", err)
	}

	msg := types.ChatMessage{
		TimestampMS: timestampMS(d.Timestamp, now),
		Username:    d.UserName,
		Message:     d.Message,
	}

	var emotes []types.EmoteEvent
	for _, f := range d.Fragments {
		if f.Type != "emote" || f.Text == "" {
			continue
		}
		msg.Emotes = append(msg.Emotes, f.Text)
		if emotePrefix != "" && strings.HasPrefix(f.Text, emotePrefix) {
			msg.NativeEmotes = append(msg.NativeEmotes, f.Text)
		}
		ev := types.EmoteEvent{
			TimestampMS: msg.TimestampMS,
			Username:    d.UserName,
			Name:        f.Text,
		}
		if f.Emote != nil {
			ev.ID = f.Emote.ID
		}
		emotes = append(emotes, ev)
	}

	for _, b := range d.Badges {
		switch b.SetID {
		case "subscriber", "founder":
			msg.IsSubscriber = true
		case "moderator", "broadcaster":
			msg.IsModerator = true
		}
	}

	return msg, emotes, nil
}

// interactionEvents maps event names on the events channel to interaction
// kinds.
var interactionEvents = map[string]types.InteractionKind{
	"follower":          types.InteractionFollow,
	"subscription":      types.InteractionSubscription,
	"gift_subscription": types.InteractionGiftSub,
	"cheer":             types.InteractionCheer,
	"raid":              types.InteractionRaid,
}

// liftedInteractionKeys are promoted to struct fields; everything else in
// the data block passes through in Details.
var liftedInteractionKeys = [...]string{"user_name", "user_id", "timestamp"}

// parseInteraction decodes a viewer interaction data block.
func parseInteraction(kind types.InteractionKind, data json.RawMessage, now time.Time) (types.ViewerInteraction, error) {
	var d struct {
		UserName  string          `json:"user_name"`
		UserID    json.RawMessage `json:"user_id"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return types.ViewerInteraction{}, fmt.Errorf("decode %s event: %w", kind, err)
	}

	v := types.ViewerInteraction{
		TimestampMS: timestampMS(d.Timestamp, now),
		Kind:        kind,
		Username:    d.UserName,
		UserID:      rawString(d.UserID),
	}

	var details map[string]any
	if err := json.Unmarshal(data, &details); err == nil {
		for _, k := range liftedInteractionKeys {
			delete(details, k)
		}
		if len(details) > 0 {
			v.Details = details
		}
	}
	return v, nil
}

// rawString renders a JSON scalar as a string: quoted strings lose their
// quotes, numbers keep their literal form.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// preview returns a log-safe excerpt of a payload.
func preview(data []byte) string {
	if len(data) <= previewLimit {
		return string(data)
	}
	return string(data[:previewLimit]) + "..."
}

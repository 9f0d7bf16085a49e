package stream

import (
	"encoding/json"
	"strings"
)

// Kind is the tag of a decoded stream frame.
type Kind string

const (
	// KindStart announces that the backend accepted the request.
	KindStart Kind = "start"
	// KindChunk carries a text delta.
	KindChunk Kind = "chunk"
	// KindMessage carries either a delta or a full restatement of the answer.
	KindMessage Kind = "message"
	// KindMessageEnd concludes the stream, optionally with the authoritative full answer.
	KindMessageEnd Kind = "message_end"
	// KindError is an error reported by the backend.
	KindError Kind = "error"
	// KindUnrecognized is any well-formed frame with an unknown tag.
	KindUnrecognized Kind = "unrecognized"
)

// Event is the decoded representation of one frame.
type Event struct {
	Kind Kind
	Text string

	ConversationID string
	UserID         string

	// Final is set when the backend flags the fragment as the final answer.
	Final bool
	// Terminal is set when the event concludes the stream.
	Terminal bool
}

// payload is the loose JSON shape of a frame. Content-bearing fields are kept raw because
// backends disagree on whether they are strings or objects.
type payload struct {
	Type           string          `json:"type"`
	Event          string          `json:"event"`
	Answer         json.RawMessage `json:"answer"`
	Content        json.RawMessage `json:"content"`
	Message        json.RawMessage `json:"message"`
	Error          json.RawMessage `json:"error"`
	ConversationID json.RawMessage `json:"conversation_id"`
	UserID         json.RawMessage `json:"user_id"`
	IsEnd          bool            `json:"is_end"`
	IsFinal        bool            `json:"is_final"`
}

var kindAliases = map[string]Kind{
	"start":         KindStart,
	"chunk":         KindChunk,
	"message":       KindMessage,
	"agent_message": KindMessage,
	"message_end":   KindMessageEnd,
	"end":           KindMessageEnd,
	"done":          KindMessageEnd,
	"error":         KindError,
}

// ParsePayload builds an Event from the JSON payload of a frame. sseType is the value of the
// frame's "event:" line, used only when the payload carries no recognizable tag.
func ParsePayload(data []byte, sseType string) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, err
	}

	ev := Event{
		Kind:           classify(p.Type, p.Event, sseType),
		ConversationID: rawString(p.ConversationID),
		UserID:         rawString(p.UserID),
		Final:          p.IsFinal,
	}

	if ev.Kind == KindError {
		ev.Text = errorText(p.Error)
	}
	if ev.Text == "" {
		ev.Text = fragment(p)
	}

	ev.Terminal = ev.Kind == KindMessageEnd || ev.Kind == KindError || p.IsEnd

	return ev, nil
}

func classify(tags ...string) Kind {
	for _, tag := range tags {
		if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
			return k
		}
	}
	return KindUnrecognized
}

func fragment(p payload) string {
	if s := rawString(p.Answer); s != "" {
		return s
	}
	if s := rawString(p.Content); s != "" {
		return s
	}
	if s := rawString(p.Message); s != "" {
		return s
	}

	var nested struct {
		Content json.RawMessage `json:"content"`
		Text    json.RawMessage `json:"text"`
		Answer  json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(p.Message, &nested); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{nested.Content, nested.Text, nested.Answer} {
		if s := rawString(raw); s != "" {
			return s
		}
	}
	return ""
}

func errorText(raw json.RawMessage) string {
	if s := rawString(raw); s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Message != "" {
		return obj.Message
	}
	return obj.Type
}

// rawString returns the value of raw if it holds a JSON string, and "" otherwise.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

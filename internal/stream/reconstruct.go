package stream

import (
	"fmt"
	"unicode/utf8"

	"github.com/MegaGrindStone/vulnchat/internal/models"
)

// Texts shown in place of an answer.
const (
	PendingText    = "Waiting for the AI to respond..."
	NoResponseText = "No response data was received. Please check your connection and try again."
)

// DefaultReplaceRatio is the fragment/accumulated length ratio above which a message event is
// taken as a full restatement of the answer.
const DefaultReplaceRatio = 2.0

// Merge is the way a message fragment is combined with the accumulated text.
type Merge int

const (
	// MergeAppend appends the fragment.
	MergeAppend Merge = iota
	// MergeReplace replaces the accumulated text with the fragment.
	MergeReplace
)

func (m Merge) String() string {
	if m == MergeReplace {
		return "replace"
	}
	return "append"
}

// MergePolicy decides whether a message event is a delta or a restatement. The backend uses the
// same event kind for both and gives no reliable discriminator, so the length ratio is a guess.
type MergePolicy struct {
	// ReplaceRatio of zero or less disables the length test.
	ReplaceRatio float64
}

// Decide returns MergeReplace when nothing has been accumulated yet, when the fragment is flagged
// final, or when the fragment is more than ReplaceRatio times longer than the accumulated text.
func (p MergePolicy) Decide(priorLen, fragmentLen int, final bool) Merge {
	if priorLen == 0 || final {
		return MergeReplace
	}
	if p.ReplaceRatio > 0 && float64(fragmentLen) > p.ReplaceRatio*float64(priorLen) {
		return MergeReplace
	}
	return MergeAppend
}

// Update is the state of the active message after an event was applied.
type Update struct {
	Content string
	Status  models.Status
	// Changed is false when the event had no visible effect.
	Changed  bool
	Terminal bool
	// Err is set when the event was an upstream error.
	Err error
}

// Reconstructor maintains the text of one in-flight assistant message.
type Reconstructor struct {
	policy          MergePolicy
	newConversation bool

	content  string
	status   models.Status
	applied  bool
	terminal bool

	conversationID string
	userID         string
}

// NewReconstructor creates a Reconstructor for one stream. When newConversation is set, identifiers
// seen later in the stream replace the ones captured earlier.
func NewReconstructor(policy MergePolicy, newConversation bool) *Reconstructor {
	return &Reconstructor{
		policy:          policy,
		newConversation: newConversation,
		status:          models.StatusLoading,
	}
}

// Apply folds ev into the message. Once a terminal event has been applied, Apply does nothing.
func (r *Reconstructor) Apply(ev Event) Update {
	if r.terminal {
		return r.update(false)
	}

	r.captureIDs(ev)

	switch {
	case ev.Kind == KindError:
		return r.fail(ev.Text)
	case ev.Terminal:
		return r.finish(ev.Text)
	}

	switch ev.Kind {
	case KindStart:
		changed := r.status != models.StatusStreaming
		r.status = models.StatusStreaming
		if !r.applied && r.content != PendingText {
			r.content = PendingText
			changed = true
		}
		return r.update(changed)
	case KindChunk:
		r.status = models.StatusStreaming
		if ev.Text == "" {
			return r.update(false)
		}
		r.append(ev.Text)
		return r.update(true)
	case KindMessage:
		r.status = models.StatusStreaming
		if ev.Text == "" {
			return r.update(false)
		}
		prior := 0
		if r.applied {
			prior = utf8.RuneCountInString(r.content)
		}
		if r.policy.Decide(prior, utf8.RuneCountInString(ev.Text), ev.Final) == MergeReplace {
			r.content = ev.Text
			r.applied = true
		} else {
			r.append(ev.Text)
		}
		return r.update(true)
	default:
		return r.update(false)
	}
}

// Content returns the accumulated answer, excluding placeholders.
func (r *Reconstructor) Content() string {
	if !r.applied {
		return ""
	}
	return r.content
}

// Applied reports whether any fragment has reached the message.
func (r *Reconstructor) Applied() bool {
	return r.applied
}

// Terminal reports whether a terminal event has been applied.
func (r *Reconstructor) Terminal() bool {
	return r.terminal
}

// IDs returns the conversation and user identifiers captured from the stream.
func (r *Reconstructor) IDs() (conversationID, userID string) {
	return r.conversationID, r.userID
}

func (r *Reconstructor) append(text string) {
	if !r.applied {
		r.content = ""
		r.applied = true
	}
	r.content += text
}

func (r *Reconstructor) finish(text string) Update {
	r.terminal = true
	r.status = models.StatusFinal
	switch {
	case text != "":
		r.content = text
		r.applied = true
	case !r.applied:
		r.content = NoResponseText
	}
	return r.update(true)
}

func (r *Reconstructor) fail(text string) Update {
	if text == "" {
		text = "unknown error"
	}
	r.terminal = true
	r.status = models.StatusFinal

	msg := fmt.Sprintf("Error: %s", text)
	if r.applied && r.content != "" {
		r.content += "\n\n" + msg
	} else {
		r.content = msg
	}
	u := r.update(true)
	u.Err = &UpstreamError{Message: text}
	return u
}

func (r *Reconstructor) captureIDs(ev Event) {
	if ev.ConversationID != "" && (r.conversationID == "" || r.newConversation) {
		r.conversationID = ev.ConversationID
	}
	if ev.UserID != "" && (r.userID == "" || r.newConversation) {
		r.userID = ev.UserID
	}
}

func (r *Reconstructor) update(changed bool) Update {
	return Update{
		Content:  r.content,
		Status:   r.status,
		Changed:  changed,
		Terminal: r.terminal,
	}
}

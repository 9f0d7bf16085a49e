package stream_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/stream"
)

func defaultPolicy() stream.MergePolicy {
	return stream.MergePolicy{ReplaceRatio: stream.DefaultReplaceRatio}
}

func TestMergePolicyDecide(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		prior    int
		fragment int
		final    bool
		want     stream.Merge
	}{
		{name: "Nothing accumulated", ratio: 2, prior: 0, fragment: 3, want: stream.MergeReplace},
		{name: "Flagged final", ratio: 2, prior: 10, fragment: 1, final: true, want: stream.MergeReplace},
		{name: "Short delta", ratio: 2, prior: 10, fragment: 5, want: stream.MergeAppend},
		{name: "Exactly twice", ratio: 2, prior: 10, fragment: 20, want: stream.MergeAppend},
		{name: "More than twice", ratio: 2, prior: 10, fragment: 21, want: stream.MergeReplace},
		{name: "Custom ratio", ratio: 1.5, prior: 10, fragment: 16, want: stream.MergeReplace},
		{name: "Length test disabled", ratio: 0, prior: 10, fragment: 500, want: stream.MergeAppend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := stream.MergePolicy{ReplaceRatio: tt.ratio}
			if got := p.Decide(tt.prior, tt.fragment, tt.final); got != tt.want {
				t.Errorf("Decide(%d, %d, %v) = %v, want %v", tt.prior, tt.fragment, tt.final, got, tt.want)
			}
		})
	}
}

func TestReconstructorChunksConcatenate(t *testing.T) {
	fragments := []string{"The ", "quick ", "", "brown ", "fox ", "jumps ", "over ", "the ", "lazy ", "dog"}

	r := stream.NewReconstructor(defaultPolicy(), false)
	r.Apply(stream.Event{Kind: stream.KindStart})

	var u stream.Update
	for _, f := range fragments {
		u = r.Apply(stream.Event{Kind: stream.KindChunk, Text: f})
	}

	want := strings.Join(fragments, "")
	if u.Content != want {
		t.Errorf("Content = %q, want %q", u.Content, want)
	}
	if u.Status != models.StatusStreaming {
		t.Errorf("Status = %v, want %v", u.Status, models.StatusStreaming)
	}
}

func TestReconstructorScenarioHello(t *testing.T) {
	events := []stream.Event{
		{Kind: stream.KindStart},
		{Kind: stream.KindChunk, Text: "Hel"},
		{Kind: stream.KindChunk, Text: "lo"},
		{Kind: stream.KindMessageEnd, ConversationID: "abc123", Terminal: true},
	}

	r := stream.NewReconstructor(defaultPolicy(), false)
	var u stream.Update
	for _, ev := range events {
		u = r.Apply(ev)
	}

	if u.Content != "Hello" {
		t.Errorf("Content = %q, want %q", u.Content, "Hello")
	}
	if u.Status != models.StatusFinal {
		t.Errorf("Status = %v, want %v", u.Status, models.StatusFinal)
	}
	if convID, _ := r.IDs(); convID != "abc123" {
		t.Errorf("conversation id = %q, want %q", convID, "abc123")
	}
}

func TestReconstructorStartPlaceholder(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)

	u := r.Apply(stream.Event{Kind: stream.KindStart})
	if u.Content != stream.PendingText {
		t.Errorf("Content = %q, want placeholder", u.Content)
	}
	if r.Content() != "" {
		t.Errorf("Content() = %q, placeholder must not count as accumulated text", r.Content())
	}

	u = r.Apply(stream.Event{Kind: stream.KindChunk, Text: "a"})
	if u.Content != "a" {
		t.Errorf("Content = %q, want %q", u.Content, "a")
	}

	u = r.Apply(stream.Event{Kind: stream.KindStart})
	if u.Content != "a" {
		t.Errorf("a late start must not reinstate the placeholder, got %q", u.Content)
	}
}

func TestReconstructorMessageHeuristic(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)

	steps := []struct {
		ev   stream.Event
		want string
	}{
		{ev: stream.Event{Kind: stream.KindMessage, Text: "Hello"}, want: "Hello"},
		{ev: stream.Event{Kind: stream.KindMessage, Text: " world"}, want: "Hello world"},
		{ev: stream.Event{Kind: stream.KindMessage, Text: "Hello world, restated in full!!"}, want: "Hello world, restated in full!!"},
		{ev: stream.Event{Kind: stream.KindMessage, Text: "Final", Final: true}, want: "Final"},
		{ev: stream.Event{Kind: stream.KindMessage}, want: "Final"},
	}

	for i, s := range steps {
		u := r.Apply(s.ev)
		if u.Content != s.want {
			t.Errorf("step %d: Content = %q, want %q", i, u.Content, s.want)
		}
	}
}

func TestReconstructorMessageEndReplacesAndIsIdempotent(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)
	r.Apply(stream.Event{Kind: stream.KindChunk, Text: "partial dra"})

	end := stream.Event{Kind: stream.KindMessageEnd, Text: "Full final answer", Terminal: true}
	u := r.Apply(end)
	if u.Content != "Full final answer" || u.Status != models.StatusFinal || !u.Changed {
		t.Fatalf("first message_end = %+v", u)
	}

	again := r.Apply(end)
	if again.Changed || again.Content != u.Content || again.Status != models.StatusFinal {
		t.Errorf("second message_end = %+v, want unchanged", again)
	}

	late := r.Apply(stream.Event{Kind: stream.KindChunk, Text: "late"})
	if late.Changed || late.Content != u.Content {
		t.Errorf("chunk after terminal = %+v, want unchanged", late)
	}
}

func TestReconstructorMessageEndWithoutContent(t *testing.T) {
	tests := []struct {
		name   string
		before []stream.Event
		want   string
	}{
		{
			name:   "Keeps accumulated text",
			before: []stream.Event{{Kind: stream.KindChunk, Text: "kept"}},
			want:   "kept",
		},
		{
			name:   "Falls back when nothing arrived",
			before: []stream.Event{{Kind: stream.KindStart}},
			want:   stream.NoResponseText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := stream.NewReconstructor(defaultPolicy(), false)
			for _, ev := range tt.before {
				r.Apply(ev)
			}
			u := r.Apply(stream.Event{Kind: stream.KindMessageEnd, Terminal: true})
			if u.Content != tt.want {
				t.Errorf("Content = %q, want %q", u.Content, tt.want)
			}
		})
	}
}

func TestReconstructorErrorKeepsProgress(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)
	r.Apply(stream.Event{Kind: stream.KindChunk, Text: "Partial answer"})

	u := r.Apply(stream.Event{Kind: stream.KindError, Text: "rate limited", Terminal: true})
	if !strings.HasPrefix(u.Content, "Partial answer") {
		t.Errorf("Content = %q, partial progress was discarded", u.Content)
	}
	if !strings.Contains(u.Content, "rate limited") {
		t.Errorf("Content = %q, want it to contain the error", u.Content)
	}
	if u.Status != models.StatusFinal {
		t.Errorf("Status = %v, want %v", u.Status, models.StatusFinal)
	}

	var upErr *stream.UpstreamError
	if !errors.As(u.Err, &upErr) || upErr.Message != "rate limited" {
		t.Errorf("Err = %v, want UpstreamError(rate limited)", u.Err)
	}
}

func TestReconstructorErrorOnly(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)
	u := r.Apply(stream.Event{Kind: stream.KindError, Text: "rate limited", Terminal: true})

	if !strings.Contains(u.Content, "rate limited") || u.Status != models.StatusFinal {
		t.Errorf("Update = %+v", u)
	}
}

func TestReconstructorIdentifiers(t *testing.T) {
	events := []stream.Event{
		{Kind: stream.KindUnrecognized, ConversationID: "first", UserID: "u1"},
		{Kind: stream.KindChunk, Text: "x", ConversationID: "second", UserID: "u2"},
	}

	tests := []struct {
		name            string
		newConversation bool
		wantConv        string
		wantUser        string
	}{
		{name: "First value wins", wantConv: "first", wantUser: "u1"},
		{name: "New conversation takes latest", newConversation: true, wantConv: "second", wantUser: "u2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := stream.NewReconstructor(defaultPolicy(), tt.newConversation)
			for _, ev := range events {
				r.Apply(ev)
			}
			conv, user := r.IDs()
			if conv != tt.wantConv || user != tt.wantUser {
				t.Errorf("IDs() = %q, %q, want %q, %q", conv, user, tt.wantConv, tt.wantUser)
			}
		})
	}
}

func TestReconstructorUnrecognizedLeavesContent(t *testing.T) {
	r := stream.NewReconstructor(defaultPolicy(), false)
	r.Apply(stream.Event{Kind: stream.KindChunk, Text: "abc"})

	u := r.Apply(stream.Event{Kind: stream.KindUnrecognized, Text: "ignored"})
	if u.Changed || u.Content != "abc" {
		t.Errorf("Update = %+v, want unchanged", u)
	}
}

package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/MegaGrindStone/vulnchat/internal/session"
	"github.com/MegaGrindStone/vulnchat/internal/stream"
)

type recorder struct {
	mu      sync.Mutex
	msgs    []models.Message
	ongoing map[string]bool
	// maxOngoing is the highest number of messages seen loading or streaming at the same time.
	maxOngoing int
}

func (r *recorder) OnMessage(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ongoing == nil {
		r.ongoing = make(map[string]bool)
	}
	r.msgs = append(r.msgs, msg)
	if msg.Ongoing() {
		r.ongoing[msg.ID] = true
	} else {
		delete(r.ongoing, msg.ID)
	}
	r.maxOngoing = max(r.maxOngoing, len(r.ongoing))
}

func (r *recorder) seen(fn func(models.Message) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if fn(m) {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []models.ChatRequest
	cancels  atomic.Int32
}

func (b *backend) lastRequest() models.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

// newBackend starts a chat backend whose responses are produced by respond. The request context is
// watched so tests can count how often the client aborted a stream.
func newBackend(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, req models.ChatRequest)) *backend {
	t.Helper()

	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		b.mu.Unlock()

		respond(w, r, req)

		if r.Context().Err() != nil {
			b.cancels.Add(1)
		}
	}))
	t.Cleanup(b.Close)
	return b
}

// writeFrames sends the response headers, if not sent yet, followed by frames.
func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.(http.Flusher).Flush()
	for _, f := range frames {
		_, _ = io.WriteString(w, "data: "+f+"\n\n")
		w.(http.Flusher).Flush()
	}
}

func newSession(b *backend, cfg chat.Config, obs chat.Observer) (*chat.Session, *session.Store) {
	store := session.NewStore()
	transport := services.NewChatStream(b.URL, "/dify/chat/stream", nil, discardLogger())
	return chat.NewSession(transport, store, obs, cfg, discardLogger()), store
}

func TestSendHelloScenario(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w,
			`{"type":"start"}`,
			`{"type":"chunk","content":"Hel"}`,
			`{"type":"chunk","content":"lo"}`,
			`{"type":"message_end","conversation_id":"abc123"}`,
		)
	})
	rec := &recorder{}
	s, store := newSession(b, chat.DefaultConfig(), rec)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if res.Message.Content != "Hello" || res.Message.Status != models.StatusFinal {
		t.Errorf("result message = %+v", res.Message)
	}
	if got := store.Get().ConversationID; got != "abc123" {
		t.Errorf("stored conversation id = %q, want %q", got, "abc123")
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "ping" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	if !rec.seen(func(m models.Message) bool { return m.Status == models.StatusLoading && m.Content == chat.ThinkingText }) {
		t.Error("no loading placeholder was observed")
	}
	if !rec.seen(func(m models.Message) bool { return m.Content == stream.PendingText }) {
		t.Error("start event placeholder was not observed")
	}

	req := b.lastRequest()
	if req.Message != "ping" || !req.Stream || req.ConversationID != "" {
		t.Errorf("request = %+v", req)
	}
}

func TestSendReusesConversation(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, req models.ChatRequest) {
		conv := req.ConversationID
		if conv == "" {
			conv = "conv-" + req.Message
		}
		writeFrames(w, `{"event":"message_end","answer":"ok","conversation_id":"`+conv+`","user_id":"u1"}`)
	})
	s, store := newSession(b, chat.DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := s.Send(ctx, "first", chat.SendOptions{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := s.Send(ctx, "second", chat.SendOptions{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := b.lastRequest(); got.ConversationID != "conv-first" || got.UserID != "u1" {
		t.Errorf("second request ids = %q, %q", got.ConversationID, got.UserID)
	}

	if _, err := s.Send(ctx, "third", chat.SendOptions{NewConversation: true}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := b.lastRequest(); got.ConversationID != "" {
		t.Errorf("new conversation request carried id %q", got.ConversationID)
	}
	if got := store.Get().ConversationID; got != "conv-third" {
		t.Errorf("stored conversation id = %q, want %q", got, "conv-third")
	}
}

func TestSendUpstreamError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w,
			`{"type":"chunk","content":"Partial"}`,
			`{"type":"error","error":"rate limited","conversation_id":"c1"}`,
		)
	})
	s, store := newSession(b, chat.DefaultConfig(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})

	var upErr *stream.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Send() error = %v, want UpstreamError", err)
	}
	if !strings.HasPrefix(res.Message.Content, "Partial") || !strings.Contains(res.Message.Content, "rate limited") {
		t.Errorf("content = %q", res.Message.Content)
	}
	if res.Message.Status != models.StatusFinal {
		t.Errorf("status = %v, want %v", res.Message.Status, models.StatusFinal)
	}
	if got := store.Get(); got != (session.IDs{}) {
		t.Errorf("failed exchange stored ids %+v", got)
	}
}

func TestSendIgnoresGarbageFrames(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w,
			`{"type":"chunk","content":"a"}`,
			`{not json`,
			`[DONE]`,
			`{"type":"chunk","content":"b"}`,
			`{"type":"done"}`,
		)
	})
	s, _ := newSession(b, chat.DefaultConfig(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Message.Content != "ab" {
		t.Errorf("content = %q, want %q", res.Message.Content, "ab")
	}
}

func TestSendIgnoresIncompleteTrailingFrame(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w,
			`{"type":"chunk","content":"Hel"}`,
			`{"type":"chunk","content":"lo","conversation_id":"abc123"}`,
		)
		_, _ = io.WriteString(w, `data: {"type":"chu`)
	})
	s, store := newSession(b, chat.DefaultConfig(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Message.Content != "Hello" || res.Message.Status != models.StatusFinal {
		t.Errorf("result message = %+v, want final %q", res.Message, "Hello")
	}
	if got := store.Get().ConversationID; got != "abc123" {
		t.Errorf("stored conversation = %q, want %q", got, "abc123")
	}
}

func TestSendEmptyStream(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w)
	})
	s, _ := newSession(b, chat.DefaultConfig(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Message.Content != stream.NoResponseText || res.Message.Status != models.StatusFinal {
		t.Errorf("result message = %+v", res.Message)
	}
}

func shortTimeouts() chat.Config {
	cfg := chat.DefaultConfig()
	cfg.WarnAfter = 20 * time.Millisecond
	cfg.TimeoutAfter = 80 * time.Millisecond
	return cfg
}

func TestSendStallTimesOut(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter, r *http.Request, req models.ChatRequest)
	}{
		{
			name: "Headers but no bytes",
			respond: func(w http.ResponseWriter, r *http.Request, _ models.ChatRequest) {
				writeFrames(w)
				<-r.Context().Done()
			},
		},
		{
			name: "No headers at all",
			respond: func(_ http.ResponseWriter, r *http.Request, _ models.ChatRequest) {
				<-r.Context().Done()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, tt.respond)
			rec := &recorder{}
			s, _ := newSession(b, shortTimeouts(), rec)

			start := time.Now()
			res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
			if !errors.Is(err, stream.ErrStallTimeout) {
				t.Fatalf("Send() error = %v, want %v", err, stream.ErrStallTimeout)
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("Send() took %v", elapsed)
			}
			if res.Message.Content != chat.TimeoutText || res.Message.Status != models.StatusFinal {
				t.Errorf("result message = %+v", res.Message)
			}
			if !rec.seen(func(m models.Message) bool { return m.Notice == chat.StalledNotice }) {
				t.Error("stall notice was not observed")
			}

			deadline := time.Now().Add(time.Second)
			for b.cancels.Load() == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if got := b.cancels.Load(); got != 1 {
				t.Errorf("backend saw %d cancellations, want 1", got)
			}
		})
	}
}

func TestSendTimeoutKeepsPartialAnswer(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ models.ChatRequest) {
		writeFrames(w, `{"type":"chunk","content":"Partial"}`)
		<-r.Context().Done()
	})
	s, _ := newSession(b, shortTimeouts(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if !errors.Is(err, stream.ErrStallTimeout) {
		t.Fatalf("Send() error = %v, want %v", err, stream.ErrStallTimeout)
	}
	if res.Message.Content != "Partial" {
		t.Errorf("content = %q, want %q", res.Message.Content, "Partial")
	}
}

func TestSendTimeoutRacingFirstText(t *testing.T) {
	// The first text arrives around the moment the stall timeout fires. Whichever wins, the frozen
	// message shows either the text or the timeout notice, never the placeholder.
	for delay := 60 * time.Millisecond; delay <= 100*time.Millisecond; delay += 5 * time.Millisecond {
		t.Run(delay.String(), func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ models.ChatRequest) {
				writeFrames(w)
				select {
				case <-time.After(delay):
					writeFrames(w, `{"type":"chunk","content":"answer"}`)
				case <-r.Context().Done():
					return
				}
				<-r.Context().Done()
			})
			s, _ := newSession(b, shortTimeouts(), nil)

			res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
			if !errors.Is(err, stream.ErrStallTimeout) {
				t.Fatalf("Send() error = %v, want %v", err, stream.ErrStallTimeout)
			}
			if res.Message.Content != "answer" && res.Message.Content != chat.TimeoutText {
				t.Errorf("content = %q, want the answer or the timeout notice", res.Message.Content)
			}
			msgs := s.Messages()
			if last := msgs[len(msgs)-1]; last.Content != res.Message.Content || last.Status != models.StatusFinal {
				t.Errorf("last message = %+v, want final %q", last, res.Message.Content)
			}
		})
	}
}

func TestSendNoticeClearsOnActivity(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w, `{"type":"chunk","content":"slow "}`)
		time.Sleep(100 * time.Millisecond)
		writeFrames(w, `{"type":"chunk","content":"answer"}`, `{"type":"message_end"}`)
	})
	cfg := chat.DefaultConfig()
	cfg.WarnAfter = 20 * time.Millisecond
	cfg.TimeoutAfter = 5 * time.Second
	rec := &recorder{}
	s, _ := newSession(b, cfg, rec)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Message.Content != "slow answer" || res.Message.Notice != "" {
		t.Errorf("result message = %+v", res.Message)
	}
	if !rec.seen(func(m models.Message) bool { return m.Notice == chat.StalledNotice && m.Content == "slow " }) {
		t.Error("stall notice was not observed alongside the partial content")
	}
}

func TestSendSingleFlight(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, req models.ChatRequest) {
		if req.Message == "first" {
			writeFrames(w, `{"type":"chunk","content":"Partial"}`)
			<-r.Context().Done()
			return
		}
		writeFrames(w, `{"type":"chunk","content":"Second answer"}`, `{"type":"message_end"}`)
	})
	rec := &recorder{}
	s, _ := newSession(b, chat.DefaultConfig(), rec)
	ctx := context.Background()

	type outcome struct {
		res chat.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := s.Send(ctx, "first", chat.SendOptions{})
		first <- outcome{res, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !rec.seen(func(m models.Message) bool { return m.Content == "Partial" }) {
		if time.Now().After(deadline) {
			t.Fatal("first stream never produced content")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := s.Send(ctx, "second", chat.SendOptions{})
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if res.Message.Content != "Second answer" {
		t.Errorf("second content = %q", res.Message.Content)
	}

	out := <-first
	if !errors.Is(out.err, chat.ErrCancelled) {
		t.Errorf("first Send() error = %v, want %v", out.err, chat.ErrCancelled)
	}
	if out.res.Message.Content != "Partial" || out.res.Message.Status != models.StatusFinal {
		t.Errorf("first message = %+v", out.res.Message)
	}

	rec.mu.Lock()
	maxOngoing := rec.maxOngoing
	rec.mu.Unlock()
	if maxOngoing != 1 {
		t.Errorf("up to %d messages were ongoing at once, want 1", maxOngoing)
	}

	for _, m := range s.Messages() {
		if m.Ongoing() {
			t.Errorf("message %s left %v", m.ID, m.Status)
		}
	}
}

func TestSendTransportError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	s, _ := newSession(b, chat.DefaultConfig(), nil)

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})

	var tErr *services.TransportError
	if !errors.As(err, &tErr) || tErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Send() error = %v, want TransportError 503", err)
	}
	if !strings.HasPrefix(res.Message.Content, "Failed to send message:") || res.Message.Status != models.StatusFinal {
		t.Errorf("result message = %+v", res.Message)
	}
}

func TestSendEmptyMessage(t *testing.T) {
	s := chat.NewSession(&fakeTransport{}, session.NewStore(), nil, chat.DefaultConfig(), discardLogger())

	if _, err := s.Send(context.Background(), "   ", chat.SendOptions{}); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Errorf("Send() error = %v, want %v", err, chat.ErrEmptyMessage)
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("Messages() = %d messages, want 0", got)
	}
}

func TestSendSilent(t *testing.T) {
	ft := &fakeTransport{body: `data: {"type":"message_end","answer":"hi"}` + "\n\n"}
	s := chat.NewSession(ft, session.NewStore(), nil, chat.DefaultConfig(), discardLogger())

	if _, err := s.Send(context.Background(), "initial", chat.SendOptions{Silent: true}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Errorf("Messages() = %+v, want only the answer", msgs)
	}
}

func TestSendReadRetryExhausted(t *testing.T) {
	ft := &fakeTransport{
		body: `data: {"type":"chunk","content":"Partial"}` + "\n\n",
		err:  errors.New("connection reset"),
	}
	cfg := chat.DefaultConfig()
	cfg.ReadRetries = 2
	cfg.RetryDelay = time.Millisecond
	s := chat.NewSession(ft, session.NewStore(), nil, cfg, discardLogger())

	res, err := s.Send(context.Background(), "ping", chat.SendOptions{})

	var exhausted *stream.ReadRetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Send() error = %v, want ReadRetryExhaustedError", err)
	}
	if !strings.HasPrefix(res.Message.Content, "Partial\n\n") || !strings.Contains(res.Message.Content, "connection reset") {
		t.Errorf("content = %q", res.Message.Content)
	}
}

func TestSendVulnerabilityData(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ models.ChatRequest) {
		writeFrames(w, `{"type":"message_end","answer":"Upgrade log4j."}`)
	})
	rec := &recorder{}
	s, _ := newSession(b, chat.DefaultConfig(), rec)

	v := &models.Vulnerability{Name: "Log4Shell", CVEID: "CVE-2021-44228", RiskLevel: "critical"}
	res, err := s.SendVulnerabilityData(context.Background(), v)
	if err != nil {
		t.Fatalf("SendVulnerabilityData() error = %v", err)
	}
	if res.Message.Content != "Upgrade log4j." {
		t.Errorf("content = %q", res.Message.Content)
	}

	req := b.lastRequest()
	if req.Message != "Please analyze this vulnerability: Log4Shell" {
		t.Errorf("request message = %q", req.Message)
	}
	if req.VulnerabilityData == nil || req.VulnerabilityData.CVEID != "CVE-2021-44228" {
		t.Errorf("vulnerability_data = %+v", req.VulnerabilityData)
	}
	if !rec.seen(func(m models.Message) bool { return m.Content == chat.AnalyzingText }) {
		t.Error("analyzing placeholder was not observed")
	}
}

func TestSendVulnerabilityDataInvalid(t *testing.T) {
	s := chat.NewSession(&fakeTransport{}, session.NewStore(), nil, chat.DefaultConfig(), discardLogger())

	_, err := s.SendVulnerabilityData(context.Background(), nil)
	if !errors.Is(err, chat.ErrInvalidVulnerability) {
		t.Fatalf("SendVulnerabilityData() error = %v, want %v", err, chat.ErrInvalidVulnerability)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || msgs[0].Status != models.StatusFinal {
		t.Errorf("Messages() = %+v", msgs)
	}
}

func TestCloseAndClear(t *testing.T) {
	ft := &fakeTransport{body: `data: {"type":"message_end","answer":"hi","conversation_id":"c1","user_id":"u1"}` + "\n\n"}
	store := session.NewStore()
	s := chat.NewSession(ft, store, nil, chat.DefaultConfig(), discardLogger())

	if _, err := s.Send(context.Background(), "ping", chat.SendOptions{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	s.Close()
	if got := len(s.Messages()); got != 2 {
		t.Errorf("Messages() after Close = %d, want 2", got)
	}
	if got := store.Get().ConversationID; got != "c1" {
		t.Errorf("conversation id after Close = %q, want %q", got, "c1")
	}

	s.Clear()
	if got := len(s.Messages()); got != 0 {
		t.Errorf("Messages() after Clear = %d, want 0", got)
	}
	if got := store.Get(); got != (session.IDs{}) {
		t.Errorf("ids after Clear = %+v, want empty", got)
	}
}

type fakeTransport struct {
	body string
	err  error
}

func (f *fakeTransport) Open(context.Context, models.ChatRequest) (io.ReadCloser, error) {
	var r io.Reader = strings.NewReader(f.body)
	if f.err != nil {
		r = io.MultiReader(r, iotest.ErrReader(f.err))
	}
	return io.NopCloser(r), nil
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/session"
	"github.com/MegaGrindStone/vulnchat/internal/stream"
	"github.com/google/uuid"
)

// Texts shown in assistant messages.
const (
	ThinkingText  = "The AI is thinking..."
	AnalyzingText = "The AI is analyzing the vulnerability data..."
	StalledNotice = "Still waiting for the AI to respond, this may take a while..."
	TimeoutText   = "The request timed out. Please refresh the page or send the message again."
	CancelledText = "The response was cancelled."
)

var (
	// ErrEmptyMessage is returned when the text to send is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInvalidVulnerability is returned when there is no vulnerability to analyze.
	ErrInvalidVulnerability = errors.New("invalid vulnerability data")
	// ErrCancelled is returned by a Send whose stream was aborted by a newer Send, Close or Clear.
	ErrCancelled = errors.New("stream cancelled")
)

const errLoggerKey = "err"

// Transport opens the response stream of a chat request.
type Transport interface {
	Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// Observer receives a snapshot of a message each time its content, status or notice changes.
// OnMessage is called with the session lock held, so it must not call back into the Session.
type Observer interface {
	OnMessage(msg models.Message)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(msg models.Message)

// OnMessage calls f(msg).
func (f ObserverFunc) OnMessage(msg models.Message) {
	f(msg)
}

// Config tunes how responses are consumed.
type Config struct {
	WarnAfter    time.Duration
	TimeoutAfter time.Duration
	ReadRetries  int
	RetryDelay   time.Duration
	MaxFrameSize int
	Merge        stream.MergePolicy
}

// DefaultConfig returns the configuration used by the dashboard.
func DefaultConfig() Config {
	return Config{
		WarnAfter:    stream.DefaultWarnAfter,
		TimeoutAfter: stream.DefaultTimeoutAfter,
		ReadRetries:  10,
		RetryDelay:   500 * time.Millisecond,
		MaxFrameSize: stream.DefaultMaxFrameSize,
		Merge:        stream.MergePolicy{ReplaceRatio: stream.DefaultReplaceRatio},
	}
}

// SendOptions are the optional parts of a Send.
type SendOptions struct {
	Vulnerability *models.Vulnerability
	Inputs        map[string]any
	// NewConversation ignores the stored identifiers and lets the response define new ones.
	NewConversation bool
	// Silent sends the text without adding it to the message list.
	Silent bool

	placeholder string
}

// Result describes a completed exchange.
type Result struct {
	Message        models.Message
	ConversationID string
	UserID         string
}

// Session is the chat panel: the message list and the single in-flight exchange with the backend.
type Session struct {
	transport Transport
	store     *session.Store
	observer  Observer
	cfg       Config
	decoder   stream.Decoder

	mu       sync.Mutex
	messages []models.Message
	active   *exchange

	logger *slog.Logger
}

// exchange is one in-flight request.
type exchange struct {
	messageID string
	cancel    context.CancelCauseFunc
	// applied is set once the response put real text into the message. Guarded by Session.mu.
	applied bool
}

// NewSession creates a Session. A nil observer is allowed.
func NewSession(transport Transport, store *session.Store, observer Observer, cfg Config,
	logger *slog.Logger,
) *Session {
	def := DefaultConfig()
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = def.WarnAfter
	}
	if cfg.TimeoutAfter <= 0 {
		cfg.TimeoutAfter = def.TimeoutAfter
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = def.ReadRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if observer == nil {
		observer = ObserverFunc(func(models.Message) {})
	}

	logger = logger.With(slog.String("module", "chat"))
	return &Session{
		transport: transport,
		store:     store,
		observer:  observer,
		cfg:       cfg,
		decoder:   stream.NewDecoder(cfg.MaxFrameSize, logger),
		logger:    logger,
	}
}

// Messages returns a copy of the message list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Send posts text to the backend and blocks until the answer is complete, failed, timed out or
// was cancelled. An exchange still in flight is cancelled first. Whatever the outcome, the
// assistant message ends up final.
func (s *Session) Send(ctx context.Context, text string, opts SendOptions) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}
	if opts.placeholder == "" {
		opts.placeholder = ThinkingText
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	now := time.Now()
	ex := &exchange{
		messageID: uuid.New().String(),
		cancel:    cancel,
	}

	s.mu.Lock()
	s.abortLocked(ErrCancelled)
	if !opts.Silent {
		s.appendLocked(models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleUser,
			Content:   text,
			Timestamp: now,
			Status:    models.StatusFinal,
		})
	}
	s.appendLocked(models.Message{
		ID:        ex.messageID,
		Role:      models.RoleAssistant,
		Content:   opts.placeholder,
		Timestamp: now,
		Status:    models.StatusLoading,
	})
	s.active = ex
	s.mu.Unlock()

	defer s.release(ex)

	ids := s.store.Get()
	req := models.ChatRequest{
		Message:           text,
		Stream:            true,
		VulnerabilityData: opts.Vulnerability,
		Inputs:            opts.Inputs,
	}
	if !opts.NewConversation {
		req.ConversationID = ids.ConversationID
		req.UserID = ids.ParticipantID
	}

	logger := s.logger.With(slog.String("messageID", ex.messageID))

	sup := stream.NewSupervisor(stream.SupervisorConfig{
		WarnAfter:    s.cfg.WarnAfter,
		TimeoutAfter: s.cfg.TimeoutAfter,
		OnWarn: func() {
			logger.Warn("Stream stalled", slog.Duration("after", s.cfg.WarnAfter))
			s.setNotice(ex.messageID, StalledNotice)
		},
		OnTimeout: func() {
			logger.Error("Stream timed out", slog.Duration("after", s.cfg.TimeoutAfter))
			s.finalizeKeep(ex, TimeoutText)
			cancel(stream.ErrStallTimeout)
		},
	})
	go sup.Run()
	defer func() {
		sup.Stop()
		sup.Wait()
	}()

	body, err := s.transport.Open(ctx, req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return s.interrupted(ex, cause)
		}
		logger.Error("Failed to open chat stream", slog.String(errLoggerKey, err.Error()))
		msg := s.finalizeText(ex, fmt.Sprintf("Failed to send message: %v", err))
		return Result{Message: msg}, fmt.Errorf("failed to open chat stream: %w", err)
	}
	defer body.Close()
	sup.Touch()

	r := stream.NewRetryReader(ctx, stream.NewActivityReader(body, sup.Touch),
		s.cfg.ReadRetries, s.cfg.RetryDelay, logger)
	rec := stream.NewReconstructor(s.cfg.Merge, opts.NewConversation)

	var readErr, upstreamErr error
	for ev, err := range s.decoder.Events(r) {
		if err != nil {
			readErr = err
			break
		}
		u := rec.Apply(ev)
		if u.Err != nil {
			upstreamErr = u.Err
		}
		if u.Changed {
			s.setContent(ex, u.Content, u.Status, rec.Applied())
		}
		if u.Terminal {
			break
		}
	}

	if cause := context.Cause(ctx); cause != nil {
		return s.interrupted(ex, cause)
	}

	if readErr != nil {
		logger.Error("Failed to read chat stream", slog.String(errLoggerKey, readErr.Error()))
		msg := s.finalizeAppend(ex, fmt.Sprintf("Error while processing the response: %v", readErr))
		return Result{Message: msg}, fmt.Errorf("failed to read chat stream: %w", readErr)
	}

	// A stream that ends without a terminal event is complete as far as it got.
	msg := s.finalizeKeep(ex, stream.NoResponseText)

	convID, userID := rec.IDs()
	res := Result{Message: msg, ConversationID: convID, UserID: userID}
	if upstreamErr != nil {
		logger.Error("Backend reported an error", slog.String(errLoggerKey, upstreamErr.Error()))
		return res, upstreamErr
	}

	s.remember(convID, userID, opts.NewConversation)
	logger.Debug("Exchange complete",
		slog.String("conversationID", convID),
		slog.Int("contentLen", len(msg.Content)))
	return res, nil
}

// SendVulnerabilityData asks the backend to analyze v, attaching it to the request.
func (s *Session) SendVulnerabilityData(ctx context.Context, v *models.Vulnerability) (Result, error) {
	if v == nil {
		s.mu.Lock()
		msg := models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Content:   "Unable to analyze the vulnerability: the data is missing or malformed.",
			Timestamp: time.Now(),
			Status:    models.StatusFinal,
		}
		s.appendLocked(msg)
		s.mu.Unlock()
		return Result{Message: msg}, ErrInvalidVulnerability
	}

	text := fmt.Sprintf("Please analyze this vulnerability: %s", v.Title())
	return s.Send(ctx, text, SendOptions{
		Vulnerability: v,
		placeholder:   AnalyzingText,
	})
}

// Close aborts the exchange in flight, if any, as when the chat window is closed. Messages and the
// conversation identifiers are kept.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(ErrCancelled)
}

// Clear aborts the exchange in flight, empties the message list and forgets the conversation.
func (s *Session) Clear() {
	s.mu.Lock()
	s.abortLocked(ErrCancelled)
	s.messages = nil
	s.mu.Unlock()

	s.store.Clear()
}

func (s *Session) interrupted(ex *exchange, cause error) (Result, error) {
	if errors.Is(cause, stream.ErrStallTimeout) {
		return Result{Message: s.finalizeKeep(ex, TimeoutText)}, stream.ErrStallTimeout
	}
	msg := s.finalizeKeep(ex, CancelledText)
	if errors.Is(cause, ErrCancelled) {
		return Result{Message: msg}, ErrCancelled
	}
	return Result{Message: msg}, cause
}

func (s *Session) remember(conversationID, userID string, newConversation bool) {
	if conversationID == "" {
		return
	}
	cur := s.store.Get()
	if cur.ConversationID != "" && !newConversation {
		return
	}
	if userID == "" && !newConversation {
		userID = cur.ParticipantID
	}
	s.store.Set(conversationID, userID)
}

func (s *Session) release(ex *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == ex {
		s.active = nil
	}
}

// abortLocked finalizes and cancels the exchange in flight.
func (s *Session) abortLocked(cause error) {
	ex := s.active
	if ex == nil {
		return
	}
	s.active = nil
	s.finalizeKeepLocked(ex, CancelledText)
	ex.cancel(cause)
}

func (s *Session) appendLocked(msg models.Message) {
	s.messages = append(s.messages, msg)
	s.observer.OnMessage(msg)
}

// mutate applies fn to the message with the given ID unless it is already final, which makes a
// final message immune to late updates from either the reader or the supervisor. It returns the
// message as it is afterwards.
func (s *Session) mutate(id string, fn func(msg *models.Message)) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(id, fn)
}

func (s *Session) mutateLocked(id string, fn func(msg *models.Message)) models.Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID != id {
			continue
		}
		msg := &s.messages[i]
		if msg.Status == models.StatusFinal {
			return *msg
		}
		before := *msg
		fn(msg)
		if *msg != before {
			s.observer.OnMessage(*msg)
		}
		return *msg
	}
	return models.Message{}
}

// setContent shows the reconstructed text. The applied mark is recorded under the same lock as
// the write, so a finalize never sees the mark while the placeholder is still showing.
func (s *Session) setContent(ex *exchange, content string, status models.Status, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(ex.messageID, func(msg *models.Message) {
		msg.Content = content
		msg.Status = status
		msg.Notice = ""
	})
	if applied {
		ex.applied = true
	}
}

func (s *Session) setNotice(id, notice string) {
	s.mutate(id, func(msg *models.Message) {
		msg.Notice = notice
	})
}

// finalizeKeep keeps whatever text the response produced, or shows fallback if there is none.
func (s *Session) finalizeKeep(ex *exchange, fallback string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeKeepLocked(ex, fallback)
}

func (s *Session) finalizeKeepLocked(ex *exchange, fallback string) models.Message {
	return s.mutateLocked(ex.messageID, func(msg *models.Message) {
		if !ex.applied {
			msg.Content = fallback
		}
		msg.Status = models.StatusFinal
		msg.Notice = ""
	})
}

// finalizeAppend adds text after the response produced so far.
func (s *Session) finalizeAppend(ex *exchange, text string) models.Message {
	return s.mutate(ex.messageID, func(msg *models.Message) {
		if ex.applied && msg.Content != "" {
			msg.Content += "\n\n" + text
		} else {
			msg.Content = text
		}
		msg.Status = models.StatusFinal
		msg.Notice = ""
	})
}

// finalizeText replaces the message with text.
func (s *Session) finalizeText(ex *exchange, text string) models.Message {
	return s.mutate(ex.messageID, func(msg *models.Message) {
		msg.Content = text
		msg.Status = models.StatusFinal
		msg.Notice = ""
	})
}

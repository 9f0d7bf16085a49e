package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// SSE event types pushed to the browser.
var (
	messageSSEType = sse.Type("message")
	clearSSEType   = sse.Type("clear")
	closeSSEType   = sse.Type("closeChat")
)

const messagesSSETopic = "messages"

// message is the view of a models.Message, with its content already rendered to HTML.
type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
	Status    string
	Notice    string
}

// Publisher is a chat observer that renders every message update and pushes it to the connected
// browsers as a server-sent event.
type Publisher struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	logger *slog.Logger
}

// NewPublisher creates a Publisher with its own SSE server.
func NewPublisher(logger *slog.Logger) (*Publisher, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	return &Publisher{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, messagesSSETopic},
				}, true
			},
		},
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
		),
		logger: logger.With(slog.String("module", "publisher")),
	}, nil
}

// OnMessage renders msg and publishes it. Browsers replace the element with the same ID, or append
// it when there is none.
func (p *Publisher) OnMessage(msg models.Message) {
	view, err := p.view(msg)
	if err != nil {
		p.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := p.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		p.logger.Error("Failed to execute message template",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messageSSEType}
	e.AppendData(sb.String())
	if err := p.sseSrv.Publish(&e, messagesSSETopic); err != nil {
		p.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// PublishClear tells the browsers to empty the message list.
func (p *Publisher) PublishClear() error {
	e := sse.Message{Type: clearSSEType}
	e.AppendData("clear")
	if err := p.sseSrv.Publish(&e, messagesSSETopic); err != nil {
		return fmt.Errorf("failed to publish clear: %w", err)
	}
	return nil
}

// ServeHTTP serves the event stream.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.sseSrv.ServeHTTP(w, r)
}

// Shutdown broadcasts a close event to all connected clients and waits up to 5 seconds for their
// connections to terminate.
func (p *Publisher) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeSSEType}
	// SSE requires data on every event.
	e.AppendData("bye")

	_ = p.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return p.sseSrv.Shutdown(ctx)
}

func (p *Publisher) view(msg models.Message) (message, error) {
	content, err := p.render(msg)
	if err != nil {
		return message{}, err
	}
	return message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   content,
		Timestamp: msg.Timestamp,
		Status:    string(msg.Status),
		Notice:    msg.Notice,
	}, nil
}

// render converts assistant answers from Markdown. User text is only escaped. Raw HTML in
// answers is dropped by goldmark.
func (p *Publisher) render(msg models.Message) (template.HTML, error) {
	if msg.Role != models.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(msg.Content)), nil
	}

	var buf bytes.Buffer
	if err := p.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

func (p *Publisher) views(msgs []models.Message) ([]message, error) {
	views := make([]message, len(msgs))
	for i, msg := range msgs {
		v, err := p.view(msg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

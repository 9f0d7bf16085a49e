package handlers

import (
	"context"
	"html/template"
	"log/slog"

	"github.com/MegaGrindStone/vulnchat"
	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/models"
)

// Chat is the chat panel state the handlers drive.
type Chat interface {
	Send(ctx context.Context, text string, opts chat.SendOptions) (chat.Result, error)
	SendVulnerabilityData(ctx context.Context, v *models.Vulnerability) (chat.Result, error)
	Messages() []models.Message
	Close()
	Clear()
}

// VulnerabilityStore provides read access to the vulnerability catalogue.
type VulnerabilityStore interface {
	Vulnerabilities(ctx context.Context) ([]models.Vulnerability, error)
	Vulnerability(ctx context.Context, id string) (models.Vulnerability, error)
}

// Pacer holds assistant messages back on their way to the Publisher. Reset drops whatever it
// still holds, so nothing from before a clear reaches the browser after it.
type Pacer interface {
	Reset()
}

// Main serves the chat panel: the home page, the chat actions and the vulnerability list. Message
// updates reach the browser through the Publisher's event stream.
type Main struct {
	templates *template.Template

	chat  Chat
	vulns VulnerabilityStore
	pub   *Publisher
	pacer Pacer

	logger *slog.Logger
}

const errLoggerKey = "err"

func parseTemplates() (*template.Template, error) {
	// Layout, pages and partials live in separate directories.
	return template.New("").Funcs(template.FuncMap{
		"riskClass": riskClass,
	}).ParseFS(
		vulnchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
}

// NewMain creates a Main. pub must be the observer the chat was created with, either directly or
// behind pacer. pacer is nil when messages go straight to pub.
func NewMain(c Chat, vulns VulnerabilityStore, pub *Publisher, pacer Pacer, logger *slog.Logger) (Main, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return Main{}, err
	}

	return Main{
		templates: tmpl,
		chat:      c,
		vulns:     vulns,
		pub:       pub,
		pacer:     pacer,
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

// Shutdown aborts the exchange in flight and closes the event streams of connected browsers.
func (m Main) Shutdown(ctx context.Context) error {
	m.chat.Close()
	return m.pub.Shutdown(ctx)
}

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/vulnchat/internal/models"
)

type homePageData struct {
	Messages        []message
	Vulnerabilities []models.Vulnerability
}

// HandleHome renders the chat panel with the current messages and the vulnerability catalogue.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	msgs, err := m.pub.views(m.chat.Messages())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	vulns, err := m.vulns.Vulnerabilities(r.Context())
	if err != nil {
		m.logger.Error("Failed to get vulnerabilities", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Messages:        msgs,
		Vulnerabilities: vulns,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

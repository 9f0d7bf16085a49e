package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/services"
)

// HandleVulnerabilities renders the vulnerability list partial.
func (m Main) HandleVulnerabilities(w http.ResponseWriter, r *http.Request) {
	vulns, err := m.vulns.Vulnerabilities(r.Context())
	if err != nil {
		m.logger.Error("Failed to get vulnerabilities", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "vulnerabilities", vulns); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleAnalyzeVulnerability asks the assistant to analyze the vulnerability named by the "id" path
// value. Like HandleChats, the answer is delivered through the event stream.
func (m Main) HandleAnalyzeVulnerability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	vuln, err := m.vulns.Vulnerability(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Vulnerability not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get vulnerability",
			slog.String("id", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go m.send(func(ctx context.Context) (chat.Result, error) {
		return m.chat.SendVulnerabilityData(ctx, &vuln)
	})

	w.WriteHeader(http.StatusAccepted)
}

func riskClass(level string) string {
	switch strings.ToLower(level) {
	case "critical", "high", "medium", "low":
		return "risk-" + strings.ToLower(level)
	default:
		return "risk-unknown"
	}
}

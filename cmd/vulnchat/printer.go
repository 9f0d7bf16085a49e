package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Styles
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	placeholderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243")).
				Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// printer writes message snapshots to a terminal. Assistant text is written incrementally: growth
// is appended and a rewrite starts a fresh line with the whole text.
type printer struct {
	out          io.Writer
	placeholders map[string]struct{}

	mu    sync.Mutex
	shown map[string]*shownMessage
}

type shownMessage struct {
	text        string
	placeholder string
	notice      string
	started     bool
	done        bool
}

func newPrinter(out io.Writer, placeholders []string) *printer {
	ph := make(map[string]struct{}, len(placeholders))
	for _, p := range placeholders {
		ph[p] = struct{}{}
	}
	return &printer{
		out:          out,
		placeholders: ph,
		shown:        make(map[string]*shownMessage),
	}
}

func (p *printer) OnMessage(msg models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.shown[msg.ID]
	if !ok {
		s = &shownMessage{}
		p.shown[msg.ID] = s
	}
	if s.done {
		return
	}

	if msg.Role == models.RoleUser {
		fmt.Fprintln(p.out, userStyle.Render("You:")+" "+msg.Content)
		s.done = true
		return
	}

	if _, ok := p.placeholders[msg.Content]; ok || msg.Status == models.StatusLoading {
		if !s.started && msg.Content != s.placeholder {
			fmt.Fprintln(p.out, placeholderStyle.Render(msg.Content))
			s.placeholder = msg.Content
		}
		p.notice(s, msg.Notice)
		return
	}

	if !s.started {
		fmt.Fprint(p.out, assistantStyle.Render("AI:")+" ")
		s.started = true
	}
	if strings.HasPrefix(msg.Content, s.text) {
		fmt.Fprint(p.out, msg.Content[len(s.text):])
	} else {
		fmt.Fprint(p.out, "\n"+msg.Content)
	}
	s.text = msg.Content

	p.notice(s, msg.Notice)

	if msg.Status == models.StatusFinal {
		fmt.Fprintln(p.out)
		s.done = true
	}
}

func (p *printer) notice(s *shownMessage, notice string) {
	if notice != "" && notice != s.notice {
		if s.started {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, noticeStyle.Render(notice))
	}
	s.notice = notice
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/vulnchat/internal/chat"
)

// HandleChats sends the "message" form field to the AI backend. The exchange runs in the
// background; both the user message and the answer reach the browser through the event stream,
// so the handler only acknowledges the request. A "new_conversation" field set to "on" starts a
// new conversation.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	opts := chat.SendOptions{
		NewConversation: r.FormValue("new_conversation") == "on",
	}
	go m.send(func(ctx context.Context) (chat.Result, error) {
		return m.chat.Send(ctx, msg, opts)
	})

	w.WriteHeader(http.StatusAccepted)
}

// HandleClearChat empties the chat and forgets the conversation.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.chat.Clear()
	if m.pacer != nil {
		m.pacer.Reset()
	}
	if err := m.pub.PublishClear(); err != nil {
		m.logger.Error("Failed to publish clear", slog.String(errLoggerKey, err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCloseChat aborts the answer in flight, as when the chat window is closed. The messages and
// the conversation are kept for the next time it is opened.
func (m Main) HandleCloseChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.chat.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) send(fn func(ctx context.Context) (chat.Result, error)) {
	res, err := fn(context.Background())
	switch {
	case err == nil:
		m.logger.Debug("Answer complete",
			slog.String("messageID", res.Message.ID),
			slog.String("conversationID", res.ConversationID))
	case errors.Is(err, chat.ErrCancelled):
		m.logger.Debug("Answer cancelled", slog.String("messageID", res.Message.ID))
	default:
		m.logger.Error("Chat exchange failed",
			slog.String("messageID", res.Message.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

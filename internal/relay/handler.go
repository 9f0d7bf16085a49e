package relay

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// LLM streams the answer to a conversation as text deltas.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Handler serves the chat stream endpoint in front of an LLM. Conversations are kept in memory
// for the lifetime of the process.
type Handler struct {
	llm LLM

	mu            sync.Mutex
	conversations map[string]*conversation

	logger *slog.Logger
}

type conversation struct {
	userID   string
	messages []models.Message
}

// frame is the JSON payload of one streamed event.
type frame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Answer         string `json:"answer,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

const errLoggerKey = "err"

// NewHandler creates a Handler answering with llm.
func NewHandler(llm LLM, logger *slog.Logger) *Handler {
	return &Handler{
		llm:           llm,
		conversations: make(map[string]*conversation),
		logger:        logger.With(slog.String("module", "relay")),
	}
}

// Routes returns the relay's HTTP routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/dify", func(api chi.Router) {
		api.Post("/chat/stream", h.HandleChatStream)
		api.Get("/conversations/{conversationID}/messages", h.HandleConversationMessages)
	})

	return r
}

// HandleChatStream answers a chat request with a stream of start, chunk and message_end frames, or
// an error frame when the model fails. The exchange is added to the conversation only when it
// completes.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prompt := strings.TrimSpace(req.Message)
	if req.VulnerabilityData != nil {
		prompt = VulnerabilityPrompt(*req.VulnerabilityData)
	}
	if prompt == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	convID, userID, history := h.conversation(req.ConversationID, req.UserID)
	logger := h.logger.With(
		slog.String("requestID", middleware.GetReqID(r.Context())),
		slog.String("conversationID", convID))

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade to event stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := send(sess, frame{Type: "start", ConversationID: convID, UserID: userID}); err != nil {
		logger.Error("Failed to send start frame", slog.String(errLoggerKey, err.Error()))
		return
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
		Status:    models.StatusFinal,
	}
	history = append(history, userMsg)

	var answer strings.Builder
	for delta, err := range h.llm.Chat(r.Context(), history) {
		if err != nil {
			logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			if sendErr := send(sess, frame{Type: "error", Error: err.Error(), ConversationID: convID}); sendErr != nil {
				logger.Error("Failed to send error frame", slog.String(errLoggerKey, sendErr.Error()))
			}
			return
		}
		answer.WriteString(delta)
		if err := send(sess, frame{Type: "chunk", Content: delta}); err != nil {
			logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
	if err := r.Context().Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("Request ended early", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	h.save(convID, userMsg, models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   answer.String(),
		Timestamp: time.Now(),
		Status:    models.StatusFinal,
	})

	if err := send(sess, frame{
		Type:           "message_end",
		Answer:         answer.String(),
		ConversationID: convID,
		UserID:         userID,
	}); err != nil {
		logger.Error("Failed to send message_end frame", slog.String(errLoggerKey, err.Error()))
		return
	}
	logger.Debug("Answer streamed", slog.Int("answerLen", answer.Len()))
}

// HandleConversationMessages returns the stored history of a conversation as JSON.
func (h *Handler) HandleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	h.mu.Lock()
	conv, ok := h.conversations[id]
	var msgs []models.Message
	if ok {
		msgs = append(msgs, conv.messages...)
	}
	h.mu.Unlock()

	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		h.logger.Error("Failed to encode messages", slog.String(errLoggerKey, err.Error()))
	}
}

// conversation returns the identifiers and a copy of the history of the requested conversation,
// starting a new one when the ID is empty or unknown.
func (h *Handler) conversation(id, userID string) (string, string, []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conv, ok := h.conversations[id]; ok {
		return id, conv.userID, append([]models.Message(nil), conv.messages...)
	}

	if userID == "" {
		userID = "user-" + uuid.New().String()
	}
	id = uuid.New().String()
	h.conversations[id] = &conversation{userID: userID}
	return id, userID, nil
}

func (h *Handler) save(id string, msgs ...models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conv, ok := h.conversations[id]; ok {
		conv.messages = append(conv.messages, msgs...)
	}
}

func send(sess *sse.Session, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	msg := &sse.Message{}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

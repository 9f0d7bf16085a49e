package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Default location of the chat stream endpoint.
const (
	DefaultAPIBase    = "http://localhost:8000/api/v1"
	DefaultStreamPath = "/dify/chat/stream"
)

const maxErrorBody = 4 << 10

// TransportError is returned when the chat stream could not be opened: either the request never
// got a response, or the response status was not 2xx.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat stream request failed: %v", e.Err)
	}
	body := e.Body
	if body == "" {
		body = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("chat stream returned HTTP %d: %s", e.StatusCode, body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ChatStream opens streaming chat requests against the AI backend. At most one stream is open at a
// time: opening a new one aborts the previous.
type ChatStream struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewChatStream creates a ChatStream posting to baseURL+path. Empty values select the defaults and a
// nil client selects a client without timeout, since streams are long-lived.
func NewChatStream(baseURL, path string, client *http.Client, logger *slog.Logger) *ChatStream {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	if path == "" {
		path = DefaultStreamPath
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ChatStream{
		url:    strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		client: client,
		logger: logger.With(slog.String("module", "transport")),
	}
}

// URL returns the endpoint the stream is opened against.
func (c *ChatStream) URL() string {
	return c.url
}

// Open posts req and returns the response body. The body stays readable until it is closed, ctx is
// done, or Cancel or another Open is called.
func (c *ChatStream) Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("Opening chat stream",
		slog.String("url", c.url),
		slog.String("conversationID", req.ConversationID),
		slog.Bool("withVulnerability", req.VulnerabilityData != nil))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		defer cancel()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	return &streamBody{
		Reader: c.decodeCharset(resp),
		closer: resp.Body,
		cancel: cancel,
	}, nil
}

// Cancel aborts the stream opened last, if any.
func (c *ChatStream) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *ChatStream) decodeCharset(resp *http.Response) io.Reader {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return resp.Body
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return resp.Body
	}
	charset := params["charset"]
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return resp.Body
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		c.logger.Warn("Unknown response charset, reading as UTF-8",
			slog.String("charset", charset),
			slog.String(errLoggerKey, err.Error()))
		return resp.Body
	}
	return transform.NewReader(resp.Body, enc.NewDecoder())
}

type streamBody struct {
	io.Reader
	closer io.Closer
	cancel context.CancelFunc
}

func (s *streamBody) Close() error {
	s.cancel()
	return s.closer.Close()
}

// Package remote is the client side of the remote authority API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rpattn/traceforge/internal/domain"
)

// ErrorBody is the machine-readable error payload returned by the authority.
type ErrorBody struct {
	Code    domain.ErrorKind     `json:"code"`
	Message string               `json:"message"`
	Errors  []domain.EntityError `json:"errors,omitempty"`
}

// Client talks to the remote authority over HTTP and websocket.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the authority rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid authority url scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Commit sends a commit and returns the authority's resolved view of it.
func (c *Client) Commit(ctx context.Context, versionID uuid.UUID, commit domain.Commit) (domain.CommitResult, error) {
	payload, err := json.Marshal(commit)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("failed to encode commit: %w", err)
	}
	var result domain.CommitResult
	if err := c.do(ctx, http.MethodPost, c.versionPath(versionID, "commits"), payload, &result); err != nil {
		return domain.CommitResult{}, err
	}
	return result, nil
}

func (c *Client) ListArtifacts(ctx context.Context, versionID uuid.UUID) ([]domain.Artifact, error) {
	var artifacts []domain.Artifact
	if err := c.do(ctx, http.MethodGet, c.versionPath(versionID, "artifacts"), nil, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (c *Client) ListTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	var traces []domain.TraceLink
	if err := c.do(ctx, http.MethodGet, c.versionPath(versionID, "traces"), nil, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

func (c *Client) ListGeneratedTraces(ctx context.Context, versionID uuid.UUID) ([]domain.TraceLink, error) {
	var traces []domain.TraceLink
	if err := c.do(ctx, http.MethodGet, c.versionPath(versionID, "traces/generated"), nil, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// Subscribe streams peer commits of a version to handle until ctx is done
// or the connection drops.
func (c *Client) Subscribe(ctx context.Context, versionID uuid.UUID, handle func(domain.PeerCommit)) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = c.versionPath(versionID, "subscribe")

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe: %v", domain.ErrNetwork, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var peer domain.PeerCommit
		if err := conn.ReadJSON(&peer); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%w: subscription closed: %v", domain.ErrNetwork, err)
		}
		handle(peer)
	}
}

func (c *Client) versionPath(versionID uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s/api/versions/%s/%s", c.baseURL.Path, versionID, suffix)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	target := *c.baseURL
	target.Path = path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrNetwork, err)
	}
	c.logger.Debug("authority request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", domain.ErrNetwork, err)
	}
	return nil
}

// decodeError maps an error response onto the commit error taxonomy. Bodies
// that cannot be classified are treated as transport failures.
func decodeError(status int, payload []byte) error {
	var body ErrorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		switch body.Code {
		case domain.ErrorKindValidation, domain.ErrorKindConflict, domain.ErrorKindStaleTarget:
			return domain.NewCommitError(body.Code, body.Message, body.Errors...)
		}
	}

	message := strings.TrimSpace(string(payload))
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.NewCommitError(domain.ErrorKindValidation, message)
	case http.StatusConflict:
		return domain.NewCommitError(domain.ErrorKindConflict, message)
	case http.StatusNotFound, http.StatusGone:
		return domain.NewCommitError(domain.ErrorKindStaleTarget, message)
	}
	return fmt.Errorf("%w: authority returned %d: %s", domain.ErrNetwork, status, message)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrNetwork)
}

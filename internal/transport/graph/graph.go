// Package graph implements a Transport that submits rendered mail to the
// Microsoft Graph sendMail endpoint as a base64 MIME message.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/transport"
)

// Name is the registry name of the Graph transport.
const Name = "msgraph"

// Config holds the app registration used to send as Sender.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Transport sends mail on behalf of one mailbox. Graph takes the receivers
// from the MIME headers, so Bcc receivers rely on the Bcc header.
type Transport struct {
	transport.Pipeline

	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
	logger     *slog.Logger
}

// New creates a Transport for the public Graph and login endpoints.
func New(cfg Config, pipeline transport.Pipeline, logger *slog.Logger) *Transport {
	return newWithEndpoints(cfg,
		"https://graph.microsoft.com/v1.0/users/"+url.PathEscape(cfg.Sender)+"/sendMail",
		"https://login.microsoftonline.com/"+url.PathEscape(cfg.TenantID)+"/oauth2/v2.0/token",
		&http.Client{Timeout: 30 * time.Second},
		pipeline, logger,
	)
}

// newWithEndpoints creates a Transport with custom URLs and HTTP client,
// used for testing.
func newWithEndpoints(cfg Config, sendURL, tokenURL string, client *http.Client, pipeline transport.Pipeline, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		Pipeline:   pipeline,
		sendURL:    sendURL,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		logger:     logger,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return Name
}

// IsAvailable reports whether an access token can be obtained.
func (t *Transport) IsAvailable(ctx context.Context) bool {
	if _, err := t.tokens.Token(ctx); err != nil {
		t.logger.Warn("graph token unavailable", "error", err)
		return false
	}
	return true
}

// Send validates and renders mail and posts it. A 401 reply invalidates the
// cached token and the request is made once more with a fresh one.
func (t *Transport) Send(ctx context.Context, mail *email.Mail) error {
	env, err := t.Prepare(mail)
	if err != nil {
		return err
	}
	payload := base64.StdEncoding.EncodeToString(env.Raw())

	status, err := t.post(ctx, payload)
	if status == http.StatusUnauthorized {
		t.logger.Info("refreshing graph token after 401")
		t.tokens.Invalidate()
		_, err = t.post(ctx, payload)
	}
	return err
}

// post sends one request and returns the HTTP status alongside the
// classified error.
func (t *Transport) post(ctx context.Context, payload string) (int, error) {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", email.ErrAuthentication, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sendURL, strings.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: graph request failed: %v", email.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		t.logger.Debug("mail accepted by graph", "status", resp.StatusCode)
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(resp.Body)
	detail := string(body)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		detail = er.Error.Code + ": " + er.Error.Message
	}
	return resp.StatusCode, fmt.Errorf("%w: graph returned %d: %s", classify(resp.StatusCode), resp.StatusCode, detail)
}

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return email.ErrAuthentication
	case status == http.StatusTooManyRequests || status >= 500:
		return email.ErrConnection
	default:
		return email.ErrProtocol
	}
}

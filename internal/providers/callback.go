package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/galaxy/pkg/schema"
)

// maxResponseBody caps how much of a provider's submit response is read.
const maxResponseBody = 1 << 20

// CallbackConfig configures a CallbackProvider.
type CallbackConfig struct {
	ID string
	// Endpoint receives submissions as JSON POSTs. Required unless MockMode.
	Endpoint string
	// CallbackBaseURL is where the provider reports back; the token is appended.
	CallbackBaseURL string
	// MockMode completes every submission locally with a canned output.
	MockMode  bool
	MockDelay time.Duration
	Timeout   time.Duration
	// Credentials supplies the bearer token sent with each submission.
	// A missing credential sends the request unauthenticated.
	Credentials   CredentialSource
	CredentialKey string
	Client        *http.Client
	Logger        *slog.Logger
}

// CredentialSource resolves stored credentials. Satisfied by *secrets.AESVault.
type CredentialSource interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// CallbackProvider submits work over HTTP and expects the backend to resume
// the node through the callback URL. In mock mode it never leaves the process.
type CallbackProvider struct {
	cfg       CallbackConfig
	completer Completer
	client    *http.Client
	logger    *slog.Logger
}

// NewCallbackProvider creates a provider. completer is only used in mock mode.
func NewCallbackProvider(cfg CallbackConfig, completer Completer) (*CallbackProvider, error) {
	if cfg.ID == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "provider id is empty")
	}
	if cfg.MockMode && completer == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "provider %q: mock mode needs a completer", cfg.ID)
	}
	if !cfg.MockMode && cfg.Endpoint == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "provider %q: endpoint is required outside mock mode", cfg.ID)
	}
	if cfg.Endpoint != "" {
		if u, err := url.Parse(cfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "provider %q: invalid endpoint %q", cfg.ID, cfg.Endpoint)
		}
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackProvider{cfg: cfg, completer: completer, client: client, logger: logger}, nil
}

func (p *CallbackProvider) ID() string { return p.cfg.ID }

// MockOutput is the payload a mock-mode provider resumes the node with.
func MockOutput(provider string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"text": fmt.Sprintf("mock LLM output (%s)", provider)})
	return b
}

// Submit hands req to the backend. The returned submission echoes the
// waitpoint token together with the provider's request id.
func (p *CallbackProvider) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.Token == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "provider %q: submission has no waitpoint token", p.cfg.ID)
	}

	sub := &Submission{
		Provider:    p.cfg.ID,
		Token:       req.Token,
		RequestID:   uuid.NewString(),
		CallbackURL: p.callbackURL(req.Token),
		SubmittedAt: time.Now().UTC(),
	}

	if p.cfg.MockMode {
		p.completeMock(req.Token)
		return sub, nil
	}

	requestID, err := p.post(ctx, sub, req)
	if err != nil {
		return nil, err
	}
	if requestID != "" {
		sub.RequestID = requestID
	}
	return sub, nil
}

func (p *CallbackProvider) callbackURL(token string) string {
	if p.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(p.cfg.CallbackBaseURL, "/") + "/callbacks/" + url.PathEscape(token)
}

func (p *CallbackProvider) completeMock(token string) {
	payload := MockOutput(p.cfg.ID)
	complete := func() {
		if err := p.completer.Complete(token, payload); err != nil {
			p.logger.Warn("mock provider could not complete waitpoint", "provider", p.cfg.ID, "token", token, "error", err)
		}
	}
	if p.cfg.MockDelay <= 0 {
		complete()
		return
	}
	time.AfterFunc(p.cfg.MockDelay, complete)
}

type submitBody struct {
	RequestID   string `json:"request_id"`
	CallbackURL string `json:"callback_url,omitempty"`
	SubmitRequest
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

func (p *CallbackProvider) post(ctx context.Context, sub *Submission, req SubmitRequest) (string, error) {
	body, err := json.Marshal(submitBody{RequestID: sub.RequestID, CallbackURL: sub.CallbackURL, SubmitRequest: req})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "provider %q: marshal submission", p.cfg.ID).WithCause(err)
	}

	reqCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeConfig, "provider %q: build request", p.cfg.ID).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", sub.RequestID)
	if err := p.authorize(reqCtx, httpReq); err != nil {
		return "", err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProviderAttempt, "provider %q: request failed: %v", p.cfg.ID, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProviderAttempt, "provider %q: read response", p.cfg.ID).WithCause(err)
	}

	if resp.StatusCode >= 300 {
		code := schema.ErrCodeProviderAttempt
		// Other 4xx responses will not change on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			code = schema.ErrCodeValidation
		}
		return "", schema.NewErrorf(code, "provider %q: server returned %d", p.cfg.ID, resp.StatusCode).
			WithDetails(map[string]any{"provider": p.cfg.ID, "status_code": resp.StatusCode, "body": truncate(string(raw), 512)})
	}

	var parsed submitResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &parsed)
	}
	return parsed.RequestID, nil
}

func (p *CallbackProvider) authorize(ctx context.Context, req *http.Request) error {
	if p.cfg.Credentials == nil || p.cfg.CredentialKey == "" {
		return nil
	}
	token, err := p.cfg.Credentials.Resolve(ctx, p.cfg.CredentialKey)
	if schema.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "provider %q: resolve credential", p.cfg.ID).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Provider = (*CallbackProvider)(nil)

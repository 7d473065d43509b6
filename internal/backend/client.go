package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"proctord/internal/logging"
)

const maxResponseBytes = 1 << 20

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the default client. Tests pass httptest clients.
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client talks to the evaluation backend.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	logger    *logging.Logger
	userAgent string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base URL %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "proctord"
	}
	return &Client{
		baseURL:   u,
		http:      hc,
		logger:    logger.WithComponent("backend"),
		userAgent: ua,
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// SessionInfo fetches and validates the metadata of an evaluation.
func (c *Client) SessionInfo(ctx context.Context, evaluationID string) (*SessionInfo, error) {
	raw, err := c.doRaw(ctx, "session-info", http.MethodGet, "/api/evaluation/"+url.PathEscape(evaluationID), nil)
	if err != nil {
		return nil, err
	}
	if err := ValidateSessionInfo(raw); err != nil {
		return nil, err
	}
	env, err := decodeEnvelope("session-info", raw)
	if err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("%w: session info: %v", ErrInvalidResponse, err)
	}
	return &info, nil
}

// Enter validates the private key for entering an evaluation.
func (c *Client) Enter(ctx context.Context, req EnterRequest) (*EnterResult, error) {
	req.PrivateKey = strings.TrimSpace(req.PrivateKey)
	env, err := c.do(ctx, "enter", http.MethodPost, "/api/evaluations/enter", req)
	if err != nil {
		return nil, err
	}
	var res EnterResult
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return nil, fmt.Errorf("%w: enter: %v", ErrInvalidResponse, err)
		}
	}
	return &res, nil
}

// Exit validates the exit password for leaving an active evaluation.
func (c *Client) Exit(ctx context.Context, req ExitRequest) error {
	req.ExitPassword = strings.TrimSpace(req.ExitPassword)
	_, err := c.do(ctx, "exit", http.MethodPost, "/api/evaluation/exit", req)
	return err
}

// Submit delivers the terminal submission.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Ack, error) {
	if len(req.Answers) == 0 {
		req.Answers = json.RawMessage("{}")
	}
	env, err := c.do(ctx, "submit", http.MethodPost, "/api/evaluations/submit", req)
	if err != nil {
		return nil, err
	}
	return &Ack{Success: env.Success, Message: env.Message}, nil
}

// LogActivity forwards an activity or violation record.
func (c *Client) LogActivity(ctx context.Context, req ActivityRequest) error {
	_, err := c.do(ctx, "log-activity", http.MethodPost, "/api/monitoring/activity", req)
	return err
}

// RecordLocation forwards a location sample.
func (c *Client) RecordLocation(ctx context.Context, req LocationRequest) error {
	_, err := c.do(ctx, "record-location", http.MethodPost, "/api/location/record", req)
	return err
}

// NotifyViolation tells the backend evidence was captured.
func (c *Client) NotifyViolation(ctx context.Context, req NotifyRequest) error {
	_, err := c.do(ctx, "notify-violation", http.MethodPost, "/api/notify-violation", req)
	return err
}

// SubmissionStatus returns the graded state of a submission, or ErrNotFound
// when the student has not submitted.
func (c *Client) SubmissionStatus(ctx context.Context, evaluationID, studentID string) (*SubmissionStatus, error) {
	path := "/api/submission/" + url.PathEscape(evaluationID) + "/" + url.PathEscape(studentID)
	env, err := c.do(ctx, "submission-status", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, ErrNotFound
	}
	var st SubmissionStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return nil, fmt.Errorf("%w: submission status: %v", ErrInvalidResponse, err)
	}
	return &st, nil
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRaw(ctx, "health", http.MethodGet, "/api/health", nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*envelope, error) {
	raw, err := c.doRaw(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(op, raw)
}

func decodeEnvelope(op string, raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, op, err)
	}
	if !env.Success {
		return nil, &RejectedError{Op: op, StatusCode: http.StatusOK, Message: env.Message}
	}
	return &env, nil
}

func (c *Client) doRaw(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: encode %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: %s: read body: %w", op, err)
	}

	c.logger.Debug("backend call",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"request_id", requestID,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	msg := replyMessage(raw)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusNotFound &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests {
		return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

func replyMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsTransient reports whether err is a network or server-side failure as
// opposed to a refusal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, ErrInvalidResponse)
}

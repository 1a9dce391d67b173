package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/ratelimit"
	"github.com/pkg/errors"
)

// HTTPConfig describes the generation API endpoints.
type HTTPConfig struct {
	BaseURL    string
	SubmitPath string
	PollPath   string
	// WebAppID identifies the workflow on the remote side; it is sent beside the payload.
	WebAppID int
	Timeout  time.Duration
}

type Option func(*httpClient)

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.client = hc
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *httpClient) {
		c.logger = l
	}
}

type httpClient struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHTTPClient returns a Client speaking JSON over HTTP.
func NewHTTPClient(cfg HTTPConfig, opts ...Option) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = "/w/v1/webapp/task/openapi/create"
	}
	if cfg.PollPath == "" {
		cfg.PollPath = "/w/v1/webapp/task/openapi/query"
	}
	c := &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	WebAppID              int            `json:"web_app_id,omitempty"`
	SuppressPreviewOutput bool           `json:"suppress_preview_output"`
	InputValues           map[string]any `json:"input_values"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type pollResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Outputs []struct {
		ObjectURL string `json:"object_url"`
		URL       string `json:"url"`
	} `json:"outputs"`
}

func (c *httpClient) Submit(ctx context.Context, job jobs.JobSpec, cred credentials.Credential) (SubmitResult, error) {
	body, err := json.Marshal(submitRequest{
		WebAppID:              c.cfg.WebAppID,
		SuppressPreviewOutput: true,
		InputValues:           job.Payload,
	})
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "encode submit request")
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.SubmitPath, nil, body, cred, &resp); err != nil {
		return SubmitResult{}, errors.Wrap(err, "submit")
	}

	id := resp.RequestID
	if id == "" {
		id = resp.TaskID
	}
	if id == "" {
		return SubmitResult{}, errors.Wrap(ErrMalformedResponse, "submit: missing task identifier")
	}
	if ParseState(resp.Status) == StateFailed {
		return SubmitResult{}, errors.Errorf("submit rejected: %s", jobs.Truncate(resp.Message))
	}
	return SubmitResult{TaskID: id, Status: resp.Status}, nil
}

func (c *httpClient) Poll(ctx context.Context, taskID string, cred credentials.Credential) (PollResult, error) {
	q := url.Values{}
	q.Set("request_id", taskID)

	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, c.cfg.PollPath, q, nil, cred, &resp); err != nil {
		return PollResult{}, errors.Wrapf(err, "poll %s", taskID)
	}
	if resp.Status == "" {
		return PollResult{}, errors.Wrapf(ErrMalformedResponse, "poll %s: missing status", taskID)
	}

	out := PollResult{
		State:     ParseState(resp.Status),
		RawStatus: resp.Status,
		Message:   resp.Message,
	}
	for _, o := range resp.Outputs {
		u := o.ObjectURL
		if u == "" {
			u = o.URL
		}
		out.Outputs = append(out.Outputs, Output{URL: u})
	}
	return out, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body []byte, cred credentials.Credential, into any) error {
	if err := c.limiter.Wait(ctx, cred.Token); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: jobs.Truncate(strings.TrimSpace(string(raw)))}
	}

	if err := json.Unmarshal(raw, into); err != nil {
		c.logger.Debug("undecodable response", "path", path, "credential", cred.Masked(), "body", jobs.Truncate(string(raw)))
		return errors.Wrapf(ErrMalformedResponse, "decode response: %v", err)
	}
	return nil
}

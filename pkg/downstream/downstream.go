// Package downstream is the HTTP client for the masking service. Every
// call is retried up to three attempts with exponential backoff; the
// failure that survives the retries decides the error code.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// maxRetries is on top of the first attempt: three attempts total.
const maxRetries = 2

// bodyExcerptLimit bounds how much of an error response is carried in
// the error message.
const bodyExcerptLimit = 512

// FieldConfig tells the masking service what to do with one column.
type FieldConfig struct {
	FieldName     string `json:"field_name"`
	TransformType string `json:"transform_type"`
}

// MaskRequest is the POST /mask/process payload.
type MaskRequest struct {
	TaskID         string        `json:"task_id"`
	InputFilePath  string        `json:"input_file_path"`
	OutputFilePath string        `json:"output_file_path"`
	FieldConfigs   []FieldConfig `json:"field_configs"`
}

// MaskResponse is the acknowledgement for a submitted masking job.
type MaskResponse struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

// MaskStatus is the GET /mask/status/{task_id} response.
type MaskStatus struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
}

// Client talks to the masking service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBackOffFactory replaces the retry schedule. Tests use this to
// avoid real multi-second waits.
func WithBackOffFactory(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// New builds a client from the downstream configuration.
func New(cfg config.DownstreamConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, maxRetries)
}

// SubmitMasking posts a masking job for the given task. Parameter
// validation fails before any network traffic.
func (c *Client) SubmitMasking(ctx context.Context, req MaskRequest) (*MaskResponse, error) {
	if req.TaskID == "" || req.InputFilePath == "" || req.OutputFilePath == "" {
		return nil, errcode.New(errcode.FileReadFailed,
			"file_path", req.InputFilePath,
			"reason", "incomplete masking request parameters").WithTask(req.TaskID)
	}
	if len(req.FieldConfigs) == 0 {
		return nil, errcode.New(errcode.FileReadFailed,
			"file_path", req.InputFilePath,
			"reason", "no field configurations").WithTask(req.TaskID)
	}

	logger.Info("submitting masking request",
		logger.KeyTaskID, req.TaskID,
		"input_path", req.InputFilePath,
		"output_path", req.OutputFilePath,
		"fields", len(req.FieldConfigs))

	var resp MaskResponse
	if err := c.call(ctx, http.MethodPost, "/mask/process", req, &resp); err != nil {
		var e *errcode.Error
		if errcode.AsError(err, &e) {
			e.WithTask(req.TaskID)
		}
		return nil, err
	}
	logger.Info("masking request accepted",
		logger.KeyTaskID, req.TaskID,
		logger.KeyStatus, resp.Status)
	return &resp, nil
}

// QueryStatus fetches the state of a submitted masking job. A 404 means
// the downstream never saw the task.
func (c *Client) QueryStatus(ctx context.Context, taskID string) (*MaskStatus, error) {
	var resp MaskStatus
	err := c.call(ctx, http.MethodGet, "/mask/status/"+taskID, nil, &resp)
	if err != nil {
		var e *errcode.Error
		if errcode.AsError(err, &e) {
			e.WithTask(taskID)
			if e.Code == errcode.DownstreamAPIError && e.Fields["status_code"] == http.StatusNotFound {
				return nil, errcode.Wrap(err, errcode.FileNotFound,
					"file_path", taskID).WithTask(taskID)
			}
		}
		return nil, err
	}
	return &resp, nil
}

// call runs one endpoint with the retry schedule. Transport failures
// and HTTP error statuses are both retried; the last observed failure
// picks the error code once the schedule is exhausted.
func (c *Client) call(ctx context.Context, method, path string, payload, result any) error {
	var (
		lastStatus int
		lastBody   []byte
	)
	op := func() error {
		status, body, err := c.do(ctx, method, path, payload)
		if err != nil {
			lastStatus = 0
			return err
		}
		lastStatus = status
		lastBody = body
		if status >= 400 {
			return fmt.Errorf("downstream returned HTTP %d", status)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		if lastStatus >= 400 {
			return errcode.Wrap(err, errcode.DownstreamAPIError,
				"status_code", lastStatus,
				"message", excerpt(lastBody))
		}
		return errcode.Wrap(err, errcode.DownstreamConnectionFailed)
	}

	if result != nil && len(lastBody) > 0 {
		if err := json.Unmarshal(lastBody, result); err != nil {
			return errcode.Wrap(err, errcode.DownstreamAPIError,
				"status_code", lastStatus,
				"message", "undecodable response body")
		}
	}
	return nil
}

// do performs a single HTTP attempt.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, backoff.Permanent(fmt.Errorf("failed to marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyExcerptLimit {
		s = s[:bodyExcerptLimit]
	}
	return s
}

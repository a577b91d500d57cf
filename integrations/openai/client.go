// Package openai reads the status of OpenAI Batch API jobs.
package openai

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/httpclient"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/poll"
	"github.com/teranos/batchwatch/pulse/retry"
	"github.com/teranos/batchwatch/pulse/schedule"
)

// DefaultBaseURL is the public OpenAI API endpoint
const DefaultBaseURL = "https://api.openai.com"

// KnownStatuses are the batch statuses the Batch API documents
var KnownStatuses = map[string]bool{
	"validating":  true,
	"failed":      true,
	"in_progress": true,
	"finalizing":  true,
	"completed":   true,
	"expired":     true,
	"cancelling":  true,
	"cancelled":   true,
}

// Config holds client configuration
type Config struct {
	APIKey       string
	BaseURL      string             // "" = DefaultBaseURL
	HTTP         *httpclient.Client // nil = httpclient.New with defaults
	Retry        retry.Policy       // zero = retry.DefaultPolicy()
	RetryOptions []retry.Option     // e.g. a fake sleeper in tests
	Logger       *zap.SugaredLogger // nil = nop logger
}

// Client checks batch statuses with one API key
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.Client
	policy     retry.Policy
	retryOpts  []retry.Option
	logger     *zap.SugaredLogger
}

// NewClient creates a client; the API key is required
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.NewValidationError("openai API key is empty")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid openai base url %q", baseURL), errors.ErrValidation)
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.Options{})
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		policy:     policy,
		retryOpts:  append(append([]retry.Option{}, cfg.RetryOptions...), retry.WithLogger(log)),
		logger:     log,
	}, nil
}

// batchResponse is the subset of the Batch object we read
type batchResponse struct {
	ID            string              `json:"id"`
	Status        string              `json:"status"`
	CreatedAt     int64               `json:"created_at"`
	CompletedAt   *int64              `json:"completed_at"`
	FailedAt      *int64              `json:"failed_at"`
	ExpiredAt     *int64              `json:"expired_at"`
	CancelledAt   *int64              `json:"cancelled_at"`
	Errors        *batchErrors        `json:"errors"`
	RequestCounts *poll.RequestCounts `json:"request_counts"`
}

type batchErrors struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Line    *int   `json:"line"`
	} `json:"data"`
}

// CheckBatch fetches the status of one batch, retrying transient failures
func (c *Client) CheckBatch(ctx context.Context, batchID string) (*poll.BatchStatusResult, error) {
	if err := schedule.ValidateBatchID(batchID); err != nil {
		return nil, errors.MarkPermanent(err)
	}

	endpoint := c.baseURL + "/v1/batches/" + url.PathEscape(batchID)
	resp, err := retry.DoValue(ctx, c.policy, "check batch "+batchID, func(ctx context.Context) (*batchResponse, error) {
		req, err := httpclient.NewJSONRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		var out batchResponse
		if err := c.httpClient.DoJSON(req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, c.retryOpts...)
	if err != nil {
		return nil, err
	}

	result, err := normalize(resp)
	if err != nil {
		return nil, err
	}
	if !KnownStatuses[result.Status] {
		c.logger.Warnw("Unknown batch status", logger.FieldBatchID, batchID, logger.FieldStatus, result.Status)
	}
	c.logger.Debugw("Batch status", logger.FieldBatchID, batchID, logger.FieldStatus, result.Status)
	return result, nil
}

func normalize(resp *batchResponse) (*poll.BatchStatusResult, error) {
	status := strings.ToLower(strings.TrimSpace(resp.Status))
	if status == "" {
		return nil, errors.MarkPermanent(errors.Newf("batch %s: response has no status", resp.ID))
	}

	result := &poll.BatchStatusResult{
		Status:        status,
		CreatedAt:     unixTime(resp.CreatedAt),
		CompletedAt:   unixPtr(resp.CompletedAt),
		FailedAt:      unixPtr(resp.FailedAt),
		ExpiredAt:     unixPtr(resp.ExpiredAt),
		CancelledAt:   unixPtr(resp.CancelledAt),
		RequestCounts: resp.RequestCounts,
	}
	if resp.Errors != nil && len(resp.Errors.Data) > 0 {
		first := resp.Errors.Data[0]
		msg := first.Message
		if first.Code != "" {
			msg = first.Code + ": " + msg
		}
		result.ErrorMessage = msg
	}
	return result, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec *int64) *time.Time {
	if sec == nil || *sec == 0 {
		return nil
	}
	t := unixTime(*sec)
	return &t
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

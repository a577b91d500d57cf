// Package keboola starts Keboola Connection jobs through the Job Queue API.
package keboola

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/httpclient"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/poll"
	"github.com/teranos/batchwatch/pulse/retry"
)

// TagPrefix marks queue jobs started by batchwatch
const TagPrefix = "batchwatch-"

// Config holds client configuration
type Config struct {
	Token        string // Storage API token
	StackURL     string // e.g. https://connection.keboola.com
	HTTP         *httpclient.Client
	Retry        retry.Policy
	RetryOptions []retry.Option
	Logger       *zap.SugaredLogger
}

// Client triggers jobs on one Keboola stack with one token
type Client struct {
	token      string
	queueURL   string
	httpClient *httpclient.Client
	policy     retry.Policy
	retryOpts  []retry.Option
	logger     *zap.SugaredLogger
}

// NewClient creates a client for the queue that belongs to cfg.StackURL
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.NewValidationError("keboola storage token is empty")
	}
	queueURL, err := QueueURL(cfg.StackURL)
	if err != nil {
		return nil, err
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
		token:      cfg.Token,
		queueURL:   queueURL,
		httpClient: httpClient,
		policy:     policy,
		retryOpts:  append(append([]retry.Option{}, cfg.RetryOptions...), retry.WithLogger(log)),
		logger:     log,
	}, nil
}

// QueueURL derives the Job Queue endpoint from a stack URL:
// https://connection.<region> becomes https://queue.<region>.
// Hosts without the connection. prefix are used as-is.
func QueueURL(stackURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(stackURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.NewValidationError("invalid keboola stack url %q", stackURL)
	}
	if rest, ok := strings.CutPrefix(u.Host, "connection."); ok {
		u.Host = "queue." + rest
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type jobRequest struct {
	Component  string     `json:"component"`
	Config     string     `json:"config"`
	Mode       string     `json:"mode"`
	Tag        string     `json:"tag,omitempty"`
	ConfigData configData `json:"configData"`
}

type configData struct {
	Parameters parameters `json:"parameters"`
}

type parameters struct {
	BatchIDsCompleted   []string `json:"batch_ids_completed"`
	BatchIDsFailed      []string `json:"batch_ids_failed"`
	BatchCountTotal     int      `json:"batch_count_total"`
	BatchCountCompleted int      `json:"batch_count_completed"`
	BatchCountFailed    int      `json:"batch_count_failed"`
}

type jobResponse struct {
	ID     flexibleID `json:"id"`
	Status string     `json:"status"`
	URL    string     `json:"url"`
}

// flexibleID accepts both "123" and 123
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// TriggerJob starts the configured component with the batch summary as parameters
func (c *Client) TriggerJob(ctx context.Context, req poll.TriggerRequest) (*poll.TriggerResult, error) {
	if req.Target.ComponentID == "" || req.Target.ConfigurationID == "" {
		return nil, errors.MarkPermanent(errors.NewValidationError("trigger target needs component and configuration ids"))
	}

	body := jobRequest{
		Component: req.Target.ComponentID,
		Config:    req.Target.ConfigurationID,
		Mode:      "run",
		Tag:       TagPrefix + req.JobID,
		ConfigData: configData{Parameters: parameters{
			BatchIDsCompleted:   nonNil(req.Summary.CompletedIDs),
			BatchIDsFailed:      nonNil(req.Summary.FailedIDs),
			BatchCountTotal:     req.Summary.Total,
			BatchCountCompleted: req.Summary.Completed,
			BatchCountFailed:    req.Summary.Failed,
		}},
	}

	resp, err := retry.DoValue(ctx, c.policy, "trigger "+req.Target.ComponentID, func(ctx context.Context) (*jobResponse, error) {
		httpReq, err := httpclient.NewJSONRequest(ctx, http.MethodPost, c.queueURL+"/jobs", body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-StorageApi-Token", c.token)

		var out jobResponse
		if err := c.httpClient.DoJSON(httpReq, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, c.retryOpts...)
	if err != nil {
		return nil, err
	}

	if resp.ID == "" {
		return nil, errors.MarkPermanent(errors.New("queue response has no job id"))
	}
	status := resp.Status
	if status == "" {
		status = "created"
	}

	c.logger.Infow("Queue job created",
		logger.FieldJobID, req.JobID,
		logger.FieldExternalJobID, string(resp.ID),
		logger.FieldStatus, status)

	return &poll.TriggerResult{
		ExternalJobID: string(resp.ID),
		InitialStatus: status,
		URL:           resp.URL,
	}, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

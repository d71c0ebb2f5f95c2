// Package client is the HTTP lease client remote workers use to talk to the
// scheduler. Transport errors and 5xx answers are retried with backoff;
// every other answer is final and maps back to the errors package sentinels.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/async"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/schedule"
	"github.com/teranos/ingestd/pulse/trigger"
	"github.com/teranos/ingestd/server"
	"github.com/teranos/ingestd/version"
)

const maxResponseBytes = 32 << 20

var _ async.LeaseClient = (*Client)(nil)

// Config configures a Client. Zero values take the defaults.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per request, default 30s
	Attempts   uint          // including the first, default 4
	RetryDelay time.Duration // first backoff step, default 200ms
	HTTPClient *http.Client
}

// Client talks to the scheduler's HTTP surface
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	attempts uint
	delay    time.Duration
	logger   *zap.SugaredLogger
}

// New creates a client for the scheduler at cfg.BaseURL
func New(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BaseURL == "" {
		return nil, errors.NewInvalidRequestError("scheduler url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewInvalidRequestError("scheduler url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:  base,
		http:     httpClient,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		logger:   log.Named("client"),
	}, nil
}

// transientError marks a failure worth retrying
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// response is a final, non-retried answer
type response struct {
	status int
	body   []byte
}

// do sends one request, retrying transport errors and 5xx answers
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s %s", method, path)
		}
	}

	u := *c.baseURL
	u.Path = u.Path + path
	u.RawQuery = query.Encode()
	target := u.String()

	var final *response
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
			if err != nil {
				return errors.Wrapf(err, "failed to build %s %s", method, path)
			}
			req.Header.Set("User-Agent", version.UserAgent())
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return &transientError{err: err}
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return &transientError{err: err}
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				return &transientError{err: decodeError(method, path, resp.StatusCode, raw)}
			}
			final = &response{status: resp.StatusCode, body: raw}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var transient *transientError
			return errors.As(err, &transient) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debugw("Retrying scheduler request",
				logger.FieldMethod, method,
				logger.FieldPath, path,
				logger.FieldAttempt, n+1,
				logger.FieldError, err)
		}),
	)
	if err != nil {
		var transient *transientError
		if errors.As(err, &transient) {
			return nil, transient.err
		}
		return nil, err
	}
	return final, nil
}

// call sends a request and decodes a 2xx answer into out
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		return decodeError(method, path, resp.status, resp.body)
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s %s", method, path)
	}
	return nil
}

var codeSentinels = map[string]error{
	server.CodeInvalidID:         errors.ErrInvalidID,
	server.CodeInvalidRequest:    errors.ErrInvalidRequest,
	server.CodeUnknownController: errors.ErrUnknownController,
	server.CodeNotFound:          errors.ErrNotFound,
	server.CodeConflict:          errors.ErrConflict,
	server.CodeNotLeaseHolder:    errors.ErrNotLeaseHolder,
	server.CodeNotCancelable:     errors.ErrNotCancelable,
	server.CodeCanceled:          errors.ErrCanceled,
}

// decodeError turns an error answer into an error marked with the sentinel
// its code names, so errors.Is works across the wire
func decodeError(method, path string, status int, body []byte) error {
	var resp server.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return errors.Newf("%s %s: scheduler answered %d: %s", method, path, status, truncate(string(body), 200))
	}
	err := errors.New(resp.Error)
	if sentinel, ok := codeSentinels[resp.Code]; ok {
		err = errors.Mark(err, sentinel)
	}
	return errors.Wrapf(err, "%s %s", method, path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func jobPath(id job.InstanceID, action string) string {
	p := "/jobs/" + url.PathEscape(id.String())
	if action != "" {
		p += "/" + action
	}
	return p
}

func workerQuery(worker string) url.Values {
	return url.Values{"worker": []string{worker}}
}

// GetJobsToRun lists claimable instances in claim order
func (c *Client) GetJobsToRun(ctx context.Context) ([]*job.Instance, error) {
	var out server.JobsResponse
	if err := c.call(ctx, http.MethodGet, "/jobs", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// ListJobs lists stored instances filtered by status and definition
func (c *Client) ListJobs(ctx context.Context, statuses []job.Status, definition string, limit int) ([]*job.Instance, error) {
	query := url.Values{}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	query.Set("status", strings.Join(names, ","))
	if definition != "" {
		query.Set("definition", definition)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	var out server.JobsResponse
	if err := c.call(ctx, http.MethodGet, "/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Instance returns one instance
func (c *Client) Instance(ctx context.Context, id job.InstanceID) (*job.Instance, error) {
	var inst job.Instance
	if err := c.call(ctx, http.MethodGet, jobPath(id, ""), nil, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ClaimJob asks for the lease. Refusals come back as a ClaimResult outcome, not an error.
func (c *Client) ClaimJob(ctx context.Context, id job.InstanceID, worker string) (schedule.ClaimResult, error) {
	path := jobPath(id, "claim")
	resp, err := c.do(ctx, http.MethodPost, path, workerQuery(worker), nil)
	if err != nil {
		return schedule.ClaimResult{}, err
	}

	if resp.status == http.StatusConflict {
		var refusal server.ErrorResponse
		if err := json.Unmarshal(resp.body, &refusal); err == nil && refusal.Code == server.CodeClaimRefused {
			return schedule.ClaimResult{Outcome: job.ClaimOutcome(refusal.Outcome)}, nil
		}
	}
	if resp.status != http.StatusOK {
		return schedule.ClaimResult{}, decodeError(http.MethodPost, path, resp.status, resp.body)
	}

	var res schedule.ClaimResult
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return schedule.ClaimResult{}, errors.Wrapf(err, "failed to decode claim of %s", id)
	}
	return res, nil
}

// UnclaimJob gives the lease back after a failed attempt
func (c *Client) UnclaimJob(ctx context.Context, id job.InstanceID, worker, reason string) (schedule.UnclaimResult, error) {
	var res schedule.UnclaimResult
	err := c.call(ctx, http.MethodPost, jobPath(id, "unclaim"), workerQuery(worker),
		server.UnclaimRequest{Reason: reason}, &res)
	return res, err
}

// YieldJob gives the lease back without consuming the attempt
func (c *Client) YieldJob(ctx context.Context, id job.InstanceID, worker string) (schedule.UnclaimResult, error) {
	var res schedule.UnclaimResult
	err := c.call(ctx, http.MethodPost, jobPath(id, "yield"), workerQuery(worker), nil, &res)
	return res, err
}

// Checkpoint stores progress. It fails with errors.ErrCanceled once cancellation was requested.
func (c *Client) Checkpoint(ctx context.Context, id job.InstanceID, worker string, cp schedule.Checkpoint) (*job.Instance, error) {
	var inst job.Instance
	if err := c.call(ctx, http.MethodPost, jobPath(id, "checkpoint"), workerQuery(worker), cp, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CompleteJob sends the terminal report
func (c *Client) CompleteJob(ctx context.Context, id job.InstanceID, worker string, comp schedule.Completion) (*job.Instance, error) {
	var inst job.Instance
	if err := c.call(ctx, http.MethodPost, jobPath(id, "complete"), workerQuery(worker), comp, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// CancelJob requests cancellation
func (c *Client) CancelJob(ctx context.Context, id job.InstanceID) (*job.Instance, error) {
	var inst job.Instance
	if err := c.call(ctx, http.MethodPost, jobPath(id, "cancel"), nil, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Definitions lists the latest version of every definition
func (c *Client) Definitions(ctx context.Context) ([]*job.Definition, error) {
	var out server.DefinitionsResponse
	if err := c.call(ctx, http.MethodGet, "/definitions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Definitions, nil
}

// CreateDefinition stores a new definition and returns it as stored
func (c *Client) CreateDefinition(ctx context.Context, def *job.Definition) (*job.Definition, error) {
	var out job.Definition
	if err := c.call(ctx, http.MethodPost, "/definitions", nil, def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Redefine stores the next version of a definition
func (c *Client) Redefine(ctx context.Context, def *job.Definition) (*job.Definition, error) {
	var out job.Definition
	if err := c.call(ctx, http.MethodPut, "/definitions/"+def.ID.String(), nil, def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstance queues an instance of a definition
func (c *Client) CreateInstance(ctx context.Context, definitionID string, partial bool, request json.RawMessage) (*job.Instance, error) {
	var inst job.Instance
	body := server.CreateInstanceRequest{Partial: partial, Request: request}
	if err := c.call(ctx, http.MethodPost, "/definitions/"+url.PathEscape(definitionID)+"/instances", nil, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Triggers lists stored triggers
func (c *Client) Triggers(ctx context.Context) ([]*trigger.Trigger, error) {
	var out server.TriggersResponse
	if err := c.call(ctx, http.MethodGet, "/triggers", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Triggers, nil
}

// CreateTrigger stores a trigger; periodic ones are scheduled right away
func (c *Client) CreateTrigger(ctx context.Context, t *trigger.Trigger) (*trigger.Trigger, error) {
	var out trigger.Trigger
	if err := c.call(ctx, http.MethodPost, "/triggers", nil, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FireTrigger runs a trigger now
func (c *Client) FireTrigger(ctx context.Context, id string) (*trigger.RunResult, error) {
	var out trigger.RunResult
	if err := c.call(ctx, http.MethodPost, "/triggers/"+url.PathEscape(id)+"/fire", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

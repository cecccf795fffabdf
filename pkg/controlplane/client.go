// Package controlplane implements the HTTP client for the recovery
// control plane. The control plane owns replication, job execution, and
// instance provisioning; the orchestrator only starts jobs and reads
// their progress through this client.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// Client is an HTTP control-plane client. It implements
// orchestrator.ControlPlaneClient.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a control-plane client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control-plane config: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "controlplane").Logger(),
	}, nil
}

// errorEnvelope is the control plane's error response body.
type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StartRecovery creates a recovery job for the given servers.
func (c *Client) StartRecovery(ctx context.Context, serverIDs []string, isDrill bool) (*orchestrator.Job, error) {
	body := map[string]any{
		"source_server_ids": serverIDs,
		"is_drill":          isDrill,
	}
	var job orchestrator.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &job); err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("job_id", job.JobID).
		Int("servers", len(serverIDs)).
		Bool("is_drill", isDrill).
		Msg("Recovery job created")
	return &job, nil
}

// DescribeJob returns a job with its per-server launch status.
func (c *Client) DescribeJob(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	var job orchestrator.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateLaunchConfig applies a server's launch configuration.
func (c *Client) UpdateLaunchConfig(ctx context.Context, serverID string, config map[string]any) error {
	path := "/v1/source-servers/" + url.PathEscape(serverID) + "/launch-config"
	return c.do(ctx, http.MethodPut, path, config, nil)
}

// DescribeSourceServers enumerates protected servers in a region.
func (c *Client) DescribeSourceServers(ctx context.Context, region string) ([]orchestrator.SourceServer, error) {
	var out struct {
		Servers []orchestrator.SourceServer `json:"servers"`
	}
	path := "/v1/source-servers?region=" + url.QueryEscape(region)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// DescribeActiveJobs lists pending or started jobs in a region.
func (c *Client) DescribeActiveJobs(ctx context.Context, region string) ([]orchestrator.Job, error) {
	var out struct {
		Jobs []orchestrator.Job `json:"jobs"`
	}
	path := "/v1/jobs?active=true&region=" + url.QueryEscape(region)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// DescribeRecoveryInstances resolves provisioned instances for enrichment.
func (c *Client) DescribeRecoveryInstances(ctx context.Context, instanceIDs []string) ([]orchestrator.RecoveryInstance, error) {
	body := map[string]any{"recovery_instance_ids": instanceIDs}
	var out struct {
		Instances []orchestrator.RecoveryInstance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/recovery-instances/describe", body, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// do performs one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return orchestrator.NewPermanentError("failed to encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return orchestrator.NewPermanentError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return orchestrator.NewTransientError("control-plane request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classify(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return orchestrator.NewTransientError("failed to decode control-plane response", err)
	}
	return nil
}

// classify maps an error response to the orchestrator error taxonomy.
// The envelope's code, when present, overrides the status-derived one.
func (c *Client) classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var envelope errorEnvelope
	_ = json.Unmarshal(raw, &envelope)

	message := envelope.Message
	if message == "" {
		message = fmt.Sprintf("control plane returned %s", resp.Status)
	}

	var classified *orchestrator.Error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		classified = orchestrator.NewNotFoundError(message)
	case resp.StatusCode == http.StatusConflict:
		classified = orchestrator.NewConflictError(message, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		classified = orchestrator.NewThrottledError(message, nil)
	case resp.StatusCode >= 500:
		classified = orchestrator.NewTransientError(message, nil)
	default:
		classified = orchestrator.NewPermanentError(message, nil)
	}
	if envelope.Code != "" {
		classified = classified.WithCode(envelope.Code)
	}
	return classified
}

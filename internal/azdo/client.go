// Package azdo talks to the Azure DevOps REST API.
package azdo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcin-skalski/azp-monitor/internal/timeline"
)

const (
	apiVersion        = "7.1"
	apiVersionPreview = "7.1-preview.1"

	// approvalsResourceID routes approval calls to the pipelines service.
	approvalsResourceID = "499b84ac-1321-427f-aa17-267ca6975798"

	buildStatusFilter = "cancelled,completed,inProgress,none,notStarted,postponed"
)

type Client struct {
	baseURL      string
	organization string
	pat          string
	http         *http.Client
	logger       *slog.Logger
}

func NewClient(baseURL, organization, pat string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		organization: organization,
		pat:          pat,
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (c *Client) Organization() string {
	return c.organization
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp listResponse[Project]
	if err := c.do(ctx, http.MethodGet, "/_apis/projects", apiQuery(apiVersion), nil, &resp); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return resp.Value, nil
}

func (c *Client) ListPipelines(ctx context.Context, project string) ([]Pipeline, error) {
	var resp listResponse[Pipeline]
	if err := c.do(ctx, http.MethodGet, projectPath(project, "pipelines"), apiQuery(apiVersion), nil, &resp); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return resp.Value, nil
}

func (c *Client) GetPipeline(ctx context.Context, project string, pipelineID int) (*Pipeline, error) {
	var p Pipeline
	path := projectPath(project, fmt.Sprintf("pipelines/%d", pipelineID))
	if err := c.do(ctx, http.MethodGet, path, apiQuery(apiVersion), nil, &p); err != nil {
		return nil, fmt.Errorf("get pipeline %d: %w", pipelineID, err)
	}
	return &p, nil
}

// ListBuilds returns the runs of one pipeline definition, newest first.
func (c *Client) ListBuilds(ctx context.Context, project string, pipelineID int) ([]Build, error) {
	q := apiQuery(apiVersion)
	q.Set("definitions", strconv.Itoa(pipelineID))
	q.Set("statusFilter", buildStatusFilter)

	var resp listResponse[Build]
	if err := c.do(ctx, http.MethodGet, projectPath(project, "build/builds"), q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list builds for pipeline %d: %w", pipelineID, err)
	}
	return resp.Value, nil
}

func (c *Client) GetBuild(ctx context.Context, project string, buildID int) (*Build, error) {
	var b Build
	if err := c.do(ctx, http.MethodGet, buildPath(project, buildID), apiQuery(apiVersion), nil, &b); err != nil {
		return nil, fmt.Errorf("get build %d: %w", buildID, err)
	}
	return &b, nil
}

// BuildWebURL is the results page of a build. Remote payloads usually carry
// it as _links.web; this is the fallback when they do not.
func (c *Client) BuildWebURL(project string, buildID int) string {
	return fmt.Sprintf("%s/%s/%s/_build/results?buildId=%d",
		c.baseURL, url.PathEscape(c.organization), url.PathEscape(project), buildID)
}

func (c *Client) GetRetentionLeases(ctx context.Context, project string, buildID int) ([]RetentionLease, error) {
	var resp listResponse[RetentionLease]
	path := projectPath(project, fmt.Sprintf("build/builds/%d/leases", buildID))
	if err := c.do(ctx, http.MethodGet, path, apiQuery(apiVersion), nil, &resp); err != nil {
		return nil, fmt.Errorf("get retention leases for build %d: %w", buildID, err)
	}
	return resp.Value, nil
}

func (c *Client) GetTimeline(ctx context.Context, project string, buildID int) ([]timeline.Record, error) {
	var resp timelineResponse
	path := projectPath(project, fmt.Sprintf("build/builds/%d/timeline", buildID))
	if err := c.do(ctx, http.MethodGet, path, apiQuery(apiVersion), nil, &resp); err != nil {
		return nil, fmt.Errorf("get timeline for build %d: %w", buildID, err)
	}

	records := make([]timeline.Record, 0, len(resp.Records))
	for _, n := range resp.Records {
		records = append(records, n.record())
	}
	return records, nil
}

// ListPendingApprovals lists the pending approvals of a project. The result
// is not scoped to a run or stage.
func (c *Client) ListPendingApprovals(ctx context.Context, project string) ([]Approval, error) {
	q := apiQuery(apiVersionPreview)
	q.Set("state", string(ApprovalStatusPending))
	q.Set("$expand", "steps")

	var resp listResponse[Approval]
	if err := c.do(ctx, http.MethodGet, projectPath(project, "pipelines/approvals"), q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return resp.Value, nil
}

func (c *Client) SetApprovalDecision(ctx context.Context, project, approvalID string, decision Decision, comment string) (*Approval, error) {
	body := []map[string]string{{
		"approvalId": approvalID,
		"status":     string(decision.status()),
	}}
	if comment != "" {
		body[0]["comment"] = comment
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPatch, projectPath(project, "pipelines/approvals"), apiQuery(apiVersionPreview), body, &raw); err != nil {
		return nil, fmt.Errorf("%s approval %s: %w", decision, approvalID, err)
	}

	approvals, err := decodeApprovals(raw)
	if err != nil {
		return nil, fmt.Errorf("parse approval response: %w", err)
	}
	if len(approvals) == 0 {
		return nil, fmt.Errorf("%s approval %s: empty response", decision, approvalID)
	}
	return &approvals[0], nil
}

// decodeApprovals accepts both a bare array and a {count, value} envelope.
func decodeApprovals(raw json.RawMessage) ([]Approval, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []Approval
		err := json.Unmarshal(trimmed, &list)
		return list, err
	}
	var resp listResponse[Approval]
	err := json.Unmarshal(trimmed, &resp)
	return resp.Value, err
}

// RetryStage re-queues one stage. forceAllJobs reruns jobs that already
// succeeded; retryDependents also re-queues stages that depend on it.
func (c *Client) RetryStage(ctx context.Context, project string, buildID int, stageIdentifier string, forceAllJobs, retryDependents bool) error {
	body := map[string]any{
		"state":             "retry",
		"forceRetryAllJobs": forceAllJobs,
		"retryDependencies": retryDependents,
	}
	path := projectPath(project, fmt.Sprintf("build/builds/%d/stages/%s", buildID, url.PathEscape(stageIdentifier)))
	if err := c.do(ctx, http.MethodPatch, path, apiQuery(apiVersion), body, nil); err != nil {
		return fmt.Errorf("retry stage %s of build %d: %w", stageIdentifier, buildID, err)
	}
	return nil
}

func (c *Client) RetryBuildFailedJobs(ctx context.Context, project string, buildID int) error {
	q := apiQuery(apiVersion)
	q.Set("retry", "true")
	if err := c.do(ctx, http.MethodPatch, buildPath(project, buildID), q, map[string]any{}, nil); err != nil {
		return fmt.Errorf("retry failed jobs of build %d: %w", buildID, err)
	}
	return nil
}

func (c *Client) CancelRun(ctx context.Context, project string, buildID int) error {
	body := map[string]any{"status": string(BuildStatusCancelling)}
	if err := c.do(ctx, http.MethodPatch, buildPath(project, buildID), apiQuery(apiVersion), body, nil); err != nil {
		return fmt.Errorf("cancel build %d: %w", buildID, err)
	}
	return nil
}

func (c *Client) DeleteRun(ctx context.Context, project string, buildID int) error {
	if err := c.do(ctx, http.MethodDelete, buildPath(project, buildID), apiQuery(apiVersion), nil, nil); err != nil {
		return fmt.Errorf("delete build %d: %w", buildID, err)
	}
	return nil
}

func (c *Client) SetRetention(ctx context.Context, project string, buildID int, keepForever bool) error {
	body := map[string]any{"keepForever": keepForever}
	if err := c.do(ctx, http.MethodPatch, buildPath(project, buildID), apiQuery(apiVersion), body, nil); err != nil {
		return fmt.Errorf("set retention on build %d: %w", buildID, err)
	}
	return nil
}

// RunPipeline queues a new run of pipelineID on branch.
func (c *Client) RunPipeline(ctx context.Context, project string, pipelineID int, branch string) (*Build, error) {
	body := map[string]any{
		"resources": map[string]any{
			"repositories": map[string]any{
				"self": map[string]string{"refName": "refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")},
			},
		},
	}
	var run struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	path := projectPath(project, fmt.Sprintf("pipelines/%d/runs", pipelineID))
	if err := c.do(ctx, http.MethodPost, path, apiQuery(apiVersionPreview), body, &run); err != nil {
		return nil, fmt.Errorf("run pipeline %d on %s: %w", pipelineID, branch, err)
	}
	return &Build{ID: run.ID, Number: run.Name, Status: BuildStatusNotStarted}, nil
}

func (c *Client) GetLog(ctx context.Context, project string, buildID, logID int) (string, error) {
	var text string
	path := projectPath(project, fmt.Sprintf("build/builds/%d/logs/%d", buildID, logID))
	if err := c.do(ctx, http.MethodGet, path, apiQuery(apiVersion), nil, &text); err != nil {
		return "", fmt.Errorf("get log %d of build %d: %w", logID, buildID, err)
	}
	return text, nil
}

func apiQuery(version string) url.Values {
	return url.Values{"api-version": []string{version}}
}

func projectPath(project, rest string) string {
	return "/" + url.PathEscape(project) + "/_apis/" + rest
}

func buildPath(project string, buildID int) string {
	return projectPath(project, fmt.Sprintf("build/builds/%d", buildID))
}

// do sends one request. out may be nil, a *string for plain-text bodies, or
// anything json.Unmarshal accepts.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + "/" + url.PathEscape(c.organization) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth("", c.pat)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.Contains(path, "/pipelines/approvals") {
		req.Header.Set("X-VSS-ResourceId", approvalsResourceID)
	}

	c.logger.Debug("azdo request", "method", method, "path", path)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("azdo response", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    remoteMessage(data),
		}
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *string:
		*o = string(data)
		return nil
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return nil
	}
}

func remoteMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		return e.Message
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

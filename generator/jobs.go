package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"manimate/types"
)

// RenderJob is the body of POST /api/generate/{token}
type RenderJob struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Token   string `json:"token"`
}

// JobList is the body of GET /api/jobs
type JobList struct {
	Jobs  []json.RawMessage `json:"jobs"`
	Total int               `json:"total"`
}

// StartRender confirms a script and starts video generation for it
func (c *Client) StartRender(ctx context.Context, token string, cfg types.GenerationConfig) (*RenderJob, error) {
	var job RenderJob
	if err := c.doJSONRequest(ctx, http.MethodPost, "/api/generate/"+url.PathEscape(token), cfg, &job); err != nil {
		return nil, fmt.Errorf("start render %s: %w", token, err)
	}
	return &job, nil
}

// JobStatus returns the generation service's status record for a job as-is
func (c *Client) JobStatus(ctx context.Context, jobID string) (json.RawMessage, error) {
	var status json.RawMessage
	if err := c.doJSONRequest(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	return status, nil
}

// ListJobs returns the most recent render jobs
func (c *Client) ListJobs(ctx context.Context, limit int) (*JobList, error) {
	if limit <= 0 {
		limit = 50
	}
	var list JobList
	if err := c.doJSONRequest(ctx, http.MethodGet, "/api/jobs?limit="+strconv.Itoa(limit), nil, &list); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return &list, nil
}

// DeleteJob removes a job record and returns the service's message
func (c *Client) DeleteJob(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.doJSONRequest(ctx, http.MethodDelete, "/api/job/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return "", fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return resp.Message, nil
}

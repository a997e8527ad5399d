// Package platform wraps the downstream inference/job platform's three
// HTTP collaborators: the Jobs API, the Payloads API, and the
// Results Service. Each client call is wrapped in a sony/gobreaker circuit
// breaker so a platform outage fails fast instead of stacking up blocked
// workers; retry/try-count semantics are unaffected by the breaker.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/apperrors"
	"github.com/NVIDIA/clara-dicom-adapter-sub000/internal/secrets"
)

// JobDetails is the platform's reported state for one job, surfaced through
// /inference/status/{id}.
type JobDetails struct {
	JobID    string    `json:"jobId"`
	State    string    `json:"state"`
	Status   string    `json:"status"`
	Priority int       `json:"priority"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitempty"`
	Stopped  time.Time `json:"stopped,omitempty"`
}

// CreateResult is returned by the Jobs API's create call.
type CreateResult struct {
	JobID     string `json:"jobId"`
	PayloadID string `json:"payloadId"`
}

// TaskResponse is one pending export task reported by the Results Service.
type TaskResponse struct {
	TaskID    string   `json:"taskId"`
	JobID     string   `json:"jobId"`
	PayloadID string   `json:"payloadId"`
	Uris      []string `json:"uris"`
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// JobsClient calls the platform's create/addMetadata/start/status API.
type JobsClient struct {
	baseURL string
	token   *secrets.Token
	authType secrets.AuthType
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewJobsClient returns a JobsClient against baseURL, authenticating with token.
func NewJobsClient(baseURL string, token *secrets.Token, authType secrets.AuthType) *JobsClient {
	return &JobsClient{
		baseURL:  baseURL,
		token:    token,
		authType: authType,
		http:     &http.Client{Timeout: 30 * time.Second},
		breaker:  newBreaker("platform-jobs"),
	}
}

func (c *JobsClient) authorize(req *http.Request) error {
	header, err := c.token.Authorization(c.authType)
	if err != nil {
		return apperrors.New(apperrors.KindValidation, err)
	}
	req.Header.Set("Authorization", header)
	return nil
}

func (c *JobsClient) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, apperrors.New(apperrors.KindValidation, err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanentTransport, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientTransport, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("platform jobs api: %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("platform jobs api: %s", resp.Status))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, apperrors.New(apperrors.KindDataCorruption, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperrors.New(apperrors.KindTransientTransport, err)
		}
		return err
	}
	return nil
}

// Create calls the platform's create-job API.
func (c *JobsClient) Create(ctx context.Context, pipelineID, jobName string, priority int, metadata map[string]string) (CreateResult, error) {
	var out CreateResult
	body := map[string]any{"pipelineId": pipelineID, "jobName": jobName, "priority": priority, "metadata": metadata}
	err := c.do(ctx, http.MethodPost, "/jobs", body, &out)
	return out, err
}

// AddMetadata calls the platform's addMetadata API (§4.4 "MetadataUploading" handler).
func (c *JobsClient) AddMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/metadata", metadata, nil)
}

// Start calls the platform's start-job API (§4.4 "Starting" handler).
func (c *JobsClient) Start(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/start", nil, nil)
}

// Status returns the platform's current view of jobID.
func (c *JobsClient) Status(ctx context.Context, jobID string) (JobDetails, error) {
	var out JobDetails
	err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &out)
	return out, err
}

// PayloadsClient uploads/downloads files against the platform's payload
// storage.
type PayloadsClient struct {
	baseURL  string
	token    *secrets.Token
	authType secrets.AuthType
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewPayloadsClient returns a PayloadsClient against baseURL.
func NewPayloadsClient(baseURL string, token *secrets.Token, authType secrets.AuthType) *PayloadsClient {
	return &PayloadsClient{
		baseURL:  baseURL,
		token:    token,
		authType: authType,
		http:     &http.Client{Timeout: 60 * time.Second},
		breaker:  newBreaker("platform-payloads"),
	}
}

// Upload uploads localPath to the given payload under relativeName, the
// unit of work fanned out by Job-Submission's bounded-parallel upload stage
//.
func (c *PayloadsClient) Upload(ctx context.Context, payloadID, relativeName, localPath string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, apperrors.New(apperrors.KindIOOther, err)
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/payloads/%s/%s", c.baseURL, payloadID, relativeName), f)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanentTransport, err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		header, err := c.token.Authorization(c.authType)
		if err != nil {
			return nil, apperrors.New(apperrors.KindValidation, err)
		}
		req.Header.Set("Authorization", header)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientTransport, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("payload upload: %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("payload upload: %s", resp.Status))
		}
		return nil, nil
	})
	return err
}

// Download fetches name from payloadID, writing it under destDir, used by
// the Export Service's Download stage.
func (c *PayloadsClient) Download(ctx context.Context, payloadID, name, destDir string) (string, error) {
	var destPath string
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/payloads/%s/%s", c.baseURL, payloadID, name), nil)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanentTransport, err)
		}
		header, err := c.token.Authorization(c.authType)
		if err != nil {
			return nil, apperrors.New(apperrors.KindValidation, err)
		}
		req.Header.Set("Authorization", header)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientTransport, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("payload download: %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("payload download: %s", resp.Status))
		}

		destPath = filepath.Join(destDir, filepath.Base(name))
		out, err := os.Create(destPath)
		if err != nil {
			return nil, apperrors.New(apperrors.KindIOOther, err)
		}
		defer out.Close()
		if _, err := io.Copy(out, resp.Body); err != nil {
			return nil, apperrors.New(apperrors.KindIOOther, err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return destPath, nil
}

// ResultsClient polls the platform's Results Service for pending export
// tasks and reports their outcome.
type ResultsClient struct {
	baseURL  string
	token    *secrets.Token
	authType secrets.AuthType
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewResultsClient returns a ResultsClient against baseURL.
func NewResultsClient(baseURL string, token *secrets.Token, authType secrets.AuthType) *ResultsClient {
	return &ResultsClient{
		baseURL:  baseURL,
		token:    token,
		authType: authType,
		http:     &http.Client{Timeout: 30 * time.Second},
		breaker:  newBreaker("platform-results"),
	}
}

// GetPendingJobs returns up to max pending TaskResponses for agent.
func (c *ResultsClient) GetPendingJobs(ctx context.Context, agent string, max int) ([]TaskResponse, error) {
	var out []TaskResponse
	_, err := c.breaker.Execute(func() (any, error) {
		url := fmt.Sprintf("%s/results/pending?agent=%s&max=%d", c.baseURL, agent, max)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanentTransport, err)
		}
		header, err := c.token.Authorization(c.authType)
		if err != nil {
			return nil, apperrors.New(apperrors.KindValidation, err)
		}
		req.Header.Set("Authorization", header)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientTransport, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("results pending: %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("results pending: %s", resp.Status))
		}
		return nil, json.NewDecoder(resp.Body).Decode(&out)
	})
	return out, err
}

// ReportSuccess reports taskId as successfully exported.
func (c *ResultsClient) ReportSuccess(ctx context.Context, taskID string) error {
	return c.report(ctx, taskID, true, false)
}

// ReportFailure reports taskId as failed; retriable indicates whether the
// caller may re-attempt the same task on a later poll.
func (c *ResultsClient) ReportFailure(ctx context.Context, taskID string, retriable bool) error {
	return c.report(ctx, taskID, false, retriable)
}

func (c *ResultsClient) report(ctx context.Context, taskID string, success, retriable bool) error {
	_, err := c.breaker.Execute(func() (any, error) {
		body, _ := json.Marshal(map[string]any{"success": success, "retriable": retriable})
		url := fmt.Sprintf("%s/results/%s/report", c.baseURL, taskID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanentTransport, err)
		}
		req.Header.Set("Content-Type", "application/json")
		header, err := c.token.Authorization(c.authType)
		if err != nil {
			return nil, apperrors.New(apperrors.KindValidation, err)
		}
		req.Header.Set("Authorization", header)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientTransport, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, apperrors.New(apperrors.KindTransientTransport, fmt.Errorf("report: %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return nil, apperrors.New(apperrors.KindPermanentTransport, fmt.Errorf("report: %s", resp.Status))
		}
		return nil, nil
	})
	return err
}

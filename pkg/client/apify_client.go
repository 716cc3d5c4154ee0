package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"golang.org/x/exp/slices"
)

const (
	apifyBaseURL = "https://api.apify.com/v2"

	// datasetPageSize is the number of items fetched per dataset page.
	datasetPageSize = 500
)

// terminalRunStatuses are the actor-run states that end the polling loop.
var terminalRunStatuses = []string{"SUCCEEDED", "FAILED", "ABORTED", "TIMED-OUT"}

// Apify is the interface the per-platform clients program against, so tests
// can substitute a mock.
type Apify interface {
	RunActorAndCollect(actorID string, input any, opts RunOptions) ([]json.RawMessage, error)
	GetRunDatasetItems(runID string) ([]json.RawMessage, error)
	ValidateApiKey() error
}

// RunOptions bounds one actor invocation.
type RunOptions struct {
	// TimeoutSeconds is the polling deadline for the run to finish.
	TimeoutSeconds int
	// DatasetLimit caps how many dataset items are collected; 0 means all.
	DatasetLimit int
}

// ApifyClient is a client for the Apify REST API.
type ApifyClient struct {
	apiToken     string
	baseUrl      string
	options      *Options
	pollInterval time.Duration
}

// ActorRunResponse represents the response from starting or inspecting an
// actor run.
type ActorRunResponse struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		StatusMessage    string `json:"statusMessage"`
		DefaultDatasetId string `json:"defaultDatasetId"`
	} `json:"data"`
}

// NewApifyClient creates a new Apify client with functional options.
func NewApifyClient(apiToken string, opts ...Option) (*ApifyClient, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create options: %w", err)
	}

	return &ApifyClient{
		apiToken:     apiToken,
		baseUrl:      apifyBaseURL,
		options:      options,
		pollInterval: 5 * time.Second,
	}, nil
}

// HTTPClient exposes the configured http client.
func (c *ApifyClient) HTTPClient() *http.Client {
	return c.options.HttpClient
}

// RunActor starts an actor run with the given input.
func (c *ApifyClient) RunActor(actorId string, input any) (*ActorRunResponse, error) {
	url := fmt.Sprintf("%s/acts/%s/runs?token=%s", c.baseUrl, actorId, c.apiToken)
	logrus.Infof("Running actor %s", actorId)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("error marshaling actor input: %w", err)
	}

	body, status, err := c.do(http.MethodPost, url, inputJSON)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, &ClientError{StatusCode: status, Message: string(body)}
	}

	var runResp ActorRunResponse
	if err := json.Unmarshal(body, &runResp); err != nil {
		return nil, &ClientError{Message: fmt.Sprintf("error parsing run response: %v", err)}
	}

	logrus.Infof("Actor run started with ID: %s", runResp.Data.ID)
	return &runResp, nil
}

// GetActorRun gets the status of an actor run.
func (c *ApifyClient) GetActorRun(runId string) (*ActorRunResponse, error) {
	url := fmt.Sprintf("%s/actor-runs/%s?token=%s", c.baseUrl, runId, c.apiToken)
	logrus.Debugf("Getting actor run status: %s", runId)

	body, status, err := c.do(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &ClientError{StatusCode: status, Message: string(body)}
	}

	var runResp ActorRunResponse
	if err := json.Unmarshal(body, &runResp); err != nil {
		return nil, &ClientError{Message: fmt.Sprintf("error parsing run response: %v", err)}
	}

	return &runResp, nil
}

// GetDatasetItems gets one page of items from a dataset.
func (c *ApifyClient) GetDatasetItems(datasetId string, offset, limit int) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/datasets/%s/items?token=%s&offset=%d&limit=%d",
		c.baseUrl, datasetId, c.apiToken, offset, limit)
	logrus.Debugf("Getting dataset items: %s (offset: %d, limit: %d)", datasetId, offset, limit)

	body, status, err := c.do(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &ClientError{StatusCode: status, Message: string(body)}
	}

	// Apify returns a bare array of items, not a wrapped object.
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &ClientError{Message: fmt.Sprintf("error parsing dataset response: %v", err)}
	}

	logrus.Debugf("Retrieved %d items from dataset", len(items))
	return items, nil
}

// RunActorAndCollect starts an actor run, polls it until it reaches a
// terminal state or the deadline elapses, then pages through the resulting
// dataset up to opts.DatasetLimit items.
func (c *ApifyClient) RunActorAndCollect(actorId string, input any, opts RunOptions) ([]json.RawMessage, error) {
	runResp, err := c.RunActor(actorId, input)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(opts.TimeoutSeconds) * time.Second)
	status := runResp.Data.Status
	for !slices.Contains(terminalRunStatuses, status) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: run %s still %s after %ds", ErrRunTimeout, runResp.Data.ID, status, opts.TimeoutSeconds)
		}
		time.Sleep(c.pollInterval)

		polled, err := c.GetActorRun(runResp.Data.ID)
		if err != nil {
			return nil, err
		}
		status = polled.Data.Status
		runResp = polled
	}

	if status != "SUCCEEDED" {
		msg := runResp.Data.StatusMessage
		if msg == "" {
			msg = fmt.Sprintf("actor run %s finished with status %s", runResp.Data.ID, status)
		}
		return nil, &ClientError{Message: msg}
	}

	return c.collectDataset(runResp.Data.DefaultDatasetId, opts.DatasetLimit)
}

// GetRunDatasetItems fetches the full default dataset of a previously
// completed run, used by the import path.
func (c *ApifyClient) GetRunDatasetItems(runId string) ([]json.RawMessage, error) {
	runResp, err := c.GetActorRun(runId)
	if err != nil {
		return nil, err
	}
	if runResp.Data.DefaultDatasetId == "" {
		return nil, &ClientError{Message: fmt.Sprintf("run %s has no default dataset", runId)}
	}
	return c.collectDataset(runResp.Data.DefaultDatasetId, 0)
}

func (c *ApifyClient) collectDataset(datasetId string, limit int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	offset := 0
	for {
		pageSize := datasetPageSize
		if limit > 0 && limit-len(items) < pageSize {
			pageSize = limit - len(items)
		}
		if pageSize <= 0 {
			break
		}

		page, err := c.GetDatasetItems(datasetId, offset, pageSize)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(page) < pageSize {
			break
		}
		offset += len(page)
	}

	return items, nil
}

// ValidateApiKey tests if the API token is valid by making a request to
// /users/me. The endpoint does not consume actor runs or quota.
func (c *ApifyClient) ValidateApiKey() error {
	url := fmt.Sprintf("%s/users/me?token=%s", c.baseUrl, c.apiToken)
	logrus.Debug("Testing Apify API token")

	_, status, err := c.do(http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK:
		logrus.Debug("Apify API token validation successful")
		return nil
	case http.StatusUnauthorized:
		return &ClientError{StatusCode: status, Message: "invalid Apify API token"}
	case http.StatusForbidden:
		return &ClientError{StatusCode: status, Message: "insufficient permissions for Apify API token"}
	case http.StatusTooManyRequests:
		return &ClientError{StatusCode: status, Message: "rate limit exceeded"}
	default:
		return &ClientError{StatusCode: status, Message: "Apify API auth test failed"}
	}
}

func (c *ApifyClient) do(method, url string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating %s request: %w", method, err)
	}
	if payload != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.options.HttpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("error making %s request: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading response body: %w", err)
	}

	return body, resp.StatusCode, nil
}

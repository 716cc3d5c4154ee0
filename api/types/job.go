package types

import (
	"encoding/json"
	"time"
)

type JobResponse struct {
	UID string `json:"uid"`
}

type JobError struct {
	Error string `json:"error"`
}

type JobArguments map[string]interface{}

func (ja JobArguments) Unmarshal(i interface{}) error {
	dat, err := json.Marshal(ja)
	if err != nil {
		return err
	}
	return json.Unmarshal(dat, i)
}

type Job struct {
	Type      string        `json:"type"`
	Arguments JobArguments  `json:"arguments"`
	UUID      string        `json:"-"`
	Timeout   time.Duration `json:"-"`
}

type JobResult struct {
	Job   Job         `json:"job"`
	Error string      `json:"error"`
	Data  interface{} `json:"data"`
}

func (jr JobResult) Success() bool {
	return jr.Error == ""
}

// ScrapeJobArguments is the payload of an instagram-account-scraper job. One
// job handles exactly one account; batch scrapes enqueue one job per account,
// all sharing a ParentRunID so their outcomes roll up into a single batch run.
type ScrapeJobArguments struct {
	AccountID   string `json:"account_id"`
	RunID       string `json:"run_id,omitempty"`
	PostLimit   int    `json:"post_limit,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`
}

// ImportJobArguments is the payload of an apify-run-import job, pointing at a
// previously completed Apify run whose dataset should be imported directly
// instead of re-invoking the actor.
type ImportJobArguments struct {
	ApifyRunID  string `json:"apify_run_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	SourceLabel string `json:"source_label,omitempty"`
}

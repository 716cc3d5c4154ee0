package instapify

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

const (
	// InstagramActorID is the Apify actor used for batched profile scraping.
	InstagramActorID = "apify~instagram-scraper"

	// runnerBufferSeconds is added to the actor wait time before the runner
	// subprocess is hard-killed.
	runnerBufferSeconds = 30
)

// ActorRequest is the input schema of the Instagram scraper actor. One
// request targets every username of a chunk at once.
type ActorRequest struct {
	DirectURLs      []string `json:"directUrls"`
	Usernames       []string `json:"username"`
	ResultsLimit    int      `json:"resultsLimit"`
	MaxItems        int      `json:"maxItems"`
	SkipPinnedPosts bool     `json:"skipPinnedPosts"`
}

// NewInternalClient is a function variable that can be replaced in tests.
// It defaults to the actual implementation.
var NewInternalClient = func(apiToken string) (client.Apify, error) {
	return client.NewApifyClient(apiToken)
}

// InstagramApifyClient runs the Instagram actor either through the local
// runner subprocess (cheap, no polling) or through the REST API (slow but
// always available). Which path is used is sticky: once the runner fails
// with a fallback-eligible error it is not attempted again for the lifetime
// of this client instance.
type InstagramApifyClient struct {
	apifyClient client.Apify
	runner      actorRunner

	preferRunner bool
	runnerBroken bool
}

// actorRunner abstracts the subprocess path so tests can substitute it.
type actorRunner interface {
	Available() bool
	Run(actorID string, input any, waitSeconds int) ([]json.RawMessage, error)
}

// NewClient creates a new Instagram Apify client. The runner subprocess is
// preferred when its binary is resolvable; the REST path is the fallback.
func NewClient(cfg config.InstagramConfig) (*InstagramApifyClient, error) {
	apifyClient, err := NewInternalClient(cfg.ApifyAPIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create apify client: %w", err)
	}

	runner := newSubprocessRunner(cfg.RunnerBinary, cfg.ApifyAPIToken)
	return &InstagramApifyClient{
		apifyClient:  apifyClient,
		runner:       runner,
		preferRunner: runner.Available(),
	}, nil
}

// ValidateApiKey tests if the Apify API token is valid.
func (c *InstagramApifyClient) ValidateApiKey() error {
	return c.apifyClient.ValidateApiKey()
}

// RunAndCollect executes one actor invocation and returns the raw dataset
// items. The runner path is tried first when preferred and not already
// broken; a fallback-eligible runner failure permanently switches this
// client to the REST path.
func (c *InstagramApifyClient) RunAndCollect(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
	if c.preferRunner && !c.runnerBroken {
		items, err := c.runner.Run(InstagramActorID, req, opts.TimeoutSeconds)
		if err == nil {
			return items, nil
		}
		if !client.ShouldFallback(err) {
			return nil, err
		}
		logrus.Warnf("Actor runner failed, falling back to REST for the remainder of this client: %v", err)
		c.runnerBroken = true
	}

	return c.apifyClient.RunActorAndCollect(InstagramActorID, req, opts)
}

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/jobs/instapify"
	"github.com/eventpulse/ig-events-worker/internal/jobs/stats"
	"github.com/eventpulse/ig-events-worker/internal/store"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

// ApifyRunImporterType is the queue job type for backfilling posts from an
// already-finished Apify actor run.
const ApifyRunImporterType = "apify-run-import"

// NewDatasetClient is a function variable that can be replaced in tests.
var NewDatasetClient = func(apiToken string) (client.Apify, error) {
	return client.NewApifyClient(apiToken)
}

// ApifyRunImporter ingests the dataset of an Apify run that was executed
// outside this worker (console runs, scheduled actors, reruns). It reuses the
// same conversion and upsert path as live scrapes, so imported posts are
// indistinguishable from scraped ones except for their provenance marker.
type ApifyRunImporter struct {
	configuration  config.JobConfiguration
	storage        Storage
	statsCollector *stats.StatsCollector
}

func NewApifyRunImporter(jc config.JobConfiguration, storage Storage, statsCollector *stats.StatsCollector) *ApifyRunImporter {
	return &ApifyRunImporter{
		configuration:  jc,
		storage:        storage,
		statsCollector: statsCollector,
	}
}

// ImportStats summarizes one import run. Attempted counts every dataset item,
// including ones that did not convert to a post.
type ImportStats struct {
	RunID           string `json:"run_id"`
	Attempted       int    `json:"attempted"`
	Created         int    `json:"created"`
	Updated         int    `json:"updated"`
	SkippedExisting int    `json:"skipped_existing"`
	MissingAccounts int    `json:"missing_accounts"`
	Message         string `json:"message,omitempty"`
}

func (r *ApifyRunImporter) ExecuteJob(j types.Job) (types.JobResult, error) {
	var args types.ImportJobArguments
	if err := j.Arguments.Unmarshal(&args); err != nil {
		msg := fmt.Errorf("failed to unmarshal job arguments: %w", err)
		return types.JobResult{Error: msg.Error()}, msg
	}
	if args.ApifyRunID == "" {
		return types.JobResult{Error: "apify_run_id is required"}, errors.New("apify_run_id is required")
	}

	logrus.WithField("apify_run_id", args.ApifyRunID).Info("Importing posts from Apify run")

	run := &store.Run{
		SourceID: "apify-import:" + args.ApifyRunID,
		Status:   store.RunStatusQueued,
	}
	if args.ParentRunID != "" {
		run.ParentRunID = &args.ParentRunID
	}
	if err := r.storage.CreateRun(run); err != nil {
		return types.JobResult{Error: err.Error()}, err
	}
	if err := r.storage.UpdateRunStatus(run.ID, store.RunStatusRunning); err != nil {
		return types.JobResult{Error: err.Error()}, err
	}

	defer func() {
		if args.ParentRunID != "" {
			if err := r.storage.RecomputeParent(args.ParentRunID); err != nil {
				logrus.Errorf("Failed to recompute parent run %s: %v", args.ParentRunID, err)
			}
		}
	}()

	result, err := r.importRun(run.ID, args)
	if err != nil {
		r.recordImportError(run.ID, err)
		if client.IsQuotaExhausted(err) {
			return types.JobResult{Error: err.Error()}, nil
		}
		return types.JobResult{Error: err.Error()}, err
	}

	return types.JobResult{Job: j, Data: result}, nil
}

func (r *ApifyRunImporter) importRun(runID string, args types.ImportJobArguments) (*ImportStats, error) {
	apiToken := r.configuration.GetString("apify_api_token", "")
	if apiToken == "" {
		return nil, &AuthError{Reason: "no Apify API token configured"}
	}

	apifyClient, err := NewDatasetClient(apiToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Apify client: %w", err)
	}

	items, err := apifyClient.GetRunDatasetItems(args.ApifyRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset for run %s: %w", args.ApifyRunID, err)
	}

	label := args.SourceLabel
	if label == "" {
		label = args.ApifyRunID
	}

	imported := &ImportStats{RunID: runID, Attempted: len(items)}
	accounts := map[string]*store.Account{} // lowercase username → account, nil means known-missing

	for _, item := range items {
		post, ok := instapify.ItemToPost(item)
		if !ok {
			continue
		}

		account, err := r.lookupAccount(accounts, post.OwnerUsername)
		if err != nil {
			return imported, err
		}
		if account == nil {
			imported.MissingAccounts++
			r.statsCollector.Add(label, stats.ImportSkipped, 1)
			continue
		}

		existing, err := r.storage.FindRawPost("instagram:"+account.ID, "instagram-post-"+post.ID)
		if err != nil {
			return imported, err
		}

		// Existing rows are never re-upserted by the import path; at most a
		// missing local image is backfilled.
		if existing != nil {
			path := r.fetchImage(existing, post, account)
			if path == nil {
				imported.SkippedExisting++
				r.statsCollector.Add(label, stats.ImportSkipped, 1)
				continue
			}
			if err := r.storage.SetRawPostLocalImage(existing.ID, *path); err != nil {
				logrus.Errorf("Failed to backfill image for post %s: %v", post.ID, err)
				continue
			}
			imported.Updated++
			r.statsCollector.Add(label, stats.ImportUpdated, 1)
			continue
		}

		rawPost := buildRawPost(account, post, runID, r.fetchImage(nil, post, account), nil)
		rawPost.RawPayload, _ = json.Marshal(map[string]any{
			"post": post,
			"_meta": map[string]string{
				"importStrategy": "apify-run-import",
				"apifyRunId":     args.ApifyRunID,
				"sourceLabel":    label,
			},
		})

		if err := r.storage.UpsertRawPost(rawPost); err != nil {
			logrus.Errorf("Failed to upsert imported post %s: %v", post.ID, err)
			continue
		}
		imported.Created++
		r.statsCollector.Add(label, stats.ImportCreated, 1)
	}

	// An import that only refreshed existing rows is partial: it did work,
	// but brought nothing new in.
	status := store.RunStatusSuccess
	if imported.Created == 0 {
		status = store.RunStatusPartial
	}

	if err := r.storage.MergeRunMetadata(runID, map[string]any{
		"apify_run_id":     args.ApifyRunID,
		"source_label":     label,
		"attempted":        imported.Attempted,
		"created":          imported.Created,
		"updated":          imported.Updated,
		"skipped_existing": imported.SkippedExisting,
		"missing_accounts": imported.MissingAccounts,
	}); err != nil {
		logrus.Warnf("Failed to merge import metadata for %s: %v", runID, err)
	}
	if err := r.storage.FinishRun(runID, status, 0, imported.Created+imported.Updated); err != nil {
		return imported, err
	}

	imported.Message = fmt.Sprintf("Imported Apify run %s: %d items, %d created, %d updated, %d without a tracked account",
		args.ApifyRunID, imported.Attempted, imported.Created, imported.Updated, imported.MissingAccounts)
	logrus.Info(imported.Message)
	return imported, nil
}

// fetchImage downloads the post image for new rows and backfills it for
// existing rows that never got a local copy. A download failure only costs
// the image; the row is still written.
func (r *ApifyRunImporter) fetchImage(existing *store.RawPost, post types.Post, account *store.Account) *string {
	if post.ImageURL == "" {
		return nil
	}
	if existing != nil && existing.LocalImagePath != nil {
		return nil
	}

	destDir := filepath.Join(r.configuration.DataDir(), "images", account.InstagramUsername)
	path, err := DownloadImage(http.DefaultClient, post.ImageURL, destDir, post.ID)
	if err != nil {
		logrus.Warnf("Image download for imported post %s failed: %v", post.ID, err)
		return nil
	}
	return &path
}

// lookupAccount resolves a post owner to a tracked account, caching misses so
// a dataset full of untracked usernames does one query per username.
func (r *ApifyRunImporter) lookupAccount(cache map[string]*store.Account, username string) (*store.Account, error) {
	key := strings.ToLower(username)
	if key == "" {
		return nil, nil
	}
	if account, ok := cache[key]; ok {
		return account, nil
	}

	account, err := r.storage.GetAccountByUsername(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cache[key] = nil
			return nil, nil
		}
		return nil, err
	}
	cache[key] = account
	return account, nil
}

func (r *ApifyRunImporter) recordImportError(runID string, err error) {
	if mergeErr := r.storage.MergeRunMetadata(runID, map[string]any{"error": err.Error()}); mergeErr != nil {
		logrus.Warnf("Failed to record error on run %s: %v", runID, mergeErr)
	}
	if statusErr := r.storage.UpdateRunStatus(runID, store.RunStatusError); statusErr != nil {
		logrus.Warnf("Failed to mark run %s failed: %v", runID, statusErr)
	}
}

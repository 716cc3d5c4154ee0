package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/jobs/instapify"
	"github.com/eventpulse/ig-events-worker/internal/jobs/stats"
	"github.com/eventpulse/ig-events-worker/internal/store"
	"github.com/eventpulse/ig-events-worker/internal/vision"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

const (
	// InstagramScraperType is the queue job type handled by this worker.
	InstagramScraperType = "instagram-account-scraper"

	defaultPostLimit = 10

	// defaultTimezone is the last resort when neither the extraction nor
	// the account carries one.
	defaultTimezone = "America/New_York"
)

// Storage is the slice of the datastore the jobs need. *store.Store
// implements it; tests substitute an in-memory fake.
type Storage interface {
	GetAccount(id string) (*store.Account, error)
	GetAccountByUsername(username string) (*store.Account, error)
	KnownPostIDs(accountID string) ([]string, error)
	UpsertRawPost(p *store.RawPost) error
	UpsertEvent(e *store.Event) error
	FindRawPost(sourceID, sourceEventID string) (*store.RawPost, error)
	SetRawPostLocalImage(id int64, localImagePath string) error
	CreateRun(run *store.Run) error
	GetRun(id string) (*store.Run, error)
	UpdateRunStatus(id string, status store.RunStatus) error
	MergeRunMetadata(id string, patch map[string]any) error
	FinishRun(id string, status store.RunStatus, eventsFound, pagesCrawled int) error
	RecomputeParent(parentID string) error
	UpdateAccountLastChecked(accountID string) error
}

// VisionClient bundles the two AI vision operations the pipeline integrates.
type VisionClient interface {
	ClassifyImage(req vision.ImageRequest) (*types.ClassificationResult, error)
	ExtractEvents(req vision.ImageRequest) (*types.ExtractionResult, error)
}

// NewVisionClient is a function variable that can be replaced in tests.
var NewVisionClient = func(cfg config.VisionConfig) (VisionClient, error) {
	return vision.NewClient(cfg)
}

// InstagramScraper is the per-account scrape job. One queue task handles one
// account end to end: fetch delta posts, download, classify, extract,
// persist, then roll its outcome up into the parent batch run.
type InstagramScraper struct {
	configuration  config.JobConfiguration
	storage        Storage
	statsCollector *stats.StatsCollector
}

func NewInstagramScraper(jc config.JobConfiguration, storage Storage, statsCollector *stats.StatsCollector) *InstagramScraper {
	logrus.Info("Instagram scraper initialized")
	return &InstagramScraper{
		configuration:  jc,
		storage:        storage,
		statsCollector: statsCollector,
	}
}

func (s *InstagramScraper) ExecuteJob(j types.Job) (types.JobResult, error) {
	logrus.WithField("job_uuid", j.UUID).Info("Starting Instagram account scrape")

	var args types.ScrapeJobArguments
	if err := j.Arguments.Unmarshal(&args); err != nil {
		msg := fmt.Errorf("failed to unmarshal job arguments: %w", err)
		return types.JobResult{Error: msg.Error()}, msg
	}
	if args.AccountID == "" {
		return types.JobResult{Error: "account_id is required"}, errors.New("account_id is required")
	}
	if args.PostLimit <= 0 {
		args.PostLimit = defaultPostLimit
	}

	runID, err := s.ensureRun(&args)
	if err != nil {
		return types.JobResult{Error: err.Error()}, err
	}

	// The parent aggregate is recomputed whatever happens to this child, so
	// observers never see a batch whose counters lag its children.
	defer func() {
		if args.ParentRunID != "" {
			if err := s.storage.RecomputeParent(args.ParentRunID); err != nil {
				logrus.Errorf("Failed to recompute parent run %s: %v", args.ParentRunID, err)
			}
		}
	}()

	result, err := s.scrapeAccount(runID, args)
	if err != nil {
		return s.handleJobError(j, runID, args, err)
	}

	return types.JobResult{Job: j, Data: result}, nil
}

// ScrapeSummary is the job result payload.
type ScrapeSummary struct {
	RunID        string `json:"run_id"`
	Username     string `json:"username"`
	PostsFetched int    `json:"posts_fetched"`
	EventsFound  int    `json:"events_found"`
}

func (s *InstagramScraper) ensureRun(args *types.ScrapeJobArguments) (string, error) {
	runID := args.RunID
	if runID == "" {
		run := &store.Run{
			SourceID: "instagram:" + args.AccountID,
			Status:   store.RunStatusQueued,
		}
		if args.ParentRunID != "" {
			run.ParentRunID = &args.ParentRunID
		}
		if err := s.storage.CreateRun(run); err != nil {
			return "", fmt.Errorf("failed to create run: %w", err)
		}
		runID = run.ID
	}

	if err := s.storage.UpdateRunStatus(runID, store.RunStatusRunning); err != nil {
		return "", err
	}
	if args.ParentRunID != "" {
		if err := s.storage.UpdateRunStatus(args.ParentRunID, store.RunStatusRunning); err != nil {
			logrus.Warnf("Failed to move parent run %s to running: %v", args.ParentRunID, err)
		}
	}
	return runID, nil
}

func (s *InstagramScraper) scrapeAccount(runID string, args types.ScrapeJobArguments) (*ScrapeSummary, error) {
	account, err := s.storage.GetAccount(args.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", args.AccountID, err)
	}

	settings := s.configuration.GetScraperSettings()
	igCfg := s.configuration.GetInstagramConfig()

	source, err := resolveSource(account, settings, igCfg, args.BatchSize)
	if err != nil {
		s.statsCollector.Add(account.InstagramUsername, stats.InstagramAuthErrors, 1)
		return nil, err
	}

	visionClient, err := NewVisionClient(s.configuration.GetVisionConfig())
	if err != nil {
		if !errors.Is(err, vision.ErrNoAPIKey) {
			logrus.Warnf("Vision client unavailable, AI steps disabled: %v", err)
		}
		visionClient = nil
	}

	knownIDs, err := s.storage.KnownPostIDs(account.ID)
	if err != nil {
		return nil, err
	}
	known := make(instapify.KnownSet, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = struct{}{}
	}

	s.statsCollector.Add(account.InstagramUsername, stats.InstagramScrapes, 1)
	posts, err := source.FetchRecentPosts(account.InstagramUsername, args.PostLimit, known)
	if err != nil {
		return nil, err
	}
	s.statsCollector.Add(account.InstagramUsername, stats.InstagramPosts, uint(len(posts)))

	if err := s.storage.MergeRunMetadata(runID, map[string]any{
		"username":      account.InstagramUsername,
		"posts_fetched": len(posts),
		"known_posts":   len(knownIDs),
	}); err != nil {
		logrus.Warnf("Failed to merge run metadata for %s: %v", runID, err)
	}

	// Posts are processed strictly sequentially; each one is recovered
	// independently so a single bad post cannot abort the batch.
	eventsFound := 0
	for _, post := range posts {
		eventsFound += s.processPost(runID, account, settings, source, visionClient, post)
	}

	// Zero new events is still a successful scrape.
	if err := s.storage.FinishRun(runID, store.RunStatusSuccess, eventsFound, len(posts)); err != nil {
		return nil, err
	}
	if err := s.storage.UpdateAccountLastChecked(account.ID); err != nil {
		logrus.Warnf("Failed to update last_checked_at for account %s: %v", account.ID, err)
	}

	logrus.WithField("run_id", runID).Infof("Scrape of %s finished: %d posts, %d events", account.InstagramUsername, len(posts), eventsFound)
	return &ScrapeSummary{
		RunID:        runID,
		Username:     account.InstagramUsername,
		PostsFetched: len(posts),
		EventsFound:  eventsFound,
	}, nil
}

// processPost runs the download → classify → upsert → extract pipeline for
// one post and returns the number of events persisted for it. Every failure
// mode short of a datastore write error is soft: logged and survived.
func (s *InstagramScraper) processPost(runID string, account *store.Account, settings config.ScraperSettings, source PostSource, visionClient VisionClient, post types.Post) int {
	log := logrus.WithFields(logrus.Fields{"run_id": runID, "post_id": post.ID})

	var localImagePath *string
	if post.ImageURL != "" {
		destDir := filepath.Join(s.configuration.DataDir(), "images", account.InstagramUsername)
		path, err := source.DownloadImage(post.ImageURL, destDir, post.ID)
		if err != nil {
			s.statsCollector.Add(account.InstagramUsername, stats.ImageDownloadErrors, 1)
			log.Warnf("Image download failed, continuing without local copy: %v", err)
		} else {
			localImagePath = &path
		}
	}

	classification := s.classifyPost(account, settings, visionClient, post, localImagePath, log)

	rawPost := buildRawPost(account, post, runID, localImagePath, classification)
	if err := s.storage.UpsertRawPost(rawPost); err != nil {
		log.Errorf("Failed to upsert raw post: %v", err)
		return 0
	}

	if !shouldExtract(account, settings, classification) {
		return 0
	}
	if localImagePath == nil || visionClient == nil {
		log.Debug("Extraction skipped: no image or no vision client")
		return 0
	}

	return s.extractEvents(account, visionClient, post, rawPost, *localImagePath, log)
}

// classifyPost decides the is-event-poster tri-state. Manual accounts stay
// unclassified for a human reviewer; auto accounts get the AI classifier
// when possible and fall back to the caption keyword heuristic so
// classification never blocks the pipeline.
func (s *InstagramScraper) classifyPost(account *store.Account, settings config.ScraperSettings, visionClient VisionClient, post types.Post, localImagePath *string, log *logrus.Entry) *types.ClassificationResult {
	if account.ClassificationMode == store.ClassificationManual {
		return nil
	}

	if settings.AutoClassifyWithAI && visionClient != nil && localImagePath != nil {
		imageData, err := os.ReadFile(*localImagePath)
		if err == nil {
			result, err := visionClient.ClassifyImage(vision.ImageRequest{
				ImageData:     imageData,
				MimeType:      MimeTypeForPath(*localImagePath),
				Caption:       post.Caption,
				PostTimestamp: post.Timestamp,
			})
			if err == nil {
				s.statsCollector.Add(account.InstagramUsername, stats.PostsClassified, 1)
				return result
			}
			log.Warnf("AI classification failed, using keyword fallback: %v", err)
		} else {
			log.Warnf("Could not read downloaded image, using keyword fallback: %v", err)
		}
	}

	s.statsCollector.Add(account.InstagramUsername, stats.PostsClassified, 1)
	return vision.ClassifyCaption(post.Caption)
}

// shouldExtract implements the extraction gate: auto accounts need a
// positive classification, the auto-extract setting and no classifier veto;
// manual accounts always extract, because a human judges the image rather
// than the pipeline.
func shouldExtract(account *store.Account, settings config.ScraperSettings, classification *types.ClassificationResult) bool {
	if account.ClassificationMode == store.ClassificationManual {
		return true
	}
	if classification == nil || !classification.IsEventPoster {
		return false
	}
	if !settings.AutoExtractNewPosts {
		return false
	}
	if classification.ShouldExtractEvents != nil && !*classification.ShouldExtractEvents {
		return false
	}
	return true
}

func (s *InstagramScraper) extractEvents(account *store.Account, visionClient VisionClient, post types.Post, rawPost *store.RawPost, imagePath string, log *logrus.Entry) int {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		log.Warnf("Could not read image for extraction: %v", err)
		return 0
	}

	extraction, err := visionClient.ExtractEvents(vision.ImageRequest{
		ImageData:     imageData,
		MimeType:      MimeTypeForPath(imagePath),
		Caption:       post.Caption,
		PostTimestamp: post.Timestamp,
	})
	if err != nil {
		log.Warnf("Event extraction failed: %v", err)
		return 0
	}

	created := 0
	for i, extracted := range extraction.Events {
		event, err := buildEvent(account, post, rawPost, extraction, extracted, i)
		if err != nil {
			log.Warnf("Skipping extracted event %d: %v", i, err)
			continue
		}
		if err := s.storage.UpsertEvent(event); err != nil {
			log.Errorf("Failed to upsert event %s: %v", event.SourceEventID, err)
			continue
		}
		created++
	}

	s.statsCollector.Add(account.InstagramUsername, stats.EventsExtracted, uint(created))
	log.Infof("Extracted %d events from poster", created)
	return created
}

func buildRawPost(account *store.Account, post types.Post, runID string, localImagePath *string, classification *types.ClassificationResult) *store.RawPost {
	payload, _ := json.Marshal(map[string]any{
		"post":           post,
		"classification": classification,
		"_meta":          map[string]string{"importStrategy": "live-scrape"},
	})

	rawPost := &store.RawPost{
		SourceID:           "instagram:" + account.ID,
		SourceEventID:      "instagram-post-" + post.ID,
		InstagramAccountID: account.ID,
		Title:              post.Title(),
		DescriptionHTML:    post.Caption,
		StartDatetime:      post.Timestamp,
		URL:                post.Permalink,
		LocalImagePath:     localImagePath,
		RawPayload:         payload,
		LastUpdatedByRunID: &runID,
	}
	if post.ImageURL != "" {
		rawPost.ImageURL = &post.ImageURL
	}
	if classification != nil {
		rawPost.IsEventPoster = &classification.IsEventPoster
		rawPost.ClassificationConfidence = classification.Confidence
	}
	return rawPost
}

func buildEvent(account *store.Account, post types.Post, rawPost *store.RawPost, extraction *types.ExtractionResult, extracted types.ExtractedEvent, index int) (*store.Event, error) {
	start, end, tz, err := computeEventTimes(extracted, account.DefaultTimezone, post.Timestamp)
	if err != nil {
		return nil, err
	}

	tags, _ := json.Marshal(extracted.Tags)
	payload, _ := json.Marshal(map[string]any{
		"extraction": extraction,
		"event":      extracted,
		"instagram": map[string]any{
			"post_id":          post.ID,
			"permalink":        post.Permalink,
			"username":         account.InstagramUsername,
			"local_image_path": rawPost.LocalImagePath,
		},
		"_meta": map[string]string{"importStrategy": "ai-extraction"},
	})

	title := extracted.Title
	if title == "" {
		title = post.Title()
	}

	return &store.Event{
		SourceID:        rawPost.SourceID,
		SourceEventID:   fmt.Sprintf("%s-event-%d", post.ID, index),
		RawPostID:       rawPost.ID,
		Title:           title,
		Description:     extracted.Description,
		StartDatetime:   start,
		EndDatetime:     end,
		Timezone:        tz,
		Venue:           extracted.Venue,
		Organizer:       extracted.Organizer,
		Category:        extracted.Category,
		Tags:            tags,
		RegistrationURL: extracted.RegistrationURL,
		RawPayload:      payload,
	}, nil
}

// computeEventTimes turns the extracted local date/time into UTC instants.
// Timezone resolution order: extracted value, account default, worker
// default. A poster without a parseable start date falls back to the post's
// own timestamp.
func computeEventTimes(extracted types.ExtractedEvent, accountTimezone string, postTimestamp time.Time) (time.Time, *time.Time, string, error) {
	tz := extracted.Timezone
	if tz == "" {
		tz = accountTimezone
	}
	if tz == "" {
		tz = defaultTimezone
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		logrus.Warnf("Unknown timezone %q, using %s", tz, defaultTimezone)
		tz = defaultTimezone
		if loc, err = time.LoadLocation(tz); err != nil {
			return time.Time{}, nil, "", fmt.Errorf("error loading timezone: %w", err)
		}
	}

	start := postTimestamp
	if extracted.StartDate != "" {
		start, err = parseLocal(extracted.StartDate, extracted.StartTime, loc)
		if err != nil {
			return time.Time{}, nil, "", fmt.Errorf("unparseable start: %w", err)
		}
	}

	var end *time.Time
	if extracted.EndDate != "" || extracted.EndTime != "" {
		endDate := extracted.EndDate
		if endDate == "" {
			endDate = extracted.StartDate
		}
		if endDate != "" {
			if parsed, err := parseLocal(endDate, extracted.EndTime, loc); err == nil && parsed.After(start) {
				end = &parsed
			}
		}
	}

	return start.UTC(), end, tz, nil
}

func parseLocal(date, clock string, loc *time.Location) (time.Time, error) {
	if clock == "" {
		return time.ParseInLocation("2006-01-02", date, loc)
	}
	return time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
}

// handleJobError applies the failure taxonomy at the job boundary. The run
// row always reflects the latest attempt's outcome before the queue decides
// whether to retry.
func (s *InstagramScraper) handleJobError(j types.Job, runID string, args types.ScrapeJobArguments, err error) (types.JobResult, error) {
	// Stats are keyed by username everywhere else in the job; fall back to
	// the account ID only when the account row itself cannot be loaded.
	username := args.AccountID
	if account, lookupErr := s.storage.GetAccount(args.AccountID); lookupErr == nil && account != nil {
		username = account.InstagramUsername
	}

	switch {
	case client.IsQuotaExhausted(err):
		// Retrying cannot help within the provider's billing period, so the
		// error is terminal: recorded, not rethrown.
		logrus.Errorf("Apify quota exhausted, marking run %s failed: %v", runID, err)
		s.recordRunError(runID, err)
		return types.JobResult{Error: err.Error()}, nil

	case IsAuthError(err):
		s.statsCollector.Add(username, stats.InstagramAuthErrors, 1)
		s.recordRunError(runID, err)
		return types.JobResult{Error: err.Error()}, err

	case isRateLimited(err):
		// A retry may still succeed, so the run is not forced to error;
		// only the attempt is noted. The run ID is pinned into the shared
		// arguments map so the retried attempt resumes this row instead of
		// abandoning it mid-flight.
		s.statsCollector.Add(username, stats.InstagramRateErrors, 1)
		if mergeErr := s.storage.MergeRunMetadata(runID, map[string]any{"last_error": err.Error()}); mergeErr != nil {
			logrus.Warnf("Failed to record rate-limit note on run %s: %v", runID, mergeErr)
		}
		if j.Arguments != nil {
			j.Arguments["run_id"] = runID
		}
		return types.JobResult{Error: err.Error()}, err

	default:
		s.recordRunError(runID, err)
		return types.JobResult{Error: err.Error()}, err
	}
}

func (s *InstagramScraper) recordRunError(runID string, err error) {
	if mergeErr := s.storage.MergeRunMetadata(runID, map[string]any{"error": err.Error()}); mergeErr != nil {
		logrus.Warnf("Failed to record error on run %s: %v", runID, mergeErr)
	}
	if statusErr := s.storage.UpdateRunStatus(runID, store.RunStatusError); statusErr != nil {
		logrus.Warnf("Failed to mark run %s failed: %v", runID, statusErr)
	}
}

func isRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl) || client.IsRateLimited(err)
}

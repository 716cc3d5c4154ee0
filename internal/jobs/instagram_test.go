package jobs_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	. "github.com/eventpulse/ig-events-worker/internal/jobs"
	"github.com/eventpulse/ig-events-worker/internal/jobs/stats"
	"github.com/eventpulse/ig-events-worker/internal/store"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

var _ = Describe("InstagramScraper", func() {
	var (
		storage *fakeStorage
		source  *fakeSource
		visionC *fakeVision
		jc      config.JobConfiguration

		origApifySource   func(config.InstagramConfig, int) (PostSource, error)
		origSessionSource func(string, string) (PostSource, error)
		origVisionClient  func(config.VisionConfig) (VisionClient, error)
	)

	postAt := func(id string, ts time.Time) types.Post {
		return types.Post{
			ID:        id,
			Caption:   "Concert on Oct 12, 8 pm\nmore details below",
			Timestamp: ts,
			ImageURL:  "https://cdn.example/" + id + ".jpg",
			Permalink: "https://www.instagram.com/p/" + id + "/",
		}
	}

	scrapeJob := func(args map[string]any) types.Job {
		return types.Job{Type: InstagramScraperType, UUID: "job-1", Arguments: args}
	}

	BeforeEach(func() {
		storage = newFakeStorage()
		storage.accounts["acc1"] = &store.Account{
			ID:                 "acc1",
			Name:               "The Venue",
			InstagramUsername:  "thevenue",
			ClassificationMode: store.ClassificationAuto,
			DefaultTimezone:    "America/New_York",
		}

		source = &fakeSource{}
		conf := 0.9
		extract := true
		visionC = &fakeVision{
			classification: &types.ClassificationResult{
				IsEventPoster:       true,
				Confidence:          &conf,
				ShouldExtractEvents: &extract,
				Method:              "ai",
			},
			extraction: &types.ExtractionResult{
				Events: []types.ExtractedEvent{{
					Title:     "Jazz Night",
					StartDate: "2026-10-12",
					StartTime: "20:00",
					Venue:     "Main Hall",
				}},
			},
		}

		jc = config.JobConfiguration{
			"apify_api_token": "test-token",
			"data_dir":        GinkgoT().TempDir(),
			"vision_api_key":  "test-vision-key",
		}

		origApifySource = NewApifySource
		origSessionSource = NewSessionSource
		origVisionClient = NewVisionClient
		NewApifySource = func(config.InstagramConfig, int) (PostSource, error) { return source, nil }
		NewVisionClient = func(config.VisionConfig) (VisionClient, error) { return visionC, nil }
	})

	AfterEach(func() {
		NewApifySource = origApifySource
		NewSessionSource = origSessionSource
		NewVisionClient = origVisionClient
	})

	It("scrapes an account end to end", func() {
		now := time.Now().UTC()
		source.posts = []types.Post{postAt("p1", now), postAt("p2", now.Add(-time.Hour))}
		storage.known["acc1"] = []string{"older1", "older2"}

		scraper := NewInstagramScraper(jc, storage, nil)
		result, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))

		Expect(err).ToNot(HaveOccurred())
		Expect(result.Error).To(BeEmpty())

		summary, ok := result.Data.(*ScrapeSummary)
		Expect(ok).To(BeTrue())
		Expect(summary.PostsFetched).To(Equal(2))
		Expect(summary.EventsFound).To(Equal(2))

		// The persisted known set reached the fetch layer.
		Expect(source.receivedKnown).To(HaveKey("older1"))
		Expect(source.receivedKnown).To(HaveKey("older2"))

		run := storage.runs[summary.RunID]
		Expect(run.Status).To(Equal(store.RunStatusSuccess))
		Expect(run.EventsFound).To(Equal(2))
		Expect(run.PagesCrawled).To(Equal(2))

		Expect(storage.rawPosts).To(HaveKey("instagram-post-p1"))
		Expect(storage.rawPosts).To(HaveKey("instagram-post-p2"))
		Expect(storage.events).To(HaveKey("p1-event-0"))
		Expect(storage.lastChecked).To(ContainElement("acc1"))
	})

	It("computes UTC event instants from the extracted local time", func() {
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		event := storage.events["p1-event-0"]
		Expect(event).ToNot(BeNil())
		Expect(event.Timezone).To(Equal("America/New_York"))
		// 2026-10-12 20:00 EDT is 2026-10-13 00:00 UTC.
		Expect(event.StartDatetime).To(BeTemporally("==", time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)))
		Expect(event.Title).To(Equal("Jazz Night"))
	})

	It("persists one event row per extracted event", func() {
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}
		visionC.extraction = &types.ExtractionResult{
			Events: []types.ExtractedEvent{
				{Title: "Night One", StartDate: "2026-10-12", StartTime: "19:00"},
				{Title: "Night Two", StartDate: "2026-10-13", StartTime: "19:00"},
				{Title: "Night Three", StartDate: "2026-10-14", StartTime: "19:00"},
			},
		}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		Expect(storage.events).To(HaveLen(3))
		Expect(storage.events).To(HaveKey("p1-event-0"))
		Expect(storage.events).To(HaveKey("p1-event-1"))
		Expect(storage.events).To(HaveKey("p1-event-2"))
		Expect(storage.events["p1-event-1"].Title).To(Equal("Night Two"))
	})

	It("extracts in manual mode without classifying", func() {
		storage.accounts["acc1"].ClassificationMode = store.ClassificationManual
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		// A human will judge the poster: is_event_poster stays null but
		// extraction still fires.
		Expect(visionC.classifyCalls).To(BeZero())
		Expect(visionC.extractCalls).To(Equal(1))
		Expect(storage.rawPosts["instagram-post-p1"].IsEventPoster).To(BeNil())
		Expect(storage.events).To(HaveKey("p1-event-0"))
	})

	It("skips extraction when the classifier vetoes it", func() {
		veto := false
		visionC.classification.ShouldExtractEvents = &veto
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		Expect(visionC.extractCalls).To(BeZero())
		Expect(storage.events).To(BeEmpty())
	})

	It("falls back to the keyword classifier when AI classification fails", func() {
		visionC.classifyErr = errors.New("model unavailable")
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		raw := storage.rawPosts["instagram-post-p1"]
		// The caption carries a keyword, a date and a time, so the keyword
		// fallback still classifies it as an event.
		Expect(raw.IsEventPoster).ToNot(BeNil())
		Expect(*raw.IsEventPoster).To(BeTrue())
	})

	It("marks the run failed without rethrowing when the quota is exhausted", func() {
		parentID := "parent-1"
		storage.runs[parentID] = &store.Run{ID: parentID, Status: store.RunStatusRunning}
		source.fetchErr = fmt.Errorf("actor: %w", &client.ClientError{Message: "Monthly usage hard limit exceeded"})

		scraper := NewInstagramScraper(jc, storage, nil)
		result, err := scraper.ExecuteJob(scrapeJob(map[string]any{
			"account_id":    "acc1",
			"parent_run_id": parentID,
		}))

		// Terminal failure: recorded, not rethrown, so the queue will not
		// retry within the billing period.
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Error).To(ContainSubstring("hard limit exceeded"))

		var childID string
		for id := range storage.runs {
			if id != parentID {
				childID = id
			}
		}
		Expect(storage.runs[childID].Status).To(Equal(store.RunStatusError))
		Expect(storage.mergedMetadata(childID)).To(HaveKey("error"))

		// Parent aggregation still ran.
		Expect(storage.recomputedParents).To(ContainElement(parentID))
	})

	It("rethrows rate limits without forcing the run to error", func() {
		source.fetchErr = &RateLimitError{Err: errors.New("throttled")}

		scraper := NewInstagramScraper(jc, storage, nil)
		job := scrapeJob(map[string]any{"account_id": "acc1"})
		result, err := scraper.ExecuteJob(job)

		Expect(err).To(HaveOccurred())
		Expect(IsRetriable(err)).To(BeTrue())
		Expect(result.Error).ToNot(BeEmpty())

		for id, run := range storage.runs {
			Expect(run.Status).To(Equal(store.RunStatusRunning))
			// The run ID is pinned so a retried attempt resumes this row.
			Expect(job.Arguments).To(HaveKeyWithValue("run_id", id))
		}
	})

	It("keys failure stats by the account username", func() {
		source.fetchErr = &RateLimitError{Err: errors.New("throttled")}
		collector := stats.StartCollector(8)

		scraper := NewInstagramScraper(jc, storage, collector)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).To(HaveOccurred())

		statValue := func(key string, typ stats.StatType) uint {
			collector.Stats.Lock()
			defer collector.Stats.Unlock()
			return collector.Stats.Stats[key][typ]
		}

		Eventually(func() uint {
			return statValue("thevenue", stats.InstagramRateErrors)
		}).Should(Equal(uint(1)))
		Expect(statValue("acc1", stats.InstagramRateErrors)).To(BeZero())
	})

	It("rethrows auth failures as non-retriable", func() {
		source.fetchErr = &AuthError{Reason: "session expired"}

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))

		Expect(err).To(HaveOccurred())
		Expect(IsRetriable(err)).To(BeFalse())

		for _, run := range storage.runs {
			Expect(run.Status).To(Equal(store.RunStatusError))
		}
	})

	It("reuses a pre-created run row", func() {
		storage.runs["pre"] = &store.Run{ID: "pre", Status: store.RunStatusQueued}
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}

		scraper := NewInstagramScraper(jc, storage, nil)
		result, err := scraper.ExecuteJob(scrapeJob(map[string]any{
			"account_id": "acc1",
			"run_id":     "pre",
		}))
		Expect(err).ToNot(HaveOccurred())

		summary := result.Data.(*ScrapeSummary)
		Expect(summary.RunID).To(Equal("pre"))
		Expect(storage.runs).To(HaveLen(1))
		Expect(storage.runs["pre"].Status).To(Equal(store.RunStatusSuccess))
	})

	It("treats zero new posts as success", func() {
		source.posts = nil

		scraper := NewInstagramScraper(jc, storage, nil)
		result, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		summary := result.Data.(*ScrapeSummary)
		Expect(summary.PostsFetched).To(BeZero())
		Expect(storage.runs[summary.RunID].Status).To(Equal(store.RunStatusSuccess))
	})

	It("survives an image download failure and keeps the post", func() {
		source.posts = []types.Post{postAt("p1", time.Now().UTC())}
		source.downloadErr = errors.New("cdn returned 403")

		scraper := NewInstagramScraper(jc, storage, nil)
		_, err := scraper.ExecuteJob(scrapeJob(map[string]any{"account_id": "acc1"}))
		Expect(err).ToNot(HaveOccurred())

		raw := storage.rawPosts["instagram-post-p1"]
		Expect(raw).ToNot(BeNil())
		Expect(raw.LocalImagePath).To(BeNil())
		// No image means no AI classification and no extraction, but the
		// keyword fallback still ran.
		Expect(visionC.extractCalls).To(BeZero())
		Expect(raw.IsEventPoster).ToNot(BeNil())
	})
})

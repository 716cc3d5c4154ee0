package jobs_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	. "github.com/eventpulse/ig-events-worker/internal/jobs"
	"github.com/eventpulse/ig-events-worker/internal/store"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

var _ = Describe("ApifyRunImporter", func() {
	var (
		storage *fakeStorage
		dataset *fakeApify
		jc      config.JobConfiguration

		origDatasetClient func(string) (client.Apify, error)
	)

	datasetItem := func(shortcode, owner string) json.RawMessage {
		raw, _ := json.Marshal(map[string]any{
			"shortCode":     shortcode,
			"ownerUsername": owner,
			"caption":       "imported post " + shortcode,
			"timestamp":     "2026-07-01T10:00:00Z",
		})
		return raw
	}

	importJob := func(args map[string]any) types.Job {
		return types.Job{Type: ApifyRunImporterType, UUID: "job-1", Arguments: args}
	}

	BeforeEach(func() {
		storage = newFakeStorage()
		storage.accounts["acc1"] = &store.Account{
			ID:                "acc1",
			InstagramUsername: "thevenue",
		}

		dataset = &fakeApify{}
		jc = config.JobConfiguration{
			"apify_api_token": "test-token",
			"data_dir":        GinkgoT().TempDir(),
		}

		origDatasetClient = NewDatasetClient
		NewDatasetClient = func(string) (client.Apify, error) { return dataset, nil }
	})

	AfterEach(func() {
		NewDatasetClient = origDatasetClient
	})

	It("imports dataset posts for tracked accounts", func() {
		dataset.items = []json.RawMessage{
			datasetItem("i1", "thevenue"),
			datasetItem("i2", "TheVenue"), // matching is case-insensitive
			datasetItem("i3", "untracked_account"),
		}

		importer := NewApifyRunImporter(jc, storage, nil)
		result, err := importer.ExecuteJob(importJob(map[string]any{"apify_run_id": "apify-run-42"}))
		Expect(err).ToNot(HaveOccurred())

		imported, ok := result.Data.(*ImportStats)
		Expect(ok).To(BeTrue())
		Expect(imported.Attempted).To(Equal(3))
		Expect(imported.Created).To(Equal(2))
		Expect(imported.MissingAccounts).To(Equal(1))
		Expect(imported.Message).To(ContainSubstring("apify-run-42"))

		Expect(storage.rawPosts).To(HaveKey("instagram-post-i1"))
		Expect(storage.rawPosts).To(HaveKey("instagram-post-i2"))

		// Provenance is recorded in the raw payload.
		var payload map[string]any
		Expect(json.Unmarshal(storage.rawPosts["instagram-post-i1"].RawPayload, &payload)).To(Succeed())
		meta := payload["_meta"].(map[string]any)
		Expect(meta["importStrategy"]).To(Equal("apify-run-import"))
		Expect(meta["apifyRunId"]).To(Equal("apify-run-42"))

		Expect(storage.runs[imported.RunID].Status).To(Equal(store.RunStatusSuccess))
	})

	It("skips posts that already exist", func() {
		dataset.items = []json.RawMessage{datasetItem("i1", "thevenue")}
		storage.rawPosts["instagram-post-i1"] = &store.RawPost{
			ID:            7,
			SourceID:      "instagram:acc1",
			SourceEventID: "instagram-post-i1",
		}

		importer := NewApifyRunImporter(jc, storage, nil)
		result, err := importer.ExecuteJob(importJob(map[string]any{"apify_run_id": "apify-run-42"}))
		Expect(err).ToNot(HaveOccurred())

		imported := result.Data.(*ImportStats)
		Expect(imported.Created).To(BeZero())
		Expect(imported.SkippedExisting).To(Equal(1))

		// Nothing new means the import run is only partial.
		Expect(storage.runs[imported.RunID].Status).To(Equal(store.RunStatusPartial))
	})

	It("requires an apify_run_id", func() {
		importer := NewApifyRunImporter(jc, storage, nil)
		result, err := importer.ExecuteJob(importJob(map[string]any{}))

		Expect(err).To(HaveOccurred())
		Expect(result.Error).To(ContainSubstring("apify_run_id"))
	})

	It("fails non-retriably without an Apify token", func() {
		delete(jc, "apify_api_token")
		dataset.items = []json.RawMessage{datasetItem("i1", "thevenue")}

		importer := NewApifyRunImporter(jc, storage, nil)
		_, err := importer.ExecuteJob(importJob(map[string]any{"apify_run_id": "apify-run-42"}))

		Expect(err).To(HaveOccurred())
		Expect(IsAuthError(err)).To(BeTrue())
		Expect(IsRetriable(err)).To(BeFalse())

		for _, run := range storage.runs {
			Expect(run.Status).To(Equal(store.RunStatusError))
		}
	})

	It("recomputes the parent when linked", func() {
		dataset.items = []json.RawMessage{datasetItem("i1", "thevenue")}
		storage.runs["parent-1"] = &store.Run{ID: "parent-1", Status: store.RunStatusRunning}

		importer := NewApifyRunImporter(jc, storage, nil)
		_, err := importer.ExecuteJob(importJob(map[string]any{
			"apify_run_id":  "apify-run-42",
			"parent_run_id": "parent-1",
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(storage.recomputedParents).To(ContainElement("parent-1"))
	})
})

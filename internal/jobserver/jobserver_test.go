package jobserver_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	. "github.com/eventpulse/ig-events-worker/internal/jobserver"
	"github.com/eventpulse/ig-events-worker/internal/store"
)

// stubStorage satisfies the job layer's storage interface without a database.
type stubStorage struct {
	runs map[string]*store.Run
}

func newStubStorage() *stubStorage {
	return &stubStorage{runs: map[string]*store.Run{}}
}

func (s *stubStorage) GetAccount(id string) (*store.Account, error) {
	return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
}

func (s *stubStorage) GetAccountByUsername(username string) (*store.Account, error) {
	return nil, fmt.Errorf("account %q: %w", username, store.ErrNotFound)
}

func (s *stubStorage) KnownPostIDs(string) ([]string, error) { return nil, nil }

func (s *stubStorage) UpsertRawPost(*store.RawPost) error { return nil }

func (s *stubStorage) UpsertEvent(*store.Event) error { return nil }

func (s *stubStorage) SetRawPostLocalImage(int64, string) error { return nil }

func (s *stubStorage) UpdateRunStatus(string, store.RunStatus) error { return nil }

func (s *stubStorage) MergeRunMetadata(string, map[string]any) error { return nil }

func (s *stubStorage) FinishRun(string, store.RunStatus, int, int) error { return nil }

func (s *stubStorage) RecomputeParent(string) error { return nil }

func (s *stubStorage) UpdateAccountLastChecked(string) error { return nil }

func (s *stubStorage) FindRawPost(string, string) (*store.RawPost, error) { return nil, nil }

func (s *stubStorage) CreateRun(run *store.Run) error {
	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(s.runs)+1)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *stubStorage) GetRun(id string) (*store.Run, error) {
	if r, ok := s.runs[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
}

var _ = Describe("Jobserver", func() {
	It("assigns a UUID on submission and has no result before execution", func() {
		jobServer := NewJobServer(2, config.JobConfiguration{}, newStubStorage())

		uuid := jobServer.AddJob(types.Job{Type: "instagram-account-scraper", Arguments: types.JobArguments{"account_id": "a"}})
		Expect(uuid).ToNot(BeEmpty())

		_, exists := jobServer.GetJobResult(uuid)
		Expect(exists).To(BeFalse())
	})

	It("records an error result for unknown job types", func() {
		jobServer := NewJobServer(2, config.JobConfiguration{}, newStubStorage())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go jobServer.Run(ctx)

		uuid := jobServer.AddJob(types.Job{Type: "no-such-job"})

		Eventually(func() string {
			result, exists := jobServer.GetJobResult(uuid)
			if !exists {
				return ""
			}
			return result.Error
		}, "5s").Should(ContainSubstring("unknown job type"))
	})

	It("executes a job to completion and stops on non-retriable failures", func() {
		// No Apify token configured: the import job fails with an auth error,
		// which the retry policy treats as permanent.
		jobServer := NewJobServer(1, config.JobConfiguration{}, newStubStorage())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go jobServer.Run(ctx)

		uuid := jobServer.AddJob(types.Job{
			Type:      "apify-run-import",
			Arguments: types.JobArguments{"apify_run_id": "some-run"},
		})

		Eventually(func() string {
			result, exists := jobServer.GetJobResult(uuid)
			if !exists {
				return ""
			}
			return result.Error
		}, "5s").Should(ContainSubstring("authentication error"))
	})
})

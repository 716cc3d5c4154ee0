package instapify_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/api/types"
	. "github.com/eventpulse/ig-events-worker/internal/jobs/instapify"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

type mockCollector struct {
	run   func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error)
	calls []ActorRequest
}

func (m *mockCollector) RunAndCollect(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
	m.calls = append(m.calls, req)
	return m.run(req, opts)
}

var itemBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// item fabricates a dataset item; age pushes the timestamp back so lower ages
// are newer.
func item(shortcode, owner string, age int) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"shortCode":     shortcode,
		"ownerUsername": owner,
		"caption":       "caption for " + shortcode,
		"timestamp":     itemBase.Add(-time.Duration(age) * time.Minute).Format(time.RFC3339),
	})
	return raw
}

func postIDs(posts []types.Post) []string {
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	return ids
}

var _ = Describe("BatchFetcher", func() {
	It("fetches posts newest-first and truncates to the per-account limit", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				// Deliberately out of order; the fetcher sorts.
				return []json.RawMessage{
					item("p2", "acct", 2),
					item("p0", "acct", 0),
					item("p1", "acct", 1),
				}, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 0, 60)

		result, err := fetcher.FetchPostsBatch([]string{"acct"}, 2, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(postIDs(result["acct"])).To(Equal([]string{"p0", "p1"}))
	})

	It("splits a failing chunk in half to isolate the poisoned account", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				for _, u := range req.Usernames {
					if u == "charlie" {
						return nil, errors.New("actor choked on this account")
					}
				}
				var items []json.RawMessage
				for i, u := range req.Usernames {
					items = append(items, item(u+"-post", u, i))
				}
				return items, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 4, 60)

		result, err := fetcher.FetchPostsBatch([]string{"alice", "bob", "charlie", "dave"}, 5, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(postIDs(result["alice"])).To(Equal([]string{"alice-post"}))
		Expect(postIDs(result["bob"])).To(Equal([]string{"bob-post"}))
		Expect(postIDs(result["dave"])).To(Equal([]string{"dave-post"}))
		Expect(result["charlie"]).To(BeEmpty())

		// full chunk → [alice bob] → [charlie dave] → [charlie] → [dave]
		Expect(collector.calls).To(HaveLen(5))
		Expect(collector.calls[4].Usernames).To(Equal([]string{"dave"}))
	})

	It("propagates a timeout without splitting", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				return nil, fmt.Errorf("chunk run: %w", client.ErrRunTimeout)
			},
		}
		fetcher := NewBatchFetcher(collector, 4, 60)

		_, err := fetcher.FetchPostsBatch([]string{"alice", "bob", "charlie"}, 5, nil)
		Expect(err).To(MatchError(client.ErrRunTimeout))
		Expect(collector.calls).To(HaveLen(1))
	})

	It("cuts a bucket off after two consecutive known posts", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				items := make([]json.RawMessage, 0, 8)
				for i := 0; i < 8; i++ {
					items = append(items, item(fmt.Sprintf("p%d", i), "acct", i))
				}
				return items, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 0, 60)

		known := map[string]KnownSet{
			"acct": {"p3": {}, "p4": {}},
		}
		result, err := fetcher.FetchPostsBatch([]string{"acct"}, 10, known)
		Expect(err).ToNot(HaveOccurred())

		// The cutoff is positional: p5 onward is excluded even though those
		// posts are not themselves known.
		Expect(postIDs(result["acct"])).To(Equal([]string{"p0", "p1", "p2", "p3", "p4"}))
	})

	It("does not cut off on known posts separated by fresh ones", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				items := make([]json.RawMessage, 0, 6)
				for i := 0; i < 6; i++ {
					items = append(items, item(fmt.Sprintf("p%d", i), "acct", i))
				}
				return items, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 0, 60)

		known := map[string]KnownSet{
			"acct": {"p1": {}, "p3": {}},
		}
		result, err := fetcher.FetchPostsBatch([]string{"acct"}, 10, known)
		Expect(err).ToNot(HaveOccurred())
		Expect(postIDs(result["acct"])).To(Equal([]string{"p0", "p1", "p2", "p3", "p4", "p5"}))
	})

	It("drops items from owners outside the chunk", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				return []json.RawMessage{
					item("mine", "acct", 0),
					item("theirs", "somebody_else", 1),
				}, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 0, 60)

		result, err := fetcher.FetchPostsBatch([]string{"acct"}, 5, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(postIDs(result["acct"])).To(Equal([]string{"mine"}))
		Expect(result).ToNot(HaveKey("somebody_else"))
	})

	It("sizes the actor request to the whole chunk", func() {
		collector := &mockCollector{
			run: func(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error) {
				return nil, nil
			},
		}
		fetcher := NewBatchFetcher(collector, 4, 60)

		_, err := fetcher.FetchPostsBatch([]string{"alice", "bob"}, 10, nil)
		Expect(err).ToNot(HaveOccurred())

		req := collector.calls[0]
		Expect(req.ResultsLimit).To(Equal(20))
		Expect(req.MaxItems).To(Equal(20))
		Expect(req.DirectURLs).To(HaveLen(2))
		Expect(strings.Join(req.DirectURLs, " ")).To(ContainSubstring("instagram.com/alice"))
	})
})

package instapify

import (
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/pkg/client"
)

type fakeRunner struct {
	err   error
	items []json.RawMessage
	calls int
}

func (f *fakeRunner) Available() bool { return true }

func (f *fakeRunner) Run(actorID string, input any, waitSeconds int) ([]json.RawMessage, error) {
	f.calls++
	return f.items, f.err
}

type fakeApify struct {
	items []json.RawMessage
	err   error
	calls int
}

func (f *fakeApify) RunActorAndCollect(actorID string, input any, opts client.RunOptions) ([]json.RawMessage, error) {
	f.calls++
	return f.items, f.err
}

func (f *fakeApify) GetRunDatasetItems(runID string) ([]json.RawMessage, error) {
	return f.items, f.err
}

func (f *fakeApify) ValidateApiKey() error { return f.err }

var _ = Describe("InstagramApifyClient", func() {
	var (
		runner *fakeRunner
		rest   *fakeApify
		c      *InstagramApifyClient
	)

	req := ActorRequest{Usernames: []string{"acct"}}
	opts := client.RunOptions{TimeoutSeconds: 60}

	BeforeEach(func() {
		runner = &fakeRunner{items: []json.RawMessage{json.RawMessage(`{"shortCode":"from-runner"}`)}}
		rest = &fakeApify{items: []json.RawMessage{json.RawMessage(`{"shortCode":"from-rest"}`)}}
		c = &InstagramApifyClient{
			apifyClient:  rest,
			runner:       runner,
			preferRunner: true,
		}
	})

	It("uses the runner when it is preferred and healthy", func() {
		items, err := c.RunAndCollect(req, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(Equal(runner.items))
		Expect(rest.calls).To(BeZero())
	})

	It("switches to REST permanently after a fallback-eligible runner failure", func() {
		runner.err = &client.FallbackError{Err: errors.New("binary vanished"), ShouldFallback: true}

		items, err := c.RunAndCollect(req, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(Equal(rest.items))
		Expect(runner.calls).To(Equal(1))

		// Second call must not re-attempt the subprocess.
		_, err = c.RunAndCollect(req, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(runner.calls).To(Equal(1))
		Expect(rest.calls).To(Equal(2))
	})

	It("returns non-fallback runner failures as-is", func() {
		runner.err = &client.ClientError{Message: "monthly usage hard limit exceeded"}

		_, err := c.RunAndCollect(req, opts)
		Expect(err).To(MatchError(runner.err))
		Expect(rest.calls).To(BeZero())

		// The runner is not considered broken; the next call tries it again.
		runner.err = nil
		items, err := c.RunAndCollect(req, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(Equal(runner.items))
	})

	It("goes straight to REST when the runner was never available", func() {
		c.preferRunner = false

		items, err := c.RunAndCollect(req, opts)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(Equal(rest.items))
		Expect(runner.calls).To(BeZero())
	})
})

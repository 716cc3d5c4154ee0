package jobserver_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventpulse/ig-events-worker/api/types"
	. "github.com/eventpulse/ig-events-worker/internal/jobserver"
)

var _ = Describe("ResultCache", func() {
	It("stores and returns results", func() {
		cache := NewResultCache(10, time.Minute)

		cache.Set("a", types.JobResult{Data: "result-a"})

		result, exists := cache.Get("a")
		Expect(exists).To(BeTrue())
		Expect(result.Data).To(Equal("result-a"))

		_, exists = cache.Get("missing")
		Expect(exists).To(BeFalse())
	})

	It("evicts the oldest entry when over capacity", func() {
		cache := NewResultCache(3, time.Minute)

		for i := 0; i < 4; i++ {
			cache.Set(fmt.Sprintf("k%d", i), types.JobResult{})
		}

		_, exists := cache.Get("k0")
		Expect(exists).To(BeFalse())
		_, exists = cache.Get("k3")
		Expect(exists).To(BeTrue())
	})

	It("refreshes an updated entry's position", func() {
		cache := NewResultCache(2, time.Minute)

		cache.Set("a", types.JobResult{})
		cache.Set("b", types.JobResult{})
		cache.Set("a", types.JobResult{Data: "fresh"})
		cache.Set("c", types.JobResult{})

		// "b" was the oldest untouched entry.
		_, exists := cache.Get("b")
		Expect(exists).To(BeFalse())

		result, exists := cache.Get("a")
		Expect(exists).To(BeTrue())
		Expect(result.Data).To(Equal("fresh"))
	})

	It("expires entries past their max age", func() {
		cache := NewResultCache(10, 50*time.Millisecond)

		cache.Set("a", types.JobResult{})

		Eventually(func() bool {
			_, exists := cache.Get("a")
			return exists
		}, "2s").Should(BeFalse())
	})
})

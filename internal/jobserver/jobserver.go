package jobserver

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/jobs"
	"github.com/eventpulse/ig-events-worker/internal/jobs/stats"
)

// JobServer owns the in-process job queue: a fixed pool of workers draining
// one channel, with finished results parked in an LRU cache for polling.
type JobServer struct {
	sync.Mutex

	jobChan chan types.Job
	workers int

	results          *ResultCache
	jobConfiguration config.JobConfiguration
	statsCollector   *stats.StatsCollector

	jobWorkers map[string]*jobWorkerEntry
}

// jobWorkerEntry serializes execution per job type, so scrapers with
// provider-side rate limits never run concurrently against the same
// credentials.
type jobWorkerEntry struct {
	w worker
	sync.Mutex
}

func NewJobServer(workers int, jc config.JobConfiguration, storage jobs.Storage) *JobServer {
	logrus.Info("Initializing JobServer...")

	if workers <= 0 {
		logrus.Infof("Invalid worker count (%d), defaulting to 1 worker.", workers)
		workers = 1
	}

	bufSize, ok := jc["stats_buf_size"].(uint)
	if !ok {
		logrus.Info("stats_buf_size not provided or invalid in JobConfiguration. Defaulting to 128.")
		bufSize = 128
	}
	statsCollector := stats.StartCollector(bufSize)

	jobWorkers := map[string]*jobWorkerEntry{
		jobs.InstagramScraperType: {
			w: jobs.NewInstagramScraper(jc, storage, statsCollector),
		},
		jobs.ApifyRunImporterType: {
			w: jobs.NewApifyRunImporter(jc, storage, statsCollector),
		},
	}
	for jobType := range jobWorkers {
		logrus.Infof("Initialized job worker for: %s", jobType)
	}

	return &JobServer{
		jobChan:          make(chan types.Job),
		results:          NewResultCache(jc.GetInt("result_cache_max_size", 1000), jc.GetDuration("result_cache_max_age_seconds", 600)),
		workers:          workers,
		jobConfiguration: jc,
		statsCollector:   statsCollector,
		jobWorkers:       jobWorkers,
	}
}

// Run blocks until ctx is cancelled, processing jobs with the configured
// number of workers.
func (js *JobServer) Run(ctx context.Context) {
	for i := 0; i < js.workers; i++ {
		go js.worker(ctx)
	}

	<-ctx.Done()
}

// AddJob assigns the job a UUID and timeout and submits it for asynchronous
// processing. The returned UUID is the handle for result polling.
func (js *JobServer) AddJob(j types.Job) string {
	j.Timeout = js.jobConfiguration.GetDuration("job_timeout_seconds", 300)
	j.UUID = uuid.New().String()

	go func() {
		js.jobChan <- j
	}()

	return j.UUID
}

// GetJobResult returns the cached result for a job UUID, if it has finished
// and has not aged out of the cache.
func (js *JobServer) GetJobResult(uuid string) (types.JobResult, bool) {
	return js.results.Get(uuid)
}

// StatsJson exposes the worker's counters for the monitoring endpoint.
func (js *JobServer) StatsJson() ([]byte, error) {
	return js.statsCollector.Json()
}

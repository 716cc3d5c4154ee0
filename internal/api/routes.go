package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/jobs"
	"github.com/eventpulse/ig-events-worker/internal/jobserver"
	"github.com/eventpulse/ig-events-worker/internal/store"
)

// add enqueues one job of any registered type. The response carries the UUID
// used to poll /job/status.
func add(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		job := types.Job{}
		if err := c.Bind(&job); err != nil {
			return err
		}
		if job.Type == "" {
			return c.JSON(http.StatusBadRequest, types.JobError{Error: "job type is required"})
		}

		uuid := jobServer.AddJob(job)
		if uuid == "" {
			return c.JSON(http.StatusInternalServerError, types.JobError{Error: "Failed to add job"})
		}

		return c.JSON(http.StatusOK, types.JobResponse{UID: uuid})
	}
}

// status returns the result of a job. 404 until the job finishes or after its
// result ages out of the cache.
func status(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		res, exists := jobServer.GetJobResult(c.Param("job_id"))
		if !exists {
			return c.JSON(http.StatusNotFound, types.JobError{Error: "Job not found"})
		}

		if res.Error != "" {
			return c.JSON(http.StatusInternalServerError, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}

// runStore is the slice of the datastore the run-tracking handlers touch.
type runStore interface {
	CreateRun(run *store.Run) error
	GetRun(id string) (*store.Run, error)
	ChildRuns(parentID string) ([]store.Run, error)
}

// jobAdder enqueues jobs. Satisfied by *jobserver.JobServer.
type jobAdder interface {
	AddJob(j types.Job) string
}

// BatchScrapeRequest asks for a scrape of several accounts under one parent
// run. Every account gets its own child run row in queued state before the
// job is enqueued, so the parent's pending count covers scrapes no worker
// has picked up yet and the parent cannot terminalize early.
type BatchScrapeRequest struct {
	AccountIDs []string `json:"account_ids"`
	PostLimit  int      `json:"post_limit,omitempty"`
	BatchSize  int      `json:"batch_size,omitempty"`
}

type BatchScrapeResponse struct {
	ParentRunID string            `json:"parent_run_id"`
	Jobs        map[string]string `json:"jobs"` // account ID → job UUID
}

func scrapeBatch(jobServer jobAdder, storage runStore) func(c echo.Context) error {
	return func(c echo.Context) error {
		req := BatchScrapeRequest{}
		if err := c.Bind(&req); err != nil {
			return err
		}
		if len(req.AccountIDs) == 0 {
			return c.JSON(http.StatusBadRequest, types.JobError{Error: "account_ids is required"})
		}

		parent := &store.Run{
			SourceID: "instagram:batch",
			Status:   store.RunStatusQueued,
		}
		if err := storage.CreateRun(parent); err != nil {
			return c.JSON(http.StatusInternalServerError, types.JobError{Error: err.Error()})
		}

		jobIDs := make(map[string]string, len(req.AccountIDs))
		for _, accountID := range req.AccountIDs {
			child := &store.Run{
				SourceID:    "instagram:" + accountID,
				Status:      store.RunStatusQueued,
				ParentRunID: &parent.ID,
			}
			if err := storage.CreateRun(child); err != nil {
				return c.JSON(http.StatusInternalServerError, types.JobError{Error: err.Error()})
			}

			uuid := jobServer.AddJob(types.Job{
				Type: jobs.InstagramScraperType,
				Arguments: types.JobArguments{
					"account_id":    accountID,
					"post_limit":    req.PostLimit,
					"batch_size":    req.BatchSize,
					"run_id":        child.ID,
					"parent_run_id": parent.ID,
				},
			})
			jobIDs[accountID] = uuid
		}

		return c.JSON(http.StatusOK, BatchScrapeResponse{ParentRunID: parent.ID, Jobs: jobIDs})
	}
}

// importRun enqueues an apify-run-import job for an already-finished actor run.
func importRun(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		args := types.ImportJobArguments{}
		if err := c.Bind(&args); err != nil {
			return err
		}
		if args.ApifyRunID == "" {
			return c.JSON(http.StatusBadRequest, types.JobError{Error: "apify_run_id is required"})
		}

		uuid := jobServer.AddJob(types.Job{
			Type: jobs.ApifyRunImporterType,
			Arguments: types.JobArguments{
				"apify_run_id":  args.ApifyRunID,
				"parent_run_id": args.ParentRunID,
				"source_label":  args.SourceLabel,
			},
		})

		return c.JSON(http.StatusOK, types.JobResponse{UID: uuid})
	}
}

// RunStatusResponse is a run row together with its children, if any.
type RunStatusResponse struct {
	Run      *store.Run  `json:"run"`
	Children []store.Run `json:"children,omitempty"`
}

func runStatus(storage runStore) func(c echo.Context) error {
	return func(c echo.Context) error {
		runID := c.Param("run_id")

		run, err := storage.GetRun(runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.JSON(http.StatusNotFound, types.JobError{Error: "Run not found"})
			}
			return c.JSON(http.StatusInternalServerError, types.JobError{Error: err.Error()})
		}

		children, err := storage.ChildRuns(runID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, types.JobError{Error: err.Error()})
		}

		return c.JSON(http.StatusOK, RunStatusResponse{Run: run, Children: children})
	}
}

func workerStats(jobServer *jobserver.JobServer) func(c echo.Context) error {
	return func(c echo.Context) error {
		data, err := jobServer.StatsJson()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, types.JobError{Error: err.Error()})
		}
		return c.JSONBlob(http.StatusOK, data)
	}
}

package api

import (
	"context"
	"runtime"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/jobserver"
	"github.com/eventpulse/ig-events-worker/internal/store"
)

// Start wires the HTTP surface, starts the job server and blocks serving
// until the listener fails or ctx is cancelled.
func Start(ctx context.Context, cfg config.JobConfiguration, storage *store.Store) error {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLogLevel(cfg.GetString("log_level", "info")))

	jobServer := jobserver.NewJobServer(cfg.GetInt("max_jobs", 10), cfg, storage)
	go jobServer.Run(ctx)

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(APIKeyAuthMiddleware(cfg))

	// Health check endpoints (no auth required)
	e.GET(HealthCheckPath, Healthz())
	e.GET(ReadinessCheckPath, Readyz(jobServer, storage))

	if cfg.GetBool("profiling_enabled", false) {
		enableProfiling(e)
	}

	job := e.Group("/job")
	job.POST("/add", add(jobServer))
	job.GET("/status/:job_id", status(jobServer))

	e.POST("/scrape/batch", scrapeBatch(jobServer, storage))
	e.POST("/import/run", importRun(jobServer))
	e.GET("/run/:run_id", runStatus(storage))
	e.GET("/stats", workerStats(jobServer))

	go func() {
		<-ctx.Done()
		if err := e.Close(); err != nil {
			e.Logger.Error("Failed to close Echo server: ", err)
		}
	}()

	listenAddress := cfg.ListenAddress()
	e.Logger.Infof("Starting server on %s", listenAddress)
	return e.Start(listenAddress)
}

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func enableProfiling(e *echo.Echo) {
	e.Logger.Info("Enabling profiling - this may impact performance")

	runtime.SetBlockProfileRate(500)
	runtime.SetMutexProfileFraction(1)

	pprof.Register(e)
}

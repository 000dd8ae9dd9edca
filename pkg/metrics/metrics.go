package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics
var (
	WantedCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "panda_match_wanted_created_total",
		Help: "Wanted galleries created by crawlers",
	})

	MentionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "panda_match_mentions_created_total",
		Help: "Mentions recorded for wanted galleries",
	})

	FoundGalleries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "panda_match_found_galleries_total",
		Help: "Galleries confirmed as found for a wanted gallery",
	})

	GalleryMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "panda_match_gallery_matches_total",
		Help: "Candidate gallery matches staged for wanted galleries",
	})

	ArchiveMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_archive_matches_total",
		Help: "Candidate archive matches stored, by match type",
	}, []string{"match_type"})

	CrawlPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_crawl_pages_total",
		Help: "Pages fetched by auto-wanted crawlers",
	}, []string{"provider"})

	CrawlStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_crawl_stops_total",
		Help: "Query loops ended, by reason",
	}, []string{"provider", "reason"})

	HashesComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_hashes_computed_total",
		Help: "Hashes computed (cache misses), by algorithm",
	}, []string{"algorithm"})

	HashCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "panda_match_hash_cache_hits_total",
		Help: "Hashes served from the hash cache",
	})

	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_jobs_rejected_total",
		Help: "Job starts rejected because the same job was running",
	}, []string{"job"})

	WorkerTaskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_match_worker_task_failures_total",
		Help: "Archive worker task failures, by task",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(WantedCreated)
	prometheus.MustRegister(MentionsCreated)
	prometheus.MustRegister(FoundGalleries)
	prometheus.MustRegister(GalleryMatches)
	prometheus.MustRegister(ArchiveMatches)
	prometheus.MustRegister(CrawlPages)
	prometheus.MustRegister(CrawlStops)
	prometheus.MustRegister(HashesComputed)
	prometheus.MustRegister(HashCacheHits)
	prometheus.MustRegister(JobsRejected)
	prometheus.MustRegister(WorkerTaskFailures)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

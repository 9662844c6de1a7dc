package nauserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/nauha/pkg/nauserver/naucache"
	"github.com/function61/nauha/pkg/nauserver/naulibrary"
	"github.com/function61/nauha/pkg/nauserver/nauqueue"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/function61/nauha/pkg/scheduler"
	"github.com/samber/lo"
)

type statusResponse struct {
	Version string                     `json:"version"`
	Drives  []naulibrary.DriveSnapshot `json:"drives"`
	Orders  []nautypes.Order           `json:"orders"`
	Jobs    []scheduler.JobSpec        `json:"jobs"`
	Cache   naucache.Stats             `json:"cache"`
	Log     []string                   `json:"log"`
}

func (s *server) adminHandler() http.Handler {
	routes := httputils.NewMethodMux()

	routes.GET.Handle("/metrics", s.metrics.MetricsHTTPHandler())

	routes.GET.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, s.status())
	})

	routes.GET.HandleFunc("/order", func(w http.ResponseWriter, r *http.Request) {
		order, err := s.queue.Status(r.URL.Query().Get("id"))
		if err != nil {
			if errors.Is(err, nauqueue.ErrUnknownOrder) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		respondJSON(w, order)
	})

	routes.POST.HandleFunc("/jobs/trigger", func(w http.ResponseWriter, r *http.Request) {
		if err := s.triggerJob(r.URL.Query().Get("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})

	// operator has fixed the drive
	routes.POST.HandleFunc("/drives/clear-error", func(w http.ResponseWriter, r *http.Request) {
		driveIdx, err := strconv.Atoi(r.URL.Query().Get("drive"))
		if err != nil {
			http.Error(w, "bad drive", http.StatusBadRequest)
			return
		}

		if err := s.lib.ClearDriveError(driveIdx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	return routes
}

func (s *server) status() statusResponse {
	status := statusResponse{
		Version: dynversion.Version,
		Drives:  s.lib.Snapshot(),
		Orders:  s.queue.Snapshot(),
		Jobs:    []scheduler.JobSpec{},
		Cache:   s.cache.Stats(),
		Log:     []string{},
	}

	if s.jobs != nil {
		status.Jobs = s.jobs.Snapshot()
	}

	if s.logTail != nil {
		status.Log = s.logTail.Snapshot()
	}

	return status
}

func (s *server) triggerJob(id string) error {
	if s.jobs == nil {
		return errors.New("scheduler not running")
	}

	if !lo.ContainsBy(s.jobs.Snapshot(), func(job scheduler.JobSpec) bool { return job.ID == id }) {
		return fmt.Errorf("unknown job '%s'", id)
	}

	return s.jobs.Trigger(id)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := jsonfile.Marshal(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

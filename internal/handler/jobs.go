package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/form"
	"github.com/pkg/errors"
	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/infra/http_srv"
	"github.com/webitel/ffmpeg_batch/internal/model"
	"github.com/webitel/ffmpeg_batch/internal/utils"
)

const (
	detailsWorkers = 10
	pauseTimeout   = 30 * time.Second
)

type JobService interface {
	QueueJob(in model.JobInput) (*model.Job, error)
	Pause(ctx context.Context) error
	Resume()
	Paused() bool
	Busy() bool
}

type JobRepository interface {
	AllIDs() ([]model.JobID, error)
	Details(id model.JobID) *model.JobDetails
	OpenLog(id model.JobID) (io.ReadCloser, error)
}

type Jobs struct {
	log         *wlog.Logger
	svc         JobService
	repo        JobRepository
	decoder     *form.Decoder
	detailsList bool
}

type listQuery struct {
	Status  string `form:"status"`
	Details *bool  `form:"details"`
}

type jobSummary struct {
	ID     model.JobID  `json:"id"`
	Name   string       `json:"name"`
	Status model.Status `json:"status"`
}

type jobView struct {
	*model.JobDetails
	Name   string       `json:"name"`
	Status model.Status `json:"status"`
}

type runnerState struct {
	Paused bool `json:"paused"`
	Busy   bool `json:"busy"`
}

func NewJobs(cfg *config.Config, svc JobService, repo JobRepository, s *http_srv.Server, l *wlog.Logger) *Jobs {
	h := &Jobs{
		log:         l.With(wlog.String("handler", "jobs")),
		svc:         svc,
		repo:        repo,
		decoder:     form.NewDecoder(),
		detailsList: cfg.Service.DetailsList,
	}

	s.Route("/api", func(r chi.Router) {
		r.Get("/jobs", h.List)
		r.Post("/jobs", h.Create)
		r.Get("/jobs/{id}", h.Get)
		r.Get("/jobs/{status}/{id}", h.Get)
		r.Get("/logs/{id}", h.Log)
		r.Get("/logs/{status}/{id}", h.Log)
		r.Get("/runner", h.Runner)
		r.Post("/runner/pause", h.Pause)
		r.Post("/runner/resume", h.Resume)
	})

	return h
}

// List returns job summaries, newest name first, or full views ordered by
// last update when details are requested.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	var q listQuery
	if err := h.decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	status := model.ParseStatus(q.Status)
	if q.Status != "" && status == model.StatusUnknown {
		writeError(w, http.StatusBadRequest, errors.Errorf("unknown status %q", q.Status))
		return
	}

	all, err := h.repo.AllIDs()
	if err != nil {
		h.log.Error(err.Error(), wlog.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ids := make([]model.JobID, 0, len(all))
	for _, id := range all {
		if status == model.StatusUnknown || id.Status() == status {
			ids = append(ids, id)
		}
	}

	details := h.detailsList
	if q.Details != nil {
		details = *q.Details
	}

	if !details {
		res := make([]jobSummary, 0, len(ids))
		for _, id := range ids {
			res = append(res, jobSummary{ID: id, Name: id.DisplayName(), Status: id.Status()})
		}

		sort.SliceStable(res, func(i, j int) bool {
			return res[i].Name > res[j].Name
		})

		writeJSON(w, http.StatusOK, res)
		return
	}

	loaded := make([]*model.JobDetails, len(ids))
	utils.NewPool(r.Context(), detailsWorkers, len(ids)).Map(len(ids), func(i int) {
		loaded[i] = h.repo.Details(ids[i])
	})

	res := make([]jobView, 0, len(loaded))
	for _, d := range loaded {
		if d != nil {
			res = append(res, newJobView(d))
		}
	}

	sort.SliceStable(res, func(i, j int) bool {
		return updatedAt(res[i]).After(updatedAt(res[j]))
	})

	writeJSON(w, http.StatusOK, res)
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := h.repo.Details(id)
	if d == nil {
		writeError(w, http.StatusNotFound, errors.Errorf("job %s not found", id))
		return
	}

	writeJSON(w, http.StatusOK, newJobView(d))
}

func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var in model.JobInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid json"))
		return
	}

	job, err := h.svc.QueueJob(in)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, model.ErrInputNotFound):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	default:
		h.log.Error(err.Error(), wlog.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	d := h.repo.Details(job.ID)
	if d == nil {
		d = &model.JobDetails{Job: *job}
	}

	writeJSON(w, http.StatusCreated, newJobView(d))
}

// Log streams the whole job file: definition, script output and result.
func (h *Jobs) Log(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	f, err := h.repo.OpenLog(id)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, errors.Errorf("job %s not found", id))
			return
		}

		h.log.Error(err.Error(), wlog.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, f); err != nil {
		h.log.Debug(err.Error())
	}
}

func (h *Jobs) Runner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, runnerState{Paused: h.svc.Paused(), Busy: h.svc.Busy()})
}

func (h *Jobs) Pause(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pauseTimeout)
	defer cancel()

	if err := h.svc.Pause(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	h.Runner(w, r)
}

func (h *Jobs) Resume(w http.ResponseWriter, r *http.Request) {
	h.svc.Resume()
	h.Runner(w, r)
}

// jobIDFromRequest rebuilds the job id from "{id}" (claimed job) or
// "{status}/{id}".
func jobIDFromRequest(r *http.Request) (model.JobID, error) {
	raw := chi.URLParam(r, "id")

	if status := chi.URLParam(r, "status"); status != "" && model.Status(status) != model.StatusClaimed {
		raw = status + "/" + raw
	}

	return model.ParseJobID(raw)
}

func newJobView(d *model.JobDetails) jobView {
	return jobView{JobDetails: d, Name: d.ID.DisplayName(), Status: d.ID.Status()}
}

func updatedAt(v jobView) time.Time {
	if v.UpdatedAt == nil {
		return time.Time{}
	}

	return *v.UpdatedAt
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

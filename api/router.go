package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"rival_scrooper/models"
	"rival_scrooper/services"
)

const defaultPostsLimit = 50

// Scrapes accepts scrape requests.
type Scrapes interface {
	RequestScrape(ctx context.Context, in services.CreateJobInput) (*models.ScrapeJob, bool, error)
}

type JobReader interface {
	FindByID(ctx context.Context, id string) (*models.ScrapeJob, error)
	ListByCompany(ctx context.Context, companyID string, filter models.JobFilter) ([]models.ScrapeJob, error)
}

type PostReader interface {
	ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error)
}

type PostCache interface {
	Get(targetID, profileID string) ([]models.Post, bool)
	Generation(targetID string) uint64
	Set(targetID, profileID string, gen uint64, posts []models.Post) bool
}

type Deps struct {
	Scrapes Scrapes
	Jobs    JobReader
	Posts   PostReader
	Cache   PostCache // optional
	Events  http.HandlerFunc
}

type Router struct {
	Deps
	log *zap.SugaredLogger
}

func NewRouter(deps Deps, log *zap.SugaredLogger) *Router {
	return &Router{Deps: deps, log: log.Named("api")}
}

type scrapeRequest struct {
	TargetID   string            `json:"targetId"`
	TargetURL  string            `json:"targetUrl"`
	Platform   string            `json:"platform"`
	ScrapeType models.ScrapeType `json:"scrapeType"`
}

type scrapeResponse struct {
	Job     *models.ScrapeJob `json:"job"`
	Created bool              `json:"created"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		rt.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if rt.Events != nil {
		r.Get("/ws", rt.Events)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/companies/{companyID}/scrapes", rt.createScrape)
		r.Get("/companies/{companyID}/jobs", rt.listJobs)
		r.Get("/jobs/{jobID}", rt.getJob)
		r.Get("/targets/{targetID}/posts", rt.listPosts)
	})
	return r
}

func (rt *Router) createScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.fail(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.Platform == "" {
		req.Platform = "linkedin"
	}
	if req.ScrapeType == "" {
		req.ScrapeType = models.ScrapeTypePosts
	}

	job, created, err := rt.Scrapes.RequestScrape(r.Context(), services.CreateJobInput{
		CompanyID:  chi.URLParam(r, "companyID"),
		TargetID:   req.TargetID,
		TargetURL:  req.TargetURL,
		Platform:   req.Platform,
		ScrapeType: req.ScrapeType,
	})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			rt.fail(w, http.StatusBadRequest, verrs.Error(), nil)
			return
		}
		rt.fail(w, http.StatusInternalServerError, "could not start scrape", err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	rt.respond(w, status, scrapeResponse{Job: job, Created: created})
}

func (rt *Router) listJobs(w http.ResponseWriter, r *http.Request) {
	var filter models.JobFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status, err := models.ParseJobStatus(s)
		if err != nil {
			rt.fail(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		filter.Status = status
	}
	filter.TargetID = q.Get("targetId")
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			rt.fail(w, http.StatusBadRequest, "limit must be a number", nil)
			return
		}
		filter.Limit = n
	}

	jobs, err := rt.Jobs.ListByCompany(r.Context(), chi.URLParam(r, "companyID"), filter)
	if err != nil {
		rt.fail(w, http.StatusInternalServerError, "could not list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []models.ScrapeJob{}
	}
	rt.respond(w, http.StatusOK, jobs)
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.Jobs.FindByID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		rt.fail(w, http.StatusInternalServerError, "could not load job", err)
		return
	}
	if job == nil {
		rt.fail(w, http.StatusNotFound, "job not found", nil)
		return
	}
	rt.respond(w, http.StatusOK, job)
}

func (rt *Router) listPosts(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	profileID := r.URL.Query().Get("profileId")

	var gen uint64
	if rt.Cache != nil {
		if posts, ok := rt.Cache.Get(targetID, profileID); ok {
			rt.respond(w, http.StatusOK, posts)
			return
		}
		gen = rt.Cache.Generation(targetID)
	}

	posts, err := rt.Posts.ListPosts(r.Context(), targetID, profileID, defaultPostsLimit)
	if err != nil {
		rt.fail(w, http.StatusInternalServerError, "could not list posts", err)
		return
	}
	if posts == nil {
		posts = []models.Post{}
	}
	if rt.Cache != nil {
		rt.Cache.Set(targetID, profileID, gen, posts)
	}
	rt.respond(w, http.StatusOK, posts)
}

func (rt *Router) respond(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		rt.log.Errorw("failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		rt.log.Debugw("failed to write response", "error", err)
	}
}

func (rt *Router) fail(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		rt.log.Errorw("request failed", "status", status, "message", message, "error", err)
	}
	rt.respond(w, status, errorResponse{Error: message})
}

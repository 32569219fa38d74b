package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cardscan/internal/auth"
	"cardscan/internal/config"
	"cardscan/internal/models"
	"cardscan/internal/store"
	"cardscan/internal/telemetry"
)

// JobStore is the slice of the job store the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetOwnedJob(ctx context.Context, id, owner string) (models.Job, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]models.Job, error)
	GetResult(ctx context.Context, jobID string) (models.Result, error)
}

// Publisher hands accepted jobs to the broker.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Uploads allocates out-of-band upload destinations from the blob
// collaborator.
type Uploads interface {
	AllocateUpload(ctx context.Context, jobID, contentType string) (key, url string, err error)
}

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (bool, error)
}

// Server wires HTTP handlers for submission and status reads.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Publisher
	blobs    Uploads
	verifier *auth.Verifier
	limiter  Limiter
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, st JobStore, q Publisher, blobs Uploads, verifier *auth.Verifier, limiter Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		blobs:    blobs,
		verifier: verifier,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type submitRequest struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	UploadURL string `json:"upload_url"`
	UploadKey string `json:"upload_key"`
}

// handleSubmit accepts a job: allocate an upload destination, record the
// job as queued, publish the envelope. The upload itself happens out of
// band against the returned URL.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.cfg.ContentTypeAllowed(req.ContentType) {
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID := uuid.New().String()
	key, uploadURL, err := s.blobs.AllocateUpload(r.Context(), jobID, req.ContentType)
	if err != nil {
		log.Printf("allocate upload for job %s: %v", jobID, err)
		http.Error(w, "allocate upload failed", http.StatusInternalServerError)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:          jobID,
		Owner:       owner,
		ContentType: req.ContentType,
		InputKey:    key,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		log.Printf("create job %s: %v", jobID, err)
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Publish(r.Context(), models.Envelope{JobID: job.ID, Attempt: 0}); err != nil {
		// The row stays queued; an external sweep can republish it. The
		// caller must not treat the submission as accepted.
		log.Printf("publish job %s: %v", job.ID, err)
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}

	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		UploadURL: uploadURL,
		UploadKey: key,
	})
}

// jobView is the read projection: result only when completed, error only
// when failed.
type jobView struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempt_count"`
	Cards     []models.Card `json:"cards,omitempty"`
	Error     *jobError     `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type jobError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "id")

	job, err := s.store.GetOwnedJob(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "read job failed", http.StatusInternalServerError)
		return
	}

	view := jobView{
		ID:        job.ID,
		Status:    job.Status,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch job.Status {
	case models.StatusCompleted:
		res, err := s.store.GetResult(r.Context(), job.ID)
		if err != nil {
			http.Error(w, "read result failed", http.StatusInternalServerError)
			return
		}
		view.Cards = res.Cards
	case models.StatusFailed:
		ve := &jobError{}
		if job.ErrorKind != nil {
			ve.Kind = *job.ErrorKind
		}
		if job.LastError != nil {
			ve.Detail = *job.LastError
		}
		view.Error = ve
	}
	writeJSON(w, http.StatusOK, view)
}

type jobSummary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), owner, s.cfg.ListLimit)
	if err != nil {
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	summaries := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, jobSummary{ID: j.ID, Status: j.Status, CreatedAt: j.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

// handleDLQ returns dead-lettered job ids for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package server implements the HTTP surface (§6a): job CRUD, uploads, and
// repository registration, with request logging, panic recovery, and
// request-size limiting middleware wrapping every route.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/config"
	"github.com/jo-hoe/jobserver/internal/engine"
	"github.com/jo-hoe/jobserver/internal/jobs"
	"github.com/jo-hoe/jobserver/internal/jobserr"
	"github.com/jo-hoe/jobserver/internal/reaper"
	"github.com/jo-hoe/jobserver/internal/repository"
	"github.com/jo-hoe/jobserver/internal/staging"
)

// Authenticator resolves the authenticated OS username for a request. The
// shipped default only reads a trusted header; real shadow-file credential
// verification is out of scope (§1).
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts common.HeaderUser verbatim.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(common.HeaderUser))
	if user == "" {
		return "", jobserr.New(jobserr.AccessDenied, "missing "+common.HeaderUser+" header")
	}
	return user, nil
}

// Service bundles every collaborator the HTTP layer calls into.
type Service struct {
	Log           *slog.Logger
	Cfg           *config.Config
	Engine        *engine.Engine
	Staging       *staging.Area
	Repositories  *repository.Registry
	Reaper        *reaper.Reaper
	Authenticator Authenticator
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Authenticator == nil {
		svc.Authenticator = HeaderAuthenticator{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withCommon(svc.handleCreateJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs, svc.withCommon(svc.handleListJobs))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleGetJob))
	mux.HandleFunc(http.MethodDelete+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleDeleteJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/files", svc.withCommon(svc.handleUploadFile))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/start", svc.withCommon(svc.handleStartJob))

	mux.HandleFunc(http.MethodPost+" "+common.PathRepositories, svc.withCommon(svc.handleRegisterRepository))
	mux.HandleFunc(http.MethodGet+" "+common.PathRepositories, svc.withCommon(svc.handleListRepositories))

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if maxBytes := safeInt64(svc.Cfg.Server.MaxUploadSize); maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	}
}

type createJobRequest struct {
	Prompt     string       `json:"prompt"`
	Repository string       `json:"repository"`
	Options    jobs.Options `json:"options"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	user, err := svc.Authenticator.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, jobserr.Wrap(jobserr.InvalidInput, "decode request body", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.Repository) == "" {
		writeError(w, jobserr.New(jobserr.InvalidInput, "prompt and repository are required"))
		return
	}

	job, err := svc.Engine.CreateJob(user, req.Prompt, req.Repository, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (svc *Service) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if _, err := svc.Authenticator.Authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	jobID := r.PathValue("id")

	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		writeError(w, jobserr.Wrap(jobserr.InvalidInput, "parse multipart form", err))
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, jobserr.New(jobserr.InvalidInput, "file is required"))
		return
	}

	f, err := headers[0].Open()
	if err != nil {
		writeError(w, jobserr.Wrap(jobserr.Internal, "open uploaded file", err))
		return
	}
	defer func() { _ = f.Close() }()

	storedName, err := svc.Staging.Accept(jobID, headers[0].Filename, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"stored_name": storedName})
}

func (svc *Service) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if _, err := svc.Authenticator.Authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	jobID := r.PathValue("id")
	if err := svc.Engine.StartJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user, err := svc.Authenticator.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := r.PathValue("id")
	job, err := svc.Engine.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.User != user {
		writeError(w, jobserr.New(jobserr.AccessDenied, "job belongs to a different user"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user, err := svc.Authenticator.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := svc.Engine.ListUserJobs(user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (svc *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	user, err := svc.Authenticator.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := r.PathValue("id")
	job, err := svc.Engine.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.User != user {
		writeError(w, jobserr.New(jobserr.AccessDenied, "job belongs to a different user"))
		return
	}
	if err := svc.Reaper.Delete(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRepositoryRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

func (svc *Service) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := svc.Authenticator.Authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	var req registerRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, jobserr.Wrap(jobserr.InvalidInput, "decode request body", err))
		return
	}
	rec, err := svc.Repositories.Register(r.Context(), req.Name, req.URL, req.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (svc *Service) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	if _, err := svc.Authenticator.Authenticate(r); err != nil {
		writeError(w, err)
		return
	}
	all, err := svc.Repositories.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a jobserr.Kind onto an HTTP status code at the boundary
// (§7): NotFound->404, AccessDenied->403, InvalidInput->400, Timeout->504,
// else 500/503.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch jobserr.KindOf(err) {
	case jobserr.NotFound:
		status = http.StatusNotFound
	case jobserr.AccessDenied:
		status = http.StatusForbidden
	case jobserr.InvalidInput:
		status = http.StatusBadRequest
	case jobserr.Timeout:
		status = http.StatusGatewayTimeout
	case jobserr.CidxFailed, jobserr.GitFailed, jobserr.WorkspaceCreateFailed, jobserr.StagingMaterializeFailed:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

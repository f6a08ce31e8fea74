package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"cesar/internal/domain"
	"cesar/internal/download"
	"cesar/internal/jobs"
	"cesar/internal/store"
	"cesar/internal/telemetry"
)

var allStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusDownloading,
	domain.JobStatusProcessing,
	domain.JobStatusCompleted,
	domain.JobStatusError,
	domain.JobStatusPartial,
}

type healthResponse struct {
	Status       string             `json:"status"`
	Worker       string             `json:"worker"`
	CurrentJobID string             `json:"current_job_id,omitempty"`
	Telemetry    telemetry.Snapshot `json:"telemetry"`
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{
		Status:    "healthy",
		Worker:    "stopped",
		Telemetry: s.telemetry.Snapshot(),
	}
	if s.worker != nil && s.worker.Running() {
		resp.Worker = "running"
		resp.CurrentJobID, _ = s.worker.CurrentJobID()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getDiagnostics(c echo.Context) error {
	if s.diagnostics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Diagnostics not available")
	}
	return c.JSON(http.StatusOK, s.diagnostics())
}

func (s *Server) listJobs(c echo.Context) error {
	ctx := c.Request().Context()
	raw := c.QueryParam("status")

	var (
		list []domain.Job
		err  error
	)
	if raw == "" {
		list, err = s.repo.List(ctx)
	} else {
		status, ok := domain.ParseJobStatus(raw)
		if !ok {
			valid := lo.Map(allStatuses, func(st domain.JobStatus, _ int) string { return string(st) })
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("Invalid status: %s. Valid values: %s", raw, strings.Join(valid, ", ")))
		}
		list, err = s.repo.ListByStatus(ctx, status)
	}
	if err != nil {
		return err
	}
	if list == nil {
		list = []domain.Job{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.repo.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// retryJob re-queues a partial job to redo diarization.
func (s *Server) retryJob(c echo.Context) error {
	job, err := s.repo.RetryPartial(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrNotRetryable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}

	s.log.Info("job re-queued for diarization", "job_id", job.ID)
	s.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeStatus, Status: job.Status, Message: "retry requested"})
	return c.JSON(http.StatusAccepted, job)
}

// transcribeFile accepts a multipart upload and queues it.
func (s *Server) transcribeFile(c echo.Context) error {
	header, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "file is required")
	}
	if header.Size > s.maxUpload {
		return s.tooLarge()
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !download.ValidExtension(header.Filename) {
		return echo.NewHTTPError(http.StatusBadRequest, invalidTypeMessage("Invalid file type"))
	}

	diarize, err := formBool(c.FormValue("diarize"), true)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "diarize must be true or false")
	}
	minSpeakers, err := formInt(c.FormValue("min_speakers"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "min_speakers must be an integer")
	}
	maxSpeakers, err := formInt(c.FormValue("max_speakers"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "max_speakers must be an integer")
	}

	spec := jobs.Spec{
		ModelSize:   lo.CoalesceOrEmpty(c.FormValue("model"), s.model),
		Diarize:     diarize,
		MinSpeakers: minSpeakers,
		MaxSpeakers: maxSpeakers,
		AudioPath:   "pending",
	}
	if _, err := jobs.NewJob(spec, s.now()); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidJobMessage(err))
	}

	path, err := s.saveUpload(header, ext)
	if err != nil {
		return err
	}
	spec.AudioPath = path
	job, err := s.enqueue(c, spec)
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) saveUpload(header *multipart.FileHeader, ext string) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, s.maxUpload+1))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > s.maxUpload {
		err = s.tooLarge()
	}
	if err != nil {
		_ = os.Remove(path)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return "", err
		}
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

type urlRequest struct {
	URL     string        `json:"url"`
	Model   string        `json:"model"`
	Diarize diarizeOption `json:"diarize"`
}

// diarizeOption accepts either a boolean or
// {"enabled": bool, "min_speakers": n, "max_speakers": n}.
type diarizeOption struct {
	Enabled     bool
	MinSpeakers *int
	MaxSpeakers *int
}

func (d *diarizeOption) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*d = diarizeOption{Enabled: enabled}
		return nil
	}

	var obj struct {
		Enabled     *bool `json:"enabled"`
		MinSpeakers *int  `json:"min_speakers"`
		MaxSpeakers *int  `json:"max_speakers"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("diarize must be a boolean or an object")
	}
	*d = diarizeOption{
		Enabled:     obj.Enabled == nil || *obj.Enabled,
		MinSpeakers: obj.MinSpeakers,
		MaxSpeakers: obj.MaxSpeakers,
	}
	return nil
}

// transcribeURL queues a job for a remote source. Video platform URLs are
// downloaded by the worker; anything else is fetched before responding.
func (s *Server) transcribeURL(c echo.Context) error {
	req := urlRequest{Diarize: diarizeOption{Enabled: true}}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "url is required")
	}

	spec := jobs.Spec{
		AudioPath:   req.URL,
		ModelSize:   lo.CoalesceOrEmpty(req.Model, s.model),
		Diarize:     req.Diarize.Enabled,
		MinSpeakers: req.Diarize.MinSpeakers,
		MaxSpeakers: req.Diarize.MaxSpeakers,
		Download:    download.IsVideoURL(req.URL),
	}
	if _, err := jobs.NewJob(spec, s.now()); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, invalidJobMessage(err))
	}

	if !spec.Download {
		path, err := s.fetcher.Fetch(c.Request().Context(), req.URL)
		if err != nil {
			return s.fetchError(err)
		}
		spec.AudioPath = path
	}

	job, err := s.enqueue(c, spec)
	if err != nil {
		if !spec.Download {
			_ = os.Remove(spec.AudioPath)
		}
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) enqueue(c echo.Context, spec jobs.Spec) (domain.Job, error) {
	job, err := jobs.NewJob(spec, s.now())
	if err != nil {
		return domain.Job{}, echo.NewHTTPError(http.StatusBadRequest, invalidJobMessage(err))
	}
	if err := s.repo.Create(c.Request().Context(), job); err != nil {
		return domain.Job{}, err
	}
	s.log.Info("job created", "job_id", job.ID, "status", job.Status, "model", job.ModelSize, "diarize", job.Diarize)
	s.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeCreated, Status: job.Status})
	return job, nil
}

func (s *Server) fetchError(err error) error {
	if errors.Is(err, download.ErrTimeout) {
		return echo.NewHTTPError(http.StatusRequestTimeout, download.ErrTimeout.Error())
	}
	msg := err.Error()
	if domain.KindOf(err) != domain.KindInvalidURL && !strings.HasPrefix(msg, "Failed to download") {
		msg = "Failed to download from URL: " + msg
	}
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func (s *Server) tooLarge() error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("File too large. Maximum size is %d MB", s.maxUpload>>20))
}

func invalidTypeMessage(prefix string) string {
	return fmt.Sprintf("%s. Allowed extensions: %s", prefix, strings.Join(download.AllowedExtensions, ", "))
}

func invalidJobMessage(err error) string {
	return strings.TrimPrefix(err.Error(), jobs.ErrInvalidJob.Error()+": ")
}

func formBool(raw string, fallback bool) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}

func formInt(raw string) (*int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return &n, nil
}

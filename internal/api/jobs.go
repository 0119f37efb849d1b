package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sttools/convertd/internal/store"
)

// ingestChunkSize is the copy granularity for the multipart file part. The
// upload is never buffered whole; the ceiling is enforced mid-stream.
const ingestChunkSize = 1 << 20

// textFieldLimit bounds the non-file multipart fields.
const textFieldLimit = 64 << 10

var errUploadTooLarge = errors.New("upload exceeds size limit")

// jobView is the JSON shape of a job record.
type jobView struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func viewOf(job *store.Job) jobView {
	v := jobView{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: formatTime(job.CreatedAt),
	}
	if !job.StartedAt.IsZero() {
		v.StartedAt = formatTime(job.StartedAt)
	}
	if !job.CompletedAt.IsZero() {
		v.CompletedAt = formatTime(job.CompletedAt)
	}
	v.Error = job.Error
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// submissionForm collects the multipart fields of a job submission.
type submissionForm struct {
	jobID             string
	outputURL         string
	outputAuthToken   string
	callbackURL       string
	callbackAuthToken string

	originalFilename string
	stagedBytes      int64
	fileStaged       bool
}

// handleCreateJob ingests a multipart submission: admission control, stream
// the file part to disk, persist the record, enqueue. The upload is staged
// under a server-generated id and moved once the final job id is known, so
// an out-of-order job_id field cannot race the file part.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.storage.CheckDiskSpace() {
		submissionsRejected.WithLabelValues("low_disk").Inc()
		writeError(w, http.StatusServiceUnavailable, "Insufficient disk space")
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	stagingID := uuid.NewString()
	purgeStaging := func() { s.storage.CleanupJobDir(stagingID) }

	form, err := s.readSubmission(reader, stagingID)
	if err != nil {
		purgeStaging()
		if errors.Is(err, errUploadTooLarge) {
			submissionsRejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		s.logger.Error().
			Str("event", "ingest.failed").
			Err(err).
			Msg("multipart ingest failed")
		writeError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}

	if !form.fileStaged {
		purgeStaging()
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	if form.outputURL == "" {
		purgeStaging()
		writeError(w, http.StatusBadRequest, "missing output_url field")
		return
	}
	// SSRF policy is enforced at the outbound legs, not here: a blocked
	// output_url fails the job at upload time and a blocked callback_url is
	// dropped at delivery time. Ingress only warns so doomed targets show
	// up in the logs early.
	_ = s.guard.IsSafeURL(r.Context(), form.outputURL)
	if form.callbackURL != "" {
		_ = s.guard.IsSafeURL(r.Context(), form.callbackURL)
	}

	jobID := form.jobID
	if jobID == "" {
		jobID = stagingID
	}

	inputPath := filepath.Join(s.storage.JobDir(jobID), "input"+stagedExt(form.originalFilename))
	created, err := s.store.CreateJob(r.Context(), jobID, inputPath)
	if err != nil {
		purgeStaging()
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}
	if !created {
		// Idempotent resubmission: the first writer owns the job, this
		// upload is discarded untouched.
		purgeStaging()
		existing, err := s.store.GetJob(r.Context(), jobID)
		if err != nil || existing == nil {
			writeError(w, http.StatusInternalServerError, "Failed to load job")
			return
		}
		s.logger.Info().
			Str("event", "ingest.duplicate").
			Str("job_id", jobID).
			Msg("duplicate submission, returning existing record")
		writeJSON(w, http.StatusAccepted, viewOf(existing))
		return
	}

	if jobID != stagingID {
		if err := os.Rename(s.storage.JobDir(stagingID), s.storage.JobDir(jobID)); err != nil {
			purgeStaging()
			s.failIngest(r, jobID, "staging move failed")
			writeError(w, http.StatusInternalServerError, "Failed to stage upload")
			return
		}
	}

	err = s.store.Enqueue(r.Context(), store.Submission{
		JobID:             jobID,
		OutputURL:         form.outputURL,
		OutputAuthToken:   form.outputAuthToken,
		CallbackURL:       form.callbackURL,
		CallbackAuthToken: form.callbackAuthToken,
		OriginalFilename:  form.originalFilename,
	})
	if err != nil {
		s.storage.CleanupJobDir(jobID)
		s.failIngest(r, jobID, "enqueue failed")
		writeError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	jobsSubmitted.Inc()
	s.logger.Info().
		Str("event", "ingest.accepted").
		Str("job_id", jobID).
		Int64("bytes", form.stagedBytes).
		Str("filename", form.originalFilename).
		Msg("job accepted")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil || job == nil {
		// The record was just written; treat a read miss as transient and
		// answer from what we know.
		writeJSON(w, http.StatusAccepted, jobView{
			JobID:     jobID,
			Status:    string(store.StatusQueued),
			CreatedAt: formatTime(time.Now()),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

// readSubmission walks the multipart parts in order, streaming the file
// part into the staging directory and collecting the text fields.
func (s *Server) readSubmission(reader *multipart.Reader, stagingID string) (*submissionForm, error) {
	form := &submissionForm{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return form, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}

		if part.FormName() == "file" {
			form.originalFilename = filepath.Base(part.FileName())
			n, err := s.stageFile(part, stagingID, form.originalFilename)
			part.Close()
			if err != nil {
				return nil, err
			}
			form.stagedBytes = n
			form.fileStaged = true
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, textFieldLimit))
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("read field %s: %w", part.FormName(), err)
		}
		switch part.FormName() {
		case "job_id":
			form.jobID = strings.TrimSpace(string(value))
		case "output_url":
			form.outputURL = strings.TrimSpace(string(value))
		case "output_auth_token":
			form.outputAuthToken = string(value)
		case "callback_url":
			form.callbackURL = strings.TrimSpace(string(value))
		case "callback_auth_token":
			form.callbackAuthToken = string(value)
		}
	}
}

// stageFile streams the file part to input.<ext> under the staging dir in
// fixed-size reads, aborting as soon as the ceiling is crossed.
func (s *Server) stageFile(part io.Reader, stagingID, filename string) (int64, error) {
	dir, err := s.storage.CreateJobDir(stagingID)
	if err != nil {
		return 0, err
	}
	dst, err := os.Create(filepath.Join(dir, "input"+stagedExt(filename))) // #nosec G304
	if err != nil {
		return 0, fmt.Errorf("create staged input: %w", err)
	}
	defer dst.Close() //nolint:errcheck

	maxBytes := s.cfg.MaxUploadBytes()
	written, err := io.CopyBuffer(dst, io.LimitReader(part, maxBytes+1), make([]byte, ingestChunkSize))
	if err != nil {
		return written, fmt.Errorf("stage upload: %w", err)
	}
	if written > maxBytes {
		return written, errUploadTooLarge
	}
	if err := dst.Sync(); err != nil {
		return written, fmt.Errorf("sync staged input: %w", err)
	}
	return written, nil
}

func stagedExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 16 {
		return ".bin"
	}
	return ext
}

// failIngest marks a job failed when ingest dies after record creation.
func (s *Server) failIngest(r *http.Request, jobID, reason string) {
	if err := s.store.UpdateStatus(r.Context(), jobID, store.StatusFailed, "Ingest failed: "+reason); err != nil {
		s.logger.Error().
			Str("event", "ingest.fail_mark_failed").
			Str("job_id", jobID).
			Err(err).
			Msg("could not mark job failed")
	}
}

// handleGetJob returns the job record or 404.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if job == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

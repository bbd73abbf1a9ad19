package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/multitenancy"
	"github.com/sgd/backend/internal/render"
)

const maxRenderBody = 1 << 20 // 1 MiB

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req core.RenderRequest
	if err := decodeJSON(w, r, maxRenderBody, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.Render.Render(r.Context(), orgID, &req, render.ModeFinal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// asyncResponse answers POST /render/async. A cache hit carries the finished
// result inline; otherwise the job ID and its WebSocket stream.
type asyncResponse struct {
	JobID        string             `json:"job_id,omitempty"`
	Cached       bool               `json:"cached"`
	ContentHash  string             `json:"content_hash"`
	URL          string             `json:"url,omitempty"`
	WebsocketURL string             `json:"websocket_url,omitempty"`
	Result       *core.RenderResult `json:"result,omitempty"`
}

func (s *Server) handleRenderAsync(w http.ResponseWriter, r *http.Request) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req core.RenderRequest
	if err := decodeJSON(w, r, maxRenderBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// Reject invalid payloads up front; a queued job must be runnable.
	if err := req.Validate(s.Config.Ingest.RefURLAllowHosts); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.Queue.Enqueue(r.Context(), orgID, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := asyncResponse{Cached: res.Cached, ContentHash: res.ContentHash}
	if res.Cached {
		resp.Result = res.Result
		if len(res.Result.Assets) > 0 {
			resp.URL = res.Result.Assets[0].URL
		}
	} else {
		resp.JobID = res.JobID
		resp.WebsocketURL = "/ws/jobs/" + res.JobID
	}
	writeJSON(w, http.StatusOK, resp)
}

// jobResponse is the job status envelope.
type jobResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	ContentHash string  `json:"content_hash"`
	PreviewURL  string  `json:"preview_url,omitempty"`
	URL         string  `json:"url,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`

	Result *core.RenderResult `json:"result,omitempty"`
}

func jobProgress(state core.JobState) float64 {
	switch state {
	case core.JobQueued:
		return 0.1
	case core.JobRunning:
		return 0.5
	case core.JobPreviewReady:
		return 0.8
	default:
		return 1.0
	}
}

func jobEnvelope(job *core.Job) jobResponse {
	resp := jobResponse{
		JobID:       job.ID,
		Status:      string(job.State),
		Progress:    jobProgress(job.State),
		ContentHash: job.ContentHash,
		PreviewURL:  job.PreviewURL,
		Error:       job.Error,
		ErrorKind:   job.ErrorKind,
	}
	if job.State == core.JobCompleted && job.Result != nil {
		resp.Result = job.Result
		if len(job.Result.Assets) > 0 {
			resp.URL = job.Result.Assets[0].URL
		}
	}
	return resp
}

// loadOrgJob fetches a job and hides other orgs' jobs behind a 404.
func (s *Server) loadOrgJob(r *http.Request) (*core.Job, error) {
	orgID, err := multitenancy.OrgID(r.Context())
	if err != nil {
		return nil, err
	}
	jobID := mux.Vars(r)["id"]
	job, err := s.Queue.Status(r.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != orgID {
		return nil, core.Errorf(core.KindJobNotFound, "job %s not found", jobID)
	}
	return job, nil
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadOrgJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope(job))
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadOrgJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Queue.Cancel(r.Context(), job.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(core.JobCancelled)})
}

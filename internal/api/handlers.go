package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req visibility.DispatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type claimableResponse struct {
	Jobs []model.AcquisitionJob `json:"jobs"`
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := queue.ClaimRequest{WorkerID: q.Get("worker_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, resilience.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		req.Limit = n
	}
	if v := q.Get("providers"); v != "" {
		providers, invalid := model.ParseProviders(v)
		if len(invalid) > 0 {
			s.writeError(w, r, resilience.NewValidationError("providers", "unknown provider "+strings.Join(invalid, ", ")))
			return
		}
		req.Providers = providers
	}

	jobs, err := s.svc.Claimable(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.AcquisitionJob{}
	}
	writeJSON(w, http.StatusOK, claimableResponse{Jobs: jobs})
}

type claimRequest struct {
	JobIDs   []string `json:"job_ids"`
	WorkerID string   `json:"worker_id"`
}

type claimResponse struct {
	Claimed []string `json:"claimed"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, r, resilience.NewValidationError("worker_id", "is required"))
		return
	}
	if len(req.JobIDs) == 0 {
		s.writeError(w, r, resilience.NewValidationError("job_ids", "is required"))
		return
	}
	claimed, err := s.svc.Claim(r.Context(), req.JobIDs, req.WorkerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claimed == nil {
		claimed = []string{}
	}
	writeJSON(w, http.StatusOK, claimResponse{Claimed: claimed})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req queue.Completion
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.CompleteJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req visibility.IngestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.IngestTrial(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.WorkerHeartbeat
	if !decode(w, r, &hb) {
		return
	}
	if err := s.svc.Heartbeat(r.Context(), hb); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Verdict(r.Context(), chi.URLParam(r, "unitID"), visibility.VerdictOptions{
		Trials:         queryBool(r, "trials"),
		Hallucinations: queryBool(r, "hallucinations"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.BatchProgress(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.CancelBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGroundTruth(w http.ResponseWriter, r *http.Request) {
	var req visibility.GroundTruthRequest
	if !decode(w, r, &req) {
		return
	}
	brandID := chi.URLParam(r, "brandID")
	if req.Brand.ID != "" && req.Brand.ID != brandID {
		s.writeError(w, r, resilience.NewValidationError("brand.id", "does not match the path"))
		return
	}
	req.Brand.ID = brandID
	fs, err := s.svc.PutGroundTruth(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/enroll"
	"lmsBack/internal/installments/gateway"
	"lmsBack/internal/installments/repo"
	"lmsBack/internal/installments/split"
)

func (s *Server) handleChargeNow(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(":id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing schedule entry id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChargeTimeout)
	defer cancel()

	res, err := s.dispatcher.Dispatch(ctx, id, true)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrInvalidState), errors.Is(err, dispatch.ErrClaimLost), errors.Is(err, dispatch.ErrEnrollmentInactive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Errorf("installments: charge entry %s failed: %v", id, err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.logger.Infof("installments: %s charged entry %s: %s", actorFrom(r.Context()), id, res.Outcome)
	s.feed.Broadcast("charge_now", res)

	if res.Outcome == dispatch.OutcomeFailed {
		status := http.StatusPaymentRequired
		if res.Cause != nil {
			status = gateway.HTTPStatus(res.Cause)
		}
		writeJSON(w, status, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enroll.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	details, err := s.enrollments.Create(ctx, req)
	if err != nil {
		s.writeEnrollError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, makeDetailsResponse(details, nil))
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	details, err := s.enrollments.Get(ctx, id)
	if err != nil {
		s.writeEnrollError(w, err)
		return
	}
	payments, err := s.store.ListPayments(ctx, id)
	if err != nil {
		s.logger.Errorf("installments: list payments of %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load payments")
		return
	}
	writeJSON(w, http.StatusOK, makeDetailsResponse(details, payments))
}

func (s *Server) handleSetEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := enroll.Validate(req); err != nil {
		s.writeEnrollError(w, err)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	e, err := s.enrollments.SetStatus(ctx, id, req.Status)
	if err != nil {
		s.writeEnrollError(w, err)
		return
	}
	s.logger.Infof("installments: %s set enrollment %s to %s", actorFrom(r.Context()), id, e.Status)
	writeJSON(w, http.StatusOK, makeEnrollmentResponse(e))
}

func (s *Server) handleSplitPreview(w http.ResponseWriter, r *http.Request) {
	var req enroll.PlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	drafts, err := s.enrollments.Preview(req)
	if err != nil {
		s.writeEnrollError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedule": makeDraftResponses(drafts)})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	disputes, err := s.store.ListDisputes(ctx, id)
	if err != nil {
		s.logger.Errorf("installments: list disputes of %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load disputes")
		return
	}
	resp := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		resp = append(resp, makeDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disputes": resp})
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	issues, err := s.store.ListIssues(ctx, includeResolved, limit)
	if err != nil {
		s.logger.Errorf("installments: list issues failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load issues")
		return
	}
	resp := make([]issueResponse, 0, len(issues))
	for _, is := range issues {
		resp = append(resp, makeIssueResponse(is))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issues": resp})
}

func (s *Server) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	err := s.store.ResolveIssue(ctx, id, actorFrom(r.Context()), s.now())
	if err != nil {
		if errors.Is(err, repo.ErrStaleState) || errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "issue not found or already resolved")
			return
		}
		s.logger.Errorf("installments: resolve issue %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to resolve issue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) writeEnrollError(w http.ResponseWriter, err error) {
	var fields enroll.FieldErrors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": "validation failed", "fields": fields})
	case errors.Is(err, split.ErrInvalidPlan):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "enrollment not found")
	case errors.Is(err, enroll.ErrInvalidStatus):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Errorf("installments: enrollment request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package http

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"lmsBack/internal/installments/retry"
)

const cronSecretHeader = "X-Cron-Secret"

func (s *Server) cronAuthorized(r *http.Request) bool {
	secret := r.Header.Get(cronSecretHeader)
	if secret == "" || len(s.cfg.CronSecretHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.cfg.CronSecretHash, []byte(secret)) == nil
}

func (s *Server) handleCronRetry(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid cron secret")
		return
	}
	report, err := s.scheduler.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, retry.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Errorf("installments: retry run failed: %v", err)
		writeError(w, http.StatusInternalServerError, "retry run failed")
		return
	}
	s.feed.Broadcast("retry_run", report)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Errorf("installments: health check failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

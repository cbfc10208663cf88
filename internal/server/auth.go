package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/lazypower/restock/internal/common"
	"golang.org/x/crypto/bcrypt"
)

// requireRunSecret rejects the request before any work unless it carries the
// configured run secret as a Bearer token. With no secret configured the
// endpoint is closed.
func (s *Server) requireRunSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.RunSecret == "" && s.auth.RunSecretHash == "" {
			writeError(w, http.StatusServiceUnavailable, "run trigger disabled: no secret configured")
			return
		}

		token, ok := bearerToken(r)
		if !ok || !s.checkSecret(token) {
			s.log.Warn("run trigger unauthorized",
				"remote", r.RemoteAddr,
				"has_token", ok)
			writeError(w, http.StatusUnauthorized, common.ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkSecret(token string) bool {
	if s.auth.RunSecretHash != "" {
		err := bcrypt.CompareHashAndPassword([]byte(s.auth.RunSecretHash), []byte(token))
		return err == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.auth.RunSecret)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.engine.RunTimeout)
		defer cancel()
	}

	sum, err := s.engine.Run(ctx)
	if errors.Is(err, common.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.log.Error("triggered run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"summary": sum,
		})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

// Authenticate resolves the bearer token to a user and applies the per-user
// rate limit. A nil verifier rejects every request.
func Authenticate(verifier auth.TokenVerifier, limiter auth.RateLimiter, errs *pkgerrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				errs.Handle(w, r, pkgerrors.NewUnauthorizedError("authentication is not configured"))
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				errs.Handle(w, r, pkgerrors.NewUnauthorizedError(err.Error()))
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				msg := "Invalid token"
				switch {
				case errors.Is(err, auth.ErrExpiredToken):
					msg = "Token has expired"
				case errors.Is(err, auth.ErrInvalidSignature):
					msg = "Invalid token signature"
				}
				logger.Debug("Rejected bearer token", zap.Error(err))
				errs.Handle(w, r, pkgerrors.NewUnauthorizedError(msg))
				return
			}

			if limiter != nil {
				allowed, err := limiter.Allow(r.Context(), user.UserID)
				if err != nil {
					logger.Warn("Rate limiter failed, allowing request", zap.Error(err))
				} else if !allowed {
					appErr := pkgerrors.NewValidationError("rate limit exceeded").WithCode("RATE_LIMITED")
					appErr.HTTPStatus = http.StatusTooManyRequests
					errs.Handle(w, r, appErr)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.SetUserInContext(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("Missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("Invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// RequireInternalSecret admits only callers presenting the shared
// continuation secret.
func RequireInternalSecret(secret string, errs *pkgerrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.VerifySecret(secret, r.Header.Get(auth.InternalSecretHeader)) {
				errs.Handle(w, r, pkgerrors.NewUnauthorizedError("invalid internal secret"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

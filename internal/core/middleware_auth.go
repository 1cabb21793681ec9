package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"bagbot/internal/types"
)

// Authenticator verifies a bearer token presented to /v1.
type Authenticator interface {
	// Authenticate returns nil when token is valid, or an AppError with an
	// auth_* code.
	Authenticate(ctx context.Context, token string) error
}

// BcryptAuthenticator accepts the single token whose bcrypt hash it holds.
type BcryptAuthenticator struct {
	hash []byte
}

// NewBcryptAuthenticator validates hash and returns an authenticator for it.
func NewBcryptAuthenticator(hash string) (*BcryptAuthenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("token hash is not a bcrypt hash: %w", err)
	}
	return &BcryptAuthenticator{hash: []byte(hash)}, nil
}

// Authenticate compares token against the stored hash.
func (a *BcryptAuthenticator) Authenticate(_ context.Context, token string) error {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err)
	}
	return nil
}

// AuthMiddleware requires a valid "Authorization: Bearer <token>" header. With
// no Authenticator configured every request is rejected.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if s.Authenticator == nil {
			s.Logger.Error("authentication failed: no authenticator configured")
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
			return
		}

		if err := s.Authenticator.Authenticate(r.Context(), token); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeAuthTokenInvalid {
				s.Logger.Warn("authentication failed: token invalid",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
				return
			}
			s.Logger.Error("authentication failed: unexpected error",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value. The
// scheme is matched case-insensitively.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

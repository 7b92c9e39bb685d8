package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxGrantType contextKey = iota

// RequestGrantType returns the grant type of the token that authorized the
// request, or "". It is informational only; no handler branches on it.
func RequestGrantType(ctx context.Context) string {
	v, _ := ctx.Value(ctxGrantType).(string)
	return v
}

// RejectionRecorder counts requests refused with invalid_token.
type RejectionRecorder interface {
	RecordRejection()
}

// wwwAuthInvalid tells the client its token is unusable and it should
// refresh or log in again (RFC 6750 Section 3.1).
const wwwAuthInvalid = `Bearer error="invalid_token"`

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware returns HTTP middleware that validates Bearer tokens against
// store at the store's current time. Missing, unknown, superseded, and
// expired tokens all get a 401 with error code invalid_token.
func Middleware(store *Store, rejections RejectionRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				rejectInvalidToken(w, rejections, "missing bearer token")
				return
			}

			rec, validity := store.Check(token, store.Now())
			if validity != Valid {
				logger.Info("RESULT: 401 Unauthorized",
					slog.String("reason", validity.String()),
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				rejectInvalidToken(w, rejections, validity.Err().Error())
				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)

			ctx := context.WithValue(r.Context(), ctxGrantType, string(rec.GrantType))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectInvalidToken(w http.ResponseWriter, rejections RejectionRecorder, description string) {
	rejections.RecordRejection()
	w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}
